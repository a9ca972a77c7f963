package engine

import (
	"bufio"
	"errors"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"net/textproto"
	"strconv"
	"strings"
)

var errHeadersTooLarge = errors.New("request header block exceeds size limit")

// headCappedReader enforces maxHeaderBytes while capping is true (during
// the header-parsing phase only); body reads that follow are uncapped so
// a large upload or long-lived WebSocket frame never trips it.
type headCappedReader struct {
	r       net.Conn
	max     int
	n       int
	capping bool
}

func (h *headCappedReader) Read(p []byte) (int, error) {
	n, err := h.r.Read(p)
	if h.capping {
		h.n += n
		if h.n > h.max {
			return n, errHeadersTooLarge
		}
	}
	return n, err
}

// readRequestHead parses a request line and header block off br. It does
// not touch the body. method/target/proto are returned exactly as they
// appeared on the wire.
func readRequestHead(br *bufio.Reader) (method, target, proto string, header http.Header, err error) {
	tp := textproto.NewReader(br)
	line, err := tp.ReadLine()
	if err != nil {
		return "", "", "", nil, err
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) != 3 || !strings.HasPrefix(parts[2], "HTTP/") {
		return "", "", "", nil, errors.New("malformed request line")
	}
	method, target, proto = parts[0], parts[1], parts[2]

	mh, err := tp.ReadMIMEHeader()
	if err != nil && err != io.EOF {
		return "", "", "", nil, err
	}
	return method, target, proto, http.Header(mh), nil
}

// splitTargetPath splits a request-target into its path and raw query,
// defaulting to "/" for an empty or asterisk path.
func splitTargetPath(target string) (path, rawQuery string) {
	if target == "" || target == "*" {
		return "/", ""
	}
	if i := strings.IndexByte(target, '?'); i >= 0 {
		return target[:i], target[i+1:]
	}
	return target, ""
}

// extractHostFromTarget recovers a Host from an absolute-form
// request-target when the client omitted the Host header (rare, but
// legal for HTTP/1.0 proxies).
func extractHostFromTarget(target string) string {
	if !strings.Contains(target, "://") {
		return ""
	}
	rest := target[strings.Index(target, "://")+3:]
	if i := strings.IndexByte(rest, '/'); i >= 0 {
		rest = rest[:i]
	}
	return rest
}

// stripPort drops a trailing ":port" from a Host header value.
func stripPort(host string) string {
	if i := strings.LastIndexByte(host, ':'); i >= 0 {
		if _, err := strconv.Atoi(host[i+1:]); err == nil {
			return host[:i]
		}
	}
	return host
}

// bodyFraming classifies how a request body is delimited so the
// engine can both read it correctly and pick its own framing toward the
// backend (Transfer-Encoding is hop-by-hop, so it is never forwarded
// unchanged; a chunked body is re-chunked, not relayed byte-for-byte).
type bodyFraming struct {
	chunked       bool
	contentLength int64 // -1 when chunked, 0 when absent
}

func classifyBody(header http.Header) bodyFraming {
	for _, v := range header.Values("Transfer-Encoding") {
		if strings.EqualFold(strings.TrimSpace(v), "chunked") {
			return bodyFraming{chunked: true, contentLength: -1}
		}
	}
	if cl := header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil && n > 0 {
			return bodyFraming{contentLength: n}
		}
	}
	return bodyFraming{}
}

// drainRequestBody consumes and discards a request body that the engine
// has decided not to forward (e.g. following a redirect response), so the
// connection stays aligned for the next pipelined request.
func drainRequestBody(br *bufio.Reader, header http.Header) error {
	framing := classifyBody(header)
	switch {
	case framing.chunked:
		_, err := io.Copy(io.Discard, httputil.NewChunkedReader(br))
		return err
	case framing.contentLength > 0:
		_, err := io.CopyN(io.Discard, br, framing.contentLength)
		return err
	default:
		return nil
	}
}

// writeRequestHead writes the request line and headers for the
// backend-bound hop. If the body is chunked, it adds its own
// Transfer-Encoding: chunked for this hop; contentLength, when positive,
// is forwarded as Content-Length.
func writeRequestHead(w io.Writer, method, target, proto string, header http.Header, framing bodyFraming) error {
	if framing.chunked {
		header.Set("Transfer-Encoding", "chunked")
	} else if framing.contentLength > 0 {
		header.Set("Content-Length", strconv.FormatInt(framing.contentLength, 10))
	}
	if _, err := io.WriteString(w, method+" "+target+" "+proto+"\r\n"); err != nil {
		return err
	}
	if err := header.Write(w); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

// forwardRequestBody copies the request body from br to w, re-chunking if
// the source was chunked and there was no known length up front.
func forwardRequestBody(w io.Writer, br *bufio.Reader, framing bodyFraming) error {
	switch {
	case framing.chunked:
		cw := httputil.NewChunkedWriter(w)
		if _, err := io.Copy(cw, httputil.NewChunkedReader(br)); err != nil {
			return err
		}
		return cw.Close()
	case framing.contentLength > 0:
		_, err := io.CopyN(w, br, framing.contentLength)
		return err
	default:
		return nil
	}
}

// writeSimpleResponse writes a minimal, connection-closing error response
// directly to conn; used for the 400/404/502 cases the engine handles
// itself rather than by dialing a backend.
func writeSimpleResponse(w io.Writer, status int, reason string) {
	body := reason + "\n"
	resp := "HTTP/1.1 " + strconv.Itoa(status) + " " + reason + "\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"Content-Length: " + strconv.Itoa(len(body)) + "\r\n" +
		"Connection: close\r\n\r\n" + body
	_, _ = io.WriteString(w, resp)
}

func isClosedOrTimeout(err error) bool {
	if err == nil {
		return false
	}
	if err == io.EOF {
		return true
	}
	var ne net.Error
	if errors.As(err, &ne) && ne.Timeout() {
		return true
	}
	return strings.Contains(err.Error(), "use of closed network connection")
}
