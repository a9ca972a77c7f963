package engine

import (
	"bufio"
	"errors"
	"io"
	"net/http"
	"net/http/httputil"
	"net/textproto"
	"strconv"
	"strings"
)

// responseFraming mirrors bodyFraming for the backend->client hop, plus
// closeDelimited for the legacy case of a response with neither
// Content-Length nor chunked encoding, ended only by the backend closing
// its connection.
type responseFraming struct {
	chunked       bool
	contentLength int64
	closeDelim    bool
}

// readResponseHead parses a status line and header block from br.
func readResponseHead(br *bufio.Reader) (proto string, statusCode int, status string, header http.Header, err error) {
	tp := textproto.NewReader(br)
	line, err := tp.ReadLine()
	if err != nil {
		return "", 0, "", nil, err
	}
	parts := strings.SplitN(line, " ", 3)
	if len(parts) < 2 {
		return "", 0, "", nil, errors.New("malformed status line")
	}
	proto = parts[0]
	statusCode, err = strconv.Atoi(parts[1])
	if err != nil {
		return "", 0, "", nil, errors.New("malformed status code")
	}
	status = line
	if len(parts) == 3 {
		status = parts[2]
	}

	mh, err := tp.ReadMIMEHeader()
	if err != nil && err != io.EOF {
		return "", 0, "", nil, err
	}
	return proto, statusCode, status, http.Header(mh), nil
}

func classifyResponse(header http.Header, statusCode int) responseFraming {
	if statusCode == 204 || statusCode == 304 || statusCode < 200 {
		return responseFraming{contentLength: 0}
	}
	for _, v := range header.Values("Transfer-Encoding") {
		if strings.EqualFold(strings.TrimSpace(v), "chunked") {
			return responseFraming{chunked: true}
		}
	}
	if cl := header.Get("Content-Length"); cl != "" {
		if n, err := strconv.ParseInt(cl, 10, 64); err == nil {
			return responseFraming{contentLength: n}
		}
	}
	return responseFraming{closeDelim: true}
}

// writeResponseHead writes the status line and headers toward the
// client, rewriting the framing headers to match what forwardResponseBody
// will actually send on this hop.
func writeResponseHead(w io.Writer, proto string, statusCode int, status string, header http.Header, framing responseFraming, forceClose bool) error {
	switch {
	case framing.chunked:
		header.Set("Transfer-Encoding", "chunked")
	case framing.contentLength > 0 || framing.contentLength == 0 && !framing.closeDelim:
		header.Set("Content-Length", strconv.FormatInt(framing.contentLength, 10))
	default:
		header.Del("Content-Length")
	}
	if forceClose {
		header.Set("Connection", "close")
	}
	if _, err := io.WriteString(w, proto+" "+strconv.Itoa(statusCode)+" "+status+"\r\n"); err != nil {
		return err
	}
	if err := header.Write(w); err != nil {
		return err
	}
	_, err := io.WriteString(w, "\r\n")
	return err
}

// forwardResponseBody copies the response body from br to w according to
// framing, re-chunking where the source was chunked.
func forwardResponseBody(w io.Writer, br *bufio.Reader, framing responseFraming) error {
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
	case framing.closeDelim:
		_, err := io.Copy(w, br)
		return err
	default:
		return nil
	}
}
