package engine

import (
	"bufio"
	"fmt"
	"net"
	"net/http"
	"time"
)

// forwardHTTP dials the backend, relays one request/response pair, and
// reports whether the connection is eligible for another request
// (requires both sides to agree on keep-alive and the response framing to
// be determinate, i.e. not close-delimited).
func (e *Engine) forwardHTTP(conn net.Conn, br *bufio.Reader, method, target, proto string, header http.Header, backendAddr, clientIP, scheme, hostHeader string, clientKeepAlive bool) (more bool, err error) {
	backendConn, err := net.DialTimeout("tcp", backendAddr, dialTimeout)
	if err != nil {
		writeSimpleResponse(conn, 502, "Bad Gateway")
		return false, fmt.Errorf("dial backend %s: %w", backendAddr, err)
	}
	defer backendConn.Close()

	reqFraming := classifyBody(header)
	stripHopByHop(header, false)
	setForwardingHeaders(header, clientIP, scheme, hostHeader)
	header.Set("Connection", "keep-alive")

	if err := writeRequestHead(backendConn, method, target, proto, header, reqFraming); err != nil {
		return false, fmt.Errorf("write request to backend: %w", err)
	}
	if err := forwardRequestBody(backendConn, br, reqFraming); err != nil {
		return false, fmt.Errorf("forward request body: %w", err)
	}

	backendBR := bufio.NewReaderSize(backendConn, 4096)
	_ = backendConn.SetReadDeadline(time.Now().Add(dialTimeout))
	respProto, statusCode, status, respHeader, err := readResponseHead(backendBR)
	if err != nil {
		writeSimpleResponse(conn, 502, "Bad Gateway")
		return false, fmt.Errorf("read response from backend: %w", err)
	}
	_ = backendConn.SetReadDeadline(time.Time{})

	respFraming := classifyResponse(respHeader, statusCode)
	keepAlive := clientKeepAlive && wantsKeepAlive(respProto, respHeader) && !respFraming.closeDelim

	stripHopByHop(respHeader, false)
	if err := writeResponseHead(conn, respProto, statusCode, status, respHeader, respFraming, !keepAlive); err != nil {
		return false, fmt.Errorf("write response to client: %w", err)
	}
	if err := forwardResponseBody(conn, backendBR, respFraming); err != nil {
		return false, fmt.Errorf("forward response body: %w", err)
	}

	return keepAlive, nil
}
