package engine

import (
	"bufio"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	"github.com/Drew-Chase/minipx/internal/netutil"
)

// handleWebSocketRequest dials the backend, replays the rewritten
// upgrade request, and waits for a 101 before handing the connection off
// to a raw bidirectional splice. minipx never parses WebSocket frames; it
// only recognizes the HTTP upgrade handshake, the same way the TLS
// passthrough handler never parses the TLS record beyond SNI. Any buffered
// bytes left in either bufio.Reader after the handshake are drained onto
// the raw connections before the splice starts, so no payload bytes are
// lost to buffering.
func (e *Engine) handleWebSocketRequest(conn net.Conn, br *bufio.Reader, method, target, proto string, header http.Header, backendAddr, clientIP, scheme, hostHeader string) error {
	backendConn, err := net.DialTimeout("tcp", backendAddr, dialTimeout)
	if err != nil {
		writeSimpleResponse(conn, 502, "Bad Gateway")
		return fmt.Errorf("dial backend: %w", err)
	}
	defer backendConn.Close()

	stripHopByHop(header, true)
	setForwardingHeaders(header, clientIP, scheme, hostHeader)

	if err := writeRequestHead(backendConn, method, target, proto, header, bodyFraming{}); err != nil {
		return fmt.Errorf("write upgrade request: %w", err)
	}

	backendBR := bufio.NewReaderSize(backendConn, 4096)
	_ = backendConn.SetReadDeadline(time.Now().Add(dialTimeout))
	respProto, statusCode, status, respHeader, err := readResponseHead(backendBR)
	if err != nil {
		writeSimpleResponse(conn, 502, "Bad Gateway")
		return fmt.Errorf("read upgrade response: %w", err)
	}
	_ = backendConn.SetReadDeadline(time.Time{})

	if statusCode != http.StatusSwitchingProtocols {
		framing := classifyResponse(respHeader, statusCode)
		if err := writeResponseHead(conn, respProto, statusCode, status, respHeader, framing, true); err != nil {
			return err
		}
		return forwardResponseBody(conn, backendBR, framing)
	}

	if err := writeResponseHead(conn, respProto, statusCode, status, respHeader, responseFraming{closeDelim: true}, false); err != nil {
		return err
	}

	if n := br.Buffered(); n > 0 {
		if _, err := io.CopyN(backendConn, br, int64(n)); err != nil {
			return err
		}
	}
	if n := backendBR.Buffered(); n > 0 {
		if _, err := io.CopyN(conn, backendBR, int64(n)); err != nil {
			return err
		}
	}

	toBackend, toClient := netutil.BidirectionalCopy(conn, backendConn)
	e.logger.Debugw("websocket splice closed",
		"component", "engine", "host", hostHeader, "backend", backendAddr,
		"bytes_to_backend", toBackend, "bytes_to_client", toClient)
	return nil
}
