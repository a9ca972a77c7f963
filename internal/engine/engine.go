// Package engine implements the per-connection HTTP/1.1 request loop: it
// parses requests off the wire by hand (bounded header size, explicit
// Content-Length/chunked framing) and proxies them to the backend named by
// the current route snapshot, including raw-splice WebSocket passthrough.
//
// Grounding: httpserver.ServeHTTP supplies the header rewriting and
// backend-dial shape; this package replaces its httputil.ReverseProxy core
// with a hand-rolled reader/writer pair so the WebSocket upgrade path can
// hand off to netutil.BidirectionalCopy (the same splice primitive the TLS
// passthrough handler uses) instead of going through net/http at all.
package engine

import (
	"bufio"
	"fmt"
	"net"
	"strconv"
	"strings"
	"time"

	"github.com/Drew-Chase/minipx/internal/routetable"
	"go.uber.org/zap"
)

const (
	maxHeaderBytes    = 64 * 1024
	dialTimeout       = 10 * time.Second
	headerReadTimeout = 60 * time.Second
)

// Engine serves accepted connections for both the plaintext and
// TLS-terminated listeners; scheme tells it which one a given connection
// came from, for X-Forwarded-Proto and the HTTP->HTTPS redirect rule.
type Engine struct {
	table  *routetable.Table
	logger *zap.SugaredLogger
}

// New builds an Engine reading routes from table.
func New(table *routetable.Table, logger *zap.SugaredLogger) *Engine {
	return &Engine{table: table, logger: logger}
}

// Serve drives the request loop for one accepted connection until the
// client disconnects, a protocol error occurs, or the connection upgrades
// to a spliced WebSocket. It captures the route snapshot once at entry:
// a reload mid-connection never changes the routing decisions for
// requests already in flight on it, only for connections accepted after
// the swap.
func (e *Engine) Serve(conn net.Conn, scheme string) {
	defer conn.Close()

	snap := e.table.Current()
	clientIP, _, _ := net.SplitHostPort(conn.RemoteAddr().String())

	capped := &headCappedReader{r: conn, max: maxHeaderBytes}
	br := bufio.NewReaderSize(capped, 4096)

	for {
		capped.capping = true
		capped.n = 0
		_ = conn.SetReadDeadline(time.Now().Add(headerReadTimeout))
		method, target, proto, header, err := readRequestHead(br)
		capped.capping = false
		if err != nil {
			if !isClosedOrTimeout(err) {
				writeSimpleResponse(conn, 400, "Bad Request")
			}
			return
		}
		_ = conn.SetReadDeadline(time.Time{})

		hostHeader := header.Get("Host")
		if hostHeader == "" {
			hostHeader = extractHostFromTarget(target)
		}
		host := stripPort(strings.ToLower(hostHeader))
		if host == "" {
			writeSimpleResponse(conn, 400, "Bad Request")
			return
		}

		route, ok := snap.Lookup(host)
		if !ok {
			writeSimpleResponse(conn, 404, "Not Found")
			return
		}

		keepAlive := wantsKeepAlive(proto, header)

		if route.RedirectToHTTPS && scheme == "http" {
			writeRedirect(conn, host, target)
			if !keepAlive {
				return
			}
			if err := drainRequestBody(br, header); err != nil {
				return
			}
			continue
		}

		path, rawQuery := splitTargetPath(target)
		backendPort, forwardedPath := routetable.SelectSubroute(route, path)
		if rawQuery != "" {
			forwardedPath += "?" + rawQuery
		}
		backendAddr := fmt.Sprintf("%s:%d", route.BackendHost, backendPort)

		if isWebSocketUpgrade(header) {
			if err := e.handleWebSocketRequest(conn, br, method, forwardedPath, proto, header, backendAddr, clientIP, scheme, hostHeader); err != nil {
				e.logger.Debugw("websocket passthrough ended", "component", "engine", "host", host, "error", err)
			}
			return
		}

		more, err := e.forwardHTTP(conn, br, method, forwardedPath, proto, header, backendAddr, clientIP, scheme, hostHeader, keepAlive)
		if err != nil {
			e.logger.Debugw("request forwarding ended", "component", "engine", "host", host, "error", err)
		}
		if !more {
			return
		}
	}
}

// writeRedirect answers a 301 to https://host<original-path-and-query>,
// leaving the path and query exactly as the client sent them.
func writeRedirect(w net.Conn, host, target string) {
	location := "https://" + host + target
	body := "Redirecting to " + location + "\n"
	resp := "HTTP/1.1 301 Moved Permanently\r\n" +
		"Location: " + location + "\r\n" +
		"Content-Type: text/plain; charset=utf-8\r\n" +
		"Content-Length: " + strconv.Itoa(len(body)) + "\r\n" +
		"Connection: keep-alive\r\n\r\n" + body
	_, _ = w.Write([]byte(resp))
}
