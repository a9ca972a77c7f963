package engine

import (
	"net/http"
	"strings"
)

// hopByHopHeaders is the set of headers scoped to a single network hop
// that a proxy must not forward unchanged (RFC 2616 13.5.1). Upgrade and
// Connection are handled specially by the caller for the WebSocket case.
var hopByHopHeaders = []string{
	"Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"TE",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// stripHopByHop removes the fixed hop-by-hop headers plus any header
// named in a Connection header's token list (the standard mechanism for
// a sender to name additional per-hop headers).
func stripHopByHop(h http.Header, keepUpgrade bool) {
	for _, conn := range h.Values("Connection") {
		for _, tok := range strings.Split(conn, ",") {
			tok = strings.TrimSpace(tok)
			if keepUpgrade && strings.EqualFold(tok, "Upgrade") {
				continue
			}
			if tok != "" {
				h.Del(tok)
			}
		}
	}
	for _, name := range hopByHopHeaders {
		if keepUpgrade && (name == "Upgrade" || name == "Connection") {
			continue
		}
		h.Del(name)
	}
}

// setForwardingHeaders appends X-Forwarded-For with clientIP and sets
// X-Forwarded-Proto/X-Forwarded-Host on the request forwarded upstream.
func setForwardingHeaders(h http.Header, clientIP, scheme, originalHost string) {
	if clientIP != "" {
		if existing := h.Get("X-Forwarded-For"); existing != "" {
			h.Set("X-Forwarded-For", existing+", "+clientIP)
		} else {
			h.Set("X-Forwarded-For", clientIP)
		}
	}
	h.Set("X-Forwarded-Proto", scheme)
	h.Set("X-Forwarded-Host", originalHost)
}

// wantsKeepAlive reports whether proto/header indicate the sender wants
// the connection kept alive: HTTP/1.1 defaults to true unless "Connection:
// close" is present; HTTP/1.0 defaults to false unless "Connection:
// keep-alive" is present.
func wantsKeepAlive(proto string, h http.Header) bool {
	hasToken := func(name string) bool {
		for _, v := range h.Values("Connection") {
			for _, tok := range strings.Split(v, ",") {
				if strings.EqualFold(strings.TrimSpace(tok), name) {
					return true
				}
			}
		}
		return false
	}
	if hasToken("close") {
		return false
	}
	if proto == "HTTP/1.0" {
		return hasToken("keep-alive")
	}
	return true
}

// isWebSocketUpgrade reports whether the request carries a valid
// WebSocket upgrade: Upgrade: websocket, a Connection header naming
// Upgrade, and a Sec-WebSocket-Key.
func isWebSocketUpgrade(h http.Header) bool {
	if !strings.EqualFold(h.Get("Upgrade"), "websocket") {
		return false
	}
	if h.Get("Sec-WebSocket-Key") == "" {
		return false
	}
	found := false
	for _, v := range h.Values("Connection") {
		for _, tok := range strings.Split(v, ",") {
			if strings.EqualFold(strings.TrimSpace(tok), "upgrade") {
				found = true
			}
		}
	}
	return found
}
