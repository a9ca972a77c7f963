package netutil

import (
	"io"
	"net"
	"sync"
)

// BidirectionalCopy splices conn1 and conn2 until both directions have hit
// EOF or an error. This is the raw byte pipe the WebSocket upgrade path
// hands a connection pair to once the HTTP handshake completes: per the
// no-inactivity-timeout rule for an established WebSocket splice, this
// function never applies a deadline of its own and relies entirely on
// conn1/conn2 closing (client disconnect, backend disconnect, or listener
// shutdown tearing down the accepted conn) to unblock. It blocks until both
// directions are complete and half-closes each TCP destination with
// CloseWrite once its source direction hits EOF, so the still-open
// direction can still drain in-flight bytes before the peer notices. The
// byte counts it returns let the caller log how much traffic a spliced
// session actually carried.
func BidirectionalCopy(conn1, conn2 net.Conn) (conn1ToConn2, conn2ToConn1 int64) {
	var wg sync.WaitGroup
	wg.Add(2)

	splice := func(dst, src net.Conn, n *int64) {
		defer wg.Done()
		written, _ := io.Copy(dst, src)
		*n = written
		if tc, ok := dst.(*net.TCPConn); ok {
			_ = tc.CloseWrite()
		}
	}

	go splice(conn2, conn1, &conn1ToConn2)
	go splice(conn1, conn2, &conn2ToConn1)

	wg.Wait()
	return conn1ToConn2, conn2ToConn1
}
