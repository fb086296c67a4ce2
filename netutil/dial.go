// Package netutil holds small dialing helpers shared by the source adapters
// and the front-end dialer.
package netutil

import (
	"context"
	"errors"
	"net"

	px "golang.org/x/net/proxy"
)

// DialThroughContext runs a blocking px.Dialer.Dial on its own goroutine so a
// canceled/expired ctx abandons it immediately rather than waiting out
// whatever timeout the underlying dialer itself uses.
func DialThroughContext(ctx context.Context, dialer px.Dialer, network, address string) (net.Conn, error) {
	type result struct {
		conn net.Conn
		err  error
	}
	done := make(chan result, 1)
	go func() {
		conn, err := dialer.Dial(network, address)
		done <- result{conn, err}
	}()

	select {
	case <-ctx.Done():
		go func() {
			if r := <-done; r.conn != nil {
				r.conn.Close()
			}
		}()
		return nil, errors.New("dial canceled or timed out: " + ctx.Err().Error())
	case r := <-done:
		return r.conn, r.err
	}
}
