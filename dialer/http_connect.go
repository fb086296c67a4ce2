package dialer

import (
	"bufio"
	"encoding/base64"
	"fmt"
	"net"
	"net/http"
	"net/url"

	px "golang.org/x/net/proxy"
)

// httpConnectDialer is a px.Dialer over an HTTP/HTTPS proxy, for the
// oculus source's HTTP-classified items. golang.org/x/net/proxy only ships
// a SOCKS5 dialer, so this fills the gap with the plain CONNECT handshake
// net/http's own Transport performs against a configured proxy.
type httpConnectDialer struct {
	proxyAddr string
	auth      *px.Auth
}

func newHTTPConnectDialer(proxyAddr string, auth *px.Auth) px.Dialer {
	return &httpConnectDialer{proxyAddr: proxyAddr, auth: auth}
}

func (d *httpConnectDialer) Dial(network, addr string) (net.Conn, error) {
	conn, err := net.Dial(network, d.proxyAddr)
	if err != nil {
		return nil, fmt.Errorf("dial http proxy %s: %w", d.proxyAddr, err)
	}

	req := &http.Request{
		Method: http.MethodConnect,
		URL:    &url.URL{Opaque: addr},
		Host:   addr,
		Header: make(http.Header),
	}
	if d.auth != nil {
		creds := base64.StdEncoding.EncodeToString([]byte(d.auth.User + ":" + d.auth.Password))
		req.Header.Set("Proxy-Authorization", "Basic "+creds)
	}

	if err := req.Write(conn); err != nil {
		conn.Close()
		return nil, fmt.Errorf("write CONNECT request to %s: %w", d.proxyAddr, err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), req)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response from %s: %w", d.proxyAddr, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		conn.Close()
		return nil, fmt.Errorf("http proxy %s refused CONNECT to %s: %s", d.proxyAddr, addr, resp.Status)
	}

	return conn, nil
}
