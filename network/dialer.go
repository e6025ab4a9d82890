package network

import (
	"bufio"
	"crypto/tls"
	"crypto/x509"
	"encoding/base64"
	"fmt"
	"net"
	"time"

	socks "github.com/btcsuite/go-socks/socks"

	"github.com/rt121212121/electrumsv/server"
)

// dialTimeout bounds how long opening a single connection (TCP handshake
// plus, for TLS servers, the TLS handshake) may take before the opener
// gives up and tries the next candidate server.
const dialTimeout = 10 * time.Second

// Dialer opens a net.Conn to a server.Key, optionally through a proxy.
type Dialer interface {
	Dial(key server.Key) (net.Conn, error)
}

// directDialer connects straight to the target, upgrading to TLS for
// server.ProtocolTLS keys. certVerifier, if non-nil, replaces the default
// certificate-chain verification (used for pinned self-signed certs
// recorded from a prior successful connection, mirroring the original's
// certificate-memorisation behaviour).
type directDialer struct {
	certVerifier func(key server.Key, rawCerts [][]byte) error
}

// NewDirectDialer returns a Dialer that connects without a proxy.
func NewDirectDialer(certVerifier func(key server.Key, rawCerts [][]byte) error) Dialer {
	return &directDialer{certVerifier: certVerifier}
}

func (d *directDialer) Dial(key server.Key) (net.Conn, error) {
	addr := net.JoinHostPort(key.Host, key.Port)
	conn, err := net.DialTimeout("tcp", addr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial %s: %w", addr, err)
	}
	if key.Protocol != server.ProtocolTLS {
		return conn, nil
	}
	return d.upgradeTLS(conn, key)
}

func (d *directDialer) upgradeTLS(conn net.Conn, key server.Key) (net.Conn, error) {
	cfg := &tls.Config{ServerName: key.Host}
	if d.certVerifier != nil {
		cfg.InsecureSkipVerify = true
		cfg.VerifyPeerCertificate = func(rawCerts [][]byte, _ [][]*x509.Certificate) error {
			return d.certVerifier(key, rawCerts)
		}
	}
	tlsConn := tls.Client(conn, cfg)
	tlsConn.SetDeadline(time.Now().Add(dialTimeout))
	if err := tlsConn.Handshake(); err != nil {
		conn.Close()
		return nil, fmt.Errorf("tls handshake with %s: %w", key.Host, err)
	}
	tlsConn.SetDeadline(time.Time{})
	return tlsConn, nil
}

// socksDialer tunnels through a SOCKS4 or SOCKS5 proxy using btcsuite's
// go-socks client, then performs the same optional TLS upgrade as
// directDialer.
type socksDialer struct {
	proxy        *server.Proxy
	certVerifier func(key server.Key, rawCerts [][]byte) error
}

// NewSocksDialer returns a Dialer that tunnels through proxy.
func NewSocksDialer(proxy *server.Proxy, certVerifier func(key server.Key, rawCerts [][]byte) error) Dialer {
	return &socksDialer{proxy: proxy, certVerifier: certVerifier}
}

func (d *socksDialer) Dial(key server.Key) (net.Conn, error) {
	cfg := &socks.Proxy{
		Addr:         net.JoinHostPort(d.proxy.Host, d.proxy.Port),
		Username:     d.proxy.User,
		Password:     d.proxy.Password,
		TorIsolation: false,
	}
	conn, err := cfg.Dial("tcp", net.JoinHostPort(key.Host, key.Port))
	if err != nil {
		return nil, fmt.Errorf("socks dial %s via %s: %w", key.Host, cfg.Addr, err)
	}
	if key.Protocol != server.ProtocolTLS {
		return conn, nil
	}
	direct := &directDialer{certVerifier: d.certVerifier}
	return direct.upgradeTLS(conn, key)
}

// httpConnectDialer tunnels through an HTTP proxy via the CONNECT method.
// No example repo in the corpus ships an HTTP CONNECT client, so this is
// hand-rolled against net/http's documented proxy handshake rather than a
// third-party dependency.
type httpConnectDialer struct {
	proxy        *server.Proxy
	certVerifier func(key server.Key, rawCerts [][]byte) error
}

// NewHTTPConnectDialer returns a Dialer that tunnels through an HTTP
// CONNECT proxy.
func NewHTTPConnectDialer(proxy *server.Proxy, certVerifier func(key server.Key, rawCerts [][]byte) error) Dialer {
	return &httpConnectDialer{proxy: proxy, certVerifier: certVerifier}
}

func (d *httpConnectDialer) Dial(key server.Key) (net.Conn, error) {
	proxyAddr := net.JoinHostPort(d.proxy.Host, d.proxy.Port)
	conn, err := net.DialTimeout("tcp", proxyAddr, dialTimeout)
	if err != nil {
		return nil, fmt.Errorf("dial http proxy %s: %w", proxyAddr, err)
	}
	conn.SetDeadline(time.Now().Add(dialTimeout))

	target := net.JoinHostPort(key.Host, key.Port)
	req := fmt.Sprintf("CONNECT %s HTTP/1.1\r\nHost: %s\r\n", target, target)
	if d.proxy.User != "" {
		req += "Proxy-Authorization: Basic " + basicAuth(d.proxy.User, d.proxy.Password) + "\r\n"
	}
	req += "\r\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		conn.Close()
		return nil, fmt.Errorf("http connect write: %w", err)
	}

	reader := bufio.NewReader(conn)
	status, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("http connect read status: %w", err)
	}
	if len(status) < 12 || status[9:12] != "200" {
		conn.Close()
		return nil, fmt.Errorf("http connect to %s failed: %s", target, status)
	}
	for {
		line, err := reader.ReadString('\n')
		if err != nil {
			conn.Close()
			return nil, fmt.Errorf("http connect read headers: %w", err)
		}
		if line == "\r\n" || line == "\n" {
			break
		}
	}
	conn.SetDeadline(time.Time{})

	if key.Protocol != server.ProtocolTLS {
		return conn, nil
	}
	direct := &directDialer{certVerifier: d.certVerifier}
	return direct.upgradeTLS(conn, key)
}

func basicAuth(user, pass string) string {
	return base64.StdEncoding.EncodeToString([]byte(user + ":" + pass))
}
