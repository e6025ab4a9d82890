package server

import (
	"strconv"
	"strings"
)

// ProxyMode selects the tunnelling protocol used to reach a server.
type ProxyMode string

const (
	ProxySocks4 ProxyMode = "socks4"
	ProxySocks5 ProxyMode = "socks5"
	ProxyHTTP   ProxyMode = "http"
)

func (m ProxyMode) valid() bool {
	switch m {
	case ProxySocks4, ProxySocks5, ProxyHTTP:
		return true
	}
	return false
}

func (m ProxyMode) defaultPort() string {
	if m == ProxyHTTP {
		return "8080"
	}
	return "1080"
}

// Proxy describes how to reach Electrum servers through an intermediary.
// A nil *Proxy (or ParseProxy("none")) means "no proxy".
type Proxy struct {
	Mode     ProxyMode
	Host     string
	Port     string
	User     string
	Password string
}

// String renders the canonical "mode:host:port:user:password" form; an
// empty user or password is kept as an empty segment, so a proxy without
// credentials renders as "mode:host:port::".
func (p *Proxy) String() string {
	if p == nil {
		return "none"
	}
	parts := []string{string(p.Mode), p.Host, p.Port, p.User, p.Password}
	return strings.Join(parts, ":")
}

// ParseProxy decodes a proxy string. "none" (case-insensitive) yields a nil
// Proxy. Missing fields take the documented defaults: port 1080 for the
// socks modes, 8080 for http.
func ParseProxy(s string) (*Proxy, error) {
	if strings.EqualFold(s, "none") || s == "" {
		return nil, nil
	}
	args := strings.Split(s, ":")
	p := &Proxy{Mode: ProxySocks5, Host: "localhost"}

	n := 0
	if len(args) > n && ProxyMode(args[n]).valid() {
		p.Mode = ProxyMode(args[n])
		n++
	}
	if len(args) > n {
		p.Host = args[n]
		n++
	}
	if len(args) > n {
		p.Port = args[n]
		n++
		if _, err := strconv.Atoi(p.Port); err != nil {
			return nil, &ParseError{s, "invalid proxy port " + p.Port}
		}
	} else {
		p.Port = p.Mode.defaultPort()
	}
	if len(args) > n {
		p.User = args[n]
		n++
	}
	if len(args) > n {
		p.Password = args[n]
	}
	return p, nil
}
