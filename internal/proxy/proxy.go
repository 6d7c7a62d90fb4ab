// Package proxy provides the egress gate for whitelist network policy.
// Sandboxed code gets no direct route out; it is pointed at this proxy,
// which only forwards to the hosts the execution's limits allow.
package proxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/http/httputil"
	"strings"
	"time"

	"github.com/rs/zerolog/log"
)

// EgressProxy is a forward proxy with a host allow-list.
type EgressProxy struct {
	server  *http.Server
	allowed map[string]bool
	addr    string
}

// New creates a proxy listening on 127.0.0.1:port that forwards only to the
// given hosts (hostname or hostname:port).
func New(port int, allowedHosts []string) *EgressProxy {
	allowed := make(map[string]bool, len(allowedHosts))
	for _, h := range allowedHosts {
		if h != "" {
			allowed[strings.ToLower(h)] = true
		}
	}

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	p := &EgressProxy{
		allowed: allowed,
		addr:    addr,
	}

	p.server = &http.Server{
		Addr:              addr,
		Handler:           http.HandlerFunc(p.handle),
		ReadHeaderTimeout: 10 * time.Second,
	}
	return p
}

// Addr returns the proxy's listen address, for injection as HTTP(S)_PROXY
// inside the sandbox environment.
func (p *EgressProxy) Addr() string {
	return "http://" + p.addr
}

func (p *EgressProxy) handle(w http.ResponseWriter, r *http.Request) {
	host := r.Host
	if r.Method == http.MethodConnect {
		host = r.RequestURI
	}

	if !p.hostAllowed(host) {
		log.Warn().Str("host", host).Msg("egress to non-whitelisted host refused")
		http.Error(w, "host not in egress whitelist", http.StatusForbidden)
		return
	}

	if r.Method == http.MethodConnect {
		p.tunnel(w, r)
		return
	}

	rp := &httputil.ReverseProxy{
		Director: func(req *http.Request) {
			req.URL.Scheme = "http"
			req.URL.Host = r.Host
		},
	}
	rp.ServeHTTP(w, r)
}

// tunnel handles CONNECT for TLS traffic: the proxy never sees plaintext, it
// only decides whether the destination is allowed.
func (p *EgressProxy) tunnel(w http.ResponseWriter, r *http.Request) {
	hijacker, ok := w.(http.Hijacker)
	if !ok {
		http.Error(w, "tunneling unsupported", http.StatusInternalServerError)
		return
	}

	upstream, err := net.DialTimeout("tcp", r.RequestURI, 10*time.Second)
	if err != nil {
		http.Error(w, "upstream unreachable", http.StatusBadGateway)
		return
	}

	client, _, err := hijacker.Hijack()
	if err != nil {
		_ = upstream.Close()
		return
	}

	_, _ = client.Write([]byte("HTTP/1.1 200 Connection Established\r\n\r\n"))

	go func() {
		defer func() { _ = upstream.Close() }()
		defer func() { _ = client.Close() }()
		_, _ = io.Copy(upstream, client)
	}()
	go func() {
		_, _ = io.Copy(client, upstream)
	}()
}

func (p *EgressProxy) hostAllowed(host string) bool {
	h := strings.ToLower(host)
	if p.allowed[h] {
		return true
	}
	if name, _, err := net.SplitHostPort(h); err == nil && p.allowed[name] {
		return true
	}
	return false
}

// Start begins listening. The server runs in a background goroutine.
func (p *EgressProxy) Start() error {
	ln, err := net.Listen("tcp", p.addr)
	if err != nil {
		return fmt.Errorf("egress proxy listen: %w", err)
	}
	go func() {
		_ = p.server.Serve(ln) // returns on Close/Shutdown
	}()
	return nil
}

// Close gracefully shuts down the proxy.
func (p *EgressProxy) Close(ctx context.Context) error {
	return p.server.Shutdown(ctx)
}
