package engine

import (
	"context"
	"net"
	"net/http"
	"net/url"
	"strings"

	"golang.org/x/net/proxy"

	"github.com/riptide-dl/riptide/internal/engine/types"
)

// NewClient builds an http.Client tuned for downloads: per-host connections
// capped at maxSegments+2, HTTP/1.1 keep-alive pooling, 300 s request
// timeout, 30 s connect timeout, proxy from the task options.
func NewClient(opts types.Options, maxSegments int) *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        types.DefaultMaxIdleConns,
		MaxIdleConnsPerHost: maxSegments + 2,
		MaxConnsPerHost:     maxSegments + 2,

		IdleConnTimeout:       types.DefaultIdleConnTimeout,
		TLSHandshakeTimeout:   types.DefaultTLSHandshakeTimeout,
		ResponseHeaderTimeout: types.DefaultResponseHeaderTimeout,

		// Files are usually already compressed.
		DisableCompression: true,

		DialContext: (&net.Dialer{
			Timeout:   types.DialTimeout,
			KeepAlive: types.KeepAliveDuration,
		}).DialContext,
	}

	configureProxy(transport, opts)

	return &http.Client{
		Timeout:   types.RequestTimeout,
		Transport: transport,
	}
}

func configureProxy(transport *http.Transport, opts types.Options) {
	if opts.ProxyURL == "" {
		transport.Proxy = http.ProxyFromEnvironment
		return
	}

	parsed, err := url.Parse(opts.ProxyURL)
	if err != nil {
		transport.Proxy = http.ProxyFromEnvironment
		return
	}

	scheme := opts.ProxyType
	if scheme == "" {
		scheme = parsed.Scheme
	}

	if strings.HasPrefix(scheme, "socks") {
		var auth *proxy.Auth
		if opts.ProxyUsername != "" {
			auth = &proxy.Auth{User: opts.ProxyUsername, Password: opts.ProxyPassword}
		}
		dialer, dialErr := proxy.SOCKS5("tcp", parsed.Host, auth, proxy.Direct)
		if dialErr != nil {
			transport.Proxy = http.ProxyFromEnvironment
			return
		}
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		}
		return
	}

	if opts.ProxyUsername != "" {
		parsed.User = url.UserPassword(opts.ProxyUsername, opts.ProxyPassword)
	}
	transport.Proxy = http.ProxyURL(parsed)
}
