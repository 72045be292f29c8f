// Package httpclient provides a shared upstream HTTP client pool, keyed by
// connection options, so per-account egress proxy settings don't force a
// new Transport (and its connection pool) on every request.
package httpclient

import (
	"context"
	"crypto/tls"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"golang.org/x/net/proxy"
)

// Transport pool defaults.
const (
	defaultMaxIdleConns        = 100
	defaultMaxIdleConnsPerHost = 10
	defaultIdleConnTimeout     = 90 * time.Second
)

// Options are the parameters a shared client is built and cached from.
type Options struct {
	ProxyURL              string        // http/https/socks5 proxy URL, empty for direct
	Timeout               time.Duration
	ResponseHeaderTimeout time.Duration
	InsecureSkipVerify    bool
	ProxyStrict           bool // if true, a broken proxy returns an error instead of falling back to direct

	// Zero values fall back to the package defaults above.
	MaxIdleConns        int
	MaxIdleConnsPerHost int
	MaxConnsPerHost     int
}

// sharedClients caches *http.Client by Options so identical configurations
// reuse one Transport and its connection pool.
var sharedClients sync.Map

// GetClient returns the shared client for opts, building and caching it on
// first use.
func GetClient(opts Options) (*http.Client, error) {
	key := buildClientKey(opts)
	if cached, ok := sharedClients.Load(key); ok {
		if client, ok := cached.(*http.Client); ok {
			return client, nil
		}
	}

	client, err := buildClient(opts)
	if err != nil {
		if opts.ProxyStrict {
			return nil, err
		}
		fallback := opts
		fallback.ProxyURL = ""
		client, _ = buildClient(fallback)
	}

	actual, _ := sharedClients.LoadOrStore(key, client)
	if c, ok := actual.(*http.Client); ok {
		return c, nil
	}
	return client, nil
}

func buildClient(opts Options) (*http.Client, error) {
	transport, err := buildTransport(opts)
	if err != nil {
		return nil, err
	}

	return &http.Client{
		Transport: transport,
		Timeout:   opts.Timeout,
	}, nil
}

func buildTransport(opts Options) (*http.Transport, error) {
	maxIdleConns := opts.MaxIdleConns
	if maxIdleConns <= 0 {
		maxIdleConns = defaultMaxIdleConns
	}
	maxIdleConnsPerHost := opts.MaxIdleConnsPerHost
	if maxIdleConnsPerHost <= 0 {
		maxIdleConnsPerHost = defaultMaxIdleConnsPerHost
	}

	transport := &http.Transport{
		MaxIdleConns:          maxIdleConns,
		MaxIdleConnsPerHost:   maxIdleConnsPerHost,
		MaxConnsPerHost:       opts.MaxConnsPerHost, // 0 means unlimited
		IdleConnTimeout:       defaultIdleConnTimeout,
		ResponseHeaderTimeout: opts.ResponseHeaderTimeout,
	}

	if opts.InsecureSkipVerify {
		transport.TLSClientConfig = &tls.Config{InsecureSkipVerify: true}
	}

	proxyURL := strings.TrimSpace(opts.ProxyURL)
	if proxyURL == "" {
		return transport, nil
	}

	parsed, err := url.Parse(proxyURL)
	if err != nil {
		return nil, err
	}

	switch strings.ToLower(parsed.Scheme) {
	case "http", "https":
		transport.Proxy = http.ProxyURL(parsed)
	case "socks5", "socks5h":
		dialer, err := proxy.FromURL(parsed, proxy.Direct)
		if err != nil {
			return nil, err
		}
		transport.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
			return dialer.Dial(network, addr)
		}
	default:
		return nil, fmt.Errorf("unsupported proxy protocol: %s", parsed.Scheme)
	}

	return transport, nil
}

func buildClientKey(opts Options) string {
	return fmt.Sprintf("%s|%s|%s|%t|%t|%d|%d|%d",
		strings.TrimSpace(opts.ProxyURL),
		opts.Timeout.String(),
		opts.ResponseHeaderTimeout.String(),
		opts.InsecureSkipVerify,
		opts.ProxyStrict,
		opts.MaxIdleConns,
		opts.MaxIdleConnsPerHost,
		opts.MaxConnsPerHost,
	)
}

// EgressStat summarizes one cached shared client for the operator-facing
// debug surface (server.Handler.DebugEgressPool). Only the proxy's
// scheme+host are ever reported: the key embeds the full ProxyURL
// (including any basic-auth userinfo an operator pasted into an account's
// proxy_url), so it must never be surfaced verbatim.
type EgressStat struct {
	ProxyHost string `json:"proxy_host"` // "direct" for accounts with no egress proxy configured
	Timeout   time.Duration `json:"timeout"`
}

// EgressStats snapshots every pooled client currently cached, one entry
// per distinct per-account ProxyURL (plus one for the shared direct
// client, if built). Used by /debug/lb/egress-pool to let an operator see
// how many dedicated egress Transports the account pool has accumulated,
// since each one is a live connection pool of its own.
func EgressStats() []EgressStat {
	var out []EgressStat
	sharedClients.Range(func(key, value any) bool {
		k, ok := key.(string)
		if !ok {
			return true
		}
		client, ok := value.(*http.Client)
		if !ok {
			return true
		}
		out = append(out, EgressStat{ProxyHost: proxyHostFromKey(k), Timeout: client.Timeout})
		return true
	})
	return out
}

func proxyHostFromKey(key string) string {
	rawProxyURL := strings.SplitN(key, "|", 2)[0]
	if rawProxyURL == "" {
		return "direct"
	}
	parsed, err := url.Parse(rawProxyURL)
	if err != nil || parsed.Host == "" {
		return "unknown"
	}
	return parsed.Scheme + "://" + parsed.Host
}
