// Package relay implements the Streaming Relay Engine: it rewrites and
// forwards an inbound request to the account's upstream provider through
// that account's outbound proxy, streams the response back byte for byte,
// and extracts token usage from the tail of the stream (spec §4 component
// 6).
package relay

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"sync"
	"time"

	log "github.com/sirupsen/logrus"
	"golang.org/x/net/proxy"

	"github.com/relaybroker/ccrelay/internal/account"
)

// transportCache builds and caches an *http.Transport per outbound proxy
// configuration, so repeated requests through the same account reuse
// connections instead of re-resolving the dialer every time.
type transportCache struct {
	mu    sync.RWMutex
	byURL map[string]http.RoundTripper
}

func newTransportCache() *transportCache {
	return &transportCache{byURL: make(map[string]http.RoundTripper)}
}

// RoundTripperFor returns the transport to use for an account's outbound
// proxy, or nil for a direct connection when proxyCfg is nil.
func (c *transportCache) RoundTripperFor(proxyCfg *account.ProxyConfig) (http.RoundTripper, error) {
	if proxyCfg == nil || proxyCfg.Host == "" {
		return nil, nil
	}
	key := proxyCfg.URL()

	c.mu.RLock()
	rt := c.byURL[key]
	c.mu.RUnlock()
	if rt != nil {
		return rt, nil
	}

	proxyURL, err := url.Parse(key)
	if err != nil {
		return nil, fmt.Errorf("relay: parse proxy url: %w", err)
	}

	var transport *http.Transport
	switch proxyURL.Scheme {
	case "socks5":
		username := proxyURL.User.Username()
		password, _ := proxyURL.User.Password()
		var auth *proxy.Auth
		if username != "" {
			auth = &proxy.Auth{User: username, Password: password}
		}
		dialer, err := proxy.SOCKS5("tcp", proxyURL.Host, auth, proxy.Direct)
		if err != nil {
			return nil, fmt.Errorf("relay: build socks5 dialer: %w", err)
		}
		transport = &http.Transport{
			DialContext: func(ctx context.Context, network, addr string) (net.Conn, error) {
				return dialer.Dial(network, addr)
			},
		}
	case "http", "https":
		transport = &http.Transport{Proxy: http.ProxyURL(proxyURL)}
	default:
		return nil, fmt.Errorf("relay: unsupported proxy scheme %q", proxyURL.Scheme)
	}

	c.mu.Lock()
	c.byURL[key] = transport
	c.mu.Unlock()
	return transport, nil
}

// clientFor returns an *http.Client dialing through proxyCfg (or direct, if
// nil), logging the fallback when the proxy cannot be constructed so a
// misconfigured account degrades to direct dialing rather than failing
// every request outright.
func (c *transportCache) clientFor(proxyCfg *account.ProxyConfig, requestTimeout time.Duration) *http.Client {
	rt, err := c.RoundTripperFor(proxyCfg)
	if err != nil {
		log.WithError(err).Warn("relay: falling back to direct connection for account proxy")
		rt = nil
	}
	return &http.Client{
		Transport: rt,
		Timeout:   requestTimeout,
	}
}
