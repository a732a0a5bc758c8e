package objectstore

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"golang.org/x/net/http2"

	"github.com/grokify/objectstore/internal/config"
)

// ClientOptions configures the HTTP client used by the network backends
// (S3, Azure and GCS). The local and memory backends ignore it.
//
// A nil *ClientOptions is valid and means DefaultClientOptions().
type ClientOptions struct {
	// UserAgent is appended to the SDK's user agent.
	UserAgent string

	// ContentTypeMap maps a file extension (without the dot) to the
	// Content-Type stored with objects written under that extension.
	ContentTypeMap map[string]string

	// DefaultContentType is used when no ContentTypeMap entry matches.
	DefaultContentType string

	// ProxyURL routes every request through an HTTP proxy.
	ProxyURL string

	// AllowHTTP permits plain http:// endpoints. When false, requests to
	// non-TLS endpoints fail.
	AllowHTTP bool

	// AllowInsecure skips TLS certificate verification.
	AllowInsecure bool

	// Timeout bounds each request from connect to the end of the body.
	// 0 means no timeout.
	Timeout time.Duration

	// ConnectTimeout bounds dialing a connection.
	ConnectTimeout time.Duration

	// PoolIdleTimeout closes idle connections after this duration.
	PoolIdleTimeout time.Duration

	// PoolMaxIdlePerHost limits idle connections kept per host.
	PoolMaxIdlePerHost int

	// HTTP2KeepAliveInterval sends HTTP/2 pings on connections that have
	// received no frames for this long. 0 disables pings.
	HTTP2KeepAliveInterval time.Duration

	// HTTP2KeepAliveTimeout closes a connection whose ping is not answered
	// within this duration.
	HTTP2KeepAliveTimeout time.Duration

	// HTTP2KeepAliveWhileIdle keeps pinging connections without open
	// streams. Go's HTTP/2 health check always covers idle connections,
	// so this only matters together with HTTP2KeepAliveInterval.
	HTTP2KeepAliveWhileIdle bool

	// HTTP1Only disables HTTP/2.
	HTTP1Only bool

	// HTTP2Only speaks HTTP/2 without negotiation (prior knowledge on
	// plain connections).
	HTTP2Only bool

	// Retry configures retries of idempotent reads.
	Retry RetryConfig
}

// DefaultClientOptions returns ClientOptions with default values.
func DefaultClientOptions() *ClientOptions {
	return &ClientOptions{
		ConnectTimeout:     5 * time.Second,
		PoolIdleTimeout:    15 * time.Second,
		PoolMaxIdlePerHost: 64,
	}
}

// ClientOptionsFromMap creates ClientOptions from a string map.
// Supported keys:
//   - user_agent, default_content_type, proxy_url
//   - allow_http, allow_insecure, http1_only, http2_only,
//     http2_keep_alive_while_idle: truthy values are 1, true, on, yes, y
//   - timeout, connect_timeout, pool_idle_timeout, http2_keep_alive_interval,
//     http2_keep_alive_timeout: durations ("30s") or whole seconds
//   - pool_max_idle_per_host: integer
//   - retry_max_retries, retry_init_backoff, retry_max_backoff,
//     retry_backoff_base, retry_timeout: retry of idempotent reads
func ClientOptionsFromMap(m map[string]string) (*ClientOptions, error) {
	o := DefaultClientOptions()
	c := config.New(m)

	o.UserAgent = c.String("user_agent")
	o.DefaultContentType = c.String("default_content_type")
	o.ProxyURL = c.String("proxy_url")
	o.AllowHTTP, _ = c.Bool("allow_http")
	o.AllowInsecure, _ = c.Bool("allow_insecure")
	o.HTTP1Only, _ = c.Bool("http1_only")
	o.HTTP2Only, _ = c.Bool("http2_only")
	o.HTTP2KeepAliveWhileIdle, _ = c.Bool("http2_keep_alive_while_idle")

	durations := map[string]*time.Duration{
		"timeout":                   &o.Timeout,
		"connect_timeout":           &o.ConnectTimeout,
		"pool_idle_timeout":         &o.PoolIdleTimeout,
		"http2_keep_alive_interval": &o.HTTP2KeepAliveInterval,
		"http2_keep_alive_timeout":  &o.HTTP2KeepAliveTimeout,
		"retry_init_backoff":        &o.Retry.InitialDelay,
		"retry_max_backoff":         &o.Retry.MaxDelay,
		"retry_timeout":             &o.Retry.Timeout,
	}
	for key, dst := range durations {
		if _, set := c.Lookup(key); !set {
			continue
		}
		d, ok := c.Duration(key)
		if !ok {
			return nil, fmt.Errorf("objectstore: invalid duration for %s: %q", key, c.String(key))
		}
		*dst = d
	}

	if v, set := c.Lookup("pool_max_idle_per_host"); set {
		n, ok := c.Int("pool_max_idle_per_host")
		if !ok || n < 0 {
			return nil, fmt.Errorf("objectstore: invalid pool_max_idle_per_host: %q", v)
		}
		o.PoolMaxIdlePerHost = n
	}
	if v, set := c.Lookup("retry_max_retries"); set {
		n, ok := c.Int("retry_max_retries")
		if !ok || n < 0 {
			return nil, fmt.Errorf("objectstore: invalid retry_max_retries: %q", v)
		}
		o.Retry.MaxRetries = n
	}
	if v, set := c.Lookup("retry_backoff_base"); set {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil || f <= 0 {
			return nil, fmt.Errorf("objectstore: invalid retry_backoff_base: %q", v)
		}
		o.Retry.Multiplier = f
	}

	if err := o.Validate(); err != nil {
		return nil, err
	}
	return o, nil
}

// orDefault returns o, or the default options if o is nil.
func (o *ClientOptions) orDefault() *ClientOptions {
	if o == nil {
		return DefaultClientOptions()
	}
	return o
}

// Validate checks that the options are consistent.
func (o *ClientOptions) Validate() error {
	o = o.orDefault()
	if o.HTTP1Only && o.HTTP2Only {
		return errors.New("objectstore: http1_only and http2_only are mutually exclusive")
	}
	if o.ProxyURL != "" {
		if _, err := url.Parse(o.ProxyURL); err != nil {
			return fmt.Errorf("objectstore: invalid proxy url: %w", err)
		}
		if o.HTTP2Only {
			return errors.New("objectstore: proxy_url is not supported with http2_only")
		}
	}
	return nil
}

// CheckEndpoint returns an error if endpoint uses plain HTTP and AllowHTTP
// is not set.
func (o *ClientOptions) CheckEndpoint(endpoint string) error {
	o = o.orDefault()
	u, err := url.Parse(endpoint)
	if err != nil {
		return fmt.Errorf("objectstore: invalid endpoint %q: %w", endpoint, err)
	}
	if strings.EqualFold(u.Scheme, "http") && !o.AllowHTTP {
		return fmt.Errorf("objectstore: endpoint %q uses http but allow_http is not set", endpoint)
	}
	return nil
}

// ContentType returns the content type for an object written to p.
func (o *ClientOptions) ContentType(p Path) string {
	o = o.orDefault()
	if ext := p.Extension(); ext != "" {
		if ct, ok := o.ContentTypeMap[strings.ToLower(ext)]; ok {
			return ct
		}
	}
	return o.DefaultContentType
}

// HTTPClient builds the *http.Client the network backends use.
func (o *ClientOptions) HTTPClient() (*http.Client, error) {
	o = o.orDefault()
	if err := o.Validate(); err != nil {
		return nil, err
	}

	rt, err := o.transport()
	if err != nil {
		return nil, err
	}
	if !o.AllowHTTP {
		rt = httpsOnly{next: rt}
	}
	return &http.Client{Transport: rt, Timeout: o.Timeout}, nil
}

// ConfigureTransport applies the options to a transport owned by an SDK
// client, such as the AWS BuildableClient, which must keep its own
// *http.Transport. HTTP/2 uses the standard library's implementation.
// Unless AllowHTTP is set, t's Proxy func is wrapped to refuse plain HTTP
// requests; Clone keeps the wrapper.
func (o *ClientOptions) ConfigureTransport(t *http.Transport) error {
	o = o.orDefault()
	if err := o.Validate(); err != nil {
		return err
	}

	t.DialContext = o.dialer().DialContext
	if t.TLSClientConfig == nil {
		t.TLSClientConfig = &tls.Config{}
	}
	if o.AllowInsecure {
		t.TLSClientConfig.InsecureSkipVerify = true //nolint:gosec // opt-in via allow_insecure
	}
	if o.PoolIdleTimeout > 0 {
		t.IdleConnTimeout = o.PoolIdleTimeout
	}
	if o.PoolMaxIdlePerHost > 0 {
		t.MaxIdleConnsPerHost = o.PoolMaxIdlePerHost
	}
	if o.ProxyURL != "" {
		proxy, err := url.Parse(o.ProxyURL)
		if err != nil {
			return fmt.Errorf("objectstore: invalid proxy url: %w", err)
		}
		t.Proxy = http.ProxyURL(proxy)
	}

	t.ForceAttemptHTTP2 = !o.HTTP1Only
	switch {
	case o.HTTP1Only:
		t.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
	case o.HTTP2Only:
		var protocols http.Protocols
		protocols.SetHTTP2(true)
		protocols.SetUnencryptedHTTP2(o.AllowHTTP)
		t.Protocols = &protocols
	}
	if !o.HTTP1Only && o.HTTP2KeepAliveInterval > 0 {
		t.HTTP2 = &http.HTTP2Config{
			SendPingTimeout: o.HTTP2KeepAliveInterval,
			PingTimeout:     o.HTTP2KeepAliveTimeout,
		}
	}

	if !o.AllowHTTP {
		proxy := t.Proxy
		t.Proxy = func(req *http.Request) (*url.URL, error) {
			if err := checkHTTPS(req); err != nil {
				return nil, err
			}
			if proxy == nil {
				return nil, nil
			}
			return proxy(req)
		}
	}
	return nil
}

func (o *ClientOptions) dialer() *net.Dialer {
	return &net.Dialer{Timeout: o.ConnectTimeout, KeepAlive: 30 * time.Second}
}

func (o *ClientOptions) transport() (http.RoundTripper, error) {
	tlsConfig := &tls.Config{InsecureSkipVerify: o.AllowInsecure} //nolint:gosec // opt-in via allow_insecure
	dialer := o.dialer()

	if o.HTTP2Only {
		return &http2.Transport{
			TLSClientConfig: tlsConfig,
			AllowHTTP:       o.AllowHTTP,
			ReadIdleTimeout: o.HTTP2KeepAliveInterval,
			PingTimeout:     o.HTTP2KeepAliveTimeout,
			IdleConnTimeout: o.PoolIdleTimeout,
			DialTLSContext: func(ctx context.Context, network, addr string, cfg *tls.Config) (net.Conn, error) {
				if cfg == nil {
					// h2c: prior-knowledge HTTP/2 over a plain connection
					return dialer.DialContext(ctx, network, addr)
				}
				td := &tls.Dialer{NetDialer: dialer, Config: cfg}
				return td.DialContext(ctx, network, addr)
			},
		}, nil
	}

	t := &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           dialer.DialContext,
		TLSClientConfig:       tlsConfig,
		IdleConnTimeout:       o.PoolIdleTimeout,
		MaxIdleConnsPerHost:   o.PoolMaxIdlePerHost,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
		ForceAttemptHTTP2:     !o.HTTP1Only,
	}
	if o.ProxyURL != "" {
		proxy, err := url.Parse(o.ProxyURL)
		if err != nil {
			return nil, fmt.Errorf("objectstore: invalid proxy url: %w", err)
		}
		t.Proxy = http.ProxyURL(proxy)
	}

	if o.HTTP1Only {
		// A non-nil empty map disables the HTTP/2 upgrade.
		t.TLSNextProto = map[string]func(string, *tls.Conn) http.RoundTripper{}
		return t, nil
	}

	h2, err := http2.ConfigureTransports(t)
	if err != nil {
		return nil, fmt.Errorf("objectstore: configuring http2: %w", err)
	}
	if o.HTTP2KeepAliveInterval > 0 {
		h2.ReadIdleTimeout = o.HTTP2KeepAliveInterval
		if o.HTTP2KeepAliveTimeout > 0 {
			h2.PingTimeout = o.HTTP2KeepAliveTimeout
		}
	}
	return t, nil
}

// httpsOnly rejects requests that would travel over plain HTTP.
type httpsOnly struct {
	next http.RoundTripper
}

func (h httpsOnly) RoundTrip(req *http.Request) (*http.Response, error) {
	if err := checkHTTPS(req); err != nil {
		if req.Body != nil {
			_ = req.Body.Close()
		}
		return nil, err
	}
	return h.next.RoundTrip(req)
}

// checkHTTPS refuses plain HTTP requests. Link-local hosts stay reachable
// for instance metadata credentials.
func checkHTTPS(req *http.Request) error {
	if req.URL.Scheme != "https" && !isLinkLocal(req.URL.Hostname()) {
		return fmt.Errorf("objectstore: refusing %s request to %s: allow_http is not set", req.URL.Scheme, req.URL.Host)
	}
	return nil
}

func isLinkLocal(host string) bool {
	ip := net.ParseIP(host)
	return ip != nil && ip.IsLinkLocalUnicast()
}
