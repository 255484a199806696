package httpclient

import (
	"context"
	"errors"
	"net"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/dnscache"
	"golang.org/x/time/rate"
)

const (
	DefaultTimeout         = 60 * time.Second
	DefaultMaxConnsPerHost = 20
	DefaultMaxIdleConns    = 100
	DefaultIdleConnTimeout = 90 * time.Second
	DefaultDrainDelay      = 250 * time.Millisecond
	DefaultDNSRefresh      = 5 * time.Minute
)

// PoolOptions sizes the connection pool behind one adapter.
type PoolOptions struct {
	Timeout         time.Duration
	MaxConnsPerHost int
	MaxIdleConns    int
	IdleConnTimeout time.Duration
	DrainDelay      time.Duration
	DNSRefresh      time.Duration

	// RequestsPerSecond limits outbound calls when positive.
	RequestsPerSecond float64
	Burst             int
}

func (o PoolOptions) withDefaults() PoolOptions {
	if o.Timeout <= 0 {
		o.Timeout = DefaultTimeout
	}
	if o.MaxConnsPerHost <= 0 {
		o.MaxConnsPerHost = DefaultMaxConnsPerHost
	}
	if o.MaxIdleConns <= 0 {
		o.MaxIdleConns = DefaultMaxIdleConns
	}
	if o.IdleConnTimeout <= 0 {
		o.IdleConnTimeout = DefaultIdleConnTimeout
	}
	if o.DrainDelay < 0 {
		o.DrainDelay = 0
	} else if o.DrainDelay == 0 {
		o.DrainDelay = DefaultDrainDelay
	}
	if o.DNSRefresh <= 0 {
		o.DNSRefresh = DefaultDNSRefresh
	}
	if o.Burst <= 0 {
		o.Burst = 1
	}
	return o
}

// Pool is a keep-alive connection pool with cached DNS resolution. It hands
// out two clients over the same transport: one bounded by Timeout for
// request/response calls, and one without a client timeout for streams,
// which are bounded by their context instead.
type Pool struct {
	opts      PoolOptions
	transport *http.Transport
	resolver  *dnscache.Resolver
	limiter   *rate.Limiter

	client *limitedClient
	stream *limitedClient

	stop     chan struct{}
	done     chan struct{}
	closeMu  sync.Once
	inflight atomic.Int64
}

// NewPool builds the transport and starts the DNS refresher.
func NewPool(opts PoolOptions) *Pool {
	opts = opts.withDefaults()

	p := &Pool{
		opts:     opts,
		resolver: &dnscache.Resolver{},
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}

	p.transport = &http.Transport{
		Proxy:                 http.ProxyFromEnvironment,
		DialContext:           p.dial,
		ForceAttemptHTTP2:     true,
		MaxIdleConns:          opts.MaxIdleConns,
		MaxIdleConnsPerHost:   opts.MaxConnsPerHost,
		MaxConnsPerHost:       opts.MaxConnsPerHost,
		IdleConnTimeout:       opts.IdleConnTimeout,
		TLSHandshakeTimeout:   10 * time.Second,
		ExpectContinueTimeout: time.Second,
	}

	if opts.RequestsPerSecond > 0 {
		p.limiter = rate.NewLimiter(rate.Limit(opts.RequestsPerSecond), opts.Burst)
	}

	p.client = &limitedClient{pool: p, client: &http.Client{Transport: p.transport, Timeout: opts.Timeout}}
	p.stream = &limitedClient{pool: p, client: &http.Client{Transport: p.transport}}

	go p.refresh()
	return p
}

func (p *Pool) dial(ctx context.Context, network, addr string) (net.Conn, error) {
	host, port, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, err
	}
	ips, err := p.resolver.LookupHost(ctx, host)
	if err != nil {
		return nil, err
	}

	dialer := net.Dialer{Timeout: 10 * time.Second, KeepAlive: 30 * time.Second}
	var lastErr error
	for _, ip := range ips {
		conn, err := dialer.DialContext(ctx, network, net.JoinHostPort(ip, port))
		if err == nil {
			return conn, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errors.New("no addresses resolved for " + host)
	}
	return nil, lastErr
}

func (p *Pool) refresh() {
	defer close(p.done)
	ticker := time.NewTicker(p.opts.DNSRefresh)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			p.resolver.Refresh(true)
		case <-p.stop:
			return
		}
	}
}

// Client returns the request/response client.
func (p *Pool) Client() HTTPClient { return p.client }

// StreamClient returns the client used for long-lived streaming bodies.
func (p *Pool) StreamClient() HTTPClient { return p.stream }

// Close stops the DNS refresher, gives in-flight requests DrainDelay to
// finish and then closes idle connections. Safe to call more than once.
func (p *Pool) Close() {
	p.closeMu.Do(func() {
		close(p.stop)
		<-p.done

		deadline := time.Now().Add(p.opts.DrainDelay)
		for p.inflight.Load() > 0 && time.Now().Before(deadline) {
			time.Sleep(10 * time.Millisecond)
		}
		p.transport.CloseIdleConnections()
	})
}

type limitedClient struct {
	pool   *Pool
	client *http.Client
}

func (c *limitedClient) Do(req *http.Request) (*http.Response, error) {
	if l := c.pool.limiter; l != nil {
		if err := l.Wait(req.Context()); err != nil {
			return nil, err
		}
	}
	c.pool.inflight.Add(1)
	defer c.pool.inflight.Add(-1)
	return c.client.Do(req)
}
