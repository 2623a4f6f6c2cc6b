package main

import (
	"context"
	"fmt"
	"log"
	"net"
	"time"

	"github.com/FrAqQ/viewer-command-center/control_plane/observability"
	"github.com/FrAqQ/viewer-command-center/control_plane/store"
)

const proxyCheckTimeout = 10 * time.Second

// ProxyChecker periodically probes every proxy in the pool. Validity is an
// advisory health indicator (fail-open): an invalid proxy is still usable if
// an operator insists, unlike the fail-closed capacity gate.
type ProxyChecker struct {
	store    store.Store
	interval time.Duration

	// dial is swappable for tests.
	dial func(ctx context.Context, network, addr string) (net.Conn, error)
}

func NewProxyChecker(s store.Store, interval time.Duration) *ProxyChecker {
	d := &net.Dialer{}
	return &ProxyChecker{
		store:    s,
		interval: interval,
		dial:     d.DialContext,
	}
}

func (c *ProxyChecker) Start(ctx context.Context) {
	go c.loop(ctx)
}

func (c *ProxyChecker) loop(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	log.Printf("Starting Proxy Health Checker (Interval: %v, Timeout: %v)", c.interval, proxyCheckTimeout)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.checkAll(ctx)
		}
	}
}

func (c *ProxyChecker) checkAll(ctx context.Context) {
	proxies, err := c.store.ListProxies(ctx)
	if err != nil {
		log.Printf("ProxyChecker: failed to list proxies: %v", err)
		return
	}

	for _, p := range proxies {
		if ctx.Err() != nil {
			return
		}
		valid := c.CheckProxy(ctx, p)
		if err := c.store.UpdateProxyCheck(ctx, p.ProxyID, valid, time.Now()); err != nil {
			log.Printf("ProxyChecker: failed to record check for %s: %v", p.ProxyID, err)
		}
	}
}

// CheckProxy probes TCP reachability of the proxy endpoint with a bounded
// wait. Timeout counts as failure.
func (c *ProxyChecker) CheckProxy(ctx context.Context, p *store.Proxy) bool {
	start := time.Now()
	defer func() {
		observability.ProxyCheckDuration.Observe(time.Since(start).Seconds())
	}()

	dialCtx, cancel := context.WithTimeout(ctx, proxyCheckTimeout)
	defer cancel()

	addr := fmt.Sprintf("%s:%d", p.Address, p.Port)
	conn, err := c.dial(dialCtx, "tcp", addr)
	if err != nil {
		observability.ProxyChecks.WithLabelValues("failed").Inc()
		return false
	}
	conn.Close()
	observability.ProxyChecks.WithLabelValues("ok").Inc()
	return true
}
