package main

import (
	"context"
	"errors"
	"net"
	"testing"
	"time"

	"github.com/FrAqQ/viewer-command-center/control_plane/store"
)

func TestCheckAllRecordsOutcomes(t *testing.T) {
	s := store.NewMemoryStore()
	ctx := context.Background()

	s.CreateProxy(ctx, &store.Proxy{ProxyID: "good", Address: "10.0.0.1", Port: 8080})
	s.CreateProxy(ctx, &store.Proxy{ProxyID: "bad", Address: "10.0.0.2", Port: 8080, FailCount: 1})

	checker := NewProxyChecker(s, time.Minute)
	checker.dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
		if addr == "10.0.0.1:8080" {
			client, server := net.Pipe()
			server.Close()
			return client, nil
		}
		return nil, errors.New("connection refused")
	}

	checker.checkAll(ctx)

	proxies, _ := s.ListProxies(ctx)
	byID := make(map[string]*store.Proxy)
	for _, p := range proxies {
		byID[p.ProxyID] = p
	}

	if !byID["good"].Valid || byID["good"].FailCount != 0 {
		t.Errorf("expected good proxy valid with fail count 0, got %+v", byID["good"])
	}
	if byID["bad"].Valid || byID["bad"].FailCount != 2 {
		t.Errorf("expected bad proxy invalid with fail count 2, got %+v", byID["bad"])
	}
	if byID["good"].LastChecked.IsZero() || byID["bad"].LastChecked.IsZero() {
		t.Error("expected lastChecked to be recorded for both proxies")
	}
}

func TestCheckProxyTimeoutCountsAsFailure(t *testing.T) {
	checker := NewProxyChecker(store.NewMemoryStore(), time.Minute)
	checker.dial = func(ctx context.Context, network, addr string) (net.Conn, error) {
		<-ctx.Done()
		return nil, ctx.Err()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	if checker.CheckProxy(ctx, &store.Proxy{ProxyID: "p", Address: "10.0.0.1", Port: 8080}) {
		t.Error("expected timed-out probe to count as failure")
	}
}
