package main

import "testing"

func TestParseProxyListFormats(t *testing.T) {
	text := `
# pool A
10.0.0.1:8080
10.0.0.2:3128:alice:s3cret
bob:hunter2@10.0.0.3:1080

not-a-proxy
10.0.0.4:99999
`
	proxies, skipped := ParseProxyList(text)

	if skipped != 2 {
		t.Errorf("expected 2 skipped lines, got %d", skipped)
	}
	if len(proxies) != 3 {
		t.Fatalf("expected 3 proxies, got %d", len(proxies))
	}

	if proxies[0].Address != "10.0.0.1" || proxies[0].Port != 8080 || proxies[0].Username != "" {
		t.Errorf("unexpected proxy[0]: %+v", proxies[0])
	}
	if proxies[1].Address != "10.0.0.2" || proxies[1].Port != 3128 ||
		proxies[1].Username != "alice" || proxies[1].Password != "s3cret" {
		t.Errorf("unexpected proxy[1]: %+v", proxies[1])
	}
	if proxies[2].Address != "10.0.0.3" || proxies[2].Port != 1080 ||
		proxies[2].Username != "bob" || proxies[2].Password != "hunter2" {
		t.Errorf("unexpected proxy[2]: %+v", proxies[2])
	}

	for i, p := range proxies {
		if p.Valid {
			t.Errorf("proxy[%d] should start invalid until first health check", i)
		}
	}
}

func TestParseProxyListEmpty(t *testing.T) {
	proxies, skipped := ParseProxyList("\n\n# only comments\n")
	if len(proxies) != 0 || skipped != 0 {
		t.Errorf("expected nothing parsed or skipped, got %d/%d", len(proxies), skipped)
	}
}

func TestParseProxyLineRejectsBadPort(t *testing.T) {
	for _, line := range []string{"host:0", "host:-1", "host:port", ":8080"} {
		if _, ok := parseProxyLine(line); ok {
			t.Errorf("expected %q to be rejected", line)
		}
	}
}
