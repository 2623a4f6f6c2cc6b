package main

import (
	"strconv"
	"strings"

	"github.com/FrAqQ/viewer-command-center/control_plane/store"
)

// ParseProxyList parses a newline-separated proxy list. Supported line
// formats:
//
//	host:port
//	host:port:user:pass
//	user:pass@host:port
//
// Blank lines and lines starting with '#' are ignored. Returns the parsed
// proxies and the number of lines that could not be parsed.
func ParseProxyList(text string) ([]*store.Proxy, int) {
	var proxies []*store.Proxy
	skipped := 0

	for _, line := range strings.Split(text, "\n") {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		p, ok := parseProxyLine(line)
		if !ok {
			skipped++
			continue
		}
		proxies = append(proxies, p)
	}
	return proxies, skipped
}

func parseProxyLine(line string) (*store.Proxy, bool) {
	var user, pass, hostport string

	if at := strings.LastIndex(line, "@"); at >= 0 {
		// user:pass@host:port
		cred := line[:at]
		hostport = line[at+1:]
		credParts := strings.SplitN(cred, ":", 2)
		if len(credParts) != 2 {
			return nil, false
		}
		user, pass = credParts[0], credParts[1]
		return buildProxy(hostport, user, pass)
	}

	parts := strings.Split(line, ":")
	switch len(parts) {
	case 2:
		return buildProxy(line, "", "")
	case 4:
		// host:port:user:pass
		return buildProxy(parts[0]+":"+parts[1], parts[2], parts[3])
	default:
		return nil, false
	}
}

func buildProxy(hostport, user, pass string) (*store.Proxy, bool) {
	parts := strings.SplitN(hostport, ":", 2)
	if len(parts) != 2 || parts[0] == "" {
		return nil, false
	}
	port, err := strconv.Atoi(parts[1])
	if err != nil || port < 1 || port > 65535 {
		return nil, false
	}
	return &store.Proxy{
		Address:  parts[0],
		Port:     port,
		Username: user,
		Password: pass,
		// Unchecked proxies start invalid; the health checker promotes
		// them after the first successful probe.
		Valid: false,
	}, true
}
