package main

import (
	"net"
	"strings"

	"github.com/basket/go-afm/internal/config"
)

// serverURL turns bind_addr into a base URL for the CLI commands. Wildcard
// hosts are dialed on loopback.
func serverURL(cfg config.Config) string {
	addr := strings.TrimSpace(cfg.BindAddr)
	if addr == "" {
		addr = config.DefaultBindAddr
	}
	if strings.HasPrefix(addr, "http://") || strings.HasPrefix(addr, "https://") {
		return strings.TrimRight(addr, "/")
	}
	if host, port, err := net.SplitHostPort(addr); err == nil {
		if host == "" || host == "0.0.0.0" || host == "::" {
			host = "127.0.0.1"
		}
		addr = net.JoinHostPort(host, port)
	}
	return "http://" + addr
}
