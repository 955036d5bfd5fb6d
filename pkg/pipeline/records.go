package pipeline

import (
	"fmt"
	"net"

	"github.com/raidan-labs/provisiond/pkg/config"
)

// DefaultServices are the subdomains published when the configuration does
// not list its own.
var DefaultServices = []string{
	// frontends
	"ai", "console", "indicators",
	// backends
	"api", "sso", "core", "search",
	// tools
	"lab", "maps", "news", "viz", "shell",
	// ops and infra
	"ops", "s3", "cdn",
	"mail",
}

// GatewayLabel is the host every service subdomain points at.
const GatewayLabel = "gateway"

// Records returns the DNS records published for cfg: the configured set
// when present, otherwise the apex and gateway A records plus one proxied
// CNAME per service pointing at the gateway.
func Records(cfg *config.Provisioning) ([]config.DNSRecord, error) {
	if len(cfg.DNSRecords) > 0 {
		return append([]config.DNSRecord(nil), cfg.DNSRecords...), nil
	}

	ip := net.ParseIP(cfg.ServerAddress)
	if ip == nil {
		return nil, fmt.Errorf("serverAddress %q must be an IP address unless dnsRecords are given", cfg.ServerAddress)
	}
	addrType := "A"
	if ip.To4() == nil {
		addrType = "AAAA"
	}

	services := cfg.Services
	if len(services) == 0 {
		services = DefaultServices
	}
	gateway := GatewayLabel + "." + cfg.Domain

	records := make([]config.DNSRecord, 0, len(services)+2)
	records = append(records,
		config.DNSRecord{Name: "@", Type: addrType, Content: ip.String(), Proxied: true, TTL: 1},
		config.DNSRecord{Name: GatewayLabel, Type: addrType, Content: ip.String(), Proxied: true, TTL: 1},
	)
	for _, svc := range services {
		if svc == GatewayLabel {
			continue
		}
		records = append(records, config.DNSRecord{Name: svc, Type: "CNAME", Content: gateway, Proxied: true, TTL: 1})
	}
	return records, nil
}
