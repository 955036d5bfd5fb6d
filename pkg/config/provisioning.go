package config

import (
	"net"
	"sort"
	"strings"
)

// RequiredSecrets are the secret references every configuration must carry.
var RequiredSecrets = []string{"cloudflare_api_token"}

// Provisioning is the immutable input of a run. Secrets are referenced by
// handle and never embedded.
type Provisioning struct {
	// Domain is the tenant's apex domain. It identifies the tenant.
	Domain string `json:"domain" yaml:"domain" validate:"required,fqdn"`

	// AdminEmail receives certificate and DNS notifications.
	AdminEmail string `json:"adminEmail" yaml:"adminEmail" validate:"required,email"`

	// NetworkCIDR is the container network created for the stack.
	NetworkCIDR string `json:"networkCIDR" yaml:"networkCIDR" validate:"required,cidrv4"`

	// SecretRefs maps secret names to handles ("file:<path>" or "env:<VAR>").
	SecretRefs map[string]string `json:"secretRefs" yaml:"secretRefs" validate:"required,dive,keys,secretname,endkeys,secretref"`

	// ImagePins maps service names to pinned image versions.
	ImagePins map[string]string `json:"imagePins" yaml:"imagePins" validate:"dive,keys,servicename,endkeys,imagepin"`

	// ServerAddress is the host the stack is deployed to. Empty, loopback
	// and "localhost" select local mode, which skips DNS finalization.
	ServerAddress string `json:"serverAddress,omitempty" yaml:"serverAddress,omitempty" validate:"omitempty,ip|hostname_rfc1123"`

	// SSHUser is the login used for remote steps.
	SSHUser string `json:"sshUser,omitempty" yaml:"sshUser,omitempty" validate:"omitempty,max=32,username"`

	// SSHPort is the port used for remote steps.
	SSHPort int `json:"sshPort,omitempty" yaml:"sshPort,omitempty" validate:"omitempty,min=1,max=65535"`

	// Services lists the stack services that get a subdomain.
	Services []string `json:"services,omitempty" yaml:"services,omitempty" validate:"omitempty,dive,servicename"`

	// DNSRecords overrides the default record set.
	DNSRecords []DNSRecord `json:"dnsRecords,omitempty" yaml:"dnsRecords,omitempty" validate:"omitempty,dive"`
}

// DNSRecord is one record published during DNS finalization.
type DNSRecord struct {
	// Name is "@" for the apex or a single label.
	Name string `json:"name" yaml:"name" validate:"required,max=63"`

	// Type is the record type.
	Type string `json:"type" yaml:"type" validate:"required,oneof=A AAAA CNAME TXT"`

	// Content is the record value.
	Content string `json:"content" yaml:"content" validate:"required"`

	// Proxied routes traffic through the DNS provider's proxy.
	Proxied bool `json:"proxied" yaml:"proxied"`

	// TTL in seconds; 0 or 1 means automatic.
	TTL int `json:"ttl,omitempty" yaml:"ttl,omitempty" validate:"omitempty,min=1,max=86400"`
}

// FQDN returns the fully qualified name of the record under domain.
func (r DNSRecord) FQDN(domain string) string {
	if r.Name == "@" || r.Name == "" {
		return domain
	}
	return r.Name + "." + domain
}

// Tenant returns the tenant key, the normalized domain.
func (p *Provisioning) Tenant() string {
	return normalizeDomain(p.Domain)
}

// Normalize canonicalizes free-form fields in place.
func (p *Provisioning) Normalize() {
	p.Domain = normalizeDomain(p.Domain)
	p.AdminEmail = strings.TrimSpace(p.AdminEmail)
	p.NetworkCIDR = strings.TrimSpace(p.NetworkCIDR)
	p.ServerAddress = strings.TrimSpace(p.ServerAddress)
	for i, s := range p.Services {
		p.Services[i] = strings.ToLower(strings.TrimSpace(s))
	}
}

// IsLocal reports whether the target is the local host.
func (p *Provisioning) IsLocal() bool {
	switch strings.ToLower(p.ServerAddress) {
	case "", "localhost":
		return true
	}
	ip := net.ParseIP(p.ServerAddress)
	return ip != nil && ip.IsLoopback()
}

// SecretNames returns the referenced secret names in sorted order.
func (p *Provisioning) SecretNames() []string {
	names := make([]string, 0, len(p.SecretRefs))
	for name := range p.SecretRefs {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Clone returns a deep copy. It is safe to call on nil.
func (p *Provisioning) Clone() *Provisioning {
	if p == nil {
		return nil
	}
	out := *p
	out.SecretRefs = cloneMap(p.SecretRefs)
	out.ImagePins = cloneMap(p.ImagePins)
	if p.Services != nil {
		out.Services = append([]string(nil), p.Services...)
	}
	if p.DNSRecords != nil {
		out.DNSRecords = append([]DNSRecord(nil), p.DNSRecords...)
	}
	return &out
}

// TemplateData returns the non-secret view of the configuration exposed to
// pipeline templates.
func (p *Provisioning) TemplateData() map[string]interface{} {
	return map[string]interface{}{
		"Domain":        p.Domain,
		"AdminEmail":    p.AdminEmail,
		"NetworkCIDR":   p.NetworkCIDR,
		"ServerAddress": p.ServerAddress,
		"SSHUser":       p.SSHUser,
		"SSHPort":       p.SSHPort,
		"ImagePins":     cloneMap(p.ImagePins),
		"Services":      append([]string(nil), p.Services...),
		"Project":       strings.ReplaceAll(p.Domain, ".", "_"),
		"Local":         p.IsLocal(),
	}
}

func normalizeDomain(d string) string {
	return strings.TrimSuffix(strings.ToLower(strings.TrimSpace(d)), ".")
}

func cloneMap(in map[string]string) map[string]string {
	if in == nil {
		return nil
	}
	out := make(map[string]string, len(in))
	for k, v := range in {
		out[k] = v
	}
	return out
}
