package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
)

func validProvisioning() *Provisioning {
	return &Provisioning{
		Domain:      "example.com",
		AdminEmail:  "ops@example.org",
		NetworkCIDR: "10.20.0.0/16",
		SecretRefs:  map[string]string{"cloudflare_api_token": "env:CF_API_TOKEN"},
		ImagePins:   map[string]string{"gateway": "v2.11.0"},
	}
}

func TestValidate_Valid(t *testing.T) {
	cfg := validProvisioning()
	cfg.ServerAddress = "203.0.113.10"
	cfg.SSHUser = "deploy"
	cfg.SSHPort = 2222
	cfg.Services = []string{"mail", "chat"}
	cfg.DNSRecords = []DNSRecord{{Name: "@", Type: "A", Content: "203.0.113.10", Proxied: true}}

	if err := cfg.Validate(); err != nil {
		t.Fatalf("expected valid configuration, got: %v", err)
	}
}

func TestValidate_Invalid(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*Provisioning)
		field  string
		rule   string
	}{
		{"missing domain", func(p *Provisioning) { p.Domain = "" }, "domain", "required"},
		{"bad domain", func(p *Provisioning) { p.Domain = "not a domain" }, "domain", "fqdn"},
		{"bad email", func(p *Provisioning) { p.AdminEmail = "ops" }, "adminEmail", "email"},
		{"bad cidr", func(p *Provisioning) { p.NetworkCIDR = "10.20.0.0" }, "networkCIDR", "cidrv4"},
		{"cidr too small", func(p *Provisioning) { p.NetworkCIDR = "10.20.0.0/30" }, "networkCIDR", "cidrsize"},
		{"literal secret", func(p *Provisioning) {
			p.SecretRefs["cloudflare_api_token"] = "abcdef123456"
		}, "secretRefs[cloudflare_api_token]", "secretref"},
		{"missing required secret", func(p *Provisioning) {
			p.SecretRefs = map[string]string{"other": "env:OTHER"}
		}, "secretRefs", "requiredsecret"},
		{"bad secret name", func(p *Provisioning) { p.SecretRefs["Bad-Name"] = "env:X" }, "secretRefs[Bad-Name]", "secretname"},
		{"latest pin", func(p *Provisioning) { p.ImagePins["gateway"] = "latest" }, "imagePins[gateway]", "imagepin"},
		{"bad record type", func(p *Provisioning) {
			p.DNSRecords = []DNSRecord{{Name: "www", Type: "MX", Content: "x"}}
		}, "dnsRecords[0].type", "oneof"},
		{"bad port", func(p *Provisioning) { p.SSHPort = 70000 }, "sshPort", "max"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := validProvisioning()
			tt.mutate(cfg)

			err := cfg.Validate()
			if err == nil {
				t.Fatal("expected validation error")
			}
			var verrs ValidationErrors
			if !errors.As(err, &verrs) {
				t.Fatalf("expected ValidationErrors, got %T", err)
			}
			found := false
			for _, v := range verrs {
				if v.Field == tt.field && v.Rule == tt.rule {
					found = true
				}
			}
			if !found {
				t.Errorf("expected %s/%s in %+v", tt.field, tt.rule, verrs)
			}
			if !strings.HasPrefix(err.Error(), "invalid configuration: ") {
				t.Errorf("unexpected message: %s", err)
			}
		})
	}
}

func TestValidate_ReportsEveryProblem(t *testing.T) {
	cfg := validProvisioning()
	cfg.Domain = ""
	cfg.AdminEmail = ""
	cfg.NetworkCIDR = ""

	var verrs ValidationErrors
	if !errors.As(cfg.Validate(), &verrs) {
		t.Fatal("expected ValidationErrors")
	}
	if len(verrs) != 3 {
		t.Errorf("expected 3 problems, got %d: %v", len(verrs), verrs)
	}
}

func TestValidate_Nil(t *testing.T) {
	var cfg *Provisioning
	if err := cfg.Validate(); err == nil {
		t.Fatal("expected error for nil configuration")
	}
}

func TestParseSecretRef(t *testing.T) {
	tests := []struct {
		ref     string
		scheme  string
		target  string
		wantErr bool
	}{
		{"env:CF_API_TOKEN", "env", "CF_API_TOKEN", false},
		{"file:/run/secrets/token", "file", "/run/secrets/token", false},
		{"file:keys/ssh.pem", "file", "keys/ssh.pem", false},
		{"env:1BAD", "", "", true},
		{"vault:secret/data", "", "", true},
		{"env:", "", "", true},
		{"plaintext", "", "", true},
	}
	for _, tt := range tests {
		scheme, target, err := ParseSecretRef(tt.ref)
		if (err != nil) != tt.wantErr {
			t.Errorf("%s: err = %v, wantErr %v", tt.ref, err, tt.wantErr)
			continue
		}
		if scheme != tt.scheme || target != tt.target {
			t.Errorf("%s: got %s/%s", tt.ref, scheme, target)
		}
	}
}

func TestNormalizeAndTenant(t *testing.T) {
	cfg := validProvisioning()
	cfg.Domain = "  Example.COM. "
	cfg.Services = []string{" Mail "}
	cfg.Normalize()

	if cfg.Domain != "example.com" {
		t.Errorf("expected normalized domain, got %q", cfg.Domain)
	}
	if cfg.Tenant() != "example.com" {
		t.Errorf("expected tenant example.com, got %q", cfg.Tenant())
	}
	if cfg.Services[0] != "mail" {
		t.Errorf("expected normalized service, got %q", cfg.Services[0])
	}
}

func TestIsLocal(t *testing.T) {
	for addr, want := range map[string]bool{
		"":             true,
		"localhost":    true,
		"127.0.0.1":    true,
		"::1":          true,
		"203.0.113.10": false,
		"host.example": false,
	} {
		cfg := validProvisioning()
		cfg.ServerAddress = addr
		if got := cfg.IsLocal(); got != want {
			t.Errorf("IsLocal(%q) = %v, want %v", addr, got, want)
		}
	}
}

func TestCloneIsDeep(t *testing.T) {
	cfg := validProvisioning()
	cfg.Services = []string{"mail"}
	clone := cfg.Clone()

	clone.SecretRefs["cloudflare_api_token"] = "env:OTHER"
	clone.ImagePins["gateway"] = "v3"
	clone.Services[0] = "chat"

	if cfg.SecretRefs["cloudflare_api_token"] != "env:CF_API_TOKEN" {
		t.Error("clone shares secretRefs")
	}
	if cfg.ImagePins["gateway"] != "v2.11.0" {
		t.Error("clone shares imagePins")
	}
	if cfg.Services[0] != "mail" {
		t.Error("clone shares services")
	}

	var nilCfg *Provisioning
	if nilCfg.Clone() != nil {
		t.Error("expected nil clone of nil")
	}
}

func TestTemplateDataOmitsSecrets(t *testing.T) {
	data := validProvisioning().TemplateData()
	if _, ok := data["SecretRefs"]; ok {
		t.Error("template data must not expose secret handles")
	}
	if data["Project"] != "example_com" {
		t.Errorf("unexpected project name %v", data["Project"])
	}
}

func TestDecodeProvisioning(t *testing.T) {
	doc := `
domain: Example.com
adminEmail: ops@example.org
networkCIDR: 10.20.0.0/16
secretRefs:
  cloudflare_api_token: env:CF_API_TOKEN
`
	cfg, err := DecodeProvisioning(strings.NewReader(doc))
	if err != nil {
		t.Fatalf("decode failed: %v", err)
	}
	if cfg.Domain != "example.com" {
		t.Errorf("expected normalized domain, got %q", cfg.Domain)
	}

	jsonDoc := `{"domain":"example.com","adminEmail":"ops@example.org","networkCIDR":"10.20.0.0/16","secretRefs":{"cloudflare_api_token":"env:X"}}`
	if _, err := DecodeProvisioning(strings.NewReader(jsonDoc)); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}

	if _, err := DecodeProvisioning(strings.NewReader("domian: typo.example\n")); err == nil {
		t.Error("expected unknown field to be rejected")
	}
	if _, err := DecodeProvisioning(strings.NewReader("")); err == nil {
		t.Error("expected empty document to be rejected")
	}
}

func TestLoadProvisioning(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tenant.yaml")
	if err := os.WriteFile(path, []byte("domain: example.com\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	cfg, err := LoadProvisioning(path)
	if err != nil {
		t.Fatalf("load failed: %v", err)
	}
	if cfg.Domain != "example.com" {
		t.Errorf("unexpected domain %q", cfg.Domain)
	}

	if _, err := LoadProvisioning(filepath.Join(t.TempDir(), "missing.yaml")); err == nil {
		t.Error("expected error for missing file")
	}
}
