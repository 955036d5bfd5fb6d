package policy

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raidan-labs/provisiond/pkg/config"
	"github.com/raidan-labs/provisiond/pkg/engine"
)

func testConfig() *config.Provisioning {
	return &config.Provisioning{
		Domain:        "example.com",
		AdminEmail:    "ops@example.net",
		NetworkCIDR:   "172.28.0.0/16",
		ServerAddress: "203.0.113.10",
		SecretRefs:    map[string]string{"cloudflare_api_token": "env:CF_TOKEN"},
		ImagePins:     map[string]string{"gateway": "v2.11.0", "postgres": "16.4"},
	}
}

func newTestEngine(t *testing.T) *Engine {
	t.Helper()
	e, err := NewEngine(Options{})
	require.NoError(t, err)
	return e
}

func TestNewEngineLoadsBuiltins(t *testing.T) {
	e := newTestEngine(t)

	var names []string
	for _, p := range e.ListPolicies() {
		names = append(names, p.Name)
		assert.True(t, p.Builtin)
	}
	assert.Equal(t, []string{"contact", "dns-records", "image-pins", "network"}, names)

	empty, err := NewEngine(Options{DisableBuiltins: true})
	require.NoError(t, err)
	assert.Empty(t, empty.ListPolicies())
}

func TestAdmitAcceptsCleanConfiguration(t *testing.T) {
	e := newTestEngine(t)

	result, err := e.Evaluate(context.Background(), testConfig())
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Empty(t, result.Violations)
	assert.Empty(t, result.Warnings)
	assert.Len(t, result.Evaluated, 4)

	assert.NoError(t, e.Admit(context.Background(), testConfig()))
}

func TestBuiltinPolicies(t *testing.T) {
	tests := []struct {
		name    string
		mutate  func(*config.Provisioning)
		policy  string
		field   string
		blocked bool
	}{
		{
			name:    "major version pin",
			mutate:  func(c *config.Provisioning) { c.ImagePins["postgres"] = "16" },
			policy:  "image-pins",
			field:   "imagePins.postgres",
			blocked: true,
		},
		{
			name:    "network too wide",
			mutate:  func(c *config.Provisioning) { c.NetworkCIDR = "10.0.0.0/8" },
			policy:  "network",
			field:   "networkCIDR",
			blocked: true,
		},
		{
			name:    "network too narrow",
			mutate:  func(c *config.Provisioning) { c.NetworkCIDR = "10.10.0.0/30" },
			policy:  "network",
			field:   "networkCIDR",
			blocked: true,
		},
		{
			name:    "default bridge overlap",
			mutate:  func(c *config.Provisioning) { c.NetworkCIDR = "172.17.5.0/24" },
			policy:  "network",
			field:   "networkCIDR",
			blocked: true,
		},
		{
			name: "cname conflict",
			mutate: func(c *config.Provisioning) {
				c.DNSRecords = []config.DNSRecord{
					{Name: "api", Type: "A", Content: "203.0.113.10"},
					{Name: "api", Type: "CNAME", Content: "example.com"},
					{Name: "api", Type: "TXT", Content: "v=spf1 -all"},
				}
			},
			policy:  "dns-records",
			field:   "dnsRecords[1]",
			blocked: true,
		},
		{
			name: "proxied txt",
			mutate: func(c *config.Provisioning) {
				c.DNSRecords = []config.DNSRecord{{Name: "@", Type: "TXT", Content: "verify", Proxied: true}}
			},
			policy: "dns-records",
			field:  "dnsRecords[0]",
		},
		{
			name:   "admin email on tenant domain",
			mutate: func(c *config.Provisioning) { c.AdminEmail = "Ops@Example.com" },
			policy: "contact",
		},
	}

	e := newTestEngine(t)
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := testConfig()
			tt.mutate(cfg)

			result, err := e.Evaluate(context.Background(), cfg)
			require.NoError(t, err)
			assert.Equal(t, !tt.blocked, result.Allowed)

			found := result.Warnings
			if tt.blocked {
				found = result.Violations
			}
			require.Len(t, found, 1)
			assert.Equal(t, tt.policy, found[0].Policy)
			assert.Equal(t, tt.field, found[0].Field)
			assert.NotEmpty(t, found[0].Message)
		})
	}
}

func TestAdmitRejectsWithPolicyError(t *testing.T) {
	e := newTestEngine(t)
	cfg := testConfig()
	cfg.NetworkCIDR = "172.17.0.0/16"

	err := e.Admit(context.Background(), cfg)
	require.Error(t, err)
	assert.True(t, engine.IsKind(err, engine.ErrorKindInvalidConfiguration))

	var ee *engine.EngineError
	require.True(t, errors.As(err, &ee))
	assert.Equal(t, engine.ErrCodePolicy, ee.Code)
	assert.Contains(t, ee.Message, "overlaps the default bridge")
	violations, ok := ee.Details["violations"].([]Violation)
	require.True(t, ok)
	assert.Len(t, violations, 1)
}

func TestInputOmitsSecretHandles(t *testing.T) {
	input, err := Input(testConfig())
	require.NoError(t, err)

	view := input["config"].(map[string]interface{})
	assert.NotContains(t, view, "secretRefs")
	assert.Equal(t, "example.com", view["domain"])
	assert.Equal(t, []string{"cloudflare_api_token"}, input["secrets"])
	assert.Equal(t, "example.com", input["tenant"])
	assert.Equal(t, false, input["local"])

	_, err = Input(nil)
	assert.Error(t, err)
}

func TestCustomPolicies(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, e.AddPolicy(ctx, Policy{
		Name:    "gateway-pinned",
		Enabled: true,
		Rego: `package custom.gateway

deny contains "gateway image must be pinned" if {
	not input.config.imagePins.gateway
}`,
	}))

	cfg := testConfig()
	delete(cfg.ImagePins, "gateway")
	result, err := e.Evaluate(ctx, cfg)
	require.NoError(t, err)
	require.Len(t, result.Violations, 1)
	assert.Equal(t, Violation{Policy: "gateway-pinned", Message: "gateway image must be pinned", Severity: SeverityError}, result.Violations[0])

	require.NoError(t, e.AddPolicy(ctx, Policy{
		Name:     "gateway-pinned",
		Enabled:  true,
		Severity: SeverityWarning,
		Rego:     `package custom.gateway

deny contains "gateway image should be pinned" if {
	not input.config.imagePins.gateway
}`,
	}))
	result, err = e.Evaluate(ctx, cfg)
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.Len(t, result.Warnings, 1)

	e.RemovePolicy("gateway-pinned")
	_, ok := e.GetPolicy("gateway-pinned")
	assert.False(t, ok)
}

func TestDisabledPolicyIsSkipped(t *testing.T) {
	e := newTestEngine(t)
	require.NoError(t, e.AddPolicy(context.Background(), Policy{
		Name: "deny-all",
		Rego: "package custom.all\n\ndeny contains \"nothing is allowed\" if { true }\n",
	}))

	result, err := e.Evaluate(context.Background(), testConfig())
	require.NoError(t, err)
	assert.True(t, result.Allowed)
	assert.NotContains(t, result.Evaluated, "deny-all")
}

func TestAddPolicyRejectsBrokenModules(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	tests := map[string]Policy{
		"no name":      {Rego: "package a\n"},
		"syntax":       {Name: "broken", Rego: "package a\n\ndeny contains if {"},
		"bad severity": {Name: "sev", Severity: "fatal", Rego: "package a\n"},
		"empty":        {Name: "empty", Rego: ""},
	}
	for name, p := range tests {
		t.Run(name, func(t *testing.T) {
			assert.Error(t, e.AddPolicy(ctx, p))
		})
	}
}

func TestReloadKeepsBuiltins(t *testing.T) {
	e := newTestEngine(t)
	ctx := context.Background()

	custom := Policy{Name: "custom", Enabled: true, Rego: "package custom\n\ndeny contains \"no\" if { input.local }\n"}
	require.NoError(t, e.Reload(ctx, []Policy{custom}))
	assert.Len(t, e.ListPolicies(), 5)

	// A file policy can shadow a built-in one until it goes away.
	shadow := Policy{Name: "network", Enabled: false, Rego: "package shadow\n"}
	require.NoError(t, e.Reload(ctx, []Policy{shadow}))
	p, ok := e.GetPolicy("network")
	require.True(t, ok)
	assert.False(t, p.Builtin)
	_, ok = e.GetPolicy("custom")
	assert.False(t, ok)

	require.NoError(t, e.Reload(ctx, nil))
	p, ok = e.GetPolicy("network")
	require.True(t, ok)
	assert.True(t, p.Builtin)

	broken := Policy{Name: "broken", Rego: "package"}
	require.Error(t, e.Reload(ctx, []Policy{custom, broken}))
	assert.Len(t, e.ListPolicies(), 4)

	require.Error(t, e.Reload(ctx, []Policy{custom, custom}))
}

func TestCreateViolation(t *testing.T) {
	p := Policy{Name: "p", Severity: SeverityError}

	assert.Equal(t, Violation{Policy: "p", Message: "plain", Severity: SeverityError}, createViolation(p, "plain"))
	assert.Equal(t,
		Violation{Policy: "p", Message: "m", Severity: SeverityInfo, Field: "f"},
		createViolation(p, map[string]interface{}{"message": "m", "severity": "info", "field": "f"}))
	assert.Equal(t,
		Violation{Policy: "p", Message: "denied by p", Severity: SeverityError},
		createViolation(p, map[string]interface{}{"severity": "bogus"}))
}
