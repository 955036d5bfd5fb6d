package pipeline

import (
	"encoding/json"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raidan-labs/provisiond/pkg/config"
	"github.com/raidan-labs/provisiond/pkg/engine"
)

func remoteConfig() *config.Provisioning {
	return &config.Provisioning{
		Domain:        "example.com",
		AdminEmail:    "ops@example.com",
		NetworkCIDR:   "172.28.0.0/16",
		SecretRefs:    map[string]string{"cloudflare_api_token": "env:CF_API_TOKEN"},
		ImagePins:     map[string]string{"gateway": "v2.11.0", "postgres": "16.4"},
		ServerAddress: "203.0.113.10",
		SSHUser:       "deploy",
	}
}

func findStep(t *testing.T, p engine.Pipeline, name string) engine.StepSpec {
	t.Helper()
	for _, phase := range p.Phases {
		for _, s := range phase.Steps {
			if s.Name == name {
				return s
			}
		}
	}
	t.Fatalf("step %q not found", name)
	return engine.StepSpec{}
}

func phaseNames(p engine.Pipeline) []string {
	var out []string
	for _, phase := range p.Phases {
		out = append(out, phase.Name)
	}
	return out
}

func TestDefaultPipelineRemote(t *testing.T) {
	src, err := Default(Options{
		Endpoints: Endpoints{DNSProvider: "https://api.cloudflare.com/client/v4", Resolver: "1.1.1.1:53"},
		WorkDir:   "/var/lib/provisiond",
	})
	require.NoError(t, err)

	p, err := src.Build(remoteConfig())
	require.NoError(t, err)
	assert.Equal(t, []string{"Certificate Handshake", "Stack Injection", "DNS Finalization"}, phaseNames(p))

	zone := findStep(t, p, "create zone")
	assert.Equal(t, "cloudflare", zone.Action.Type)
	assert.Equal(t, "zone.ensure", zone.Action.Params["op"])
	assert.Equal(t, "example.com", zone.Action.Params["zone"])
	assert.True(t, zone.Idempotent)
	assert.Equal(t, 3, zone.Retry.MaxAttempts)
	assert.Equal(t, 2*time.Second, zone.Retry.BaseDelay)
	assert.Equal(t, 30*time.Second, zone.Timeout)

	network := findStep(t, p, "create network")
	assert.Equal(t, "ssh", network.Action.Type)
	assert.Contains(t, network.Action.Params["command"], "--subnet '172.28.0.0/16' provisiond_example_com")

	upload := findStep(t, p, "upload stack")
	assert.Equal(t, "/opt/provisiond/example.com/compose.yaml", upload.Action.Params["dest"])
	compose := upload.Action.Params["content"]
	assert.Contains(t, compose, "name: example_com")
	assert.Contains(t, compose, "image: gateway:v2.11.0")
	assert.Contains(t, compose, "image: postgres:16.4")
	assert.Contains(t, compose, "Host(`postgres.example.com`)")

	cert := findStep(t, p, "issue origin certificate")
	assert.Equal(t, "/var/lib/provisiond/example.com", cert.Action.Params["out_dir"])

	var records []config.DNSRecord
	require.NoError(t, json.Unmarshal([]byte(findStep(t, p, "upsert dns records").Action.Params["records"]), &records))
	assert.Len(t, records, len(DefaultServices)+2)

	verify := findStep(t, p, "verify propagation")
	names := strings.Split(verify.Action.Params["names"], ",")
	assert.Contains(t, names, "example.com")
	assert.Contains(t, names, "gateway.example.com")
	assert.Contains(t, names, "ai.example.com")
	assert.Equal(t, "1.1.1.1:53", verify.Action.Params["resolver"])

	for _, phase := range p.Phases {
		for _, s := range phase.Steps {
			assert.NotEqual(t, "create project", s.Name, "container manager step needs an endpoint")
		}
	}
}

func TestDefaultPipelineWithContainerManager(t *testing.T) {
	src, err := Default(Options{Endpoints: Endpoints{ContainerManager: "https://manager.internal/api/v1"}})
	require.NoError(t, err)

	cfg := remoteConfig()
	cfg.Services = []string{"ai", "api"}
	p, err := src.Build(cfg)
	require.NoError(t, err)

	project := findStep(t, p, "create project")
	assert.Equal(t, "http", project.Action.Type)
	assert.Equal(t, "https://manager.internal/api/v1/projects", project.Action.Params["url"])

	var body map[string]string
	require.NoError(t, json.Unmarshal([]byte(project.Action.Params["body"]), &body))
	assert.Equal(t, "example_com", body["name"])
	assert.Contains(t, body["description"], "ai, api")
}

func TestDefaultPipelineLocalSkipsDNS(t *testing.T) {
	src, err := Default(Options{})
	require.NoError(t, err)

	cfg := remoteConfig()
	cfg.ServerAddress = "localhost"
	p, err := src.Build(cfg)
	require.NoError(t, err)

	assert.Equal(t, []string{"Certificate Handshake", "Stack Injection"}, phaseNames(p))
	assert.Equal(t, "exec", findStep(t, p, "spawn containers").Action.Type)
}

func TestDefaultPipelineNeedsAddressForRecords(t *testing.T) {
	src, err := Default(Options{})
	require.NoError(t, err)

	cfg := remoteConfig()
	cfg.ServerAddress = "host.example.net"
	_, err = src.Build(cfg)
	require.Error(t, err)

	cfg.DNSRecords = []config.DNSRecord{{Name: "@", Type: "CNAME", Content: "host.example.net"}}
	p, err := src.Build(cfg)
	require.NoError(t, err)
	assert.Equal(t, "example.com", findStep(t, p, "verify propagation").Action.Params["names"])
}

func TestLoadCustomPipeline(t *testing.T) {
	path := filepath.Join(t.TempDir(), "pipeline.yaml")
	doc := `
phases:
  - name: Bootstrap
    steps:
      - name: hello {{ .Domain }}
        timeout: 5s
        retry: {max_attempts: 2}
        action:
          type: exec
          params:
            command: echo {{ sq .AdminEmail }}
      - name: never
        when: "false"
        action: {type: exec}
`
	require.NoError(t, os.WriteFile(path, []byte(doc), 0o600))

	src, err := Load(path, Options{})
	require.NoError(t, err)
	p, err := src.Build(remoteConfig())
	require.NoError(t, err)

	require.Len(t, p.Phases, 1)
	require.Len(t, p.Phases[0].Steps, 1)
	s := p.Phases[0].Steps[0]
	assert.Equal(t, "hello example.com", s.Name)
	assert.Equal(t, "echo 'ops@example.com'", s.Action.Params["command"])
	assert.Equal(t, 5*time.Second, s.Timeout)
	assert.Equal(t, 2, s.Retry.MaxAttempts)
}

func TestDecodeRejectsBadDocuments(t *testing.T) {
	tests := map[string]string{
		"empty":          "",
		"no phases":      "phases: []",
		"unknown field":  "phases:\n  - name: a\n    stepz: []\n",
		"broken template": "phases:\n  - name: a\n    steps:\n      - name: '{{ .Domain'\n        action: {type: exec}\n",
	}
	for name, doc := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := Decode(strings.NewReader(doc), Options{})
			assert.Error(t, err)
		})
	}
}

func TestBuildRejectsUnknownKeys(t *testing.T) {
	src, err := Decode(strings.NewReader("phases:\n  - name: a\n    steps:\n      - name: '{{ .Nope }}'\n        action: {type: exec}\n"), Options{})
	require.NoError(t, err)
	_, err = src.Build(remoteConfig())
	assert.Error(t, err)
}

func TestRecords(t *testing.T) {
	cfg := remoteConfig()
	cfg.Services = []string{"ai", "gateway", "mail"}
	records, err := Records(cfg)
	require.NoError(t, err)
	require.Len(t, records, 4)

	assert.Equal(t, config.DNSRecord{Name: "@", Type: "A", Content: "203.0.113.10", Proxied: true, TTL: 1}, records[0])
	assert.Equal(t, "gateway", records[1].Name)
	assert.Equal(t, config.DNSRecord{Name: "ai", Type: "CNAME", Content: "gateway.example.com", Proxied: true, TTL: 1}, records[2])

	cfg.ServerAddress = "2001:db8::1"
	records, err = Records(cfg)
	require.NoError(t, err)
	assert.Equal(t, "AAAA", records[0].Type)
}
