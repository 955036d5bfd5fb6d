package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raidan-labs/provisiond/pkg/engine"
)

func run(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := newRootCommand("test", "none", "today")
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func writeFile(t *testing.T, name, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), name)
	require.NoError(t, os.WriteFile(path, []byte(content), 0o600))
	return path
}

const tenantDoc = `
domain: example.com
adminEmail: ops@example.org
networkCIDR: 10.20.0.0/16
secretRefs:
  cloudflare_api_token: env:PROVISIOND_TEST_CF_TOKEN
imagePins:
  gateway: v2.11.0
`

func TestValidateCommand(t *testing.T) {
	t.Setenv("PROVISIOND_DATABASE", filepath.Join(t.TempDir(), "unused.db"))

	good := writeFile(t, "good.yaml", tenantDoc)
	out, err := run(t, "validate", "--plan", good)
	require.NoError(t, err, out)
	assert.Contains(t, out, "✓ "+good)
	assert.Contains(t, out, "Certificate Handshake")

	bad := writeFile(t, "bad.yaml", strings.Replace(tenantDoc, "v2.11.0", "latest", 1))
	out, err = run(t, "validate", good, bad)
	require.Error(t, err)
	assert.Contains(t, out, "✗ "+bad)
	assert.Contains(t, err.Error(), "1 of 2")

	out, err = run(t, "validate", "--secrets", good)
	require.Error(t, err)
	assert.Contains(t, out, "PROVISIOND_TEST_CF_TOKEN")

	t.Setenv("PROVISIOND_TEST_CF_TOKEN", "token-value")
	_, err = run(t, "validate", "--secrets", good)
	require.NoError(t, err)
}

func TestValidateCommandAppliesPolicies(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "no_example.rego"), []byte(`# severity: error
package custom.noexample

deny contains msg if {
	input.config.domain == "example.com"
	msg := "example.com is reserved"
}
`), 0o600))
	t.Setenv("PROVISIOND_POLICY_DIR", dir)

	out, err := run(t, "validate", writeFile(t, "tenant.yaml", tenantDoc))
	require.Error(t, err)
	assert.Contains(t, out, "example.com is reserved")
}

// fakeServer serves canned control API responses.
func fakeServer(t *testing.T) string {
	t.Helper()
	now := time.Now()
	snap := engine.RunSnapshot{
		RunID:         "run-1",
		Tenant:        "example.com",
		OverallStatus: engine.StatusFailed,
		Phases: []engine.PhaseSnapshot{{
			Name:   "Certificate Handshake",
			Status: engine.StatusFailed,
			Steps: []engine.StepSnapshot{{
				Name: "create zone", Status: engine.StatusFailed, Attempt: 3, MaxAttempts: 3,
				LastError: &engine.StepError{Kind: engine.ErrorKindTransientFailure, Message: "rate limited"},
			}},
		}},
		Failure:   &engine.Failure{Kind: engine.ErrorKindTransientFailure, Message: "retries exhausted"},
		CreatedAt: now.Add(-time.Hour),
	}

	mux := http.NewServeMux()
	writeJSON := func(w http.ResponseWriter, status int, v interface{}) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_ = json.NewEncoder(w).Encode(v)
	}
	mux.HandleFunc("/v1/runs/run-1", func(w http.ResponseWriter, r *http.Request) {
		if r.Method == http.MethodDelete {
			writeJSON(w, http.StatusConflict, map[string]interface{}{"error": map[string]string{"code": "NOT_ACTIVE", "message": "run is not active: run-1"}})
			return
		}
		writeJSON(w, http.StatusOK, snap)
	})
	mux.HandleFunc("/v1/runs/", func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/runs/" {
			writeJSON(w, http.StatusNotFound, map[string]interface{}{"error": map[string]string{"code": "NOT_FOUND", "message": "run not found"}})
			return
		}
		writeJSON(w, http.StatusOK, []engine.RunSnapshot{snap})
	})
	mux.HandleFunc("/v1/runs/run-1/logs", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, []engine.LogRecord{{
			Seq: 1, Timestamp: now, Level: "warn", Phase: "Certificate Handshake", Step: "create zone",
			Attempt: 1, Outcome: engine.AttemptRetrying, Message: "rate limited",
		}})
	})

	srv := httptest.NewServer(mux)
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestRunCommandsAgainstServer(t *testing.T) {
	url := fakeServer(t)

	out, err := run(t, "--server", url, "status", "run-1")
	require.NoError(t, err)
	assert.Contains(t, out, "Run run-1 (example.com): failed")
	assert.Contains(t, out, "attempt 3/3  rate limited")
	assert.Contains(t, out, "Failure: TransientFailure: retries exhausted")

	out, err = run(t, "--server", url, "list")
	require.NoError(t, err)
	assert.Contains(t, out, "RUN")
	assert.Contains(t, out, "Certificate Handshake")
	assert.Contains(t, out, "1 hour ago")

	out, err = run(t, "--server", url, "logs", "run-1")
	require.NoError(t, err)
	assert.Contains(t, out, "Certificate Handshake / create zone #1")

	out, err = run(t, "--server", url, "--json", "status", "run-1")
	require.NoError(t, err)
	var snap engine.RunSnapshot
	require.NoError(t, json.Unmarshal([]byte(out), &snap))
	assert.Equal(t, "run-1", snap.RunID)

	_, err = run(t, "--server", url, "cancel", "run-1")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "HTTP 409")

	_, err = run(t, "--server", url, "status", "missing")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "NOT_FOUND")
}

func TestPruneCommand(t *testing.T) {
	t.Setenv("PROVISIOND_DATABASE", filepath.Join(t.TempDir(), "prune.db"))

	out, err := run(t, "prune", "--older-than", "1h")
	require.NoError(t, err)
	assert.Contains(t, out, "Pruned 0 run(s)")

	_, err = run(t, "prune", "--older-than", "0s")
	require.Error(t, err)
}
