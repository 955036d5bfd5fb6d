package policy

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const pinnedGateway = `# Stacks must run a pinned gateway.
# The gateway terminates TLS for every service.
# severity: error
package custom.gateway

deny contains "gateway image must be pinned" if {
	not input.config.imagePins.gateway
}
`

func writePolicy(t *testing.T, dir, name, content string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	require.NoError(t, os.MkdirAll(filepath.Dir(path), 0o755))
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestLoadFromDirectory(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "gateway.rego", pinnedGateway)
	writePolicy(t, dir, "nested/contact.json", `{"name":"strict-contact","severity":"warning","rego":"package strict\n"}`)
	writePolicy(t, dir, "README.md", "not a policy")

	l := NewLoader(nil)
	policies, err := l.LoadFromPaths(context.Background(), []string{dir})
	require.NoError(t, err)
	require.Len(t, policies, 2)

	byName := map[string]Policy{}
	for _, p := range policies {
		byName[p.Name] = p
	}

	gw := byName["gateway"]
	assert.Equal(t, "Stacks must run a pinned gateway. The gateway terminates TLS for every service.", gw.Description)
	assert.Equal(t, SeverityError, gw.Severity)
	assert.True(t, gw.Enabled)
	assert.Equal(t, filepath.Join(dir, "gateway.rego"), gw.Source)

	sc := byName["strict-contact"]
	assert.Equal(t, SeverityWarning, sc.Severity)
	assert.True(t, sc.Enabled)
	assert.False(t, sc.Builtin)
}

func TestLoadFromPathsErrors(t *testing.T) {
	l := NewLoader(nil)

	_, err := l.LoadFromPaths(context.Background(), []string{filepath.Join(t.TempDir(), "missing")})
	assert.Error(t, err)

	dir := t.TempDir()
	writePolicy(t, dir, "bad.json", "{")
	_, err = l.LoadFromPaths(context.Background(), []string{dir})
	assert.Error(t, err)

	dir = t.TempDir()
	writePolicy(t, dir, "sev.rego", "# severity: fatal\npackage sev\n")
	_, err = l.LoadFromPaths(context.Background(), []string{dir})
	assert.Error(t, err)
}

func TestRegoHeader(t *testing.T) {
	desc, sev := regoHeader("\n# First line.\n#\n# severity: warning\n# Second line.\npackage x\n# not header\n")
	assert.Equal(t, "First line. Second line.", desc)
	assert.Equal(t, SeverityWarning, sev)

	desc, sev = regoHeader("package x\n")
	assert.Empty(t, desc)
	assert.Empty(t, sev)
}

func TestLoadDirFeedsEngine(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "gateway.rego", pinnedGateway)

	e := newTestEngine(t)
	require.NoError(t, LoadDir(context.Background(), e, NewLoader(nil), dir, false))

	cfg := testConfig()
	delete(cfg.ImagePins, "gateway")
	err := e.Admit(context.Background(), cfg)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "gateway image must be pinned")
}

func TestWatchReloadsOnChange(t *testing.T) {
	dir := t.TempDir()
	writePolicy(t, dir, "gateway.rego", pinnedGateway)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	e := newTestEngine(t)
	l := NewLoader(nil)
	require.NoError(t, LoadDir(ctx, e, l, dir, true))
	defer func() { _ = l.StopWatching() }()

	_, ok := e.GetPolicy("gateway")
	require.True(t, ok)

	writePolicy(t, dir, "local.rego", "package custom.local\n\ndeny contains \"local targets are disabled\" if { input.local }\n")
	assert.Eventually(t, func() bool {
		_, ok := e.GetPolicy("local")
		return ok
	}, 5*time.Second, 50*time.Millisecond)

	require.NoError(t, os.Remove(filepath.Join(dir, "gateway.rego")))
	assert.Eventually(t, func() bool {
		_, ok := e.GetPolicy("gateway")
		return !ok
	}, 5*time.Second, 50*time.Millisecond)

	// A broken edit keeps the last good set.
	writePolicy(t, dir, "local.rego", "package custom.local\n\ndeny contains if {")
	time.Sleep(3 * reloadDelay)
	_, ok = e.GetPolicy("local")
	assert.True(t, ok)
}
