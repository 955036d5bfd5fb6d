package actions

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/raidan-labs/provisiond/pkg/config"
	"github.com/raidan-labs/provisiond/pkg/engine"
	sshtransport "github.com/raidan-labs/provisiond/pkg/transports/ssh"
)

// fakeRemote records commands and uploads instead of connecting.
type fakeRemote struct {
	mu       sync.Mutex
	commands []string
	files    map[string][]byte
	modes    map[string]os.FileMode
	output   string
	runErr   error
	closed   bool
}

func newFakeRemote() *fakeRemote {
	return &fakeRemote{files: map[string][]byte{}, modes: map[string]os.FileMode{}}
}

func (f *fakeRemote) Run(_ context.Context, cmd string, out io.Writer) error {
	f.mu.Lock()
	f.commands = append(f.commands, cmd)
	f.mu.Unlock()
	_, _ = io.WriteString(out, f.output)
	return f.runErr
}

func (f *fakeRemote) Upload(_ context.Context, r io.Reader, dest string, mode os.FileMode) error {
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, r); err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.files[dest] = buf.Bytes()
	f.modes[dest] = mode
	return nil
}

func (f *fakeRemote) Close() error {
	f.closed = true
	return nil
}

func dialTo(r *fakeRemote) dialFunc {
	return func(context.Context, *config.Provisioning) (remote, error) { return r, nil }
}

func TestSSHRunsCommand(t *testing.T) {
	r := newFakeRemote()
	r.output = "network created\n"
	var logged logLines

	res, err := (&SSH{dial: dialTo(r)}).Run(context.Background(), request(remoteConfig(), TypeSSH, map[string]string{
		"command": "docker network create stack",
	}, &logged))
	require.NoError(t, err)
	assert.Equal(t, "network created\n", res.Output)
	assert.Equal(t, []string{"docker network create stack"}, r.commands)
	assert.Equal(t, []string{"network created"}, logged.all())
	assert.True(t, r.closed)
}

func TestSSHClassifiesFailures(t *testing.T) {
	r := newFakeRemote()
	r.runErr = &sshtransport.TransportError{Op: "exec", Err: errors.New("connection reset"), IsTemporary: true}
	_, err := (&SSH{dial: dialTo(r)}).Run(context.Background(), request(remoteConfig(), TypeSSH, map[string]string{"command": "true"}, nil))
	requireKind(t, err, engine.ErrorKindTransientFailure)

	r.runErr = errors.New("session refused")
	_, err = (&SSH{dial: dialTo(r)}).Run(context.Background(), request(remoteConfig(), TypeSSH, map[string]string{"command": "true"}, nil))
	requireKind(t, err, engine.ErrorKindFatalStepFailure)

	dialErr := engine.NewTransientError("cannot reach 203.0.113.10:22", nil)
	failing := func(context.Context, *config.Provisioning) (remote, error) { return nil, dialErr }
	_, err = (&SSH{dial: failing}).Run(context.Background(), request(remoteConfig(), TypeSSH, map[string]string{"command": "true"}, nil))
	assert.Same(t, dialErr, err)
}

func TestSSHConfigFromSettingsAndSecrets(t *testing.T) {
	d := &remoteDialer{deps: Deps{
		Secrets: fakeSecrets{
			byName: map[string]string{SecretSSHKey: "-----BEGIN KEY-----\nabc\n-----END KEY-----\n\n", SecretSSHPassword: "hunter22"},
			byRef:  map[string]string{"file:/etc/provisiond/id_ed25519": "process key"},
		},
		SSH:         config.SSHSettings{KeyRef: "file:/etc/provisiond/id_ed25519", KnownHostsFile: "/etc/provisiond/known_hosts", ConnectTimeout: 7 * time.Second},
		GracePeriod: 3 * time.Second,
	}}

	cfg := remoteConfig()
	cfg.SSHPort = 2222
	sc, err := d.sshConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "203.0.113.10:2222", sc.Address())
	assert.Equal(t, "deploy", sc.User)
	assert.Equal(t, []byte("process key\n"), sc.PrivateKey)
	assert.Equal(t, "/etc/provisiond/known_hosts", sc.KnownHostsPath)
	assert.Equal(t, 7*time.Second, sc.ConnectionTimeout)
	assert.Equal(t, 3*time.Second, sc.StopTimeout)

	cfg.SSHUser = ""
	cfg.SSHPort = 0
	cfg.SecretRefs[SecretSSHKey] = "env:SSH_KEY"
	cfg.SecretRefs[SecretSSHPassword] = "env:SSH_PASSWORD"
	sc, err = d.sshConfig(cfg)
	require.NoError(t, err)
	assert.Equal(t, "root", sc.User)
	assert.Equal(t, 22, sc.Port)
	assert.Equal(t, []byte("-----BEGIN KEY-----\nabc\n-----END KEY-----\n"), sc.PrivateKey)
	assert.Equal(t, "hunter22", sc.Password)
}

func TestSSHConfigErrors(t *testing.T) {
	d := &remoteDialer{deps: Deps{Secrets: fakeSecrets{}}}

	_, err := d.sshConfig(localConfig())
	requireKind(t, err, engine.ErrorKindFatalStepFailure)

	_, err = d.sshConfig(remoteConfig())
	e := requireKind(t, err, engine.ErrorKindFatalStepFailure)
	assert.Equal(t, engine.ErrCodeValidation, e.Code)

	cfg := remoteConfig()
	cfg.SecretRefs[SecretSSHKey] = "env:MISSING"
	_, err = d.sshConfig(cfg)
	e = requireKind(t, err, engine.ErrorKindFatalStepFailure)
	assert.Equal(t, engine.ErrCodeSecret, e.Code)
}

func TestUploadLocal(t *testing.T) {
	dir := t.TempDir()
	src := filepath.Join(dir, "origin.pem")
	require.NoError(t, os.WriteFile(src, []byte("CERT"), 0o644))
	dest := filepath.Join(dir, "stack", "certs", "origin.pem")
	compose := filepath.Join(dir, "stack", "compose.yaml")

	u := &Upload{dial: func(context.Context, *config.Provisioning) (remote, error) {
		t.Fatal("local uploads must not dial")
		return nil, nil
	}}
	_, err := u.Run(context.Background(), request(localConfig(), TypeUpload, map[string]string{
		"source": src, "dest": dest, "mode": "0600",
	}, nil))
	require.NoError(t, err)
	_, err = u.Run(context.Background(), request(localConfig(), TypeUpload, map[string]string{
		"content": "services: {}\n", "dest": compose,
	}, nil))
	require.NoError(t, err)

	data, err := os.ReadFile(dest)
	require.NoError(t, err)
	assert.Equal(t, "CERT", string(data))
	info, err := os.Stat(dest)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())

	data, err = os.ReadFile(compose)
	require.NoError(t, err)
	assert.Equal(t, "services: {}\n", string(data))
	info, err = os.Stat(compose)
	require.NoError(t, err)
	assert.Equal(t, defaultUploadMode, info.Mode().Perm())
}

func TestUploadRemote(t *testing.T) {
	dir := t.TempDir()
	cert := filepath.Join(dir, "origin.pem")
	key := filepath.Join(dir, "origin.key")
	require.NoError(t, os.WriteFile(cert, []byte("CERT"), 0o644))
	require.NoError(t, os.WriteFile(key, []byte("KEY"), 0o600))

	r := newFakeRemote()
	var logged logLines
	res, err := (&Upload{dial: dialTo(r)}).Run(context.Background(), request(remoteConfig(), TypeUpload, map[string]string{
		"source": cert + "," + key,
		"dest":   "/opt/provisiond/example.com/certs/origin.pem, /opt/provisiond/example.com/certs/origin.key",
		"mode":   "0600",
	}, &logged))
	require.NoError(t, err)

	assert.Equal(t, []byte("CERT"), r.files["/opt/provisiond/example.com/certs/origin.pem"])
	assert.Equal(t, []byte("KEY"), r.files["/opt/provisiond/example.com/certs/origin.key"])
	assert.Equal(t, os.FileMode(0o600), r.modes["/opt/provisiond/example.com/certs/origin.key"])
	assert.Len(t, logged.all(), 2)
	assert.Contains(t, res.Output, "origin.key")
	assert.True(t, r.closed)
}

func TestUploadParamErrors(t *testing.T) {
	u := &Upload{dial: dialTo(newFakeRemote())}
	tests := map[string]map[string]string{
		"no dest":         {"content": "x"},
		"two dests":       {"content": "x", "dest": "/a,/b"},
		"source mismatch": {"source": "/a", "dest": "/a,/b"},
		"no source":       {"dest": "/a"},
		"bad mode":        {"content": "x", "dest": "/a", "mode": "rw"},
		"missing source":  {"source": "/nonexistent/file", "dest": "/a"},
	}
	for name, params := range tests {
		t.Run(name, func(t *testing.T) {
			_, err := u.Run(context.Background(), request(remoteConfig(), TypeUpload, params, nil))
			requireKind(t, err, engine.ErrorKindFatalStepFailure)
		})
	}
}
