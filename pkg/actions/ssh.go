package actions

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/raidan-labs/provisiond/pkg/config"
	"github.com/raidan-labs/provisiond/pkg/engine"
	sshtransport "github.com/raidan-labs/provisiond/pkg/transports/ssh"
)

// Secret names a configuration may reference for remote access when the
// process has no key configured.
const (
	SecretSSHKey      = "ssh_private_key"
	SecretSSHPassword = "ssh_password"
)

const (
	defaultSSHUser = "root"
	defaultSSHPort = 22
)

// remote is a connection to the provisioning target.
type remote interface {
	Run(ctx context.Context, cmd string, out io.Writer) error
	Upload(ctx context.Context, r io.Reader, dest string, mode os.FileMode) error
	Close() error
}

type dialFunc func(ctx context.Context, cfg *config.Provisioning) (remote, error)

// remoteDialer opens SSH connections to a run's server.
type remoteDialer struct {
	deps Deps
}

func (d *remoteDialer) dial(ctx context.Context, cfg *config.Provisioning) (remote, error) {
	sc, err := d.sshConfig(cfg)
	if err != nil {
		return nil, err
	}
	client, err := sshtransport.Dial(ctx, sc)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		if sshtransport.IsTemporary(err) {
			return nil, engine.NewTransientError("cannot reach "+sc.Address(), err)
		}
		return nil, engine.NewFatalError("cannot log in to "+sc.Address(), err)
	}
	d.deps.Logger.WithField("address", sc.Address()).Debug("connected to target")
	return client, nil
}

func (d *remoteDialer) sshConfig(cfg *config.Provisioning) (*sshtransport.Config, error) {
	if cfg.IsLocal() {
		return nil, engine.NewFatalError("ssh requires a remote serverAddress", nil).WithCode(engine.ErrCodeValidation)
	}
	user := cfg.SSHUser
	if user == "" {
		user = defaultSSHUser
	}
	sc := sshtransport.DefaultConfig(cfg.ServerAddress, user)
	if cfg.SSHPort != 0 {
		sc.Port = cfg.SSHPort
	} else {
		sc.Port = defaultSSHPort
	}
	sc.KnownHostsPath = d.deps.SSH.KnownHostsFile
	if d.deps.SSH.ConnectTimeout > 0 {
		sc.ConnectionTimeout = d.deps.SSH.ConnectTimeout
	}
	sc.StopTimeout = d.deps.GracePeriod

	if d.deps.Secrets == nil {
		return nil, engine.NewFatalError("no secret resolver configured for ssh", nil)
	}
	switch {
	case cfg.SecretRefs[SecretSSHKey] != "":
		key, err := d.deps.Secrets.Secret(cfg, SecretSSHKey)
		if err != nil {
			return nil, secretError(SecretSSHKey, err)
		}
		sc.PrivateKey = trimKey(key)
	case d.deps.SSH.KeyRef != "":
		key, err := d.deps.Secrets.Resolve(d.deps.SSH.KeyRef)
		if err != nil {
			return nil, secretError("ssh key", err)
		}
		sc.PrivateKey = trimKey(key)
	}
	if cfg.SecretRefs[SecretSSHPassword] != "" {
		password, err := d.deps.Secrets.Secret(cfg, SecretSSHPassword)
		if err != nil {
			return nil, secretError(SecretSSHPassword, err)
		}
		sc.Password = password
	}
	if err := sc.Validate(); err != nil {
		return nil, engine.NewFatalError("invalid ssh settings", err).WithCode(engine.ErrCodeValidation)
	}
	return sc, nil
}

func secretError(name string, err error) error {
	return engine.NewFatalError(fmt.Sprintf("cannot resolve secret %s", name), err).WithCode(engine.ErrCodeSecret)
}

// SSH runs a shell command on the run's server.
//
// Params:
//
//	command               remote shell command
//	transient_exit_codes  comma separated exit codes that are worth retrying
type SSH struct {
	dial dialFunc
}

// Run implements engine.ActionHandler.
func (s *SSH) Run(ctx context.Context, req engine.ActionRequest) (*engine.ActionResult, error) {
	if err := required(req, "command"); err != nil {
		return nil, err
	}
	transient, err := exitCodes(req.Param("transient_exit_codes"))
	if err != nil {
		return nil, err
	}

	started := time.Now()
	target, err := s.dial(ctx, req.Config)
	if err != nil {
		return nil, err
	}
	defer target.Close()

	out := newLineLog(req.Log)
	runErr := target.Run(ctx, req.Param("command"), out)
	result := &engine.ActionResult{Output: out.Close()}
	if runErr == nil {
		return result, nil
	}
	if ctx.Err() != nil {
		return result, ctx.Err()
	}
	if code, ok := sshtransport.ExitStatus(runErr); ok {
		return result, exitError(code, transient)
	}
	return result, remoteError(fmt.Sprintf("remote command failed after %s", time.Since(started).Round(time.Millisecond)), runErr)
}

// remoteError classifies a transport failure. Errors that are already
// classified pass through.
func remoteError(msg string, err error) error {
	var classified *engine.EngineError
	switch {
	case errors.As(err, &classified):
		return classified
	case sshtransport.IsTemporary(err):
		return engine.NewTransientError(msg, err)
	default:
		return engine.NewFatalError(msg, err)
	}
}

// trimKey normalizes a PEM key read from a secret.
func trimKey(key string) []byte {
	return []byte(strings.TrimSpace(key) + "\n")
}
