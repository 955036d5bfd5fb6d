package ssh

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"os"
	"path"
	"time"

	"github.com/pkg/sftp"
	"github.com/rs/zerolog/log"
	"golang.org/x/crypto/ssh"
)

// Client is one SSH connection to a target.
type Client struct {
	config *Config
	client *ssh.Client
}

// Dial connects and authenticates to the host in config.
func Dial(ctx context.Context, config *Config) (*Client, error) {
	if err := config.Validate(); err != nil {
		return nil, &TransportError{Op: "connect", Err: fmt.Errorf("invalid config: %w", err)}
	}
	clientConfig, err := config.ClientConfig()
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err, IsAuthError: true}
	}

	address := config.Address()
	log.Debug().Str("address", address).Msg("establishing SSH connection")

	dialer := net.Dialer{Timeout: config.ConnectionTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", address)
	if err != nil {
		return nil, &TransportError{Op: "connect", Err: err, IsTemporary: true}
	}

	// Bound the handshake by the context as well as the timeout.
	deadline := time.Now().Add(config.ConnectionTimeout)
	if d, ok := ctx.Deadline(); ok && d.Before(deadline) {
		deadline = d
	}
	_ = conn.SetDeadline(deadline)
	stop := context.AfterFunc(ctx, func() { _ = conn.SetDeadline(time.Unix(1, 0)) })
	ncc, chans, reqs, err := ssh.NewClientConn(conn, address, clientConfig)
	stop()
	if err != nil {
		_ = conn.Close()
		if ctx.Err() != nil {
			return nil, &TransportError{Op: "connect", Err: ctx.Err(), IsTemporary: true}
		}
		var netErr net.Error
		temporary := errors.As(err, &netErr)
		return nil, &TransportError{Op: "handshake", Err: err, IsTemporary: temporary, IsAuthError: !temporary}
	}
	_ = conn.SetDeadline(time.Time{})

	log.Debug().Str("address", address).Msg("SSH connection established")
	return &Client{config: config, client: ssh.NewClient(ncc, chans, reqs)}, nil
}

// Close closes the connection.
func (c *Client) Close() error {
	return c.client.Close()
}

// Run executes cmd and copies its combined output to out. A non-zero exit
// is returned as an error ExitStatus understands. When ctx is done the
// command is sent SIGTERM and the session is closed after StopTimeout.
func (c *Client) Run(ctx context.Context, cmd string, out io.Writer) error {
	session, err := c.client.NewSession()
	if err != nil {
		return &TransportError{Op: "exec", Err: fmt.Errorf("failed to create session: %w", err), IsTemporary: true}
	}
	defer session.Close()

	session.Stdout = out
	session.Stderr = out
	if err := session.Start(cmd); err != nil {
		return &TransportError{Op: "exec", Err: err, IsTemporary: true}
	}

	done := make(chan error, 1)
	go func() { done <- session.Wait() }()

	select {
	case err := <-done:
		return classifyExec(err)
	case <-ctx.Done():
	}

	log.Debug().Str("command", cmd).Msg("signalling remote command")
	_ = session.Signal(ssh.SIGTERM)
	stopTimeout := c.config.StopTimeout
	if stopTimeout <= 0 {
		stopTimeout = 5 * time.Second
	}
	timer := time.NewTimer(stopTimeout)
	defer timer.Stop()
	select {
	case <-done:
	case <-timer.C:
		_ = session.Close()
	}
	return ctx.Err()
}

func classifyExec(err error) error {
	if err == nil {
		return nil
	}
	if _, ok := ExitStatus(err); ok {
		return err
	}
	return &TransportError{Op: "exec", Err: err, IsTemporary: true}
}

// Upload writes r to remotePath with mode, creating parent directories.
func (c *Client) Upload(ctx context.Context, r io.Reader, remotePath string, mode os.FileMode) error {
	sftpClient, err := sftp.NewClient(c.client)
	if err != nil {
		return &TransportError{Op: "sftp-init", Err: fmt.Errorf("failed to create SFTP client: %w", err), IsTemporary: true}
	}
	defer sftpClient.Close()
	stop := context.AfterFunc(ctx, func() { _ = sftpClient.Close() })
	defer stop()

	if err := sftpClient.MkdirAll(path.Dir(remotePath)); err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote directory: %w", err)}
	}

	// Write beside the target and rename so a retried upload never leaves
	// a truncated file in place.
	tmp := remotePath + ".partial"
	f, err := sftpClient.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_TRUNC)
	if err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to create remote file: %w", err), IsTemporary: true}
	}
	n, err := io.Copy(f, r)
	if cerr := f.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return &TransportError{Op: "upload", Err: err, IsTemporary: true}
	}
	if err := sftpClient.Chmod(tmp, mode); err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to set permissions: %w", err)}
	}
	if err := sftpClient.PosixRename(tmp, remotePath); err != nil {
		return &TransportError{Op: "upload", Err: fmt.Errorf("failed to move file into place: %w", err), IsTemporary: true}
	}

	log.Debug().Str("remote", remotePath).Int64("bytes", n).Msg("file uploaded")
	return nil
}
