package ssh

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	"golang.org/x/crypto/ssh"
	"golang.org/x/crypto/ssh/knownhosts"
)

// Config describes how to reach and log in to one provisioning target.
type Config struct {
	Host string
	Port int
	User string

	// PrivateKey is a PEM key, decrypted with PrivateKeyPassphrase when set.
	PrivateKey           []byte
	PrivateKeyPassphrase string

	// Password is offered both as a password and as the answer to every
	// keyboard-interactive prompt.
	Password string

	// KnownHostsPath pins host keys. Empty accepts any host key, which is
	// only acceptable for freshly provisioned servers.
	KnownHostsPath string

	// ConnectionTimeout bounds dialing and the handshake.
	ConnectionTimeout time.Duration

	// StopTimeout is how long a signalled command may take to exit before
	// its session is closed.
	StopTimeout time.Duration
}

// DefaultConfig returns a Config for user@host on port 22.
func DefaultConfig(host, user string) *Config {
	return &Config{
		Host:              host,
		Port:              22,
		User:              user,
		ConnectionTimeout: 30 * time.Second,
		StopTimeout:       5 * time.Second,
	}
}

// Validate reports the first unusable field.
func (c *Config) Validate() error {
	switch {
	case c.Host == "":
		return errors.New("host is required")
	case c.Port < 1 || c.Port > 65535:
		return fmt.Errorf("port %d is out of range", c.Port)
	case c.User == "":
		return errors.New("user is required")
	case len(c.PrivateKey) == 0 && c.Password == "":
		return errors.New("a private key or password is required")
	case c.ConnectionTimeout <= 0:
		return errors.New("connection timeout must be positive")
	}
	return nil
}

// Address is host:port, bracketing IPv6 literals.
func (c *Config) Address() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}

// ClientConfig converts c into the x/crypto/ssh form.
func (c *Config) ClientConfig() (*ssh.ClientConfig, error) {
	auth, err := c.authMethods()
	if err != nil {
		return nil, err
	}
	hostKeys, err := c.hostKeyCallback()
	if err != nil {
		return nil, err
	}
	return &ssh.ClientConfig{
		User:            c.User,
		Auth:            auth,
		HostKeyCallback: hostKeys,
		Timeout:         c.ConnectionTimeout,
	}, nil
}

func (c *Config) authMethods() ([]ssh.AuthMethod, error) {
	var methods []ssh.AuthMethod
	if len(c.PrivateKey) > 0 {
		signer, err := c.signer()
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key: %w", err)
		}
		methods = append(methods, ssh.PublicKeys(signer))
	}
	if c.Password != "" {
		answer := func(_, _ string, questions []string, _ []bool) ([]string, error) {
			answers := make([]string, len(questions))
			for i := range answers {
				answers[i] = c.Password
			}
			return answers, nil
		}
		methods = append(methods, ssh.Password(c.Password), ssh.KeyboardInteractive(answer))
	}
	return methods, nil
}

func (c *Config) signer() (ssh.Signer, error) {
	if c.PrivateKeyPassphrase == "" {
		return ssh.ParsePrivateKey(c.PrivateKey)
	}
	return ssh.ParsePrivateKeyWithPassphrase(c.PrivateKey, []byte(c.PrivateKeyPassphrase))
}

func (c *Config) hostKeyCallback() (ssh.HostKeyCallback, error) {
	if c.KnownHostsPath == "" {
		return ssh.InsecureIgnoreHostKey(), nil
	}
	cb, err := knownhosts.New(c.KnownHostsPath)
	if err != nil {
		return nil, fmt.Errorf("failed to load known_hosts: %w", err)
	}
	return cb, nil
}
