// Package actions implements the step actions a pipeline can use: local
// and remote commands, file uploads, HTTP calls, Cloudflare operations and
// DNS verification.
package actions

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/mitchellh/iochan"

	"github.com/raidan-labs/provisiond/pkg/config"
	"github.com/raidan-labs/provisiond/pkg/engine"
	"github.com/raidan-labs/provisiond/pkg/telemetry"
)

// Action type names.
const (
	TypeExec       = "exec"
	TypeSSH        = "ssh"
	TypeUpload     = "upload"
	TypeHTTP       = "http"
	TypeCloudflare = "cloudflare"
	TypeDNS        = "dns"
)

// maxCapture caps the output an action keeps for its result.
const maxCapture = 64 * 1024

// Secrets resolves secret values for actions.
type Secrets interface {
	// Secret resolves the named secret reference of cfg.
	Secret(cfg *config.Provisioning, name string) (string, error)

	// Resolve resolves a raw handle such as "file:/etc/provisiond/id_ed25519".
	Resolve(ref string) (string, error)
}

// Deps are the process-level collaborators of the actions.
type Deps struct {
	Secrets Secrets
	SSH     config.SSHSettings

	// DNSProvider is the Cloudflare API base URL.
	DNSProvider string

	// HTTPClient is used by the http and cloudflare actions.
	HTTPClient *http.Client

	// GracePeriod is how long a signalled command may take to exit.
	GracePeriod time.Duration

	Logger *telemetry.Logger
}

// New returns the handlers for every action type.
func New(d Deps) engine.Handlers {
	if d.HTTPClient == nil {
		d.HTTPClient = &http.Client{}
	}
	if d.GracePeriod <= 0 {
		d.GracePeriod = engine.DefaultGracePeriod
	}
	if d.Logger == nil {
		d.Logger = telemetry.NewNopLogger()
	}
	if d.DNSProvider == "" {
		d.DNSProvider = DefaultCloudflareURL
	}
	remote := &remoteDialer{deps: d}
	return engine.Handlers{
		TypeExec:       &Exec{Grace: d.GracePeriod},
		TypeSSH:        &SSH{dial: remote.dial},
		TypeUpload:     &Upload{dial: remote.dial},
		TypeHTTP:       &HTTP{Client: d.HTTPClient, Secrets: d.Secrets},
		TypeCloudflare: &Cloudflare{BaseURL: d.DNSProvider, Client: d.HTTPClient, Secrets: d.Secrets},
		TypeDNS:        &DNS{},
	}
}

func required(req engine.ActionRequest, names ...string) error {
	var missing []string
	for _, name := range names {
		if strings.TrimSpace(req.Param(name)) == "" {
			missing = append(missing, name)
		}
	}
	if len(missing) > 0 {
		return engine.NewFatalError(fmt.Sprintf("%s action requires param(s): %s",
			req.Step.Action.Type, strings.Join(missing, ", ")), nil).WithCode(engine.ErrCodeValidation)
	}
	return nil
}

// list splits a comma separated param, dropping blanks.
func list(v string) []string {
	var out []string
	for _, item := range strings.Split(v, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	return out
}

// exitCodes parses a comma separated list of exit or status codes.
func exitCodes(v string) (map[int]bool, error) {
	out := make(map[int]bool)
	for _, item := range list(v) {
		code, err := strconv.Atoi(item)
		if err != nil {
			return nil, engine.NewFatalError(fmt.Sprintf("invalid code %q", item), err).WithCode(engine.ErrCodeValidation)
		}
		out[code] = true
	}
	return out, nil
}

// exitError classifies a command exit.
func exitError(code int, transient map[int]bool) error {
	msg := fmt.Sprintf("command exited with status %d", code)
	if transient[code] {
		return engine.NewTransientError(msg, nil).WithCode(engine.ErrCodeExitStatus).WithDetail("exitCode", code)
	}
	return engine.NewFatalError(msg, nil).WithCode(engine.ErrCodeExitStatus).WithDetail("exitCode", code)
}

// lineLog streams command output to the run log one line at a time and
// keeps the tail for the step result.
type lineLog struct {
	pw   *io.PipeWriter
	done chan struct{}

	mu   sync.Mutex
	tail []byte
}

func newLineLog(log func(string)) *lineLog {
	pr, pw := io.Pipe()
	l := &lineLog{pw: pw, done: make(chan struct{})}
	go func() {
		defer close(l.done)
		for line := range iochan.DelimReader(pr, '\n') {
			if log != nil {
				log(strings.TrimRight(line, "\r\n"))
			}
			l.keep(line)
		}
	}()
	return l
}

func (l *lineLog) keep(line string) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.tail = append(l.tail, line...)
	if over := len(l.tail) - maxCapture; over > 0 {
		l.tail = l.tail[over:]
	}
}

// Write implements io.Writer.
func (l *lineLog) Write(p []byte) (int, error) {
	return l.pw.Write(p)
}

// Close flushes pending lines and returns the captured output.
func (l *lineLog) Close() string {
	_ = l.pw.Close()
	<-l.done
	l.mu.Lock()
	defer l.mu.Unlock()
	return string(l.tail)
}

// contextError returns ctx's error when it is done, so the executor can
// classify the attempt as timed out or cancelled.
func contextError(ctx context.Context, err error) error {
	if ctx.Err() != nil {
		return ctx.Err()
	}
	return err
}
