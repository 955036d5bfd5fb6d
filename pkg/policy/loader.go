package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"

	"github.com/raidan-labs/provisiond/pkg/telemetry"
)

// reloadDelay debounces bursts of file events into one reload.
const reloadDelay = 300 * time.Millisecond

// Loader turns .rego and .json files into policies and can keep watching
// them. Parsed files are cached until the watcher reports a change.
type Loader struct {
	logger *telemetry.Logger

	mu      sync.Mutex
	parsed  map[string]*Policy
	watcher *fsnotify.Watcher
}

// NewLoader creates a loader. A nil logger discards output.
func NewLoader(logger *telemetry.Logger) *Loader {
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	return &Loader{
		logger: logger.NewComponentLogger("policy-loader"),
		parsed: make(map[string]*Policy),
	}
}

// LoadFromPaths reads every policy file found in paths, which may name files
// or directories. Any unreadable or malformed file fails the whole load, so
// a reload never silently drops a policy.
func (l *Loader) LoadFromPaths(ctx context.Context, paths []string) ([]Policy, error) {
	var all []Policy
	for _, root := range paths {
		if _, err := os.Stat(root); err != nil {
			return nil, fmt.Errorf("policy path %s: %w", root, err)
		}
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			switch {
			case err != nil:
				return err
			case ctx.Err() != nil:
				return ctx.Err()
			case d.IsDir():
				return nil
			case path != root && !isPolicyFile(path):
				return nil
			}
			p, err := l.parse(path)
			if err != nil {
				return err
			}
			all = append(all, *p)
			return nil
		})
		if err != nil {
			return nil, fmt.Errorf("policy path %s: %w", root, err)
		}
	}

	l.logger.WithFields(map[string]interface{}{
		"policies": len(all),
		"paths":    len(paths),
	}).Info("policies loaded")
	return all, nil
}

func (l *Loader) parse(path string) (*Policy, error) {
	l.mu.Lock()
	cached, ok := l.parsed[path]
	l.mu.Unlock()
	if ok {
		return cached, nil
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var p *Policy
	switch filepath.Ext(path) {
	case ".rego":
		p, err = regoPolicy(path, data)
	case ".json":
		p, err = jsonPolicy(path, data)
	default:
		err = fmt.Errorf("%s: not a .rego or .json file", path)
	}
	if err != nil {
		return nil, err
	}

	l.mu.Lock()
	l.parsed[path] = p
	l.mu.Unlock()
	l.logger.WithField("path", path).WithField("policy", p.Name).Debug("policy parsed")
	return p, nil
}

// regoPolicy names the policy after its file. The leading comment block is
// the description and may hold a "severity:" line; the default is error.
func regoPolicy(path string, data []byte) (*Policy, error) {
	description, severity := regoHeader(string(data))
	if severity == "" {
		severity = SeverityError
	}
	if _, ok := parseSeverity(string(severity)); !ok {
		return nil, fmt.Errorf("%s: unknown severity %q", path, severity)
	}
	return &Policy{
		Name:        strings.TrimSuffix(filepath.Base(path), ".rego"),
		Description: description,
		Rego:        string(data),
		Severity:    severity,
		Enabled:     true,
		Source:      path,
	}, nil
}

func jsonPolicy(path string, data []byte) (*Policy, error) {
	p := Policy{Enabled: true, Severity: SeverityError}
	if err := json.Unmarshal(data, &p); err != nil {
		return nil, fmt.Errorf("%s: %w", path, err)
	}
	if p.Name == "" {
		p.Name = strings.TrimSuffix(filepath.Base(path), ".json")
	}
	p.Builtin = false
	p.Source = path
	return &p, nil
}

func regoHeader(module string) (string, Severity) {
	var words []string
	var severity Severity
	for _, line := range strings.Split(module, "\n") {
		line = strings.TrimSpace(line)
		comment, ok := strings.CutPrefix(line, "#")
		if !ok {
			if line == "" && len(words) == 0 {
				continue
			}
			break
		}
		comment = strings.TrimSpace(comment)
		if rest, ok := strings.CutPrefix(comment, "severity:"); ok {
			severity = Severity(strings.TrimSpace(rest))
		} else if comment != "" {
			words = append(words, comment)
		}
	}
	return strings.Join(words, " "), severity
}

func isPolicyFile(path string) bool {
	switch filepath.Ext(path) {
	case ".rego", ".json":
		return true
	}
	return false
}

// Watch calls apply with the complete policy set shortly after any policy
// file below paths changes. A reload that fails to load or apply is logged
// and the previous policies stay in force. Watching stops when ctx is done
// or StopWatching is called.
func (l *Loader) Watch(ctx context.Context, paths []string, apply func([]Policy) error) error {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return fmt.Errorf("failed to create watcher: %w", err)
	}
	for _, root := range paths {
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if d.IsDir() || path == root {
				return w.Add(path)
			}
			return nil
		})
		if err != nil {
			l.logger.WithError(err).WithField("path", root).Warn("policy path not watched")
		}
	}

	l.mu.Lock()
	l.watcher = w
	l.mu.Unlock()

	go l.watch(ctx, w, func() {
		policies, err := l.LoadFromPaths(ctx, paths)
		if err == nil {
			err = apply(policies)
		}
		if err != nil {
			l.logger.WithError(err).Error("policy reload failed, keeping previous policies")
		}
	})
	l.logger.WithField("paths", len(paths)).Info("watching policy paths")
	return nil
}

func (l *Loader) watch(ctx context.Context, w *fsnotify.Watcher, reload func()) {
	var pending *time.Timer
	defer func() {
		if pending != nil {
			pending.Stop()
		}
	}()

	const relevant = fsnotify.Write | fsnotify.Create | fsnotify.Remove | fsnotify.Rename
	for {
		select {
		case <-ctx.Done():
			_ = w.Close()
			return
		case ev, ok := <-w.Events:
			if !ok {
				return
			}
			if ev.Op&relevant == 0 || !isPolicyFile(ev.Name) {
				continue
			}
			l.logger.WithField("file", ev.Name).WithField("op", ev.Op.String()).Debug("policy file changed")

			l.mu.Lock()
			delete(l.parsed, ev.Name)
			l.mu.Unlock()

			if pending != nil {
				pending.Stop()
			}
			pending = time.AfterFunc(reloadDelay, reload)
		case err, ok := <-w.Errors:
			if !ok {
				return
			}
			l.logger.WithError(err).Warn("policy watcher error")
		}
	}
}

// StopWatching closes the watcher started by Watch, if any.
func (l *Loader) StopWatching() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.watcher == nil {
		return nil
	}
	err := l.watcher.Close()
	l.watcher = nil
	return err
}

// LoadDir loads the policies in dir into e and, when watch is set, keeps
// them in sync with the directory until ctx is done.
func LoadDir(ctx context.Context, e *Engine, l *Loader, dir string, watch bool) error {
	paths := []string{dir}
	policies, err := l.LoadFromPaths(ctx, paths)
	if err != nil {
		return err
	}
	if err := e.Reload(ctx, policies); err != nil {
		return err
	}
	if !watch {
		return nil
	}
	return l.Watch(ctx, paths, func(policies []Policy) error {
		return e.Reload(ctx, policies)
	})
}
