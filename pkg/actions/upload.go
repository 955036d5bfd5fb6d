package actions

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/raidan-labs/provisiond/pkg/engine"
)

const defaultUploadMode os.FileMode = 0o644

// Upload places files on the run's server: over SFTP for a remote server,
// directly for a local one.
//
// Params:
//
//	content  literal file content; requires a single dest
//	source   comma separated local paths, one per dest
//	dest     comma separated destination paths
//	mode     octal permissions, default 0644
type Upload struct {
	dial dialFunc
}

type upload struct {
	content io.Reader
	source  string
	dest    string
}

// Run implements engine.ActionHandler.
func (u *Upload) Run(ctx context.Context, req engine.ActionRequest) (*engine.ActionResult, error) {
	if err := required(req, "dest"); err != nil {
		return nil, err
	}
	mode := defaultUploadMode
	if m := req.Param("mode"); m != "" {
		parsed, err := strconv.ParseUint(m, 8, 32)
		if err != nil {
			return nil, engine.NewFatalError(fmt.Sprintf("invalid mode %q", m), err).WithCode(engine.ErrCodeValidation)
		}
		mode = os.FileMode(parsed)
	}
	files, err := plan(req)
	if err != nil {
		return nil, err
	}

	put := putLocal
	if !req.Config.IsLocal() {
		target, err := u.dial(ctx, req.Config)
		if err != nil {
			return nil, err
		}
		defer target.Close()
		put = target.Upload
	}

	var out strings.Builder
	for _, f := range files {
		r := f.content
		if r == nil {
			file, err := os.Open(f.source)
			if err != nil {
				return nil, engine.NewFatalError("cannot read "+f.source, err)
			}
			defer file.Close()
			r = file
		}
		if err := put(ctx, r, f.dest, mode); err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, remoteError("upload of "+f.dest+" failed", err)
		}
		line := fmt.Sprintf("uploaded %s (%#o)", f.dest, mode)
		if req.Log != nil {
			req.Log(line)
		}
		out.WriteString(line + "\n")
	}
	return &engine.ActionResult{Output: out.String()}, nil
}

func plan(req engine.ActionRequest) ([]upload, error) {
	dests := list(req.Param("dest"))
	content, hasContent := req.Step.Action.Params["content"]
	if hasContent {
		if len(dests) != 1 {
			return nil, engine.NewFatalError("content uploads take exactly one dest", nil).WithCode(engine.ErrCodeValidation)
		}
		return []upload{{content: strings.NewReader(content), dest: dests[0]}}, nil
	}

	sources := list(req.Param("source"))
	if len(sources) == 0 || len(sources) != len(dests) {
		return nil, engine.NewFatalError(
			fmt.Sprintf("upload needs content or one source per dest (got %d source(s), %d dest(s))", len(sources), len(dests)), nil).
			WithCode(engine.ErrCodeValidation)
	}
	out := make([]upload, len(sources))
	for i := range sources {
		out[i] = upload{source: sources[i], dest: dests[i]}
	}
	return out, nil
}

// putLocal writes r to dest through a temporary file in the same directory.
func putLocal(ctx context.Context, r io.Reader, dest string, mode os.FileMode) error {
	if err := os.MkdirAll(filepath.Dir(dest), 0o755); err != nil {
		return engine.NewFatalError("cannot create directory for "+dest, err)
	}
	tmp, err := os.CreateTemp(filepath.Dir(dest), "."+filepath.Base(dest)+".*")
	if err != nil {
		return engine.NewFatalError("cannot create "+dest, err)
	}
	defer os.Remove(tmp.Name())

	_, err = io.Copy(tmp, r)
	if cerr := tmp.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		return engine.NewTransientError("cannot write "+dest, err)
	}
	if err := ctx.Err(); err != nil {
		return err
	}
	if err := os.Chmod(tmp.Name(), mode); err != nil {
		return engine.NewFatalError("cannot set mode on "+dest, err)
	}
	if err := os.Rename(tmp.Name(), dest); err != nil {
		return engine.NewFatalError("cannot move "+dest+" into place", err)
	}
	return nil
}
