// Package pipeline builds the phases a provisioning run executes. A pipeline
// is a YAML document whose string fields are Go templates rendered against
// the run configuration, so the same definition serves every tenant.
package pipeline

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/template"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/raidan-labs/provisiond/pkg/config"
	"github.com/raidan-labs/provisiond/pkg/engine"
)

//go:embed default.yaml
var defaultDocument []byte

//go:embed compose.yaml.tmpl
var composeTemplate string

// DefaultRemoteDir is where stack documents are placed on the target.
const DefaultRemoteDir = "/opt/provisiond"

// Document is the YAML form of a pipeline.
type Document struct {
	Phases []PhaseDoc `yaml:"phases"`
}

// PhaseDoc declares a phase. When is rendered and the phase is dropped when
// the result is empty or "false".
type PhaseDoc struct {
	Name  string    `yaml:"name"`
	When  string    `yaml:"when,omitempty"`
	Steps []StepDoc `yaml:"steps"`
}

// StepDoc declares a step. Name, action type and params are templates.
type StepDoc struct {
	Name       string             `yaml:"name"`
	When       string             `yaml:"when,omitempty"`
	Action     engine.Action      `yaml:"action"`
	Timeout    time.Duration      `yaml:"timeout,omitempty"`
	Retry      engine.RetryPolicy `yaml:"retry,omitempty"`
	Idempotent bool               `yaml:"idempotent,omitempty"`
}

// Endpoints are the collaborator URLs exposed to templates.
type Endpoints struct {
	DNSProvider      string
	ContainerManager string
	Resolver         string
}

// Options are the process-level values exposed to templates.
type Options struct {
	Endpoints Endpoints

	// WorkDir is the local directory for generated files; each run gets
	// a subdirectory named after its tenant.
	WorkDir string

	// RemoteDir is the base directory for stack documents on the target.
	RemoteDir string

	// Registry prefixes image names, e.g. "ghcr.io/acme/".
	Registry string
}

// Source is an engine.PipelineSource backed by a pipeline document.
type Source struct {
	doc  Document
	opts Options
	base *template.Template
}

// Default returns the built-in pipeline.
func Default(opts Options) (*Source, error) {
	return Decode(bytes.NewReader(defaultDocument), opts)
}

// Load reads a pipeline document from path.
func Load(path string, opts Options) (*Source, error) {
	f, err := os.Open(path)
	if err != nil {
		return nil, fmt.Errorf("failed to open pipeline %s: %w", path, err)
	}
	defer f.Close()
	src, err := Decode(f, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to load pipeline %s: %w", path, err)
	}
	return src, nil
}

// Decode parses a pipeline document and checks that its templates parse.
func Decode(r io.Reader, opts Options) (*Source, error) {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	var doc Document
	if err := dec.Decode(&doc); err != nil {
		if err == io.EOF {
			return nil, fmt.Errorf("pipeline document is empty")
		}
		return nil, err
	}
	if len(doc.Phases) == 0 {
		return nil, fmt.Errorf("pipeline document has no phases")
	}
	if opts.RemoteDir == "" {
		opts.RemoteDir = DefaultRemoteDir
	}
	if opts.WorkDir == "" {
		opts.WorkDir = os.TempDir()
	}

	base, err := template.New("pipeline").Funcs(funcs).Parse(composeTemplate)
	if err != nil {
		return nil, fmt.Errorf("failed to parse stack template: %w", err)
	}
	s := &Source{doc: doc, opts: opts, base: base}
	for _, phase := range doc.Phases {
		for _, field := range phaseTemplates(phase) {
			if _, err := s.parse(field); err != nil {
				return nil, fmt.Errorf("phase %s: %w", phase.Name, err)
			}
		}
	}
	return s, nil
}

func phaseTemplates(p PhaseDoc) []string {
	out := []string{p.Name, p.When}
	for _, st := range p.Steps {
		out = append(out, st.Name, st.When, st.Action.Type)
		for _, v := range st.Action.Params {
			out = append(out, v)
		}
	}
	return out
}

// Build renders the document for cfg. Phases and steps whose condition is
// false are dropped.
func (s *Source) Build(cfg *config.Provisioning) (engine.Pipeline, error) {
	data, err := s.Data(cfg)
	if err != nil {
		return engine.Pipeline{}, err
	}

	var out engine.Pipeline
	for _, pd := range s.doc.Phases {
		ok, err := s.enabled(pd.When, data)
		if err != nil {
			return engine.Pipeline{}, fmt.Errorf("phase %s: %w", pd.Name, err)
		}
		if !ok {
			continue
		}
		name, err := s.render(pd.Name, data)
		if err != nil {
			return engine.Pipeline{}, err
		}
		phase := engine.PhaseSpec{Name: name}
		for _, sd := range pd.Steps {
			step, ok, err := s.buildStep(sd, data)
			if err != nil {
				return engine.Pipeline{}, fmt.Errorf("phase %s: step %s: %w", name, sd.Name, err)
			}
			if ok {
				phase.Steps = append(phase.Steps, step)
			}
		}
		if len(phase.Steps) > 0 {
			out.Phases = append(out.Phases, phase)
		}
	}
	if err := out.Validate(); err != nil {
		return engine.Pipeline{}, err
	}
	return out, nil
}

func (s *Source) buildStep(sd StepDoc, data map[string]interface{}) (engine.StepSpec, bool, error) {
	ok, err := s.enabled(sd.When, data)
	if err != nil || !ok {
		return engine.StepSpec{}, false, err
	}
	name, err := s.render(sd.Name, data)
	if err != nil {
		return engine.StepSpec{}, false, err
	}
	actionType, err := s.render(sd.Action.Type, data)
	if err != nil {
		return engine.StepSpec{}, false, err
	}
	params := make(map[string]string, len(sd.Action.Params))
	for k, v := range sd.Action.Params {
		rendered, err := s.render(v, data)
		if err != nil {
			return engine.StepSpec{}, false, fmt.Errorf("param %s: %w", k, err)
		}
		params[k] = rendered
	}
	return engine.StepSpec{
		Name:       name,
		Action:     engine.Action{Type: strings.TrimSpace(actionType), Params: params},
		Timeout:    sd.Timeout,
		Retry:      sd.Retry,
		Idempotent: sd.Idempotent,
	}, true, nil
}

func (s *Source) enabled(when string, data map[string]interface{}) (bool, error) {
	if when == "" {
		return true, nil
	}
	v, err := s.render(when, data)
	if err != nil {
		return false, err
	}
	v = strings.TrimSpace(v)
	return v != "" && v != "false", nil
}

func (s *Source) parse(text string) (*template.Template, error) {
	t, err := s.base.Clone()
	if err != nil {
		return nil, err
	}
	return t.New("field").Option("missingkey=error").Parse(text)
}

func (s *Source) render(text string, data map[string]interface{}) (string, error) {
	if !strings.Contains(text, "{{") {
		return text, nil
	}
	t, err := s.parse(text)
	if err != nil {
		return "", err
	}
	var buf bytes.Buffer
	if err := t.Execute(&buf, data); err != nil {
		return "", err
	}
	return buf.String(), nil
}

// Data returns the template data for cfg: the non-secret configuration view
// plus derived names, records and endpoints.
func (s *Source) Data(cfg *config.Provisioning) (map[string]interface{}, error) {
	data := cfg.TemplateData()
	project, _ := data["Project"].(string)

	services := cfg.Services
	if len(services) == 0 {
		services = DefaultServices
	}
	images := make(map[string]string, len(cfg.ImagePins))
	for svc, pin := range cfg.ImagePins {
		images[svc] = s.opts.Registry + svc + ":" + pin
	}

	shell := "ssh"
	if cfg.IsLocal() {
		shell = "exec"
	}

	var records []config.DNSRecord
	var names []string
	if !cfg.IsLocal() || len(cfg.DNSRecords) > 0 {
		var err error
		records, err = Records(cfg)
		if err != nil {
			return nil, err
		}
		for _, r := range records {
			names = append(names, r.FQDN(cfg.Domain))
		}
	}

	data["Endpoints"] = s.opts.Endpoints
	data["WorkDir"] = filepath.Join(s.opts.WorkDir, cfg.Domain)
	data["StackDir"] = s.opts.RemoteDir + "/" + cfg.Domain
	data["Network"] = "provisiond_" + project
	data["Images"] = images
	data["ServiceNames"] = services
	data["Shell"] = shell
	data["Records"] = records
	data["RecordNames"] = names
	return data, nil
}

var funcs = template.FuncMap{
	"join": strings.Join,
	"json": func(v interface{}) (string, error) {
		b, err := json.Marshal(v)
		return string(b), err
	},
	// sq single-quotes a value for a POSIX shell.
	"sq": func(s string) string {
		return "'" + strings.ReplaceAll(s, "'", `'\''`) + "'"
	},
}
