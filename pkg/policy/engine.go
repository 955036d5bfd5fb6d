package policy

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/v1/ast"
	"github.com/open-policy-agent/opa/v1/rego"

	"github.com/raidan-labs/provisiond/pkg/config"
	"github.com/raidan-labs/provisiond/pkg/engine"
	"github.com/raidan-labs/provisiond/pkg/telemetry"
)

// Options configures an Engine.
type Options struct {
	Logger *telemetry.Logger
	Events *telemetry.EventBus

	// DisableBuiltins starts the engine without the shipped policies.
	DisableBuiltins bool
}

// Engine evaluates Rego admission policies against provisioning
// configurations. It implements engine.Admitter.
type Engine struct {
	mu       sync.RWMutex
	policies map[string]*compiledPolicy
	builtins map[string]*compiledPolicy
	logger   *telemetry.Logger
	events   *telemetry.EventBus
}

// compiledPolicy is a policy with its prepared deny query.
type compiledPolicy struct {
	policy Policy
	query  rego.PreparedEvalQuery
}

var _ engine.Admitter = (*Engine)(nil)

// NewEngine creates a policy engine with the built-in policies loaded.
func NewEngine(opts Options) (*Engine, error) {
	logger := opts.Logger
	if logger == nil {
		logger = telemetry.NewNopLogger()
	}
	e := &Engine{
		policies: make(map[string]*compiledPolicy),
		builtins: make(map[string]*compiledPolicy),
		logger:   logger.NewComponentLogger("policy"),
		events:   opts.Events,
	}
	if !opts.DisableBuiltins {
		for _, p := range BuiltinPolicies() {
			if err := e.AddPolicy(context.Background(), p); err != nil {
				return nil, fmt.Errorf("failed to load built-in policy %s: %w", p.Name, err)
			}
		}
	}
	return e, nil
}

// AddPolicy compiles p and adds it, replacing a policy of the same name.
func (e *Engine) AddPolicy(ctx context.Context, p Policy) error {
	cp, err := compile(ctx, p)
	if err != nil {
		return err
	}
	e.mu.Lock()
	e.policies[p.Name] = cp
	if p.Builtin {
		e.builtins[p.Name] = cp
	}
	e.mu.Unlock()

	e.logger.WithField("policy", p.Name).Debug("policy loaded")
	return nil
}

// RemovePolicy drops a policy by name.
func (e *Engine) RemovePolicy(name string) {
	e.mu.Lock()
	delete(e.policies, name)
	e.mu.Unlock()
}

// Reload replaces every non-built-in policy with policies. A reloaded
// policy named like a built-in one shadows it until the next reload
// without it. All policies are compiled first; on any error the current
// set is kept.
func (e *Engine) Reload(ctx context.Context, policies []Policy) error {
	compiled := make(map[string]*compiledPolicy, len(policies))
	for _, p := range policies {
		if _, dup := compiled[p.Name]; dup {
			return fmt.Errorf("duplicate policy name %s", p.Name)
		}
		cp, err := compile(ctx, p)
		if err != nil {
			return err
		}
		compiled[p.Name] = cp
	}

	e.mu.Lock()
	for name, cp := range e.builtins {
		if _, shadowed := compiled[name]; !shadowed {
			compiled[name] = cp
		}
	}
	e.policies = compiled
	e.mu.Unlock()

	e.logger.WithField("count", len(policies)).Info("policies reloaded")
	return nil
}

// GetPolicy retrieves a policy by name.
func (e *Engine) GetPolicy(name string) (Policy, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	cp, ok := e.policies[name]
	if !ok {
		return Policy{}, false
	}
	return cp.policy, true
}

// ListPolicies returns all loaded policies sorted by name.
func (e *Engine) ListPolicies() []Policy {
	e.mu.RLock()
	defer e.mu.RUnlock()
	out := make([]Policy, 0, len(e.policies))
	for _, cp := range e.policies {
		out = append(out, cp.policy)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out
}

// Evaluate runs every enabled policy against cfg.
func (e *Engine) Evaluate(ctx context.Context, cfg *config.Provisioning) (*Result, error) {
	start := time.Now()
	input, err := Input(cfg)
	if err != nil {
		return nil, err
	}

	e.mu.RLock()
	active := make([]*compiledPolicy, 0, len(e.policies))
	for _, cp := range e.policies {
		if cp.policy.Enabled {
			active = append(active, cp)
		}
	}
	e.mu.RUnlock()
	sort.Slice(active, func(i, j int) bool { return active[i].policy.Name < active[j].policy.Name })

	result := &Result{Allowed: true}
	for _, cp := range active {
		violations, err := e.evaluatePolicy(ctx, cp, input)
		if err != nil {
			return nil, fmt.Errorf("failed to evaluate policy %s: %w", cp.policy.Name, err)
		}
		result.Evaluated = append(result.Evaluated, cp.policy.Name)
		for _, v := range violations {
			if v.Severity.Blocking() {
				result.Violations = append(result.Violations, v)
				result.Allowed = false
			} else {
				result.Warnings = append(result.Warnings, v)
			}
		}
	}
	result.Duration = time.Since(start)
	return result, nil
}

// Admit rejects cfg with a POLICY_VIOLATION InvalidConfiguration error when
// any blocking violation is found. Warnings are logged.
func (e *Engine) Admit(ctx context.Context, cfg *config.Provisioning) error {
	result, err := e.Evaluate(ctx, cfg)
	if err != nil {
		return err
	}

	tenant := cfg.Tenant()
	log := e.logger.WithTenant(tenant)
	for _, w := range result.Warnings {
		log.WithFields(map[string]interface{}{"policy": w.Policy, "field": w.Field}).Warn(w.Message)
	}
	if result.Allowed {
		log.WithField("policies", len(result.Evaluated)).Debug("configuration admitted")
		return nil
	}

	messages := make([]string, 0, len(result.Violations))
	for _, v := range result.Violations {
		e.events.PublishPolicyViolation(tenant, v.Policy, v.Message)
		messages = append(messages, v.Message)
	}
	log.WithField("violations", len(result.Violations)).Warn("configuration denied by policy")

	return engine.NewInvalidConfigurationError(
		"configuration denied by policy: "+strings.Join(messages, "; "), nil).
		WithCode(engine.ErrCodePolicy).
		WithDetail("violations", result.Violations)
}

// Input builds the policy input document for cfg. Secret handles are left
// out; policies only see which secret names are referenced.
func Input(cfg *config.Provisioning) (map[string]interface{}, error) {
	if cfg == nil {
		return nil, fmt.Errorf("configuration is missing")
	}
	data, err := json.Marshal(cfg)
	if err != nil {
		return nil, fmt.Errorf("failed to encode configuration: %w", err)
	}
	var view map[string]interface{}
	if err := json.Unmarshal(data, &view); err != nil {
		return nil, fmt.Errorf("failed to decode configuration: %w", err)
	}
	delete(view, "secretRefs")

	return map[string]interface{}{
		"config":  view,
		"tenant":  cfg.Tenant(),
		"local":   cfg.IsLocal(),
		"secrets": cfg.SecretNames(),
	}, nil
}

// evaluatePolicy evaluates the deny set of one policy.
func (e *Engine) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input map[string]interface{}) ([]Violation, error) {
	rs, err := cp.query.Eval(ctx, rego.EvalInput(input))
	if err != nil {
		return nil, err
	}
	if len(rs) == 0 || len(rs[0].Expressions) == 0 {
		return nil, nil
	}

	denials, ok := rs[0].Expressions[0].Value.([]interface{})
	if !ok {
		return nil, fmt.Errorf("deny must be a set, got %T", rs[0].Expressions[0].Value)
	}

	violations := make([]Violation, 0, len(denials))
	for _, d := range denials {
		violations = append(violations, createViolation(cp.policy, d))
	}
	return violations, nil
}

// createViolation converts one deny entry, a string or an object with
// message, severity and field keys.
func createViolation(p Policy, denial interface{}) Violation {
	v := Violation{Policy: p.Name, Severity: p.Severity}
	switch d := denial.(type) {
	case string:
		v.Message = d
	case map[string]interface{}:
		if msg, ok := d["message"].(string); ok {
			v.Message = msg
		}
		if sev, ok := d["severity"].(string); ok {
			if s, valid := parseSeverity(sev); valid {
				v.Severity = s
			}
		}
		if field, ok := d["field"].(string); ok {
			v.Field = field
		}
	}
	if v.Message == "" {
		v.Message = fmt.Sprintf("denied by %s", p.Name)
	}
	return v
}

// compile parses p and prepares its deny query.
func compile(ctx context.Context, p Policy) (*compiledPolicy, error) {
	if p.Name == "" {
		return nil, fmt.Errorf("policy name is required")
	}
	if p.Severity == "" {
		p.Severity = SeverityError
	}
	if _, ok := parseSeverity(string(p.Severity)); !ok {
		return nil, fmt.Errorf("policy %s: unknown severity %q", p.Name, p.Severity)
	}

	pkg, err := extractPackageName(p.Name, p.Rego)
	if err != nil {
		return nil, err
	}

	query, err := rego.New(
		rego.Query(pkg+".deny"),
		rego.Module(p.Name+".rego", p.Rego),
	).PrepareForEval(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to compile policy %s: %w", p.Name, err)
	}
	return &compiledPolicy{policy: p, query: query}, nil
}

// extractPackageName returns the data path of the module's package.
func extractPackageName(name, src string) (string, error) {
	module, err := ast.ParseModule(name+".rego", src)
	if err != nil {
		return "", fmt.Errorf("failed to parse policy %s: %w", name, err)
	}
	if module == nil {
		return "", fmt.Errorf("policy %s is empty", name)
	}
	return module.Package.Path.String(), nil
}
