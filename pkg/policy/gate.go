package policy

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/open-policy-agent/opa/ast"
	"github.com/open-policy-agent/opa/rego"
	"github.com/rs/zerolog"
)

// Gate evaluates Rego policies against transition requests before the phase
// machine commits them.
type Gate struct {
	mu              sync.RWMutex
	policies        map[string]*compiledPolicy
	logger          zerolog.Logger
	builtinPolicies []Policy
	loader          *Loader
	loadedPaths     []string
}

// compiledPolicy represents a compiled Rego policy.
type compiledPolicy struct {
	policy   *Policy
	module   *ast.Module
	compiled time.Time
}

// NewGate creates a transition policy gate with the built-in policies
// loaded.
func NewGate(logger zerolog.Logger) (*Gate, error) {
	g := &Gate{
		policies:        make(map[string]*compiledPolicy),
		logger:          logger.With().Str("component", "policy-gate").Logger(),
		builtinPolicies: GetBuiltinPolicies(),
	}

	if err := g.loadBuiltinPolicies(); err != nil {
		return nil, fmt.Errorf("failed to load built-in policies: %w", err)
	}
	return g, nil
}

// EvaluateTransition runs every enabled policy against the transition
// request. Error and critical violations deny the transition; evaluation
// failures of individual policies degrade to warnings.
func (g *Gate) EvaluateTransition(ctx context.Context, input *TransitionInput) (*Result, error) {
	startTime := time.Now()
	g.mu.RLock()
	defer g.mu.RUnlock()

	var allViolations []Violation
	var warnings []string

	for _, cp := range g.policies {
		if !cp.policy.Enabled {
			continue
		}

		violations, err := g.evaluatePolicy(ctx, cp, input)
		if err != nil {
			g.logger.Error().Err(err).
				Str("policy", cp.policy.Name).
				Str("deployment_id", input.DeploymentID).
				Msg("Policy evaluation failed")
			warnings = append(warnings, fmt.Sprintf("policy %s evaluation failed: %v", cp.policy.Name, err))
			continue
		}
		allViolations = append(allViolations, violations...)
	}

	allowed := true
	for i := range allViolations {
		if allViolations[i].Severity == SeverityError || allViolations[i].Severity == SeverityCritical {
			allowed = false
			break
		}
	}

	g.logger.Debug().
		Str("deployment_id", input.DeploymentID).
		Str("from", input.From).
		Str("to", input.To).
		Bool("allowed", allowed).
		Int("violations", len(allViolations)).
		Dur("duration", time.Since(startTime)).
		Msg("Transition policy evaluation completed")

	return &Result{
		Allowed:     allowed,
		Violations:  allViolations,
		Warnings:    warnings,
		EvaluatedAt: time.Now(),
	}, nil
}

// LoadPolicies loads and compiles policy files from the given paths.
func (g *Gate) LoadPolicies(ctx context.Context, paths []string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	if g.loader == nil {
		g.loader = NewLoader(g.logger)
	}
	policies, err := g.loader.LoadFromPaths(ctx, paths)
	if err != nil {
		return fmt.Errorf("failed to load policies: %w", err)
	}

	for i := range policies {
		if err := g.compileAndStorePolicy(&policies[i]); err != nil {
			g.logger.Error().Err(err).
				Str("policy", policies[i].Name).
				Msg("Failed to compile policy")
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}
	g.loadedPaths = paths

	g.logger.Info().
		Int("count", len(policies)).
		Msg("Policies loaded successfully")
	return nil
}

// WatchPolicies starts watching the given paths and recompiles the policy
// set whenever a policy file changes. Watching stops when the context is
// cancelled or StopWatching is called.
func (g *Gate) WatchPolicies(ctx context.Context, paths []string) error {
	g.mu.Lock()
	if g.loader == nil {
		g.loader = NewLoader(g.logger)
	}
	loader := g.loader
	g.mu.Unlock()

	return loader.Watch(ctx, paths, func(policies []Policy) error {
		return g.replacePolicies(policies)
	})
}

// StopWatching stops the policy file watcher.
func (g *Gate) StopWatching() error {
	g.mu.RLock()
	loader := g.loader
	g.mu.RUnlock()

	if loader == nil {
		return nil
	}
	return loader.StopWatching()
}

// replacePolicies swaps in a freshly loaded policy set: the built-ins are
// restored, then the file-backed policies are compiled over them.
func (g *Gate) replacePolicies(policies []Policy) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.policies = make(map[string]*compiledPolicy)
	if err := g.loadBuiltinPolicies(); err != nil {
		return err
	}
	for i := range policies {
		if err := g.compileAndStorePolicy(&policies[i]); err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}
	return nil
}

// evaluatePolicy evaluates one compiled policy's deny set against the input.
func (g *Gate) evaluatePolicy(ctx context.Context, cp *compiledPolicy, input *TransitionInput) ([]Violation, error) {
	packageName := extractPackageName(cp.policy.Rego)
	query := fmt.Sprintf("data.%s.deny", packageName)

	r := rego.New(
		rego.Module(cp.policy.Name, cp.policy.Rego),
		rego.Query(query),
		rego.Input(input),
	)

	results, err := r.Eval(ctx)
	if err != nil {
		return nil, fmt.Errorf("policy evaluation error: %w", err)
	}

	var violations []Violation
	for _, result := range results {
		if len(result.Expressions) == 0 {
			continue
		}
		denySet, ok := result.Expressions[0].Value.([]interface{})
		if !ok {
			continue
		}
		for _, d := range denySet {
			violations = append(violations, g.createViolation(cp.policy, d, input))
		}
	}
	return violations, nil
}

// extractPackageName extracts the package name from Rego code.
func extractPackageName(code string) string {
	for _, line := range strings.Split(code, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "package ") {
			parts := strings.Fields(trimmed)
			if len(parts) >= 2 {
				return parts[1]
			}
		}
	}
	return "stackplane.policies"
}

// createViolation builds a Violation from one deny-set entry.
func (g *Gate) createViolation(policy *Policy, result interface{}, input *TransitionInput) Violation {
	violation := Violation{
		Policy:       policy.Name,
		Severity:     policy.Severity,
		DeploymentID: input.DeploymentID,
	}

	switch v := result.(type) {
	case string:
		violation.Message = v
	case map[string]interface{}:
		if msg, ok := v["message"].(string); ok {
			violation.Message = msg
		}
		if sev, ok := v["severity"].(string); ok {
			violation.Severity = Severity(sev)
		}
	default:
		violation.Message = fmt.Sprintf("%v", result)
	}
	return violation
}

// compileAndStorePolicy compiles a policy and stores it.
func (g *Gate) compileAndStorePolicy(policy *Policy) error {
	module, err := ast.ParseModule(policy.Name, policy.Rego)
	if err != nil {
		return fmt.Errorf("failed to parse policy: %w", err)
	}

	g.policies[policy.Name] = &compiledPolicy{
		policy:   policy,
		module:   module,
		compiled: time.Now(),
	}

	g.logger.Debug().
		Str("policy", policy.Name).
		Msg("Policy compiled successfully")
	return nil
}

// loadBuiltinPolicies compiles and stores the built-in policies.
func (g *Gate) loadBuiltinPolicies() error {
	for i := range g.builtinPolicies {
		if err := g.compileAndStorePolicy(&g.builtinPolicies[i]); err != nil {
			return fmt.Errorf("failed to compile built-in policy %s: %w", g.builtinPolicies[i].Name, err)
		}
	}

	g.logger.Info().
		Int("count", len(g.builtinPolicies)).
		Msg("Built-in policies loaded")
	return nil
}

// GetPolicy returns a policy by name.
func (g *Gate) GetPolicy(name string) (*Policy, error) {
	g.mu.RLock()
	defer g.mu.RUnlock()

	cp, exists := g.policies[name]
	if !exists {
		return nil, fmt.Errorf("policy not found: %s", name)
	}
	return cp.policy, nil
}

// ListPolicies returns all loaded policies.
func (g *Gate) ListPolicies() []Policy {
	g.mu.RLock()
	defer g.mu.RUnlock()

	policies := make([]Policy, 0, len(g.policies))
	for _, cp := range g.policies {
		policies = append(policies, *cp.policy)
	}
	return policies
}

// ReloadPolicies drops the loaded policy set, restores the built-ins, and
// re-reads any previously loaded policy paths from disk.
func (g *Gate) ReloadPolicies() error {
	g.mu.Lock()
	defer g.mu.Unlock()

	g.policies = make(map[string]*compiledPolicy)
	if err := g.loadBuiltinPolicies(); err != nil {
		return err
	}
	if len(g.loadedPaths) == 0 {
		return nil
	}

	g.loader.ClearCache()
	policies, err := g.loader.LoadFromPaths(context.Background(), g.loadedPaths)
	if err != nil {
		return fmt.Errorf("failed to reload policies: %w", err)
	}
	for i := range policies {
		if err := g.compileAndStorePolicy(&policies[i]); err != nil {
			return fmt.Errorf("failed to compile policy %s: %w", policies[i].Name, err)
		}
	}
	return nil
}

// EnablePolicy enables a policy by name.
func (g *Gate) EnablePolicy(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	cp, exists := g.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = true
	g.logger.Info().Str("policy", name).Msg("Policy enabled")
	return nil
}

// DisablePolicy disables a policy by name.
func (g *Gate) DisablePolicy(name string) error {
	g.mu.Lock()
	defer g.mu.Unlock()

	cp, exists := g.policies[name]
	if !exists {
		return fmt.Errorf("policy not found: %s", name)
	}
	cp.policy.Enabled = false
	g.logger.Info().Str("policy", name).Msg("Policy disabled")
	return nil
}
