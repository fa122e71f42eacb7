package statestore

import "fmt"

// ScopeKind identifies the namespace level a state key is addressed under.
type ScopeKind string

const (
	ScopeGlobal     ScopeKind = "global"
	ScopeStack      ScopeKind = "stack"
	ScopeResource   ScopeKind = "resource"
	ScopeDeployment ScopeKind = "deployment"
)

// Scope addresses a state namespace. Resource and deployment scopes are
// only addressable in the context of their owning stack.
type Scope struct {
	Kind         ScopeKind
	Stack        string
	ResourceID   string
	DeploymentID string
}

// Global returns the global scope.
func Global() Scope {
	return Scope{Kind: ScopeGlobal}
}

// StackScope returns the scope for a named stack.
func StackScope(name string) Scope {
	return Scope{Kind: ScopeStack, Stack: name}
}

// ResourceScope returns the scope for a resource within its owning stack.
func ResourceScope(stack, resourceID string) Scope {
	return Scope{Kind: ScopeResource, Stack: stack, ResourceID: resourceID}
}

// DeploymentScope returns the scope for a deployment within its owning stack.
func DeploymentScope(stack, deploymentID string) Scope {
	return Scope{Kind: ScopeDeployment, Stack: stack, DeploymentID: deploymentID}
}

// Root returns the name of the state document this scope lives in: "global"
// for the global scope, the stack name otherwise. Roots double as lock
// scope names; every operation on a document holds its root lock.
func (s Scope) Root() string {
	if s.Kind == ScopeGlobal {
		return "global"
	}
	return s.Stack
}

// Validate checks that the scope is fully addressed.
func (s Scope) Validate() error {
	switch s.Kind {
	case ScopeGlobal:
		return nil
	case ScopeStack:
		if s.Stack == "" {
			return fmt.Errorf("stack scope requires a stack name")
		}
	case ScopeResource:
		if s.Stack == "" || s.ResourceID == "" {
			return fmt.Errorf("resource scope requires a stack name and resource id")
		}
	case ScopeDeployment:
		if s.Stack == "" || s.DeploymentID == "" {
			return fmt.Errorf("deployment scope requires a stack name and deployment id")
		}
	default:
		return fmt.Errorf("unknown scope kind: %s", s.Kind)
	}
	return nil
}

// String renders the scope for logs and journal details.
func (s Scope) String() string {
	switch s.Kind {
	case ScopeGlobal:
		return "global"
	case ScopeStack:
		return "stack:" + s.Stack
	case ScopeResource:
		return fmt.Sprintf("resource:%s/%s", s.Stack, s.ResourceID)
	case ScopeDeployment:
		return fmt.Sprintf("deployment:%s/%s", s.Stack, s.DeploymentID)
	}
	return string(s.Kind)
}
