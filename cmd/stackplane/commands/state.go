package commands

import (
	"encoding/json"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"github.com/stackplane/stackplane/pkg/statestore"
)

func newStateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "state",
		Short: "Read and write scoped state keys",
		Long: `Read and write individual keys in the scoped state store.

Scopes address a namespace inside a state document:

  global                         the shared global document
  stack:<name>                   a stack's own keys
  resource:<stack>/<resource>    a resource within a stack
  deployment:<stack>/<id>        a deployment within a stack`,
	}

	cmd.AddCommand(newStateGetCommand())
	cmd.AddCommand(newStateSetCommand())
	cmd.AddCommand(newStateDeleteCommand())
	cmd.AddCommand(newStateAppendCommand())

	return cmd
}

func newStateGetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "get <scope> <key>",
		Short: "Read a state key",
		Example: `  stackplane state get stack:web region
  stackplane state get resource:web/i-0abc status`,
		Args: cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := parseScope(args[0])
			if err != nil {
				return err
			}

			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			value, found, err := rt.store.Get(scope, args[1])
			if err != nil {
				return err
			}
			if !found {
				return fmt.Errorf("key %q not found in %s", args[1], scope)
			}
			return json.NewEncoder(os.Stdout).Encode(value)
		},
	}
}

func newStateSetCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "set <scope> <key> <value>",
		Short: "Write a state key",
		Long: `Write a state key. The value is parsed as JSON when possible and stored
as a string otherwise.`,
		Example: `  stackplane state set stack:web region us-east-1
  stackplane state set resource:web/i-0abc tags '["api","edge"]'`,
		Args: cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := parseScope(args[0])
			if err != nil {
				return err
			}

			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.store.Set(scope, args[1], parseValue(args[2])); err != nil {
				return err
			}
			fmt.Printf("✓ Set %s %s\n", scope, args[1])
			return nil
		},
	}
}

func newStateDeleteCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "delete <scope> <key>",
		Short:   "Delete a state key",
		Example: `  stackplane state delete stack:web region`,
		Args:    cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := parseScope(args[0])
			if err != nil {
				return err
			}

			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.store.Delete(scope, args[1]); err != nil {
				return err
			}
			fmt.Printf("✓ Deleted %s %s\n", scope, args[1])
			return nil
		},
	}
}

func newStateAppendCommand() *cobra.Command {
	return &cobra.Command{
		Use:     "append <scope> <key> <value>",
		Short:   "Append a value to an array key",
		Example: `  stackplane state append stack:web deploy_log "rollout started"`,
		Args:    cobra.ExactArgs(3),
		RunE: func(cmd *cobra.Command, args []string) error {
			scope, err := parseScope(args[0])
			if err != nil {
				return err
			}

			rt, err := newRuntime(cmd.Context())
			if err != nil {
				return err
			}
			defer rt.Close()

			if err := rt.store.AppendToArray(scope, args[1], parseValue(args[2])); err != nil {
				return err
			}
			fmt.Printf("✓ Appended to %s %s\n", scope, args[1])
			return nil
		},
	}
}

// parseScope turns the CLI scope notation into a store scope.
func parseScope(s string) (statestore.Scope, error) {
	if s == "global" {
		return statestore.Global(), nil
	}

	kind, rest, ok := strings.Cut(s, ":")
	if !ok {
		return statestore.Scope{}, fmt.Errorf("invalid scope %q: expected global, stack:<name>, resource:<stack>/<id>, or deployment:<stack>/<id>", s)
	}

	var scope statestore.Scope
	switch kind {
	case "stack":
		scope = statestore.StackScope(rest)
	case "resource", "deployment":
		stack, id, ok := strings.Cut(rest, "/")
		if !ok {
			return statestore.Scope{}, fmt.Errorf("invalid scope %q: expected %s:<stack>/<id>", s, kind)
		}
		if kind == "resource" {
			scope = statestore.ResourceScope(stack, id)
		} else {
			scope = statestore.DeploymentScope(stack, id)
		}
	default:
		return statestore.Scope{}, fmt.Errorf("unknown scope kind %q", kind)
	}

	if err := scope.Validate(); err != nil {
		return statestore.Scope{}, err
	}
	return scope, nil
}

// parseValue decodes JSON values and falls back to the raw string.
func parseValue(s string) interface{} {
	var v interface{}
	if err := json.Unmarshal([]byte(s), &v); err == nil {
		return v
	}
	return s
}
