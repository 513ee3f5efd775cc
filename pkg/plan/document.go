// Package plan runs step-wise plans against an execution context.
//
// A plan is a tree of named steps. Each step runs in its own child context:
// it binds values, optionally invokes a capability through the host driver,
// runs nested steps, and finally merges its bindings back into the parent.
// Parallel groups fork one isolated branch per entry and merge them in
// declaration order once every branch finished; with concurrent set, each
// branch runs on its own goroutine against a view of the shared store.
package plan

import (
	"fmt"
	"strings"

	"github.com/jllopis/rtfscore/pkg/execctx"
)

// MergeNone disables the merge of a step back into its parent.
const MergeNone = "none"

// Document is a plan as authored in YAML or JSON.
type Document struct {
	ID          string         `json:"id" yaml:"id"`
	Isolation   string         `json:"isolation,omitempty" yaml:"isolation,omitempty"`
	MergePolicy string         `json:"merge_policy,omitempty" yaml:"merge_policy,omitempty"`
	Bindings    map[string]any `json:"bindings,omitempty" yaml:"bindings,omitempty"`
	Steps       []Step         `json:"steps" yaml:"steps"`
}

// Step is a unit of work with its own context. Strings in bindings and call
// arguments that start with "$" refer to a visible binding ("$city");
// "$$" escapes a literal dollar.
type Step struct {
	Name       string         `json:"name" yaml:"name"`
	Isolation  string         `json:"isolation,omitempty" yaml:"isolation,omitempty"`
	Bindings   map[string]any `json:"bindings,omitempty" yaml:"bindings,omitempty"`
	Call       *Call          `json:"call,omitempty" yaml:"call,omitempty"`
	Steps      []Step         `json:"steps,omitempty" yaml:"steps,omitempty"`
	Parallel   *Parallel      `json:"parallel,omitempty" yaml:"parallel,omitempty"`
	Merge      string         `json:"merge,omitempty" yaml:"merge,omitempty"`
	Checkpoint bool           `json:"checkpoint,omitempty" yaml:"checkpoint,omitempty"`
}

// Call invokes a host capability. The result is bound to Bind when set.
type Call struct {
	Symbol string `json:"symbol" yaml:"symbol"`
	Args   []any  `json:"args,omitempty" yaml:"args,omitempty"`
	Bind   string `json:"bind,omitempty" yaml:"bind,omitempty"`
}

// Parallel forks one branch per entry.
type Parallel struct {
	Isolation   string `json:"isolation,omitempty" yaml:"isolation,omitempty"`
	MergePolicy string `json:"merge_policy,omitempty" yaml:"merge_policy,omitempty"`
	Concurrent  bool   `json:"concurrent,omitempty" yaml:"concurrent,omitempty"`
	Branches    []Step `json:"branches" yaml:"branches"`
}

// Validate checks names, symbols, isolation levels and merge policies.
func (d *Document) Validate() error {
	if d == nil {
		return fmt.Errorf("plan is nil")
	}
	if len(d.Steps) == 0 {
		return fmt.Errorf("plan %q has no steps", d.ID)
	}
	if _, err := execctx.ParseIsolation(d.Isolation); err != nil {
		return fmt.Errorf("plan %q: %w", d.ID, err)
	}
	if _, err := execctx.ParseConflictResolution(d.MergePolicy); err != nil {
		return fmt.Errorf("plan %q: %w", d.ID, err)
	}
	return validateSteps(d.Steps, "")
}

func validateSteps(steps []Step, path string) error {
	seen := make(map[string]bool, len(steps))
	for i := range steps {
		st := &steps[i]
		if strings.TrimSpace(st.Name) == "" {
			return fmt.Errorf("step %d under %q: name is required", i, path)
		}
		full := path + "/" + st.Name
		if seen[st.Name] {
			return fmt.Errorf("step %q: duplicate name", full)
		}
		seen[st.Name] = true
		if _, err := execctx.ParseIsolation(st.Isolation); err != nil {
			return fmt.Errorf("step %q: %w", full, err)
		}
		if st.Merge != MergeNone {
			if _, err := execctx.ParseConflictResolution(st.Merge); err != nil {
				return fmt.Errorf("step %q: %w", full, err)
			}
		}
		if st.Call != nil && strings.TrimSpace(st.Call.Symbol) == "" {
			return fmt.Errorf("step %q: call symbol is required", full)
		}
		if st.Parallel == nil {
			if err := validateSteps(st.Steps, full); err != nil {
				return err
			}
			continue
		}
		if st.Call != nil || len(st.Steps) > 0 {
			return fmt.Errorf("step %q: parallel steps cannot also call or nest steps", full)
		}
		if len(st.Parallel.Branches) == 0 {
			return fmt.Errorf("step %q: parallel group has no branches", full)
		}
		if _, err := execctx.ParseIsolation(st.Parallel.Isolation); err != nil {
			return fmt.Errorf("step %q: %w", full, err)
		}
		if _, err := execctx.ParseConflictResolution(st.Parallel.MergePolicy); err != nil {
			return fmt.Errorf("step %q: %w", full, err)
		}
		if err := validateSteps(st.Parallel.Branches, full); err != nil {
			return err
		}
	}
	return nil
}
