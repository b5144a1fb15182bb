package index

import (
	"fmt"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// Names of the built-in scripts.
const (
	ScriptSetHeadTimestamp = "set-head-timestamp"
	ScriptMarkDeleted      = "mark-deleted"
	ScriptReplaceMetadata  = "replace-metadata"
	ScriptReplace          = "replace"
	ScriptRevise           = "revise"
)

// branchPrefixLength is the length of the branch id half of an address,
// including the delimiter that follows it.
const branchPrefixLength = 20

// builtinScripts are partial updates: the program yields a map of fields
// that is merged into the stored document.
var builtinScripts = map[string]string{
	ScriptSetHeadTimestamp: `{"headTimestamp": params.headTimestamp}`,
	ScriptMarkDeleted:      `{"deleted": true}`,
	ScriptReplaceMetadata:  `{"metadata": params.metadata}`,
	ScriptRevise:           `{"revised": revise(doc.revised, params.address)}`,
}

type script struct {
	program *vm.Program
	replace bool
}

// ScriptRegistry holds the named server-side mutations the index can run
// inside a write transaction.
type ScriptRegistry struct {
	mu      sync.RWMutex
	scripts map[string]*script
}

// NewScriptRegistry creates a registry with the built-in scripts.
func NewScriptRegistry() *ScriptRegistry {
	r := &ScriptRegistry{scripts: make(map[string]*script)}
	for name, src := range builtinScripts {
		if err := r.Register(name, src); err != nil {
			panic(fmt.Sprintf("compile builtin script %s: %v", name, err))
		}
	}
	if err := r.RegisterReplace(ScriptReplace, `params.doc`); err != nil {
		panic(fmt.Sprintf("compile builtin script %s: %v", ScriptReplace, err))
	}
	return r
}

// Register compiles a partial update. The source is an expr program that
// sees doc and params and evaluates to a map of fields to set.
func (r *ScriptRegistry) Register(name, source string) error {
	return r.register(name, source, false)
}

// RegisterReplace compiles a script whose result replaces the whole document.
func (r *ScriptRegistry) RegisterReplace(name, source string) error {
	return r.register(name, source, true)
}

func (r *ScriptRegistry) register(name, source string, replace bool) error {
	program, err := expr.Compile(source, scriptOptions()...)
	if err != nil {
		return fmt.Errorf("compile script %s: %w", name, err)
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.scripts[name] = &script{program: program, replace: replace}
	return nil
}

// Has reports whether a script is registered.
func (r *ScriptRegistry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.scripts[name]
	return ok
}

// Apply runs the named script against doc and returns the updated document.
func (r *ScriptRegistry) Apply(name string, doc Document, params map[string]any) (Document, error) {
	r.mu.RLock()
	s, ok := r.scripts[name]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("script %s: not registered", name)
	}
	if params == nil {
		params = map[string]any{}
	}
	out, err := expr.Run(s.program, map[string]any{
		"doc":    map[string]any(doc),
		"params": params,
	})
	if err != nil {
		return nil, fmt.Errorf("run script %s: %w", name, err)
	}

	result, err := ToDocument(out)
	if err != nil {
		return nil, fmt.Errorf("script %s result: %w", name, err)
	}
	if s.replace {
		return result, nil
	}
	updated := make(Document, len(doc)+len(result))
	for k, v := range doc {
		updated[k] = v
	}
	for k, v := range result {
		updated[k] = v
	}
	return updated, nil
}

func scriptOptions() []expr.Option {
	return []expr.Option{
		expr.Env(map[string]any{
			"doc":    map[string]any{},
			"params": map[string]any{},
		}),
		expr.Function("revise", func(args ...any) (any, error) {
			if len(args) != 2 {
				return nil, fmt.Errorf("revise: expected 2 arguments, got %d", len(args))
			}
			address, ok := args[1].(string)
			if !ok {
				return nil, fmt.Errorf("revise: address must be a string")
			}
			return ReviseList(toStrings(args[0]), address), nil
		}),
		expr.Function("push", func(args ...any) (any, error) {
			if len(args) != 2 {
				return nil, fmt.Errorf("push: expected 2 arguments, got %d", len(args))
			}
			list, _ := args[0].([]any)
			out := make([]any, 0, len(list)+1)
			out = append(out, list...)
			return append(out, args[1]), nil
		}),
	}
}

// ReviseList appends address to a revised list, keeping at most one entry
// per branch id: an existing earlier entry of the same branch wins, a later
// one is replaced.
func ReviseList(revised []string, address string) []string {
	prefix := address[:min(branchPrefixLength, len(address))]
	out := make([]string, 0, len(revised)+1)
	found := false
	for _, existing := range revised {
		if strings.HasPrefix(existing, prefix) {
			found = true
			if existing > address {
				existing = address
			}
		}
		out = append(out, existing)
	}
	if !found {
		out = append(out, address)
	}
	return out
}

func toStrings(v any) []string {
	switch t := v.(type) {
	case []string:
		return t
	case []any:
		out := make([]string, 0, len(t))
		for _, item := range t {
			if s, ok := item.(string); ok {
				out = append(out, s)
			}
		}
		return out
	}
	return nil
}
