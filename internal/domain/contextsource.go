package domain

import "context"

// InjectionMode controls where a context source's output lands in the prompt.
type InjectionMode string

const (
	InjectPrepend  InjectionMode = "prepend"  // block of text before the prompt
	InjectAppend   InjectionMode = "append"   // block of text after the prompt
	InjectVariable InjectionMode = "variable" // bound to a named template placeholder
)

// ContextSourceSpec configures one external data fetch merged into a task's
// prompt before execution. Immutable per run.
type ContextSourceSpec struct {
	Type         string            `json:"type"` // fetcher key
	Config       map[string]string `json:"config,omitempty"`
	Mode         InjectionMode     `json:"mode"`
	VariableName string            `json:"variable_name,omitempty"` // required for InjectVariable
}

// ContextFetcher retrieves external data for one source type.
type ContextFetcher interface {
	Type() string
	Fetch(ctx context.Context, spec ContextSourceSpec, ownerID string) (string, error)
}

// ResolvedContext accumulates the surviving output of a set of context
// sources. A failed source simply contributes nothing.
type ResolvedContext struct {
	Prepend   []string
	Append    []string
	Variables map[string]string
}

// ContextResolver merges context sources into a prompt. Resolve never fails;
// it yields a partial context when individual sources error.
type ContextResolver interface {
	Resolve(ctx context.Context, sources []ContextSourceSpec, ownerID string) ResolvedContext
	Apply(prompt string, resolved ResolvedContext) string
}
