// Package inference defines the backend interface used by
// language-processing engine handlers and a deterministic local backend for
// offline use and tests. Provider adapters live in the anthropic and openai
// subpackages.
package inference

import (
	"context"
	"fmt"
	"strings"
)

// Backend is the external inference collaborator. Engines never embed model
// logic themselves; language-processing operations delegate to the backend
// injected at construction.
type Backend interface {
	// Complete returns the backend's completion for the prompt.
	Complete(ctx context.Context, prompt string) (string, error)
}

// Func adapts a plain function to the Backend interface.
type Func func(ctx context.Context, prompt string) (string, error)

// Complete invokes the wrapped function.
func (f Func) Complete(ctx context.Context, prompt string) (string, error) {
	return f(ctx, prompt)
}

// Local is a deterministic stand-in backend: it produces a summary line
// derived purely from the prompt (length, token count, leading tokens). It
// exists so the framework runs without network credentials and so tests get
// reproducible output; it is explicitly not a model.
type Local struct{}

// NewLocal returns the deterministic local backend.
func NewLocal() *Local { return &Local{} }

// Complete implements Backend.
func (*Local) Complete(_ context.Context, prompt string) (string, error) {
	fields := strings.Fields(prompt)
	head := fields
	if len(head) > 8 {
		head = head[:8]
	}
	return fmt.Sprintf("processed %d tokens (%d chars): %s",
		len(fields), len(prompt), strings.Join(head, " ")), nil
}
