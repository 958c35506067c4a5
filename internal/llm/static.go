package llm

import "context"

// StaticProvider is a Provider that always returns the same text. It backs
// deployments without a configured API key, where the pipeline still has to
// relay something deterministic, and doubles as a convenient test double.
type StaticProvider struct {
	// Text is the fixed completion. Empty is valid; callers apply their own
	// fallback for empty output.
	Text string
}

// Complete returns the fixed text unless ctx is already done.
func (p StaticProvider) Complete(ctx context.Context, _ Request) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}
	return p.Text, nil
}
