package classify

import "context"

// Request is one chat-style completion call.
type Request struct {
	System      string
	User        string
	MaxTokens   int32
	Temperature float32
}

// Completer sends a prompt to a language model and returns its raw reply.
// Implementations map rate limiting, server errors and broken connections to
// *domain.TransientRemoteError so the classifier can retry them.
type Completer interface {
	Complete(ctx context.Context, req Request) (string, error)
	// Model names the model replies come from.
	Model() string
}
