package worker

import (
	"context"
	"fmt"
	"time"

	"github.com/convoy-ml/convoy/internal/core/domain"
)

// StubRunner fabricates deterministic tokens. It stands in for a real
// inference engine in demos and tests.
type StubRunner struct {
	TokensPerRequest int
	TokenDelay       time.Duration
}

func NewStubRunner(tokens int, delay time.Duration) *StubRunner {
	if tokens <= 0 {
		tokens = 16
	}
	return &StubRunner{TokensPerRequest: tokens, TokenDelay: delay}
}

func (r *StubRunner) Generate(ctx context.Context, req *domain.InferenceRequest) (<-chan domain.Token, error) {
	count := r.TokensPerRequest
	if req.MaxTokens > 0 && req.MaxTokens < count {
		count = req.MaxTokens
	}

	out := make(chan domain.Token)
	go func() {
		defer close(out)
		for i := 0; i < count; i++ {
			if r.TokenDelay > 0 {
				select {
				case <-ctx.Done():
					return
				case <-time.After(r.TokenDelay):
				}
			}
			text := fmt.Sprintf("tok-%d ", i)
			tok := domain.Token{
				ID:        i,
				Text:      text,
				IsFinal:   i == count-1,
				SizeBytes: len(text),
			}
			select {
			case <-ctx.Done():
				return
			case out <- tok:
			}
		}
	}()
	return out, nil
}
