// Package generate provides the text-generation collaborator the pipeline calls per stage.
package generate

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"
)

// Generator turns a prompt into text. Implementations must honor ctx cancellation.
type Generator interface {
	Generate(ctx context.Context, prompt string) (string, error)
}

// Func adapts a plain function to Generator.
type Func func(ctx context.Context, prompt string) (string, error)

func (f Func) Generate(ctx context.Context, prompt string) (string, error) { return f(ctx, prompt) }

const (
	ProviderMock   = "mock"
	ProviderGemini = "gemini"
)

// Options selects and configures a generator.
type Options struct {
	Provider   string
	Model      string
	APIKeyEnv  string
	MinLatency time.Duration
	MaxLatency time.Duration
}

// New builds the generator named by opts.Provider. The returned close func releases
// provider resources and is never nil.
func New(ctx context.Context, opts Options) (Generator, func() error, error) {
	switch strings.ToLower(strings.TrimSpace(opts.Provider)) {
	case "", ProviderMock:
		return NewMock(opts.MinLatency, opts.MaxLatency), func() error { return nil }, nil
	case ProviderGemini:
		env := opts.APIKeyEnv
		if env == "" {
			env = "GEMINI_API_KEY"
		}
		g, err := NewGemini(ctx, opts.Model, os.Getenv(env))
		if err != nil {
			return nil, nil, err
		}
		return g, g.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown generation provider %q", opts.Provider)
	}
}
