// Package mock provides scriptable image/voice generators for tests.
package mock

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/voragen/genbatch"
)

// Generator is a mock backend implementing both generator interfaces.
type Generator struct {
	mu        sync.Mutex
	latency   func(prompt string) time.Duration
	staticErr error
	script    []error
	promptErr map[string]error
	imageData []byte
	audioData []byte
	calls     atomic.Int64
}

var (
	_ genbatch.ImageGenerator = (*Generator)(nil)
	_ genbatch.VoiceGenerator = (*Generator)(nil)
)

// Option configures a mock Generator.
type Option func(*Generator)

// New creates a mock generator with the given options.
func New(opts ...Option) *Generator {
	g := &Generator{
		imageData: []byte("mock-image-bytes"),
		audioData: []byte("mock-audio-bytes"),
		promptErr: make(map[string]error),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// WithLatency adds fixed simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(g *Generator) {
		g.latency = func(string) time.Duration { return d }
	}
}

// WithLatencyFunc derives per-call latency from the prompt, to simulate
// nondeterministic completion order.
func WithLatencyFunc(fn func(prompt string) time.Duration) Option {
	return func(g *Generator) { g.latency = fn }
}

// WithError makes every call return err.
func WithError(err error) Option {
	return func(g *Generator) { g.staticErr = err }
}

// WithErrorScript sets per-call outcomes consumed in order: a nil entry
// succeeds, a non-nil entry fails. Calls past the end succeed.
func WithErrorScript(errs ...error) Option {
	return func(g *Generator) { g.script = errs }
}

// WithErrorFor makes calls for one specific prompt return err.
func WithErrorFor(prompt string, err error) Option {
	return func(g *Generator) { g.promptErr[prompt] = err }
}

// WithImageData sets the bytes returned per generated image.
func WithImageData(data []byte) Option {
	return func(g *Generator) { g.imageData = data }
}

// WithAudioData sets the bytes returned per synthesized prompt.
func WithAudioData(data []byte) Option {
	return func(g *Generator) { g.audioData = data }
}

// CallCount returns how many calls the generator has served.
func (g *Generator) CallCount() int64 { return g.calls.Load() }

func (g *Generator) GenerateImages(ctx context.Context, _ string, req genbatch.ImageRequest) ([][]byte, error) {
	if err := g.tick(ctx, req.Prompt); err != nil {
		return nil, err
	}

	count := req.Count
	if count <= 0 {
		count = 1
	}
	images := make([][]byte, count)
	for i := range images {
		images[i] = g.imageData
	}
	return images, nil
}

func (g *Generator) GenerateSpeech(ctx context.Context, _ string, req genbatch.VoiceRequest) ([]byte, error) {
	if err := g.tick(ctx, req.Prompt); err != nil {
		return nil, err
	}
	return g.audioData, nil
}

func (g *Generator) tick(ctx context.Context, prompt string) error {
	if g.latency != nil {
		select {
		case <-time.After(g.latency(prompt)):
		case <-ctx.Done():
			return ctx.Err()
		}
	}

	g.calls.Add(1)

	if g.staticErr != nil {
		return g.staticErr
	}

	g.mu.Lock()
	defer g.mu.Unlock()

	if err, ok := g.promptErr[prompt]; ok {
		return err
	}
	if len(g.script) > 0 {
		err := g.script[0]
		g.script = g.script[1:]
		return err
	}
	return nil
}
