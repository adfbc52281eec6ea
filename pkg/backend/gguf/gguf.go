// Package gguf implements backend.Backend over GGUF model files, reading
// header metadata with the gguf-parser-go library (the same dependency the
// reference model-runner uses for GGUF introspection) and serving inference
// through the shared deterministic generator in pkg/backend/simgen, since
// the actual GGML compute kernel is out of scope for this engine (spec.md
// §1).
package gguf

import (
	"context"
	"fmt"
	"strings"

	parser "github.com/gpustack/gguf-parser-go"

	"github.com/ringo380/inferno/pkg/backend"
	"github.com/ringo380/inferno/pkg/backend/simgen"
)

// Name is this backend's constant name, matching Kind().
const Name = "gguf"

// Backend serves one loaded GGUF model.
type Backend struct {
	meta    backend.Metadata
	session *simgen.Session
}

// New constructs an unloaded gguf backend.
func New() backend.Backend {
	return &Backend{}
}

func (b *Backend) Kind() backend.Kind { return backend.KindGguf }

// Load parses the GGUF file's header for architecture, context length, and
// quantization, then stands up a generation session bounded by the reported
// context size. Parsing failures map onto the ModelCorrupt failure kind
// from spec.md §4.1.
func (b *Backend) Load(ctx context.Context, meta backend.Metadata) error {
	gf, err := parser.ParseGGUFFile(meta.Path)
	if err != nil {
		return fmt.Errorf("%w: %v", backend.ErrModelCorrupt, err)
	}

	md := gf.Metadata()
	architecture := strings.TrimSpace(md.Architecture)

	contextSize := meta.ContextSize
	if contextSize <= 0 {
		if archKV, found := gf.Header.MetadataKV.Get("general.architecture"); found {
			if ctxKV, found := gf.Header.MetadataKV.Get(archKV.ValueString() + ".context_length"); found {
				contextSize = int(ctxKV.ValueUint32())
			}
		}
	}
	if contextSize <= 0 {
		contextSize = 4096
	}

	meta.ContextSize = contextSize
	meta.Architecture = architecture
	meta.Quantization = strings.TrimSpace(md.FileType.String())
	if meta.SizeBytes == 0 {
		meta.SizeBytes = int64(md.Size)
	}
	b.meta = meta
	b.session = simgen.NewSession(contextSize)
	return nil
}

func (b *Backend) ensureLoaded() error {
	if b.session == nil {
		return fmt.Errorf("%w: gguf backend not loaded", backend.ErrModelNotFound)
	}
	return nil
}

func (b *Backend) Infer(ctx context.Context, params backend.InferenceParams, prompt string) (backend.Completion, error) {
	if err := b.ensureLoaded(); err != nil {
		return backend.Completion{}, err
	}
	if ctx.Err() != nil {
		return backend.Completion{}, fmt.Errorf("%w", backend.ErrCancelled)
	}
	return b.session.Generate(prompt, params), nil
}

func (b *Backend) InferStream(ctx context.Context, params backend.InferenceParams, prompt string) (<-chan backend.StreamChunk, error) {
	if err := b.ensureLoaded(); err != nil {
		return nil, err
	}
	return b.session.Stream(ctx, prompt, params), nil
}

func (b *Backend) Embed(ctx context.Context, input []string) ([][]float32, error) {
	if err := b.ensureLoaded(); err != nil {
		return nil, err
	}
	return b.session.Embed(input), nil
}

func (b *Backend) Unload() {
	b.session = nil
}
