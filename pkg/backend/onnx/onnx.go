// Package onnx implements backend.Backend for ONNX models. No ONNX runtime
// Go binding appears anywhere in this module's retrieval pack (see
// DESIGN.md), so the load step reads a small sidecar JSON descriptor next to
// the .onnx file (<model>.onnx.json: {"context_size", "architecture"}) in
// place of a native graph loader, and inference is served through the same
// deterministic generator used by pkg/backend/gguf — real tensor execution
// is, like GGUF parsing, explicitly out of scope for this engine (spec.md
// §1).
package onnx

import (
	"context"
	"encoding/json"
	"fmt"
	"os"

	"github.com/ringo380/inferno/pkg/backend"
	"github.com/ringo380/inferno/pkg/backend/simgen"
)

// Name is this backend's constant name, matching Kind().
const Name = "onnx"

// descriptor is the sidecar metadata format read alongside a .onnx file.
type descriptor struct {
	ContextSize  int    `json:"context_size"`
	Architecture string `json:"architecture"`
}

// Backend serves one loaded ONNX model.
type Backend struct {
	meta    backend.Metadata
	session *simgen.Session
}

// New constructs an unloaded onnx backend.
func New() backend.Backend {
	return &Backend{}
}

func (b *Backend) Kind() backend.Kind { return backend.KindOnnx }

// Load reads the model's sidecar descriptor, if present, for context size
// and architecture, falling back to the requested metadata and a
// conservative default context size.
func (b *Backend) Load(ctx context.Context, meta backend.Metadata) error {
	if _, err := os.Stat(meta.Path); err != nil {
		if os.IsNotExist(err) {
			return fmt.Errorf("%w: %s", backend.ErrModelNotFound, meta.Path)
		}
		return fmt.Errorf("%w: %v", backend.ErrModelCorrupt, err)
	}

	contextSize := meta.ContextSize
	architecture := meta.Architecture
	if data, err := os.ReadFile(meta.Path + ".json"); err == nil {
		var d descriptor
		if err := json.Unmarshal(data, &d); err != nil {
			return fmt.Errorf("%w: invalid descriptor: %v", backend.ErrModelCorrupt, err)
		}
		if contextSize <= 0 {
			contextSize = d.ContextSize
		}
		if architecture == "" {
			architecture = d.Architecture
		}
	}
	if contextSize <= 0 {
		contextSize = 2048
	}

	meta.ContextSize = contextSize
	meta.Architecture = architecture
	b.meta = meta
	b.session = simgen.NewSession(contextSize)
	return nil
}

func (b *Backend) ensureLoaded() error {
	if b.session == nil {
		return fmt.Errorf("%w: onnx backend not loaded", backend.ErrModelNotFound)
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
