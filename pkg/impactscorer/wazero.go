package impactscorer

import (
	"bytes"
	"context"
	"encoding/binary"
	"fmt"
	"math"
	"sync"

	"github.com/tetratelabs/wazero"
	"github.com/tetratelabs/wazero/imports/wasi_snapshot_preview1"
)

// WazeroScorer is the "ml" backend: a pre-compiled WASM classifier invoked
// through wazero, sandboxed with no filesystem, network, or ambient
// authority. The module is expected to export a function `score` taking a
// pointer+length into its linear memory and returning an IEEE-754 float64
// bit pattern as an i64.
type WazeroScorer struct {
	runtime  wazero.Runtime
	compiled wazero.CompiledModule
	mu       sync.Mutex
}

// NewWazeroScorer compiles wasmBytes once; subsequent Score calls
// instantiate fresh module instances so concurrent calls don't race over
// linear memory.
func NewWazeroScorer(ctx context.Context, wasmBytes []byte) (*WazeroScorer, error) {
	r := wazero.NewRuntime(ctx)
	if _, err := wasi_snapshot_preview1.Instantiate(ctx, r); err != nil {
		r.Close(ctx)
		return nil, fmt.Errorf("impactscorer: instantiate wasi: %w", err)
	}

	compiled, err := r.CompileModule(ctx, wasmBytes)
	if err != nil {
		r.Close(ctx)
		return nil, fmt.Errorf("impactscorer: compile module: %w", err)
	}

	return &WazeroScorer{runtime: r, compiled: compiled}, nil
}

// Close releases the wazero runtime.
func (w *WazeroScorer) Close(ctx context.Context) error {
	return w.runtime.Close(ctx)
}

// Score implements Scorer. Deny-by-default is not applicable here (scoring
// is advisory); on any error the caller is expected to fall back to the
// keyword backend via FallbackScorer.
func (w *WazeroScorer) Score(ctx context.Context, text string) (float64, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	modCfg := wazero.NewModuleConfig().WithStdin(bytes.NewReader([]byte(text)))
	mod, err := w.runtime.InstantiateModule(ctx, w.compiled, modCfg)
	if err != nil {
		return 0, fmt.Errorf("impactscorer: instantiate: %w", err)
	}
	defer mod.Close(ctx)

	scoreFn := mod.ExportedFunction("score")
	if scoreFn == nil {
		return 0, fmt.Errorf("impactscorer: module does not export score")
	}

	mem := mod.Memory()
	if mem == nil {
		return 0, fmt.Errorf("impactscorer: module exports no memory")
	}
	input := []byte(text)
	if !mem.Write(0, input) {
		return 0, fmt.Errorf("impactscorer: failed to write input to module memory")
	}

	results, err := scoreFn.Call(ctx, 0, uint64(len(input)))
	if err != nil {
		return 0, fmt.Errorf("impactscorer: call score: %w", err)
	}
	if len(results) != 1 {
		return 0, fmt.Errorf("impactscorer: score returned %d results, want 1", len(results))
	}

	bits := results[0]
	buf := make([]byte, 8)
	binary.LittleEndian.PutUint64(buf, bits)
	return math.Float64frombits(binary.LittleEndian.Uint64(buf)), nil
}

// ScoreBatch implements Scorer, invoking Score for each text; each call gets
// a fresh module instance, so the modules do not share mutable state.
func (w *WazeroScorer) ScoreBatch(ctx context.Context, texts []string) ([]float64, error) {
	out := make([]float64, len(texts))
	for i, t := range texts {
		s, err := w.Score(ctx, t)
		if err != nil {
			return nil, err
		}
		out[i] = s
	}
	return out, nil
}
