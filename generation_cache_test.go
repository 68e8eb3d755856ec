// Copyright 2025 Lyrebird ML, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//     http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

package lyrebird

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/lyrebirdml/lyrebird/lib/backends"
	"github.com/lyrebirdml/lyrebird/lib/decode"
	"github.com/lyrebirdml/lyrebird/lib/pipelines"
)

// stubGenerator counts calls and returns a canned result.
type stubGenerator struct {
	calls  atomic.Int32
	delay  time.Duration
	err    error
	closed bool
}

func (s *stubGenerator) result(input string) *pipelines.GenerationResult {
	return &pipelines.GenerationResult{
		Text:         "echo: " + input,
		TokenIDs:     []int32{7, 8},
		InputTokens:  3,
		OutputTokens: 2,
		StoppedAtEOS: true,
	}
}

func (s *stubGenerator) Generate(ctx context.Context, input string) (*pipelines.GenerationResult, error) {
	s.calls.Add(1)
	if s.delay > 0 {
		time.Sleep(s.delay)
	}
	if s.err != nil {
		return nil, s.err
	}
	return s.result(input), nil
}

func (s *stubGenerator) GenerateWithConfig(ctx context.Context, input string, genCfg *backends.GenerationConfig) (*pipelines.GenerationResult, error) {
	return s.Generate(ctx, input)
}

func (s *stubGenerator) GenerateStream(ctx context.Context, input string, emit decode.StreamFunc) (*pipelines.GenerationResult, error) {
	return s.Generate(ctx, input)
}

func (s *stubGenerator) GenerateStreamWithConfig(ctx context.Context, input string, genCfg *backends.GenerationConfig, emit decode.StreamFunc) (*pipelines.GenerationResult, error) {
	return s.Generate(ctx, input)
}

func (s *stubGenerator) Close() error {
	s.closed = true
	return nil
}

func newTestCache(t *testing.T) *GenerationCache {
	t.Helper()
	gc := NewGenerationCache(zaptest.NewLogger(t))
	t.Cleanup(gc.Close)
	return gc
}

func TestCachedGeneratorHitMiss(t *testing.T) {
	gc := newTestCache(t)
	stub := &stubGenerator{}
	cached := gc.WrapGenerator(stub, "test-model")

	ctx := context.Background()

	first, err := cached.Generate(ctx, "hello")
	require.NoError(t, err)
	assert.Equal(t, "echo: hello", first.Text)
	assert.Equal(t, int32(1), stub.calls.Load())

	// Same input: served from the cache
	second, err := cached.Generate(ctx, "hello")
	require.NoError(t, err)
	assert.Same(t, first, second)
	assert.Equal(t, int32(1), stub.calls.Load())

	stats := cached.Stats()
	assert.Equal(t, "test-model", stats.Model)
	assert.Equal(t, uint64(1), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)
}

func TestCachedGeneratorDistinctInputs(t *testing.T) {
	gc := newTestCache(t)
	stub := &stubGenerator{}
	cached := gc.WrapGenerator(stub, "test-model")

	_, err := cached.Generate(context.Background(), "one")
	require.NoError(t, err)
	_, err = cached.Generate(context.Background(), "two")
	require.NoError(t, err)

	assert.Equal(t, int32(2), stub.calls.Load())
}

func TestCachedGeneratorPerModelKeys(t *testing.T) {
	gc := newTestCache(t)
	stubA := &stubGenerator{}
	stubB := &stubGenerator{}
	cachedA := gc.WrapGenerator(stubA, "model-a")
	cachedB := gc.WrapGenerator(stubB, "model-b")

	_, err := cachedA.Generate(context.Background(), "hello")
	require.NoError(t, err)
	_, err = cachedB.Generate(context.Background(), "hello")
	require.NoError(t, err)

	// Same prompt, different models: no shared entry
	assert.Equal(t, int32(1), stubA.calls.Load())
	assert.Equal(t, int32(1), stubB.calls.Load())
}

func TestCachedGeneratorErrorNotCached(t *testing.T) {
	gc := newTestCache(t)
	stub := &stubGenerator{err: errors.New("decode failed")}
	cached := gc.WrapGenerator(stub, "test-model")

	_, err := cached.Generate(context.Background(), "hello")
	require.Error(t, err)

	stub.err = nil
	result, err := cached.Generate(context.Background(), "hello")
	require.NoError(t, err)
	assert.Equal(t, "echo: hello", result.Text)
	assert.Equal(t, int32(2), stub.calls.Load())
}

func TestCachedGeneratorSingleflight(t *testing.T) {
	gc := newTestCache(t)
	stub := &stubGenerator{delay: 100 * time.Millisecond}
	cached := gc.WrapGenerator(stub, "test-model")

	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			result, err := cached.Generate(context.Background(), "hello")
			assert.NoError(t, err)
			assert.Equal(t, "echo: hello", result.Text)
		}()
	}
	wg.Wait()

	// Concurrent identical requests collapse into one decode
	assert.Equal(t, int32(1), stub.calls.Load())
}

func TestCachedGeneratorConfigBypassesCache(t *testing.T) {
	gc := newTestCache(t)
	stub := &stubGenerator{}
	cached := gc.WrapGenerator(stub, "test-model")

	cfg := backends.DefaultGenerationConfig()
	cfg.MaxNewTokens = 8

	_, err := cached.GenerateWithConfig(context.Background(), "hello", cfg)
	require.NoError(t, err)
	_, err = cached.GenerateWithConfig(context.Background(), "hello", cfg)
	require.NoError(t, err)

	assert.Equal(t, int32(2), stub.calls.Load())
}

func TestCachedGeneratorStreamBypassesCache(t *testing.T) {
	gc := newTestCache(t)
	stub := &stubGenerator{}
	cached := gc.WrapGenerator(stub, "test-model")

	emit := func(tokenID int32, text string, position int, isLast bool) error { return nil }

	_, err := cached.GenerateStream(context.Background(), "hello", emit)
	require.NoError(t, err)
	_, err = cached.GenerateStream(context.Background(), "hello", emit)
	require.NoError(t, err)

	assert.Equal(t, int32(2), stub.calls.Load())
}

func TestCachedGeneratorClose(t *testing.T) {
	gc := newTestCache(t)
	stub := &stubGenerator{}
	cached := gc.WrapGenerator(stub, "test-model")

	require.NoError(t, cached.Close())
	assert.True(t, stub.closed)
}
