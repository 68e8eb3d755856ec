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

// Package decode drives auto-regressive generation on top of raw inference
// sessions: strategy resolution, the KV-cached decode loop, sampling, and
// token streaming.
package decode

import (
	"context"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/lyrebirdml/lyrebird/lib/backends"
	"github.com/lyrebirdml/lyrebird/lib/kvcache"
	"github.com/lyrebirdml/lyrebird/lib/sampling"
)

// Request describes one generation.
type Request struct {
	// StartTokens is the decoder prefix: the decoder start token for
	// encoder-decoder models, or the full prompt for decoder-only models.
	StartTokens []int32

	// EncoderOutput carries the encoder hidden states for encoder-decoder
	// models. Nil selects the decoder-only path.
	EncoderOutput *backends.EncoderOutput

	// Config holds the generation parameters. Nil uses defaults.
	Config *backends.GenerationConfig
}

// Result holds the outcome of a generation. EOS is never part of TokenIDs.
type Result struct {
	TokenIDs     []int32
	StoppedAtEOS bool
	// Steps is the number of decoder forward passes that ran.
	Steps int
	// TimeToFirstToken measures from loop start to the first accepted token.
	TimeToFirstToken time.Duration
	Duration         time.Duration
}

// TokenCallback receives each accepted token during streaming generation.
// position is the token's index in the output; isLast marks the final
// emission. Returning an error aborts the generation.
type TokenCallback func(tokenID int32, position int, isLast bool) error

// Orchestrator drives the auto-regressive decode loop over one or two
// decoder sessions. The strategy is resolved once at construction.
//
// An Orchestrator may be shared across generations but each call runs a
// single decode loop; calls are not safe for concurrent use on the same
// underlying sessions.
type Orchestrator struct {
	strategy Strategy

	decoder   backends.Session // main graph (with-past or merged)
	firstStep backends.Session // dedicated first-step graph (dual only)

	decoderTraits   sessionTraits
	firstStepTraits sessionTraits

	cfg    *backends.DecoderConfig
	logger *zap.Logger
}

// NewOrchestrator builds an orchestrator from the available decoder
// sessions. firstStep may be nil when the model ships a single decoder
// graph.
func NewOrchestrator(decoder, firstStep backends.Session, cfg *backends.DecoderConfig, logger *zap.Logger) (*Orchestrator, error) {
	if decoder == nil {
		return nil, &ConfigError{Reason: "decoder session is required"}
	}
	if cfg == nil {
		return nil, &ConfigError{Reason: "decoder config is required"}
	}
	if err := cfg.Validate(); err != nil {
		return nil, &ConfigError{Reason: err.Error()}
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	o := &Orchestrator{
		decoder:       decoder,
		firstStep:     firstStep,
		decoderTraits: inspectSession(decoder),
		cfg:           cfg,
		logger:        logger,
	}
	if firstStep != nil {
		o.firstStepTraits = inspectSession(firstStep)
	}
	o.strategy = resolveStrategy(firstStep, o.decoderTraits)

	logger.Debug("decode strategy resolved",
		zap.String("strategy", string(o.strategy)),
		zap.Bool("use_cache_flag", o.decoderTraits.useCacheFlag))

	return o, nil
}

// Strategy returns the resolved decode strategy.
func (o *Orchestrator) Strategy() Strategy {
	return o.strategy
}

// Generate runs the decode loop to completion and returns the generated
// tokens.
func (o *Orchestrator) Generate(ctx context.Context, req *Request) (*Result, error) {
	return o.run(ctx, req, nil)
}

// GenerateStream runs the decode loop, delivering each accepted token to the
// callback. The callback runs synchronously on the decode goroutine; an
// error from it aborts the generation and surfaces as a CallbackError.
func (o *Orchestrator) GenerateStream(ctx context.Context, req *Request, callback TokenCallback) (*Result, error) {
	if callback == nil {
		return nil, &ConfigError{Reason: "stream callback is required"}
	}
	return o.run(ctx, req, callback)
}

func (o *Orchestrator) run(ctx context.Context, req *Request, callback TokenCallback) (*Result, error) {
	if req == nil || len(req.StartTokens) == 0 {
		return nil, &ConfigError{Reason: "start tokens are required"}
	}
	genCfg := req.Config
	if genCfg == nil {
		genCfg = backends.DefaultGenerationConfig()
	}
	if genCfg.MaxNewTokens <= 0 {
		return nil, &ConfigError{Reason: fmt.Sprintf("max new tokens must be positive, got %d", genCfg.MaxNewTokens)}
	}
	if genCfg.MinNewTokens > genCfg.MaxNewTokens {
		return nil, &ConfigError{
			Reason: fmt.Sprintf("min new tokens %d exceeds max new tokens %d",
				genCfg.MinNewTokens, genCfg.MaxNewTokens),
		}
	}

	sampler, err := sampling.NewSampler(genCfg)
	if err != nil {
		return nil, &ConfigError{Reason: err.Error()}
	}

	decoderOnly := req.EncoderOutput == nil

	var store *kvcache.Store
	if o.strategy != StrategySingleGraph {
		store = kvcache.NewStore(o.cfg, 1, o.logger)
		defer store.Close()

		if decoderOnly && o.strategy == StrategyMergedGraph && !o.decoderTraits.useCacheFlag {
			// Flagless graphs reject zero-sized past axes, so the first step
			// runs against zero-filled seq-len-1 tensors.
			if err := store.InitPlaceholder(); err != nil {
				return nil, err
			}
		}
	}

	result := &Result{}
	start := time.Now()
	generated := make([]int32, 0, genCfg.MaxNewTokens)

	// pending holds the latest accepted token until the next loop iteration
	// decides whether it was the final one.
	var pending int32
	havePending := false

	flush := func(isLast bool) error {
		if !havePending || callback == nil {
			return nil
		}
		position := len(generated) - 1
		if !isLast {
			position = len(generated) - 2
		}
		if err := callback(pending, position, isLast); err != nil {
			return &CallbackError{Position: position, Err: err}
		}
		if isLast {
			havePending = false
		}
		return nil
	}

	for len(generated) < genCfg.MaxNewTokens {
		select {
		case <-ctx.Done():
			result.TokenIDs = generated
			result.Duration = time.Since(start)
			return result, ctx.Err()
		default:
		}

		logits, err := o.step(req, generated, store)
		if err != nil {
			result.TokenIDs = generated
			result.Duration = time.Since(start)
			return result, err
		}
		result.Steps++

		next, err := sampler.Next(logits, generated, o.cfg.EOSTokenID)
		if err != nil {
			result.TokenIDs = generated
			result.Duration = time.Since(start)
			return result, err
		}

		if next == o.cfg.EOSTokenID {
			// EOS terminates the sequence and is excluded from the output.
			result.StoppedAtEOS = true
			break
		}

		if havePending {
			generated = append(generated, next)
			if err := flush(false); err != nil {
				result.TokenIDs = generated
				result.Duration = time.Since(start)
				return result, err
			}
		} else {
			generated = append(generated, next)
			result.TimeToFirstToken = time.Since(start)
		}
		pending = next
		havePending = true
	}

	if havePending {
		if err := flush(true); err != nil {
			result.TokenIDs = generated
			result.Duration = time.Since(start)
			return result, err
		}
	}

	result.TokenIDs = generated
	result.Duration = time.Since(start)
	return result, nil
}

// step runs one decoder forward pass and returns the logits of the last
// position.
func (o *Orchestrator) step(req *Request, generated []int32, store *kvcache.Store) ([]float32, error) {
	session := o.decoder
	traits := o.decoderTraits
	op := "decoder"

	cached := store != nil && store.SeqLen() > 0

	// The first step of a dual-graph model always uses the first-step graph.
	if o.strategy == StrategyDualGraph && !cached {
		session = o.firstStep
		traits = o.firstStepTraits
		op = "decoder_init"
	}

	// With a populated cache only the newest token is fed; otherwise the
	// full prefix.
	var tokens []int32
	if cached {
		tokens = generated[len(generated)-1:]
	} else {
		tokens = make([]int32, 0, len(req.StartTokens)+len(generated))
		tokens = append(tokens, req.StartTokens...)
		tokens = append(tokens, generated...)
	}

	inputs, err := o.buildStepInputs(traits, tokens, req.EncoderOutput, store)
	if err != nil {
		return nil, err
	}

	outputs, err := session.Run(inputs)
	if err != nil {
		return nil, &EngineError{Op: op, Err: err}
	}
	if len(outputs) == 0 {
		return nil, &EngineError{Op: op, Err: fmt.Errorf("no outputs returned")}
	}

	logits, err := lastPositionLogits(outputs[0], len(tokens))
	if err != nil {
		return nil, &EngineError{Op: op, Err: err}
	}

	if store != nil {
		if req.EncoderOutput != nil {
			err = store.UpdateSelfOnly(outputs)
		} else {
			err = store.UpdateAll(outputs)
		}
		if err != nil {
			return nil, err
		}
	}

	return logits, nil
}

// buildStepInputs assembles the named tensors one decoder step needs, driven
// by the session's declared inputs.
func (o *Orchestrator) buildStepInputs(traits sessionTraits, tokens []int32, encOut *backends.EncoderOutput, store *kvcache.Store) ([]backends.NamedTensor, error) {
	seqLen := len(tokens)
	flatIDs := make([]int64, seqLen)
	for i, id := range tokens {
		flatIDs[i] = int64(id)
	}

	pastLen := 0
	if store != nil {
		pastLen = store.SeqLen()
	}

	inputIDsName := "input_ids"
	if traits.inputNames["decoder_input_ids"] {
		inputIDsName = "decoder_input_ids"
	}

	inputs := []backends.NamedTensor{{
		Name:  inputIDsName,
		Shape: []int64{1, int64(seqLen)},
		Data:  flatIDs,
	}}

	if traits.inputNames["attention_mask"] {
		mask := make([]int64, pastLen+seqLen)
		for i := range mask {
			mask[i] = 1
		}
		inputs = append(inputs, backends.NamedTensor{
			Name:  "attention_mask",
			Shape: []int64{1, int64(pastLen + seqLen)},
			Data:  mask,
		})
	}

	if traits.inputNames["position_ids"] {
		positions := make([]int64, seqLen)
		for i := range positions {
			positions[i] = int64(pastLen + i)
		}
		inputs = append(inputs, backends.NamedTensor{
			Name:  "position_ids",
			Shape: []int64{1, int64(seqLen)},
			Data:  positions,
		})
	}

	encoderSeqLen := 0
	if encOut != nil {
		encoderSeqLen = encOut.SeqLen()

		if traits.inputNames["encoder_hidden_states"] || traits.inputNames["encoder_outputs"] {
			name := "encoder_hidden_states"
			if traits.inputNames["encoder_outputs"] {
				name = "encoder_outputs"
			}
			inputs = append(inputs, backends.NamedTensor{
				Name:  name,
				Shape: []int64{int64(encOut.Shape[0]), int64(encOut.Shape[1]), int64(encOut.Shape[2])},
				Data:  encOut.HiddenStates,
			})
		}

		if traits.inputNames["encoder_attention_mask"] {
			var mask []int64
			if len(encOut.AttentionMask) > 0 {
				mask = encOut.AttentionMask[0]
			} else {
				mask = make([]int64, encoderSeqLen)
				for i := range mask {
					mask[i] = 1
				}
			}
			inputs = append(inputs, backends.NamedTensor{
				Name:  "encoder_attention_mask",
				Shape: []int64{1, int64(len(mask))},
				Data:  mask,
			})
		}
	}

	if traits.useCacheFlag {
		useCache := store != nil && store.SeqLen() > 0
		if traits.useCacheFlagF32 {
			val := []float32{0}
			if useCache {
				val[0] = 1
			}
			inputs = append(inputs, backends.NamedTensor{
				Name:  "use_cache_branch",
				Shape: []int64{1},
				Data:  val,
			})
		} else {
			inputs = append(inputs, backends.NamedTensor{
				Name:  "use_cache_branch",
				Shape: []int64{1},
				Data:  []bool{useCache},
			})
		}
	}

	for _, name := range traits.pastInputNames {
		if store == nil {
			return nil, &ConfigError{Reason: fmt.Sprintf("session requires cache input %s but caching is disabled", name)}
		}
		tensor, err := store.PastTensor(name, encoderSeqLen)
		if err != nil {
			return nil, err
		}
		inputs = append(inputs, tensor)
	}

	return inputs, nil
}

// lastPositionLogits extracts the logits row of the last sequence position
// from a [batch, seq, vocab] (or [batch, vocab]) tensor.
func lastPositionLogits(output backends.NamedTensor, seqLen int) ([]float32, error) {
	data, ok := output.Data.([]float32)
	if !ok {
		return nil, fmt.Errorf("logits tensor is %T, not float32", output.Data)
	}
	if len(output.Shape) == 0 {
		return nil, fmt.Errorf("logits tensor has no shape")
	}

	vocabSize := int(output.Shape[len(output.Shape)-1])
	if vocabSize <= 0 || vocabSize > len(data) {
		return nil, fmt.Errorf("unexpected logits shape %v", output.Shape)
	}

	outSeqLen := 1
	if len(output.Shape) >= 3 {
		outSeqLen = int(output.Shape[len(output.Shape)-2])
	}
	if outSeqLen*vocabSize > len(data) {
		return nil, fmt.Errorf("logits shape %v exceeds data length %d", output.Shape, len(data))
	}

	startIdx := (outSeqLen - 1) * vocabSize
	logits := make([]float32, vocabSize)
	copy(logits, data[startIdx:startIdx+vocabSize])
	return logits, nil
}
