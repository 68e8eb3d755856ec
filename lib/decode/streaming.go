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

package decode

import (
	"fmt"
	"time"
)

// DecodeFunc converts a token sequence into text.
type DecodeFunc func(tokens []int32) (string, error)

// StreamFunc receives each token's textual delta. position is the token's
// index in the output, isLast marks the final emission. Returning an error
// aborts the generation.
type StreamFunc func(tokenID int32, text string, position int, isLast bool) error

// StreamController turns raw token emissions into textual deltas.
//
// Because sub-word tokenizers can re-segment at token boundaries, the
// controller decodes the entire cumulative sequence on every token and emits
// whatever text appeared beyond the previous decode. The delta may be empty
// when a token completes no character yet (e.g. the first half of a
// multi-byte sequence).
type StreamController struct {
	decode DecodeFunc
	emit   StreamFunc

	tokens   []int32
	prevText string

	started        time.Time
	firstTokenAt   time.Time
	sawFirstToken  bool
	deliveredChars int
}

// NewStreamController wraps a decode function and a consumer callback.
func NewStreamController(decode DecodeFunc, emit StreamFunc) (*StreamController, error) {
	if decode == nil {
		return nil, &ConfigError{Reason: "decode function is required"}
	}
	if emit == nil {
		return nil, &ConfigError{Reason: "stream callback is required"}
	}
	return &StreamController{
		decode:  decode,
		emit:    emit,
		started: time.Now(),
	}, nil
}

// OnToken implements TokenCallback. It appends the token, re-decodes the
// cumulative sequence and forwards the textual delta to the consumer.
func (c *StreamController) OnToken(tokenID int32, position int, isLast bool) error {
	c.tokens = append(c.tokens, tokenID)

	if !c.sawFirstToken {
		c.sawFirstToken = true
		c.firstTokenAt = time.Now()
	}

	text, err := c.decode(c.tokens)
	if err != nil {
		return fmt.Errorf("decoding token stream: %w", err)
	}

	delta := textDelta(c.prevText, text)
	c.prevText = text
	c.deliveredChars += len(delta)

	return c.emit(tokenID, delta, position, isLast)
}

// Text returns the full decoded text seen so far.
func (c *StreamController) Text() string {
	return c.prevText
}

// Tokens returns the tokens seen so far.
func (c *StreamController) Tokens() []int32 {
	return c.tokens
}

// TimeToFirstToken returns the latency of the first token, or zero if no
// token arrived yet.
func (c *StreamController) TimeToFirstToken() time.Duration {
	if !c.sawFirstToken {
		return 0
	}
	return c.firstTokenAt.Sub(c.started)
}

// textDelta returns the new text in cur relative to prev. When re-decoding
// rewrites earlier characters, the delta restarts from the longest common
// prefix so no text is lost.
func textDelta(prev, cur string) string {
	if len(cur) >= len(prev) && cur[:len(prev)] == prev {
		return cur[len(prev):]
	}
	common := 0
	for common < len(prev) && common < len(cur) && prev[common] == cur[common] {
		common++
	}
	return cur[common:]
}
