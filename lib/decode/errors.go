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

import "fmt"

// EngineError wraps a failed forward pass. Engine failures are fatal to the
// generation; partial output up to the failing step is discarded.
type EngineError struct {
	// Op names the forward pass that failed ("encoder", "decoder",
	// "decoder_init").
	Op  string
	Err error
}

func (e *EngineError) Error() string {
	return fmt.Sprintf("engine %s: %v", e.Op, e.Err)
}

func (e *EngineError) Unwrap() error {
	return e.Err
}

// ConfigError reports invalid configuration detected before the decode loop
// starts.
type ConfigError struct {
	Reason string
}

func (e *ConfigError) Error() string {
	return "invalid generation config: " + e.Reason
}

// CallbackError wraps an error returned by a streaming callback. The
// generation is aborted and the callback's error is preserved for errors.Is
// and errors.As.
type CallbackError struct {
	// Position is the output index of the token whose delivery failed.
	Position int
	Err      error
}

func (e *CallbackError) Error() string {
	return fmt.Sprintf("stream callback failed at token %d: %v", e.Position, e.Err)
}

func (e *CallbackError) Unwrap() error {
	return e.Err
}
