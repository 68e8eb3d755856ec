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
	"github.com/lyrebirdml/lyrebird/lib/backends"
	"github.com/lyrebirdml/lyrebird/lib/kvcache"
)

// Strategy identifies how the decoder graph(s) consume the KV cache.
// It is resolved once at construction from the session metadata and never
// changes during generation.
type Strategy string

const (
	// StrategySingleGraph runs one graph with no cache inputs. Every step
	// re-feeds the full generated prefix and reads logits at the last
	// position.
	StrategySingleGraph Strategy = "single_graph"

	// StrategyMergedGraph runs one graph whose cache branch is selected per
	// step. If the graph has a use_cache_branch input it is fed false on the
	// first step and true afterwards; graphs without the flag just receive
	// empty (or placeholder) past tensors on the first step.
	StrategyMergedGraph Strategy = "merged_graph"

	// StrategyDualGraph runs a dedicated first-step graph (no cache inputs
	// required) and a with-past graph for every later step. The first step
	// always uses the first-step graph, regardless of cache state.
	StrategyDualGraph Strategy = "dual_graph"
)

// sessionTraits summarizes the decoder inputs that matter for strategy
// resolution and input building.
type sessionTraits struct {
	inputNames map[string]bool

	hasPastInputs   bool
	hasCrossInputs  bool
	useCacheFlag    bool
	useCacheFlagF32 bool

	pastInputNames []string
}

func inspectSession(session backends.Session) sessionTraits {
	traits := sessionTraits{inputNames: make(map[string]bool)}
	for _, info := range session.InputInfo() {
		traits.inputNames[info.Name] = true
		if kvcache.IsPastInput(info.Name) {
			traits.hasPastInputs = true
			traits.pastInputNames = append(traits.pastInputNames, info.Name)
			if entry, ok := kvcache.ParseName(info.Name); ok && entry.Cross {
				traits.hasCrossInputs = true
			}
		}
		if info.Name == "use_cache_branch" {
			traits.useCacheFlag = true
			traits.useCacheFlagF32 = info.DataType == backends.DataTypeFloat32
		}
	}
	return traits
}

// resolveStrategy picks the decode strategy from the available sessions.
// firstStep is the dedicated no-cache graph (may be nil), decoder the main
// graph.
func resolveStrategy(firstStep backends.Session, decoder sessionTraits) Strategy {
	if firstStep != nil {
		return StrategyDualGraph
	}
	if decoder.hasPastInputs {
		return StrategyMergedGraph
	}
	return StrategySingleGraph
}
