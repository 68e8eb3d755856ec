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

package sampling

import "math"

// BadWordsProcessor suppresses banned token sequences.
//
// Single-token sequences are masked on every step. A multi-token sequence is
// masked only when the generated suffix matches everything but its last
// token: then the completing token gets -Inf, so the sequence can never be
// finished.
type BadWordsProcessor struct {
	singles   []int32
	sequences [][]int32
}

// NewBadWordsProcessor builds a processor from banned token sequences.
// Empty sequences are ignored.
func NewBadWordsProcessor(badWords [][]int32) *BadWordsProcessor {
	p := &BadWordsProcessor{}
	for _, seq := range badWords {
		switch len(seq) {
		case 0:
			// Nothing to ban.
		case 1:
			p.singles = append(p.singles, seq[0])
		default:
			seqCopy := make([]int32, len(seq))
			copy(seqCopy, seq)
			p.sequences = append(p.sequences, seqCopy)
		}
	}
	return p
}

// Empty reports whether the processor has no banned sequences.
func (p *BadWordsProcessor) Empty() bool {
	return len(p.singles) == 0 && len(p.sequences) == 0
}

// Apply masks banned tokens in place given the tokens generated so far.
func (p *BadWordsProcessor) Apply(logits []float32, generated []int32) {
	negInf := float32(math.Inf(-1))

	for _, tok := range p.singles {
		if int(tok) < len(logits) && tok >= 0 {
			logits[tok] = negInf
		}
	}

	for _, seq := range p.sequences {
		prefixLen := len(seq) - 1
		if len(generated) < prefixLen {
			continue
		}
		if !suffixMatches(generated, seq[:prefixLen]) {
			continue
		}
		last := seq[prefixLen]
		if int(last) < len(logits) && last >= 0 {
			logits[last] = negInf
		}
	}
}

// suffixMatches reports whether generated ends with prefix.
func suffixMatches(generated, prefix []int32) bool {
	offset := len(generated) - len(prefix)
	for i, tok := range prefix {
		if generated[offset+i] != tok {
			return false
		}
	}
	return true
}
