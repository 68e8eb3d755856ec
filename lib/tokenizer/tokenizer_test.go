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

package tokenizer

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func writeVocab(t *testing.T, tokens ...string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "vocab.txt")
	content := ""
	for _, tok := range tokens {
		content += tok + "\n"
	}
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

func TestWordPieceCounter(t *testing.T) {
	vocab := writeVocab(t,
		"[PAD]", "[UNK]", "[CLS]", "[SEP]", "[MASK]",
		"hello", "world", "##s")

	counter, err := NewWordPieceCounter(vocab)
	require.NoError(t, err)

	// [CLS] hello world [SEP]
	assert.Equal(t, 4, counter.CountTokens("hello world"))
	assert.Equal(t, 0, counter.CountTokens(""))
	assert.Positive(t, counter.CountTokens("hello worlds"))
}

func TestWordPieceCounterMissingSpecialTokens(t *testing.T) {
	vocab := writeVocab(t, "[UNK]", "hello")
	_, err := NewWordPieceCounter(vocab)
	require.Error(t, err)
}

func TestWordPieceCounterMissingFile(t *testing.T) {
	_, err := NewWordPieceCounter(filepath.Join(t.TempDir(), "nope.txt"))
	require.Error(t, err)
}

func TestBPECounter(t *testing.T) {
	counter, err := NewBPECounter("")
	require.NoError(t, err)

	assert.Equal(t, 0, counter.CountTokens(""))
	assert.Positive(t, counter.CountTokens("hello world"))
	// Longer text costs more tokens
	short := counter.CountTokens("hello")
	long := counter.CountTokens("hello hello hello hello hello")
	assert.Greater(t, long, short)
}

func TestBPECounterUnknownEncoding(t *testing.T) {
	_, err := NewBPECounter("not-an-encoding")
	require.Error(t, err)
}
