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

// Package tokenizer provides approximate token counting for prompt
// budgeting. Counters here are independent of the model's own tokenizer and
// exist so callers can size prompts and truncation limits without loading a
// full generation pipeline.
package tokenizer

import (
	"fmt"
	"os"
	"strings"

	"github.com/pkoukk/tiktoken-go"
	tiktoken_loader "github.com/pkoukk/tiktoken-go-loader"
	"github.com/sugarme/tokenizer"
	"github.com/sugarme/tokenizer/decoder"
	"github.com/sugarme/tokenizer/model"
	"github.com/sugarme/tokenizer/model/wordpiece"
	"github.com/sugarme/tokenizer/normalizer"
	"github.com/sugarme/tokenizer/pretokenizer"
	"github.com/sugarme/tokenizer/processor"
	"github.com/sugarme/tokenizer/util"
)

// Counter provides token counting for prompt budgeting.
type Counter interface {
	// CountTokens returns the number of tokens in the text.
	// Returns a character-based estimate on error.
	CountTokens(text string) int
}

// WordPieceCounter counts tokens with BERT's WordPiece tokenization.
// Good for general-purpose text and multilingual content.
type WordPieceCounter struct {
	tokenizer *tokenizer.Tokenizer
}

// NewWordPieceCounter creates a WordPiece counter from a BERT-style vocab
// file (one token per line, the ID is the line number).
func NewWordPieceCounter(vocabPath string) (*WordPieceCounter, error) {
	data, err := os.ReadFile(vocabPath)
	if err != nil {
		return nil, fmt.Errorf("reading vocab file: %w", err)
	}

	vocab := make(model.Vocab)
	for i, line := range strings.Split(string(data), "\n") {
		if line != "" {
			vocab[line] = i
		}
	}

	opts := util.NewParams(map[string]any{
		"unk_token": "[UNK]",
	})
	wp, err := wordpiece.New(vocab, opts)
	if err != nil {
		return nil, fmt.Errorf("failed to create wordpiece model: %w", err)
	}

	tk := tokenizer.NewTokenizer(wp)

	// BERT normalizer: clean text, lowercase, handle Chinese chars, strip accents
	tk.WithNormalizer(normalizer.NewBertNormalizer(true, true, true, true))
	tk.WithPreTokenizer(pretokenizer.NewBertPreTokenizer())

	sepId, ok := tk.TokenToId("[SEP]")
	if !ok {
		return nil, fmt.Errorf("cannot find ID for [SEP] token")
	}
	clsId, ok := tk.TokenToId("[CLS]")
	if !ok {
		return nil, fmt.Errorf("cannot find ID for [CLS] token")
	}

	tk.WithPostProcessor(processor.NewBertProcessing(
		processor.PostToken{Id: sepId, Value: "[SEP]"},
		processor.PostToken{Id: clsId, Value: "[CLS]"},
	))

	tk.AddSpecialTokens([]tokenizer.AddedToken{tokenizer.NewAddedToken("[MASK]", true)})
	tk.AddSpecialTokens([]tokenizer.AddedToken{tokenizer.NewAddedToken("[SEP]", true)})
	tk.AddSpecialTokens([]tokenizer.AddedToken{tokenizer.NewAddedToken("[CLS]", true)})

	tk.WithDecoder(decoder.DefaultWordpieceDecoder())

	return &WordPieceCounter{tokenizer: tk}, nil
}

// CountTokens returns the number of tokens in the text.
// Uses a recover wrapper to handle panics from the underlying tokenizer
// library (github.com/sugarme/tokenizer has a bounds check bug in
// BertNormalizer.TransformRange).
func (t *WordPieceCounter) CountTokens(text string) (count int) {
	if text == "" {
		return 0
	}

	defer func() {
		if r := recover(); r != nil {
			// Fallback: rough approximation (1 token per 4 chars of English)
			count = len(text) / 4
		}
	}()

	enc, err := t.tokenizer.EncodeSingle(text)
	if err != nil {
		return len(text) / 4
	}

	return len(enc.Ids)
}

// BPECounter counts tokens with OpenAI's tiktoken BPE tokenization.
// Good for GPT-style models and code.
type BPECounter struct {
	tiktoken *tiktoken.Tiktoken
}

func init() {
	// Offline loader keeps tiktoken from fetching dictionaries over the network
	tiktoken.SetBpeLoader(tiktoken_loader.NewOfflineLoader())
}

// NewBPECounter creates a BPE counter using tiktoken-go with embedded
// dictionaries. The encoding parameter specifies which BPE encoding to use:
//   - "cl100k_base": GPT-4, GPT-3.5-turbo era (default)
//   - "o200k_base": GPT-4o era
//   - "p50k_base": Codex era
//   - "r50k_base": GPT-3 era
func NewBPECounter(encoding string) (*BPECounter, error) {
	if encoding == "" {
		encoding = "cl100k_base"
	}

	tk, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, fmt.Errorf("failed to get tiktoken encoding %q: %w", encoding, err)
	}

	return &BPECounter{tiktoken: tk}, nil
}

// CountTokens returns the number of tokens in the text.
func (t *BPECounter) CountTokens(text string) int {
	if text == "" {
		return 0
	}

	tokens := t.tiktoken.Encode(text, nil, nil)
	return len(tokens)
}
