// Copyright 2025 Lyrebird ML, Inc.
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//	http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.
package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lyrebirdml/lyrebird/lib/tokenizer"
)

var (
	tokensEncoding string
	tokensVocab    string
)

var tokensCmd = &cobra.Command{
	Use:   "tokens [text]",
	Short: "Count tokens in a prompt",
	Long: `Count the approximate number of tokens in a prompt.

Counts use a standalone tokenizer rather than a model's own, so they are
estimates for sizing prompts against max-length limits without loading a
pipeline. BPE counting via tiktoken is the default; pass --vocab to count
with a BERT WordPiece vocabulary instead.

Examples:
  # BPE count (cl100k_base)
  lyrebird tokens "Once upon a time"

  # GPT-4o era encoding
  lyrebird tokens --encoding o200k_base "Once upon a time"

  # WordPiece count from a vocab file
  lyrebird tokens --vocab bert/vocab.txt "Once upon a time"

  # Count a file
  cat prompt.txt | lyrebird tokens`,
	RunE: runTokens,
}

func init() {
	rootCmd.AddCommand(tokensCmd)

	tokensCmd.Flags().StringVar(&tokensEncoding, "encoding", "cl100k_base", "tiktoken BPE encoding name")
	tokensCmd.Flags().StringVar(&tokensVocab, "vocab", "", "BERT WordPiece vocab file (overrides --encoding)")
}

func runTokens(cmd *cobra.Command, args []string) error {
	text, err := readPrompt(args)
	if err != nil {
		return err
	}

	var counter tokenizer.Counter
	if tokensVocab != "" {
		counter, err = tokenizer.NewWordPieceCounter(tokensVocab)
	} else {
		counter, err = tokenizer.NewBPECounter(tokensEncoding)
	}
	if err != nil {
		return err
	}

	fmt.Println(counter.CountTokens(text))
	return nil
}
