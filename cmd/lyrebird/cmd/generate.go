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
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"

	"github.com/lyrebirdml/lyrebird"
	"github.com/lyrebirdml/lyrebird/lib/backends"
)

var (
	generateModel       string
	generateMaxTokens   int
	generateMinTokens   int
	generateSample      bool
	generateTemperature float32
	generateTopK        int
	generateTopP        float32
	generateSeed        int64
	generateNoStream    bool
)

var generateCmd = &cobra.Command{
	Use:   "generate [prompt]",
	Short: "Generate text from a prompt",
	Long: `Generate text from a prompt using a local model.

Tokens stream to stdout as they are generated. Use --no-stream to print the
full completion at once.

Examples:
  # Summarize with a T5 model
  lyrebird generate --model t5-summarize "summarize: The quick brown fox ..."

  # Sampled completion with a decoder-only model
  lyrebird generate --model qwen-0.5b --sample --temperature 0.8 "Once upon a time"

  # Read the prompt from stdin
  cat prompt.txt | lyrebird generate --model t5-summarize`,
	RunE: runGenerate,
}

func init() {
	rootCmd.AddCommand(generateCmd)

	generateCmd.Flags().StringVarP(&generateModel, "model", "m", "", "model name (directory under models-dir)")
	generateCmd.Flags().IntVar(&generateMaxTokens, "max-new-tokens", 256, "maximum number of tokens to generate")
	generateCmd.Flags().IntVar(&generateMinTokens, "min-new-tokens", 0, "minimum number of tokens before EOS may stop generation")
	generateCmd.Flags().BoolVar(&generateSample, "sample", false, "sample instead of greedy decoding")
	generateCmd.Flags().Float32Var(&generateTemperature, "temperature", 1.0, "sampling temperature")
	generateCmd.Flags().IntVar(&generateTopK, "top-k", 50, "top-k sampling cutoff (0 = off)")
	generateCmd.Flags().Float32Var(&generateTopP, "top-p", 1.0, "nucleus sampling cutoff (1.0 = off)")
	generateCmd.Flags().Int64Var(&generateSeed, "seed", 0, "sampling seed (0 = random)")
	generateCmd.Flags().BoolVar(&generateNoStream, "no-stream", false, "print the completion at once instead of streaming")

	_ = generateCmd.MarkFlagRequired("model")
}

func runGenerate(cmd *cobra.Command, args []string) error {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	prompt, err := readPrompt(args)
	if err != nil {
		return err
	}

	logger := newLogger()
	defer func() {
		_ = logger.Sync()
	}()

	svc, err := lyrebird.NewService(lyrebird.Config{
		ModelsDir: viper.GetString("models_dir"),
		Gpu:       viper.GetString("gpu"),
		KeepAlive: viper.GetString("keep_alive"),
		// One-shot invocations have no repeated prompts to cache
		DisableResultCache: true,
	}, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := svc.Close(); err != nil {
			logger.Warn("Error closing service", zap.Error(err))
		}
	}()

	genCfg := &backends.GenerationConfig{
		MaxNewTokens:      generateMaxTokens,
		MinNewTokens:      generateMinTokens,
		DoSample:          generateSample,
		Temperature:       generateTemperature,
		TopK:              generateTopK,
		TopP:              generateTopP,
		RepetitionPenalty: 1.0,
		Seed:              generateSeed,
	}

	if generateNoStream {
		result, err := svc.GenerateWithConfig(ctx, generateModel, prompt, genCfg)
		if err != nil {
			return err
		}
		fmt.Println(result.Text)
		logger.Debug("Generation complete",
			zap.Int("output_tokens", result.OutputTokens),
			zap.Bool("stopped_at_eos", result.StoppedAtEOS),
			zap.Duration("duration", result.Duration))
		return nil
	}

	result, err := svc.GenerateStreamWithConfig(ctx, generateModel, prompt, genCfg,
		func(tokenID int32, text string, position int, isLast bool) error {
			fmt.Print(text)
			return nil
		})
	if err != nil {
		return err
	}
	fmt.Println()

	logger.Debug("Generation complete",
		zap.Int("output_tokens", result.OutputTokens),
		zap.Bool("stopped_at_eos", result.StoppedAtEOS),
		zap.Duration("time_to_first_token", result.TimeToFirstToken),
		zap.Duration("duration", result.Duration))

	return nil
}

// readPrompt takes the prompt from the arguments, or from stdin when no
// argument is given and stdin is not a terminal.
func readPrompt(args []string) (string, error) {
	if len(args) > 0 {
		return strings.Join(args, " "), nil
	}

	stat, err := os.Stdin.Stat()
	if err == nil && (stat.Mode()&os.ModeCharDevice) == 0 {
		data, err := os.ReadFile("/dev/stdin")
		if err != nil {
			return "", fmt.Errorf("reading prompt from stdin: %w", err)
		}
		prompt := strings.TrimSpace(string(data))
		if prompt != "" {
			return prompt, nil
		}
	}

	return "", fmt.Errorf("no prompt given (pass as argument or pipe to stdin)")
}
