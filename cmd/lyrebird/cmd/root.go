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
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
	"github.com/spf13/viper"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// Version is set from main via goreleaser ldflags.
var Version = "dev"

var (
	modelsDir string
	logLevel  string
	logStyle  string
)

var rootCmd = &cobra.Command{
	Use:     "lyrebird",
	Short:   "Text generation over local ONNX models",
	Long:    `Lyrebird runs auto-regressive text generation over local ONNX models (T5, BART, and decoder-only exports).`,
	Version: "",
}

// Execute runs the root command.
func Execute() {
	rootCmd.Version = Version
	if err := rootCmd.Execute(); err != nil {
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)

	rootCmd.PersistentFlags().StringVar(&modelsDir, "models-dir", defaultModelsDir(), "directory containing model subdirectories")
	rootCmd.PersistentFlags().StringVar(&logLevel, "log-level", "info", "log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().StringVar(&logStyle, "log-style", "console", "log style (console, json)")
	rootCmd.PersistentFlags().String("gpu", "", "GPU mode (auto, cuda, off)")
	rootCmd.PersistentFlags().String("keep-alive", "5m", "how long idle models stay loaded (0 = forever)")

	mustBindPFlag("models_dir", rootCmd.PersistentFlags().Lookup("models-dir"))
	mustBindPFlag("log.level", rootCmd.PersistentFlags().Lookup("log-level"))
	mustBindPFlag("log.style", rootCmd.PersistentFlags().Lookup("log-style"))
	mustBindPFlag("gpu", rootCmd.PersistentFlags().Lookup("gpu"))
	mustBindPFlag("keep_alive", rootCmd.PersistentFlags().Lookup("keep-alive"))
}

// initConfig wires environment variables into viper: LYREBIRD_MODELS_DIR,
// LYREBIRD_LOG_LEVEL, and so on.
func initConfig() {
	viper.SetEnvPrefix("LYREBIRD")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()
}

// mustBindPFlag panics when a flag cannot be bound; this only fails on
// programmer error (nil or mistyped flag).
func mustBindPFlag(key string, flag *pflag.Flag) {
	if err := viper.BindPFlag(key, flag); err != nil {
		panic(fmt.Sprintf("binding flag %s: %v", key, err))
	}
}

// defaultModelsDir returns ~/.lyrebird/models.
func defaultModelsDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "models"
	}
	return filepath.Join(home, ".lyrebird", "models")
}

// newLogger builds a zap logger from the log.level and log.style settings.
func newLogger() *zap.Logger {
	level, err := zapcore.ParseLevel(viper.GetString("log.level"))
	if err != nil {
		level = zapcore.InfoLevel
	}

	var cfg zap.Config
	if viper.GetString("log.style") == "json" {
		cfg = zap.NewProductionConfig()
	} else {
		cfg = zap.NewDevelopmentConfig()
		cfg.EncoderConfig.EncodeLevel = zapcore.CapitalColorLevelEncoder
	}
	cfg.Level = zap.NewAtomicLevelAt(level)

	logger, err := cfg.Build()
	if err != nil {
		return zap.NewNop()
	}
	return logger
}
