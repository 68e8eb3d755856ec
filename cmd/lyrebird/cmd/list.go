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
	"sort"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/lyrebirdml/lyrebird/lib/pipelines"
)

var listCmd = &cobra.Command{
	Use:   "list",
	Short: "List local generative models",
	Long: `List generative ONNX models installed under the models directory.

Examples:
  # List local models
  lyrebird list

  # List models from a custom directory
  lyrebird list --models-dir /opt/models`,
	RunE: runList,
}

func init() {
	rootCmd.AddCommand(listCmd)
}

func runList(cmd *cobra.Command, args []string) error {
	modelsDir := viper.GetString("models_dir")

	entries, err := os.ReadDir(modelsDir)
	if err != nil {
		if os.IsNotExist(err) {
			fmt.Printf("No models found (%s does not exist)\n", modelsDir)
			return nil
		}
		return fmt.Errorf("reading models directory: %w", err)
	}

	type row struct {
		name      string
		modelType string
		strategy  string
	}
	var rows []row

	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		modelPath := filepath.Join(modelsDir, entry.Name())

		var modelType string
		switch {
		case pipelines.IsEncoderDecoderModel(modelPath):
			modelType = "seq2seq"
		case pipelines.IsTextGenModel(modelPath):
			modelType = "textgen"
		default:
			continue
		}

		rows = append(rows, row{
			name:      entry.Name(),
			modelType: modelType,
			strategy:  describeGraphs(modelPath),
		})
	}

	if len(rows) == 0 {
		fmt.Printf("No generative models found in %s\n", modelsDir)
		return nil
	}

	sort.Slice(rows, func(i, j int) bool { return rows[i].name < rows[j].name })

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "NAME\tTYPE\tGRAPHS")
	for _, r := range rows {
		fmt.Fprintf(w, "%s\t%s\t%s\n", r.name, r.modelType, r.strategy)
	}
	return w.Flush()
}

// describeGraphs summarizes which decoder graph files a model ships.
func describeGraphs(modelPath string) string {
	decoder := filepath.Base(pipelines.FindONNXFile(modelPath, pipelines.DecoderONNXCandidates()))
	if init := pipelines.FindONNXFile(modelPath, pipelines.DecoderInitONNXCandidates()); init != "" {
		return decoder + "+" + filepath.Base(init)
	}
	return decoder
}
