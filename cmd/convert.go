package cmd

import (
	"encoding/json"
	"fmt"
	"os"

	"github.com/sirupsen/logrus"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	sim "github.com/qrep-sim/qrep-sim/sim"
)

var rulesetPath string

// convertCmd renders a serialized RuleSet as YAML for inspection.
// Output is written to stdout for piping.
var convertCmd = &cobra.Command{
	Use:   "convert",
	Short: "Convert a RuleSet JSON document to YAML",
	Run: func(cmd *cobra.Command, args []string) {
		data, err := os.ReadFile(rulesetPath)
		if err != nil {
			logrus.Fatalf("Cannot read ruleset: %v", err)
		}
		var ruleset sim.RuleSet
		if err := json.Unmarshal(data, &ruleset); err != nil {
			logrus.Fatalf("RuleSet decode failed: %v", err)
		}
		out, err := yaml.Marshal(&ruleset)
		if err != nil {
			logrus.Fatalf("YAML marshal failed: %v", err)
		}
		fmt.Print(string(out))
	},
}

func init() {
	convertCmd.Flags().StringVar(&rulesetPath, "file", "", "Path to the RuleSet JSON file")
	_ = convertCmd.MarkFlagRequired("file")

	rootCmd.AddCommand(convertCmd)
}
