package main

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/agenttree/agenttree/internal/config"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "Inspect the resolved configuration",
}

var configShowCmd = &cobra.Command{
	Use:   "show",
	Short: "Print the resolved config and where it came from",
	Long: `Resolves which .agenttree.yaml this invocation would load (an
explicit --config flag, then AGENTTREE_CONFIG, then ./.agenttree.yaml)
and prints both that source path and the fully-parsed, defaulted config.`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		path, err := config.ResolvePath(GetConfigFile())
		if err != nil {
			return err
		}
		a, err := currentApp()
		if err != nil {
			return err
		}
		if GetOutput() == "json" {
			data, err := json.MarshalIndent(struct {
				Source string         `json:"source"`
				Config *config.Config `json:"config"`
			}{path, a.Config}, "", "  ")
			if err != nil {
				return err
			}
			fmt.Println(string(data))
			return nil
		}
		fmt.Printf("source: %s\n", path)
		data, err := yaml.Marshal(a.Config)
		if err != nil {
			return err
		}
		fmt.Print(string(data))
		return nil
	},
}

func init() {
	configCmd.AddCommand(configShowCmd)
	rootCmd.AddCommand(configCmd)
}
