package main

import (
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var rulesCmd = &cobra.Command{
	Use:   "rules",
	Short: "Print the effective rule set as YAML",
	RunE: func(cmd *cobra.Command, _ []string) error {
		m, err := loadManager()
		if err != nil {
			return err
		}
		enc := yaml.NewEncoder(cmd.OutOrStdout())
		enc.SetIndent(2)
		if err := enc.Encode(map[string]any{"rules": m.Get().Rules}); err != nil {
			return err
		}
		return enc.Close()
	},
}
