package main

import (
	"github.com/spf13/cobra"

	"github.com/loomhq/loom/internal/config"
	"github.com/loomhq/loom/internal/jjdriver"
)

var configCmd = &cobra.Command{
	Use:   "config",
	Short: "repository configuration",
}

func init() {
	initCmd := &cobra.Command{
		Use:   "init",
		Short: "write .loom/config.yaml seeded from the built-in defaults",
		RunE: func(cmd *cobra.Command, args []string) error {
			root := repoFlag
			if root == "" {
				r, err := jjdriver.FindRoot(".")
				if err != nil {
					return err
				}
				root = r
			}
			if err := config.Save(root, config.Defaults()); err != nil {
				return emitFailure(err, "")
			}
			return emitSuccess(map[string]string{"wrote": root + "/.loom/config.yaml"})
		},
	}

	configCmd.AddCommand(initCmd)
	rootCmd.AddCommand(configCmd)
}
