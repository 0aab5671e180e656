package cmd

import (
	"github.com/spf13/cobra"
	"github.com/ziadkadry99/bundlevault/internal/config"
)

var initCmd = &cobra.Command{
	Use:   "init",
	Short: "Initialize bundlevault configuration with an interactive wizard",
	Long:  `Runs an interactive wizard that asks for the client archive location and store settings and generates a .bundlevault.yml file.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		_, err := config.RunWizard()
		return err
	},
}

func init() {
	rootCmd.AddCommand(initCmd)
}
