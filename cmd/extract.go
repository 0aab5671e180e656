package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ziadkadry99/bundlevault/internal/progress"
)

var extractCmd = &cobra.Command{
	Use:   "extract",
	Short: "Fetch the client archive and extract every version it holds",
	Long:  `Downloads the configured archive, mounts it and copies each version that is not yet in the store into the data directory.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cfg, progress.NewReporter(os.Stderr))
		if err != nil {
			return err
		}
		defer a.Close()

		present, err := a.loader.Extract(cmd.Context())
		for _, v := range present {
			fmt.Println(v)
		}
		if err != nil {
			return fmt.Errorf("extraction failed: %w", err)
		}
		fmt.Fprintf(os.Stderr, "%d versions in %s\n", len(present), a.store.Root())
		return nil
	},
}

func init() {
	rootCmd.AddCommand(extractCmd)
}
