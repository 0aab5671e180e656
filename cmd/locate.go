package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/ziadkadry99/bundlevault/internal/progress"
)

var locateCmd = &cobra.Command{
	Use:   "locate <version>",
	Short: "List the entry documents of a version",
	Long:  `Extracts the version first if it is not in the store yet, then prints the path of every entry document it contains.`,
	Args:  cobra.ExactArgs(1),
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

		docs, err := a.loader.Locate(cmd.Context(), args[0])
		if err != nil {
			return err
		}
		for _, d := range docs {
			fmt.Println(d)
		}
		return nil
	},
}

func init() {
	rootCmd.AddCommand(locateCmd)
}
