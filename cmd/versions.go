package cmd

import (
	"fmt"
	"os"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"
)

var versionsCmd = &cobra.Command{
	Use:   "versions",
	Short: "List the versions in the store",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		a, err := newApp(cfg, nil)
		if err != nil {
			return err
		}
		defer a.Close()

		versions, err := a.store.Versions(cmd.Context())
		if err != nil {
			return err
		}
		if len(versions) == 0 {
			fmt.Println("No versions extracted. Run `bundlevault extract` first.")
			return nil
		}

		tw := tabwriter.NewWriter(os.Stdout, 0, 0, 2, ' ', 0)
		fmt.Fprintln(tw, "VERSION\tFILES\tBYTES\tEXTRACTED\tSUPPORTED\tENTRY DOCUMENTS")
		for _, v := range versions {
			fmt.Fprintf(tw, "%s\t%d\t%d\t%s\t%t\t%s\n", v.Version, v.FileCount, v.TotalBytes,
				v.ExtractedAt.Local().Format("2006-01-02 15:04"), cfg.Supports(v.Version),
				strings.Join(v.EntryDocuments, ", "))
		}
		return tw.Flush()
	},
}

func init() {
	rootCmd.AddCommand(versionsCmd)
}
