package cmd

import (
	"fmt"
	"os"

	"github.com/olekukonko/tablewriter"
	"github.com/pkg/errors"
	"github.com/pkujhd/kpac/stats"
	"github.com/spf13/cobra"
)

func init() {
	rootCmd.AddCommand(statsCmd)
	statsCmd.MarkZshCompPositionalArgumentFile(1)
}

func percent(n, of int64) string {
	if of == 0 {
		return "-"
	}
	return fmt.Sprintf("%.1f%%", 100*float64(n)/float64(of))
}

var statsCmd = &cobra.Command{
	Use:   "stats <LOG>",
	Short: "Summarise a statistics log per object",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		f, err := os.Open(args[0])
		if err != nil {
			return errors.Wrapf(err, "failed to open %s", args[0])
		}
		defer f.Close()
		recs, err := stats.Parse(f)
		if err != nil {
			return err
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Path", "Runs", "Time", "Sign", "Sign Called", "Auth", "Auth Called"})
		table.SetBorder(false)
		table.SetAutoWrapText(false)
		table.SetColumnAlignment([]int{
			tablewriter.ALIGN_LEFT, tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_RIGHT,
			tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_RIGHT, tablewriter.ALIGN_RIGHT,
		})
		for _, s := range stats.Summarize(recs) {
			table.Append([]string{
				s.Path,
				fmt.Sprint(s.Runs),
				s.Elapsed.String(),
				fmt.Sprint(s.Counts.TotalSign),
				percent(s.Counts.PatchedSign, s.Counts.TotalSign),
				fmt.Sprint(s.Counts.TotalAuth),
				percent(s.Counts.PatchedAuth, s.Counts.TotalAuth),
			})
		}
		table.Render()
		return nil
	},
}
