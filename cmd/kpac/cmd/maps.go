package cmd

import (
	"fmt"
	"os"

	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/pkujhd/kpac"
	"github.com/pkujhd/kpac/mmap"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(mapsCmd)

	mapsCmd.Flags().IntP("pid", "p", mmap.Self, "process to list (default is this process)")
	mapsCmd.Flags().Int("capacity", 0, "stop after this many segments (0 means no limit)")
	mapsCmd.Flags().BoolP("all", "a", false, "list segments that are not executable too")
	viper.BindPFlag("maps.pid", mapsCmd.Flags().Lookup("pid"))
	viper.BindPFlag("maps.capacity", mapsCmd.Flags().Lookup("capacity"))
	viper.BindPFlag("maps.all", mapsCmd.Flags().Lookup("all"))
}

var mapsCmd = &cobra.Command{
	Use:   "maps",
	Short: "List the segments of a process and whether they would be patched",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		pid := viper.GetInt("maps.pid")

		cfg, err := kpac.LoadConfig()
		if err != nil {
			return err
		}
		segs, err := mmap.ReadProcMaps(pid, viper.GetInt("maps.capacity"))
		if err != nil {
			return err
		}
		self, err := mmap.ExecutablePath(pid)
		if err != nil {
			return err
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Start", "End", "Perms", "Size", "Path", "Patched"})
		table.SetBorder(false)
		table.SetAutoWrapText(false)
		table.SetAlignment(tablewriter.ALIGN_LEFT)
		var eligible int
		for _, seg := range segs {
			if !seg.ExecutePerm && !viper.GetBool("maps.all") {
				continue
			}
			verdict := "yes"
			if why := cfg.SkipReason(seg, self); why != "" {
				verdict = "no (" + why + ")"
			} else {
				eligible++
			}
			table.Append([]string{
				fmt.Sprintf("%#x", seg.StartAddr),
				fmt.Sprintf("%#x", seg.EndAddr),
				seg.Perms(),
				humanize.IBytes(uint64(seg.Len())),
				seg.PathName,
				verdict,
			})
		}
		table.Render()
		fmt.Printf("\n%d of %d segments would be patched\n", eligible, len(segs))
		return nil
	},
}
