package cmd

import (
	"os"
	"time"

	"github.com/apex/log"
	"github.com/pkujhd/kpac/internal/elftext"
	"github.com/pkujhd/kpac/stats"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

func init() {
	rootCmd.AddCommand(patchCmd)

	patchCmd.Flags().String("stat", "", "append statistics to this log")
	patchCmd.Flags().String("id", "", "run identifier written to the statistics log")
	viper.BindPFlag("stat", patchCmd.Flags().Lookup("stat"))
	viper.BindPFlag("id", patchCmd.Flags().Lookup("id"))
	patchCmd.MarkZshCompPositionalArgumentFile(1)
}

var patchCmd = &cobra.Command{
	Use:   "patch <ELF>",
	Short: "Rewrite every sentinel of an arm64 ELF file into a trap, in place",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		if _, err := os.Stat(args[0]); err != nil {
			return err
		}

		start := time.Now()
		st, sites, err := elftext.Patch(args[0])
		if err != nil {
			return err
		}
		elapsed := time.Since(start)
		for _, s := range sites {
			log.WithField("kind", s.Kind).Debugf("trapped %#x", s.Addr)
		}
		log.WithFields(log.Fields{
			"sign":    st.TotalSign,
			"auth":    st.TotalAuth,
			"elapsed": elapsed,
		}).Info("patched " + args[0])

		if path := viper.GetString("stat"); path != "" {
			w, err := stats.Open(path, viper.GetString("id"))
			if err != nil {
				return err
			}
			defer w.Close()
			if err := w.Object(args[0], elapsed, st); err != nil {
				return err
			}
			return w.Total(elapsed, st)
		}
		return nil
	},
}
