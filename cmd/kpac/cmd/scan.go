package cmd

import (
	"encoding/binary"
	"fmt"
	"os"

	"github.com/apex/log"
	"github.com/dustin/go-humanize"
	"github.com/olekukonko/tablewriter"
	"github.com/pkujhd/kpac/insn"
	"github.com/pkujhd/kpac/internal/elftext"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"golang.org/x/arch/arm64/arm64asm"
)

func init() {
	rootCmd.AddCommand(scanCmd)

	scanCmd.Flags().BoolP("disassemble", "d", false, "print the instructions around every site")
	viper.BindPFlag("scan.disassemble", scanCmd.Flags().Lookup("disassemble"))
	scanCmd.MarkZshCompPositionalArgumentFile(1)
}

func disassemble(x uint32) string {
	var b [insn.Size]byte
	binary.LittleEndian.PutUint32(b[:], x)
	inst, err := arm64asm.Decode(b[:])
	if err != nil {
		return fmt.Sprintf(".inst 0x%08x", x)
	}
	return arm64asm.GNUSyntax(inst)
}

var scanCmd = &cobra.Command{
	Use:   "scan <ELF>",
	Short: "Find sentinels in an arm64 ELF file and show how each would be patched",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		found, err := elftext.Scan(args[0])
		if err != nil {
			return err
		}

		if viper.GetBool("scan.disassemble") {
			for _, f := range found {
				fmt.Printf("%s %#x %v %v\n", f.Section, f.Addr, f.Kind, f.Match.Shape)
				for i, x := range f.Window {
					addr := f.WindowAddr + uint64(i)*insn.Size
					mark := " "
					if addr == f.Addr {
						mark = ">"
					}
					fmt.Printf("  %s %#x:\t%08x\t%s\n", mark, addr, x, disassemble(x))
				}
			}
			return nil
		}

		table := tablewriter.NewWriter(os.Stdout)
		table.SetHeader([]string{"Addr", "Section", "Kind", "Shape", "Offset", "Result"})
		table.SetBorder(false)
		table.SetAlignment(tablewriter.ALIGN_LEFT)
		var calls int
		for _, f := range found {
			result, offset := "trap", "-"
			if f.Matched {
				result, offset = "call", fmt.Sprint(f.Match.Offset)
				calls++
			}
			table.Append([]string{
				fmt.Sprintf("%#x", f.Addr),
				f.Section,
				f.Kind.String(),
				f.Match.Shape.String(),
				offset,
				result,
			})
		}
		table.Render()
		log.Infof("%s sentinels, %s can be called", humanize.Comma(int64(len(found))), humanize.Comma(int64(calls)))
		return nil
	},
}
