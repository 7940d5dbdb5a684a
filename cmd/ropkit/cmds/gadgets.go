package cmds

import (
	"fmt"

	"github.com/spf13/cobra"
	"gitlab.com/stephen-fox/ropkit/elfimage"
	"gitlab.com/stephen-fox/ropkit/logflags"
	"gitlab.com/stephen-fox/ropkit/rop"
)

var (
	gadgetPrefix   string
	gadgetFuzzy    string
	gadgetMaxBytes int
	gadgetBase     uint64
)

func newGadgetsCommand() *cobra.Command {
	gadgetsCommand := &cobra.Command{
		Use:   "gadgets BINARY",
		Short: "List the gadgets of an ELF binary.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			image, err := elfimage.Open(args[0])
			if err != nil {
				return err
			}

			if cmd.Flags().Changed("base") {
				image.SetBase(gadgetBase)
			}

			finder, err := rop.NewFinder(rop.FinderConfig{
				Image:             image,
				OptMaxGadgetBytes: gadgetMaxBytes,
				OptLogger:         logflags.ROPLogger(),
			})
			if err != nil {
				return err
			}

			var gadgets []rop.Gadget

			switch {
			case gadgetPrefix != "":
				gadgets = finder.WithPrefix(gadgetPrefix)
			case gadgetFuzzy != "":
				gadgets = finder.Fuzzy(gadgetFuzzy)
			default:
				gadgets = finder.Gadgets()
			}

			for _, g := range gadgets {
				fmt.Fprintf(cmd.OutOrStdout(), "0x%x: %s\n", g.Address(image.Base()), g.Text)
			}

			return nil
		},
	}

	gadgetsCommand.Flags().StringVarP(&gadgetPrefix, "prefix", "p", "",
		`Only list gadgets starting with this text (e.g., "pop rdi").`)
	gadgetsCommand.Flags().StringVarP(&gadgetFuzzy, "fuzzy", "f", "",
		`Only list gadgets containing these characters in order (e.g., "poprdi").`)
	gadgetsCommand.Flags().IntVar(&gadgetMaxBytes, "max-bytes", rop.DefaultMaxGadgetBytes,
		"Maximum gadget length in bytes.")
	gadgetsCommand.Flags().Uint64Var(&gadgetBase, "base", 0, "Rebase the binary to this address.")

	return gadgetsCommand
}
