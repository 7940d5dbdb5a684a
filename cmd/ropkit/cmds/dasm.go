package cmds

import (
	"encoding/hex"
	"fmt"
	"io/ioutil"
	"strings"

	"github.com/spf13/cobra"
	"gitlab.com/stephen-fox/ropkit/asmkit"
)

var (
	dasmBits   int
	dasmSyntax string
)

func newDasmCommand() *cobra.Command {
	dasmCommand := &cobra.Command{
		Use:   "dasm [HEX...]",
		Short: "Disassemble hex encoded x86 machine code.",
		Long: `Disassemble hex encoded x86 machine code.

The code is read from the arguments, or from stdin when there are none.
Both "5fc3" and "\x5f\xc3" encodings are accepted.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			encoded := strings.Join(args, "")

			if len(args) == 0 {
				raw, err := ioutil.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("failed to read stdin - %w", err)
				}

				encoded = string(raw)
			}

			code, err := decodeHex(encoded)
			if err != nil {
				return err
			}

			disass, err := asmkit.NewDisassembler(asmkit.DisassemblerConfig{
				Syntax: asmkit.DisassemblySyntax(dasmSyntax),
				Bits:   dasmBits,
			})
			if err != nil {
				return err
			}

			return disass.All(code, func(inst asmkit.Inst) error {
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "%-24x %s\n", inst.Bin, inst.Dis)
				return err
			})
		},
	}

	dasmCommand.Flags().IntVarP(&dasmBits, "bits", "b", 64, "The x86 mode (16, 32 or 64).")
	dasmCommand.Flags().StringVarP(&dasmSyntax, "syntax", "s", string(asmkit.IntelSyntax),
		"The assembly syntax (intel, att or go).")

	return dasmCommand
}

func decodeHex(s string) ([]byte, error) {
	s = strings.Join(strings.Fields(s), "")
	s = strings.ReplaceAll(s, `\x`, "")
	s = strings.ReplaceAll(s, "0x", "")

	code, err := hex.DecodeString(s)
	if err != nil {
		return nil, fmt.Errorf("failed to hex decode code - %w", err)
	}

	return code, nil
}
