package cmds

import (
	"encoding/hex"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"
	"gitlab.com/stephen-fox/ropkit/pattern"
)

var (
	patternN     int
	asString     bool
	wrongEndian  bool
	shortenRetry bool
)

func newPatternCommand() *cobra.Command {
	patternCommand := &cobra.Command{
		Use:   "pattern",
		Short: "Create and search cyclic patterns.",
	}
	patternCommand.PersistentFlags().IntVarP(&patternN, "subsequence", "n", pattern.DefaultSubsequenceLen,
		"Length of the unique subsequences, usually the word size of the target.")

	createCommand := &cobra.Command{
		Use:   "create LENGTH",
		Short: "Print LENGTH bytes of a cyclic pattern.",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			length, err := strconv.Atoi(args[0])
			if err != nil {
				return fmt.Errorf("failed to parse length - %w", err)
			}

			cyclic := &pattern.Cyclic{N: patternN}

			return cyclic.WriteToN(cmd.OutOrStdout(), length)
		},
	}

	findCommand := &cobra.Command{
		Use:   "find FRAGMENT",
		Short: "Print the offset of FRAGMENT in the cyclic pattern.",
		Long: `Print the offset of FRAGMENT in the cyclic pattern.

FRAGMENT is hex encoded (e.g., 0x6161616c61616162) unless --string
is specified. Register values are shown most significant byte first,
so use --little for values read from x86 registers.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			offset, err := findFragment(args[0])
			if err != nil {
				return err
			}

			fmt.Fprintln(cmd.OutOrStdout(), offset)

			return nil
		},
	}
	findCommand.Flags().BoolVarP(&asString, "string", "s", false, "Treat FRAGMENT as raw characters.")
	findCommand.Flags().BoolVar(&wrongEndian, "little", false,
		"Convert the fragment to little endian before finding it.")
	findCommand.Flags().BoolVar(&shortenRetry, "retry", false,
		"Repeatedly try shortening the fragment if it is not found in the pattern.")

	patternCommand.AddCommand(createCommand, findCommand)

	return patternCommand
}

func findFragment(fragment string) (int, error) {
	var decoded []byte

	if asString {
		decoded = []byte(fragment)
	} else {
		var err error

		decoded, err = hex.DecodeString(strings.TrimPrefix(fragment, "0x"))
		if err != nil {
			return 0, fmt.Errorf("failed to hex decode fragment - %w", err)
		}
	}

	if len(decoded) == 0 {
		return 0, errors.New("fragment cannot be empty")
	}

	if wrongEndian {
		reversed := make([]byte, len(decoded))
		for i := range decoded {
			reversed[len(decoded)-1-i] = decoded[i]
		}
		decoded = reversed
	}

	cyclic := &pattern.Cyclic{N: patternN}

	for {
		offset, err := cyclic.Find(decoded)
		if err == nil {
			return offset, nil
		}

		if !shortenRetry || len(decoded) == 1 || !errors.Is(err, pattern.ErrNotFound) {
			return 0, fmt.Errorf("failed to find fragment 0x%x - %w", decoded, err)
		}

		decoded = decoded[:len(decoded)-1]
	}
}
