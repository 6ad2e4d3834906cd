package main

import (
	"bufio"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Nitrokey/iso7816/pkg/iso7816"
)

func newDecodeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "decode [hex unit]...",
		Short: "Decode physical units, reassembling chains",
		Long: `Decode one hex-encoded physical unit per argument (or per stdin line
when no arguments are given). Each unit is described on its own; when the
units form a command chain, the reassembled logical command is printed
after the last one.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if len(args) == 0 {
				scanner := bufio.NewScanner(os.Stdin)
				for scanner.Scan() {
					if line := scanner.Text(); line != "" {
						args = append(args, line)
					}
				}
				if err := scanner.Err(); err != nil {
					return err
				}
			}
			return decodeUnits(cmd, args)
		},
	}
	return cmd
}

func decodeUnits(cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()
	asm := iso7816.NewCommandAssembler(iso7816.MaxExtendedLc)

	for i, arg := range args {
		raw, err := parseHexArg(arg)
		if err != nil {
			return fmt.Errorf("unit %d: invalid hex: %w", i+1, err)
		}

		view, err := iso7816.ParseCommand(raw)
		if err != nil {
			return fmt.Errorf("unit %d: %w", i+1, err)
		}
		fmt.Fprintf(out, "[%d] %s\n", i+1, view)

		status, err := asm.Extend(view)
		if err != nil {
			return fmt.Errorf("unit %d: %w", i+1, err)
		}
		if status == iso7816.ChainComplete && i < len(args)-1 {
			return fmt.Errorf("unit %d ended the chain but %d units follow", i+1, len(args)-1-i)
		}
	}

	if !asm.Complete() {
		fmt.Fprintln(out, "chain incomplete: last unit still carries the chaining bit")
		return nil
	}

	logical, err := asm.Command()
	if err != nil {
		return err
	}
	if len(args) > 1 {
		fmt.Fprintf(out, "reassembled: %s\n", logical)
	}
	return nil
}
