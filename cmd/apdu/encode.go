package main

import (
	"encoding/hex"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/Nitrokey/iso7816/pkg/iso7816"
)

type encodeFlags struct {
	cla      uint8
	ins      uint8
	p1       uint8
	p2       uint8
	data     string
	ne       int
	capacity int
	extended bool
}

func newEncodeCmd() *cobra.Command {
	flags := &encodeFlags{}

	cmd := &cobra.Command{
		Use:   "encode",
		Short: "Encode one logical command into physical units",
		Long: `Encode a logical command APDU into its wire form, one hex line per
physical unit. A payload over 255 bytes without --extended, or a
--capacity smaller than the encoded unit, produces a command chain.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			units, err := encodeCommand(flags)
			if err != nil {
				return err
			}
			for _, unit := range units {
				fmt.Fprintf(cmd.OutOrStdout(), "%X\n", unit)
			}
			return nil
		},
	}

	cmd.Flags().Uint8Var(&flags.cla, "cla", 0x00, "class byte (chaining bit managed automatically)")
	cmd.Flags().Uint8Var(&flags.ins, "ins", 0x00, "instruction byte")
	cmd.Flags().Uint8Var(&flags.p1, "p1", 0x00, "parameter 1")
	cmd.Flags().Uint8Var(&flags.p2, "p2", 0x00, "parameter 2")
	cmd.Flags().StringVar(&flags.data, "data", "", "command payload as hex")
	cmd.Flags().IntVar(&flags.ne, "ne", 0, "expected response length (0 = none, up to 65536)")
	cmd.Flags().IntVar(&flags.capacity, "capacity", iso7816.MaxAPDUBufferSize, "transport unit capacity in bytes")
	cmd.Flags().BoolVar(&flags.extended, "extended", false, "allow extended length fields")
	_ = cmd.MarkFlagRequired("ins")

	return cmd
}

func encodeCommand(flags *encodeFlags) ([][]byte, error) {
	cls, err := iso7816.NewClass(flags.cla)
	if err != nil {
		return nil, err
	}

	payload, err := parseHexArg(flags.data)
	if err != nil {
		return nil, fmt.Errorf("invalid --data: %w", err)
	}

	ins, err := iso7816.NewInstruction(iso7816.InsCode(flags.ins))
	if err != nil {
		return nil, err
	}

	cmd := iso7816.NewCommandAPDU(cls, ins, flags.p1, flags.p2, payload, flags.ne)

	var units [][]byte
	w := iso7816.NewBufferWriter(flags.capacity)
	rem, err := iso7816.Serialize(cmd, w, flags.extended)
	if err != nil {
		return nil, err
	}
	for {
		if w.Len() == 0 {
			return nil, fmt.Errorf("capacity %d too small for any unit", flags.capacity)
		}
		units = append(units, append([]byte(nil), w.Bytes()...))
		if rem == nil {
			return units, nil
		}
		w = iso7816.NewBufferWriter(flags.capacity)
		if rem, err = rem.Serialize(w); err != nil {
			return nil, err
		}
	}
}

func parseHexArg(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		if r == ' ' || r == ':' {
			return -1
		}
		return r
	}, s)
	if s == "" {
		return nil, nil
	}
	return hex.DecodeString(s)
}
