package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/Nitrokey/iso7816/pkg/iso7816"
)

// scriptFile is the YAML layout consumed by the script command.
type scriptFile struct {
	// Extended enables extended length fields for every command.
	Extended bool `yaml:"extended"`

	// Capacity bounds the transport unit size; zero means the maximum.
	Capacity int `yaml:"capacity"`

	Commands []scriptCommand `yaml:"commands"`
}

type scriptCommand struct {
	Name string `yaml:"name"`
	Cla  uint8  `yaml:"cla"`
	Ins  uint8  `yaml:"ins"`
	P1   uint8  `yaml:"p1"`
	P2   uint8  `yaml:"p2"`
	Data string `yaml:"data"`
	Ne   int    `yaml:"ne"`
}

type scriptFlags struct {
	file     string
	transmit bool
}

func newScriptCmd() *cobra.Command {
	flags := &scriptFlags{}

	cmd := &cobra.Command{
		Use:   "script",
		Short: "Encode (or transmit) a YAML sequence of commands",
		Long: `Read a YAML file describing a sequence of logical commands and encode
each one into its physical units. With --transmit the units are sent to
the first PC/SC reader instead, and every response is printed.

Example file:

  extended: false
  capacity: 261
  commands:
    - name: select mf
      ins: 0xA4
      p1: 0x00
      p2: 0x0C
      data: "3F00"
    - name: read
      ins: 0xB0
      ne: 256`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runScript(cmd, flags)
		},
	}

	cmd.Flags().StringVar(&flags.file, "file", "", "YAML script file")
	cmd.Flags().BoolVar(&flags.transmit, "transmit", false, "send the commands to the first PC/SC reader")
	_ = cmd.MarkFlagRequired("file")

	return cmd
}

func runScript(cmd *cobra.Command, flags *scriptFlags) error {
	raw, err := os.ReadFile(flags.file)
	if err != nil {
		return err
	}

	var script scriptFile
	if err := yaml.Unmarshal(raw, &script); err != nil {
		return fmt.Errorf("parsing %s: %w", flags.file, err)
	}
	if script.Capacity == 0 {
		script.Capacity = iso7816.MaxAPDUBufferSize
	}

	out := cmd.OutOrStdout()

	var client *iso7816.Client
	if flags.transmit {
		ctx, card, err := connectToCard()
		if err != nil {
			return err
		}
		defer releaseCard(ctx, card)

		client = iso7816.NewClient(card)
		client.ExtendedSupported = script.Extended
		client.MaxUnitLen = script.Capacity
	}

	for i, sc := range script.Commands {
		name := sc.Name
		if name == "" {
			name = fmt.Sprintf("command %d", i+1)
		}
		fmt.Fprintf(out, "# %s\n", name)

		ef := &encodeFlags{
			cla: sc.Cla, ins: sc.Ins, p1: sc.P1, p2: sc.P2,
			data: sc.Data, ne: sc.Ne,
			capacity: script.Capacity, extended: script.Extended,
		}
		units, err := encodeCommand(ef)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		for _, unit := range units {
			fmt.Fprintf(out, "%X\n", unit)
		}

		if client == nil {
			continue
		}

		cls, _ := iso7816.NewClass(sc.Cla)
		ins, err := iso7816.NewInstruction(iso7816.InsCode(sc.Ins))
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		payload, err := parseHexArg(sc.Data)
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}

		trace, err := client.Send(iso7816.NewCommandAPDU(cls, ins, sc.P1, sc.P2, payload, sc.Ne))
		if err != nil {
			return fmt.Errorf("%s: %w", name, err)
		}
		resp := trace.Last().Response
		fmt.Fprintf(out, "-> %s\n", resp)
	}

	return nil
}
