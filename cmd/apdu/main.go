package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

func main() {
	rootCmd := &cobra.Command{
		Use:   "apdu",
		Short: "ISO 7816-4 APDU workbench",
		Long: `apdu encodes, decodes and exchanges ISO 7816-4 command APDUs.

The encode and decode commands work offline on hex strings, including
command chains and extended length fields. The script command encodes a
whole sequence of commands from a YAML file. The probe command talks to a
real card through a PC/SC reader.`,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.AddCommand(newEncodeCmd())
	rootCmd.AddCommand(newDecodeCmd())
	rootCmd.AddCommand(newScriptCmd())
	rootCmd.AddCommand(newProbeCmd())

	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}
