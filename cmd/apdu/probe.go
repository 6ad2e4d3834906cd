package main

import (
	"fmt"
	"log"

	"github.com/ebfe/scard"
	"github.com/spf13/cobra"

	"github.com/Nitrokey/iso7816/pkg/iso7816"
)

type probeFlags struct {
	aid      string
	sfi      uint8
	extended bool
}

func newProbeCmd() *cobra.Command {
	flags := &probeFlags{}

	cmd := &cobra.Command{
		Use:   "probe",
		Short: "Select an application on a real card and walk its records",
		Long: `Connect to the first PC/SC reader, SELECT the given application and
describe the returned file control information. With --sfi the records of
that elementary file are read one by one until the card reports the end
of the file.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runProbe(cmd, flags)
		},
	}

	cmd.Flags().StringVar(&flags.aid, "aid", "315041592E5359532E4444463031", "application identifier as hex (default PSE)")
	cmd.Flags().Uint8Var(&flags.sfi, "sfi", 0, "short file identifier to walk (0 = none)")
	cmd.Flags().BoolVar(&flags.extended, "extended", false, "assume extended length support")

	return cmd
}

func runProbe(cmd *cobra.Command, flags *probeFlags) error {
	aid, err := parseHexArg(flags.aid)
	if err != nil {
		return fmt.Errorf("invalid --aid: %w", err)
	}

	ctx, card, err := connectToCard()
	if err != nil {
		return err
	}
	defer releaseCard(ctx, card)

	client := iso7816.NewClient(card)
	client.ExtendedSupported = flags.extended
	cls, _ := iso7816.NewClass(0x00)
	out := cmd.OutOrStdout()

	trace, err := client.Send(iso7816.SelectByAID(cls, aid))
	if err != nil {
		return fmt.Errorf("SELECT %X: %w", aid, err)
	}

	res, err := iso7816.NewSelectResult(trace)
	if err != nil {
		return err
	}
	fmt.Fprintln(out, res.Describe())
	if !res.IsSuccess() {
		return fmt.Errorf("selection failed: %s", res.Last().Response.Status.Verbose())
	}

	if flags.sfi == 0 {
		return nil
	}

	fmt.Fprintf(out, "\nWalking SFI %d:\n", flags.sfi)
	for recNum := byte(1); recNum <= 30; recNum++ {
		readTrace, err := client.Send(iso7816.ReadRecord(cls, flags.sfi, recNum))
		if err != nil {
			return fmt.Errorf("READ RECORD %d: %w", recNum, err)
		}

		if readTrace.Last().Response.Status == iso7816.SW_ERR_RECORD_NOT_FOUND {
			fmt.Fprintf(out, "end of file after %d records\n", recNum-1)
			return nil
		}

		readRes, err := iso7816.NewReadRecordResult(readTrace)
		if err != nil {
			return err
		}
		fmt.Fprintln(out, readRes.Describe())
	}

	return nil
}

// connectToCard establishes the PC/SC context and connects to the first
// reader found.
func connectToCard() (*scard.Context, *scard.Card, error) {
	ctx, err := scard.EstablishContext()
	if err != nil {
		return nil, nil, fmt.Errorf("establishing PC/SC context: %w", err)
	}

	readers, err := ctx.ListReaders()
	if err != nil || len(readers) == 0 {
		if relErr := ctx.Release(); relErr != nil {
			log.Printf("Warning: failed to release context: %v", relErr)
		}
		return nil, nil, fmt.Errorf("no smart card reader found")
	}

	fmt.Printf(">> Using reader: %s\n", readers[0])

	// Force T=0 or T=1 to avoid "Parameter Incorrect" errors (Error 57)
	card, err := ctx.Connect(readers[0], scard.ShareShared, scard.ProtocolT0|scard.ProtocolT1)
	if err != nil {
		if relErr := ctx.Release(); relErr != nil {
			log.Printf("Warning: failed to release context: %v", relErr)
		}
		return nil, nil, fmt.Errorf("connecting to card: %w", err)
	}

	return ctx, card, nil
}

func releaseCard(ctx *scard.Context, card *scard.Card) {
	if err := card.Disconnect(scard.LeaveCard); err != nil {
		log.Printf("Warning: failed to disconnect card: %v", err)
	}
	if err := ctx.Release(); err != nil {
		log.Printf("Warning: failed to release context: %v", err)
	}
}
