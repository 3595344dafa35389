package main

import (
	"fmt"
	"text/tabwriter"

	"github.com/spf13/cobra"
	"github.com/touchcapture/qrbridge/internal/barcode"
)

func newFormatsCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "formats",
		Short: "Print the barcode format ordinal table",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 0, 2, ' ', 0)
			if _, err := fmt.Fprintln(w, "ORDINAL\tFORMAT"); err != nil {
				return err
			}
			for _, format := range barcode.All() {
				if _, err := fmt.Fprintf(w, "%d\t%s\n", format.Ordinal(), format); err != nil {
					return err
				}
			}
			return w.Flush()
		},
	}
}
