package main

import (
	"context"
	"fmt"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/care/parking/internal/audit"
	"github.com/care/parking/internal/config"
)

func newAuditCmd(opts *rootOptions) *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "audit",
		Short: "List recent reservation outcomes from the audit log",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(opts.configPath)
			if err != nil {
				return err
			}
			if cfg.Audit.DSN == "" {
				return fmt.Errorf("audit.dsn is not configured")
			}

			ctx, cancel := context.WithTimeout(context.Background(), 20*time.Second)
			defer cancel()

			rec, err := audit.Open(ctx, cfg.Audit.DSN)
			if err != nil {
				return err
			}
			defer rec.Close()

			records, err := rec.List(ctx, limit)
			if err != nil {
				return err
			}

			w := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(w, "ID\tAT\tRESERVATION\tSLOT\tEVENT\tDETAIL")
			for _, r := range records {
				fmt.Fprintf(w, "%d\t%s\t%d\t%s\t%s\t%s\n",
					r.ID, r.At.Format(time.RFC3339), r.ReservationID, r.Slot, r.Event, r.Detail)
			}
			return w.Flush()
		},
	}

	cmd.Flags().IntVar(&limit, "limit", 50, "Maximum number of records")
	return cmd
}
