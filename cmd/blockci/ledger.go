package main

import (
	"encoding/json"
	"fmt"
	"text/tabwriter"

	"blockci/internal/ledger"
	"blockci/pkg/utils"

	"github.com/spf13/cobra"
)

func (a *app) ledgerCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ledger",
		Short: "Inspect and verify the run ledger",
	}

	verify := &cobra.Command{
		Use:   "verify",
		Short: "Check hashes, chain links and signatures of every ledger record",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			l, err := ledger.Open(a.cfg.LedgerPath(), nil)
			if err != nil {
				return err
			}
			if err := l.Verify(); err != nil {
				return fmt.Errorf("ledger %s is corrupt: %w", l.Path(), err)
			}
			fmt.Fprintf(a.stdout, "Ledger OK: %d records\n", l.Len())
			return nil
		},
	}

	var (
		runID  string
		asJSON bool
	)
	show := &cobra.Command{
		Use:   "show",
		Short: "List ledger records",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			l, err := ledger.Open(a.cfg.LedgerPath(), nil)
			if err != nil {
				return err
			}
			var records []ledger.Record
			for _, r := range l.Records() {
				if runID == "" || r.RunID == runID {
					records = append(records, r)
				}
			}
			if asJSON {
				enc := json.NewEncoder(a.stdout)
				enc.SetIndent("", "  ")
				return enc.Encode(records)
			}

			w := tabwriter.NewWriter(a.stdout, 0, 0, 2, ' ', 0)
			fmt.Fprintln(w, "INDEX\tKIND\tRUN\tSUBJECT\tOUTCOME\tSIGNED")
			for _, r := range records {
				subject := r.Stage
				if r.Kind == ledger.KindPublish {
					subject = r.Ref
				}
				fmt.Fprintf(w, "%d\t%s\t%s\t%s\t%s\t%t\n",
					r.Index, r.Kind, utils.Short(r.RunID, 8), subject, r.Outcome, r.Signature != "")
			}
			return w.Flush()
		},
	}
	show.Flags().StringVar(&runID, "run", "", "only show records of this run")
	show.Flags().BoolVar(&asJSON, "json", false, "print records as JSON")

	cmd.AddCommand(verify, show)
	return cmd
}
