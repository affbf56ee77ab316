package main

import (
	"fmt"
	"text/template"

	"github.com/Masterminds/sprig/v3"
	"github.com/spf13/cobra"

	"github.com/autom8ter/couchsys"
	"github.com/autom8ter/couchsys/util"
)

func newUpdatesCommand(a *app) *cobra.Command {
	var (
		params couchsys.ChangesParams
		ledger bool
		format string
	)
	cmd := &cobra.Command{
		Use:   "updates",
		Short: "Print database updates as json lines until interrupted",
		Long: `Print database created, updated and deleted events as json lines. Only updates made after
the command starts are printed. The _global_changes database is read on 2.x+ servers and the
_db_updates feed on 1.x servers, unless --ledger forces the former.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			write := func(event couchsys.ChangeEvent) error {
				_, err := fmt.Fprintln(cmd.OutOrStdout(), util.JSONString(event))
				return err
			}
			if format != "" {
				tmpl, err := template.New("event").Funcs(sprig.FuncMap()).Parse(format)
				if err != nil {
					return fmt.Errorf("invalid format: %w", err)
				}
				write = func(event couchsys.ChangeEvent) error {
					if err := tmpl.Execute(cmd.OutOrStdout(), event); err != nil {
						return err
					}
					_, err := fmt.Fprintln(cmd.OutOrStdout())
					return err
				}
			}
			sys, err := a.system()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			var events *couchsys.Stream[couchsys.ChangeEvent]
			if ledger {
				events = sys.UpdatesViaLedger(ctx, params)
			} else {
				events = sys.UpdatesNoHistory(ctx, params)
			}
			defer events.Close()
			err = events.Each(ctx, write)
			if err != nil && ctx.Err() == nil {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&params.Feed, "feed", couchsys.FeedContinuous, "feed type, anything but continuous returns after one batch")
	cmd.Flags().StringVar(&params.Since, "since", "", "sequence to start the _db_updates feed after")
	cmd.Flags().IntVar(&params.Heartbeat, "heartbeat", 0, "heartbeat interval in milliseconds")
	cmd.Flags().StringVar(&format, "format", "", "go template for each event, ex: '{{.Type | upper}} {{.DBName}}'")
	cmd.Flags().BoolVar(&ledger, "ledger", false, "read the _global_changes database regardless of the server version")
	return cmd
}
