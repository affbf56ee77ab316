package main

import (
	"fmt"

	"github.com/spf13/cobra"
)

func newResetCommand(a *app) *cobra.Command {
	var (
		except []string
		yes    bool
	)
	cmd := &cobra.Command{
		Use:   "reset",
		Short: "Destroy every database on the server and recreate the system databases",
		Long: `Destroy every database on the server except the excluded ones, then recreate the system
databases the server version requires. On 2.x+ servers the _global_changes database is destroyed
first and recreated last, so the reset itself is not recorded in it.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("reset destroys all data: pass --yes to confirm")
			}
			sys, err := a.system()
			if err != nil {
				return err
			}
			if err := sys.Reset(cmd.Context(), except...); err != nil {
				return err
			}
			_, err = fmt.Fprintln(cmd.OutOrStdout(), "reset complete")
			return err
		},
	}
	cmd.Flags().StringSliceVar(&except, "except", nil, "databases to leave untouched")
	cmd.Flags().BoolVar(&yes, "yes", false, "confirm the reset")
	return cmd
}
