package main

import (
	"encoding/json"
	"fmt"
	"time"

	"blockci/internal/render"
	"blockci/internal/server"

	"github.com/spf13/cobra"
)

func (a *app) triggerCmd() *cobra.Command {
	var (
		tf     triggerFlags
		wait   bool
		poll   time.Duration
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "trigger",
		Short: "Send a trigger event to a running blockci server",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			t, err := tf.trigger("")
			if err != nil {
				return err
			}
			client := server.NewClient(a.cfg.Server)
			resp, err := client.Trigger(cmd.Context(), t)
			if err != nil {
				return err
			}
			if !wait {
				if asJSON {
					return json.NewEncoder(a.stdout).Encode(resp)
				}
				fmt.Fprintf(a.stdout, "Run %s %s\n", resp.RunID, resp.Status)
				return nil
			}

			v, err := client.Wait(cmd.Context(), resp.RunID, poll)
			if err != nil {
				return err
			}
			if v.Report == nil {
				return fmt.Errorf("run %s ended %s: %s", v.ID, v.Status, v.Error)
			}
			if asJSON {
				err = render.JSON(a.stdout, v.Report)
			} else {
				err = render.Text(a.stdout, v.Report, render.OptionsFor(a.stdout))
			}
			if err != nil {
				return err
			}
			if !v.Report.Succeeded() {
				return errVerdict
			}
			return nil
		},
	}
	tf.register(cmd)
	_ = cmd.MarkFlagRequired("branch")
	cmd.Flags().BoolVar(&wait, "wait", false, "wait for the run to finish and print its report")
	cmd.Flags().DurationVar(&poll, "poll", time.Second, "poll interval while waiting")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")
	cmd.Flags().String("server", "http://localhost:8080", "blockci server URL")
	_ = a.v.BindPFlag("server", cmd.Flags().Lookup("server"))
	return cmd
}
