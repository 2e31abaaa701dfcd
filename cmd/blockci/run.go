package main

import (
	"os"
	"os/signal"
	"syscall"

	"blockci/internal/core"
	"blockci/internal/render"

	"github.com/spf13/cobra"
)

// triggerFlags are the trigger event flags shared by run and trigger.
type triggerFlags struct {
	typ    string
	branch string
	sha    string
}

func (f *triggerFlags) register(cmd *cobra.Command) {
	cmd.Flags().StringVar(&f.typ, "trigger", string(core.TriggerPush), "trigger type: push, pull_request or manual")
	cmd.Flags().StringVar(&f.branch, "branch", "", "branch the trigger refers to (default: the pipeline's default branch)")
	cmd.Flags().StringVar(&f.sha, "sha", "", "commit SHA the trigger refers to")
	_ = cmd.MarkFlagRequired("sha")
}

func (f *triggerFlags) trigger(defaultBranch string) (core.Trigger, error) {
	tt, err := core.ParseTriggerType(f.typ)
	if err != nil {
		return core.Trigger{}, err
	}
	branch := f.branch
	if branch == "" {
		branch = defaultBranch
	}
	t := core.Trigger{Type: tt, Branch: branch, CommitSHA: f.sha}
	return t, t.Validate()
}

func (a *app) runCmd() *cobra.Command {
	var (
		tf     triggerFlags
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Run the pipeline once for a trigger event",
		Long: "Run resolves which stages apply to the trigger, executes them in dependency order " +
			"and prints the run report. The exit status is non-zero unless every executed stage succeeded.",
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			l, err := a.openLedger()
			if err != nil {
				return err
			}
			p, g, err := a.loadPipeline(kinds(a.builder(), l))
			if err != nil {
				return err
			}

			t, err := tf.trigger(g.DefaultBranch())
			if err != nil {
				return err
			}
			opts, err := a.contextOptions()
			if err != nil {
				return err
			}
			opts.DefaultBranch = g.DefaultBranch()
			ectx, err := core.NewContext(t, opts)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			report, err := a.newRunner(p, l).Run(ctx, g, ectx)
			if err != nil {
				return err
			}
			if asJSON {
				err = render.JSON(a.stdout, report)
			} else {
				err = render.Text(a.stdout, report, render.OptionsFor(a.stdout))
			}
			if err != nil {
				return err
			}
			if !report.Succeeded() {
				return errVerdict
			}
			return nil
		},
	}
	tf.register(cmd)
	cmd.Flags().BoolVar(&asJSON, "json", false, "print the run report as JSON")
	return cmd
}
