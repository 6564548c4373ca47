package main

import (
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/vitalis-app/governor/internal/admin"
	"github.com/vitalis-app/governor/internal/controller"
)

const clientTimeout = 10 * time.Second

// newClient resolves the admin address from flags and config.
func newClient(flags *rootFlags) (*admin.Client, error) {
	cfg, _, err := loadConfig(flags)
	if err != nil {
		return nil, err
	}
	if cfg.Admin.Listen == "" {
		return nil, fmt.Errorf("admin API is disabled; set admin.listen or pass --admin")
	}
	return admin.NewClient(cfg.Admin.Listen, clientTimeout), nil
}

func statusCmd(flags *rootFlags) *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the active profile and controller health",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient(flags)
			if err != nil {
				return err
			}
			st, err := c.Status(cmd.Context())
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), st)
			}
			printStatus(cmd.OutOrStdout(), st)
			return nil
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print raw JSON")
	return cmd
}

func historyCmd(flags *rootFlags) *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent profile transitions, oldest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient(flags)
			if err != nil {
				return err
			}
			hist, err := c.History(cmd.Context(), limit)
			if err != nil {
				return err
			}
			if asJSON {
				return printJSON(cmd.OutOrStdout(), hist)
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "TIME\tKIND\tFROM\tTO\tREASON")
			for _, t := range hist {
				fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\n",
					t.At.Local().Format(time.RFC3339), t.Kind, t.From, t.To, t.Reason)
			}
			return tw.Flush()
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "Number of entries")
	cmd.Flags().BoolVar(&asJSON, "json", false, "Print raw JSON")
	return cmd
}

func overrideCmd(flags *rootFlags) *cobra.Command {
	var reason string
	cmd := &cobra.Command{
		Use:     "override <profile>",
		Short:   "Pin a profile and disable automatic transitions",
		Example: "governor override conservative --reason \"incident 4411\"",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, err := newClient(flags)
			if err != nil {
				return err
			}
			st, err := c.Override(cmd.Context(), args[0], reason)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Pinned %s; automation disabled until resume\n", st.Profile)
			return nil
		},
	}
	cmd.Flags().StringVar(&reason, "reason", "", "Reason recorded in the transition history")
	return cmd
}

func resumeCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Clear an override or thrashing suspension and re-enable automation",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			c, err := newClient(flags)
			if err != nil {
				return err
			}
			res, err := c.Resume(cmd.Context())
			if err != nil {
				return err
			}
			if !res.Changed {
				fmt.Fprintln(cmd.OutOrStdout(), "Automation already enabled")
				return nil
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Automation re-enabled at %s\n", res.Status.Profile)
			return nil
		},
	}
}

// profilesCmd prints the configured ladder without contacting a running
// governor.
func profilesCmd(flags *rootFlags) *cobra.Command {
	return &cobra.Command{
		Use:   "profiles",
		Short: "List configured profiles, most conservative first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := loadConfig(flags)
			if err != nil {
				return err
			}
			tw := tabwriter.NewWriter(cmd.OutOrStdout(), 0, 4, 2, ' ', 0)
			fmt.Fprintln(tw, "LEVEL\tNAME\tMIN_IMPORTANCE\tCPU%\tMEM%\tTARGET\tMAX\tMIN_COVERAGE\tCOST_CEILING")
			for i, p := range cfg.Profiles {
				fmt.Fprintf(tw, "%d\t%s\t%.2f\t%.1f\t%.1f\t%d\t%d\t%.3f\t%.4f\n",
					i, p.Name, p.MinImportance, p.CPUThreshold, p.MemoryThreshold,
					p.TargetSeries, p.SeriesLimit(), p.MinCoverage, p.CostCeiling)
			}
			return tw.Flush()
		},
	}
}

func printStatus(w io.Writer, st controller.Status) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintf(tw, "Instance:\t%s\n", st.InstanceID)
	fmt.Fprintf(tw, "Profile:\t%s\n", st.Profile)
	fmt.Fprintf(tw, "Mode:\t%s\n", st.Mode)
	if st.SuspendedUntil != nil {
		fmt.Fprintf(tw, "Suspended until:\t%s\n", st.SuspendedUntil.Local().Format(time.RFC3339))
	}
	fmt.Fprintf(tw, "Ladder:\t%s\n", strings.Join(st.Profiles, " < "))
	fmt.Fprintf(tw, "Publish:\t%s", st.Publish.State)
	if st.Publish.LastError != "" {
		fmt.Fprintf(tw, " (%s)", st.Publish.LastError)
	}
	fmt.Fprintln(tw)
	fmt.Fprintf(tw, "Persistence:\t%s (%s)\n", st.Persistence, st.Backend)
	if st.LastCycleAt != nil {
		fmt.Fprintf(tw, "Last cycle:\t%s\n", st.LastCycleAt.Local().Format(time.RFC3339))
	}
	if st.LastError != "" {
		fmt.Fprintf(tw, "Last error:\t%s\n", st.LastError)
	}
	if s := st.Snapshot; s != nil {
		fmt.Fprintf(tw, "Coverage:\t%.3f (%d/%d critical)\n", s.Coverage, s.CriticalKept, s.CriticalTotal)
		fmt.Fprintf(tw, "Series kept:\t%d\n", s.SeriesKept)
		fmt.Fprintf(tw, "Hourly cost:\t%.4f\n", s.EstimatedHourlyCost)
	}
	if st.Degraded() {
		fmt.Fprintf(tw, "Health:\tdegraded\n")
	} else {
		fmt.Fprintf(tw, "Health:\tok\n")
	}
	tw.Flush()
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
