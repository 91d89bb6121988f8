// Package main provides medtrackctl, a local dose tracker that reads
// prescriptions from a file and keeps today's statuses in SQLite.
package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/medtrack/go-medtrack/internal/domain/dose"
	"github.com/medtrack/go-medtrack/internal/infrastructure/redpanda"
	"github.com/medtrack/go-medtrack/internal/infrastructure/sqlite"
	"github.com/medtrack/go-medtrack/internal/observability/logging"
	"github.com/medtrack/go-medtrack/internal/platform/clock"
	"github.com/medtrack/go-medtrack/internal/status"
	"github.com/medtrack/go-medtrack/internal/tracker"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		_, _ = fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

type options struct {
	records string
	state   string
	user    string
	at      string
	verbose bool
}

func newRootCmd() *cobra.Command {
	opts := &options{}

	root := &cobra.Command{
		Use:           "medtrackctl",
		Short:         "Track today's medication doses from the terminal",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVar(&opts.records, "records", "prescriptions.yaml", "prescriptions file (YAML or JSON)")
	root.PersistentFlags().StringVar(&opts.state, "state", defaultStatePath(), "SQLite file holding dose statuses")
	root.PersistentFlags().StringVar(&opts.user, "user", "local", "user the statuses belong to")
	root.PersistentFlags().StringVar(&opts.at, "at", "", "evaluate at this RFC3339 time instead of now")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "debug logging")

	root.AddCommand(newScheduleCmd(opts))
	root.AddCommand(newNotifyCmd(opts))
	root.AddCommand(newMarkCmd(opts))
	root.AddCommand(newTopicsCmd(opts))
	return root
}

func defaultStatePath() string {
	dir, err := os.UserConfigDir()
	if err != nil {
		return "medtrack.db"
	}
	return filepath.Join(dir, "medtrack", "status.db")
}

// session is one command's tracker over the fixture file and state DB
type session struct {
	tracker *tracker.Service
	db      *sqlite.DB
}

func (s *session) Close() error { return s.db.Close() }

func openSession(ctx context.Context, opts *options) (*session, error) {
	clk, err := clockFor(opts.at)
	if err != nil {
		return nil, err
	}
	records, err := loadRecords(opts.records, opts.user)
	if err != nil {
		return nil, err
	}
	db, err := sqlite.Open(ctx, opts.state)
	if err != nil {
		return nil, err
	}

	logger := logging.NewCLI(opts.verbose)
	kv := func(userID string) status.KV { return db.Scope(userID) }
	return &session{
		tracker: tracker.New(records, kv, clk, nil, logger),
		db:      db,
	}, nil
}

func clockFor(at string) (clock.Clock, error) {
	if at == "" {
		return clock.System{}, nil
	}
	t, err := time.Parse(time.RFC3339, at)
	if err != nil {
		return nil, fmt.Errorf("--at: %w", err)
	}
	return &clock.Fixed{T: t}, nil
}

func newScheduleCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "schedule",
		Short: "Show today's doses by status",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx, opts)
			if err != nil {
				return err
			}
			defer s.Close()

			d, err := s.tracker.Dashboard(ctx, opts.user)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintln(out, d.Date)
			printSection(out, "Upcoming", d.Upcoming)
			printSection(out, "Completed", d.Completed)
			printSection(out, "Missed", d.Missed)
			return nil
		},
	}
}

func newNotifyCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "notify",
		Short: "Show doses due in the current reminder window",
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			s, err := openSession(ctx, opts)
			if err != nil {
				return err
			}
			defer s.Close()

			n, err := s.tracker.Notifications(ctx, opts.user)
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			_, _ = fmt.Fprintln(out, n.Label)
			if len(n.Events) == 0 {
				_, _ = fmt.Fprintln(out, "nothing due")
				return nil
			}
			printEvents(out, n.Events)
			return nil
		},
	}
}

func newMarkCmd(opts *options) *cobra.Command {
	return &cobra.Command{
		Use:   "mark <identity> <completed|skipped|clear>",
		Short: "Record or clear today's status for a dose",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			value := strings.ToLower(args[1])
			if value == "clear" {
				value = ""
			}
			st, err := dose.ParseStatus(value)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			s, err := openSession(ctx, opts)
			if err != nil {
				return err
			}
			defer s.Close()

			if _, err := s.tracker.SetStatus(ctx, opts.user, args[0], st); err != nil {
				return err
			}
			if st == dose.StatusNone {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "cleared %s\n", args[0])
			} else {
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s %s\n", args[0], st)
			}
			return nil
		},
	}
}

func newTopicsCmd(opts *options) *cobra.Command {
	topics := &cobra.Command{Use: "topics", Short: "Manage Redpanda topics"}

	var brokers []string
	topics.PersistentFlags().StringSliceVar(&brokers, "brokers", []string{"localhost:9092"}, "seed brokers")

	topics.AddCommand(&cobra.Command{
		Use:   "ensure",
		Short: "Create any missing medtrack topics",
		RunE: func(cmd *cobra.Command, _ []string) error {
			admin, err := redpanda.NewAdmin(brokers, logging.NewCLI(opts.verbose))
			if err != nil {
				return err
			}
			defer admin.Close()

			results, err := admin.EnsureTopics(cmd.Context())
			if err != nil {
				return err
			}
			for _, r := range results {
				state := "exists"
				if r.Created {
					state = "created"
				}
				_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%s\n", r.Topic, state)
			}
			return nil
		},
	})

	topics.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List topics on the cluster",
		RunE: func(cmd *cobra.Command, _ []string) error {
			admin, err := redpanda.NewAdmin(brokers, logging.NewCLI(opts.verbose))
			if err != nil {
				return err
			}
			defer admin.Close()

			names, err := admin.ListTopics(cmd.Context())
			if err != nil {
				return err
			}
			for _, name := range names {
				_, _ = fmt.Fprintln(cmd.OutOrStdout(), name)
			}
			return nil
		},
	})

	topics.AddCommand(&cobra.Command{
		Use:   "lag <group>",
		Short: "Show consumer group lag per topic",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			logger := logging.NewCLI(opts.verbose)
			admin, err := redpanda.NewAdmin(brokers, logger)
			if err != nil {
				return err
			}
			defer admin.Close()

			lag, err := admin.GroupLag(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			logger.Debug("group lag", zap.String("group", args[0]), zap.Int("topics", len(lag)))
			for _, name := range redpanda.TopicNames() {
				if n, ok := lag[name]; ok {
					_, _ = fmt.Fprintf(cmd.OutOrStdout(), "%s\t%d\n", name, n)
				}
			}
			return nil
		},
	})
	return topics
}

func printSection(w io.Writer, title string, events []dose.Event) {
	_, _ = fmt.Fprintf(w, "\n%s (%d)\n", title, len(events))
	if len(events) > 0 {
		printEvents(w, events)
	}
}

func printEvents(w io.Writer, events []dose.Event) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, ev := range events {
		_, _ = fmt.Fprintf(tw, "  %s\t%s\t%s\t%s\n", ev.TimeSlot, ev.MedicineName, ev.Instruction, ev.Identity)
	}
	_ = tw.Flush()
}
