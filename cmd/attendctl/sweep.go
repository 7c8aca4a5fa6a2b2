package main

import (
	"context"
	"fmt"
	"io"
	"time"

	"github.com/spf13/cobra"

	"github.com/your-org/attend/internal/models"
	"github.com/your-org/attend/internal/queue"
)

func init() {
	var (
		at     string
		notify bool
	)
	sweepCmd := &cobra.Command{
		Use:   "sweep",
		Short: "Force-close open sessions older than the attendance window",
		RunE: func(cmd *cobra.Command, args []string) error {
			now := time.Now()
			if at != "" {
				t, err := time.Parse(time.RFC3339, at)
				if err != nil {
					return fmt.Errorf("--at must be RFC 3339: %w", err)
				}
				now = t
			}

			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.close()

			ctx := context.Background()
			res, sweepErr := e.engine.Sweep(ctx, now)
			if res == nil {
				return sweepErr
			}
			printSweep(cmd.OutOrStdout(), res.Open, res.Closed)

			if notify && len(res.Closed) > 0 {
				if err := publishClosed(ctx, e, res.Closed); err != nil {
					return err
				}
			}
			return sweepErr
		},
	}
	sweepCmd.Flags().StringVar(&at, "at", "", "sweep as of this RFC 3339 instant (default now)")
	sweepCmd.Flags().BoolVar(&notify, "notify", false, "publish auto_absent events to NATS")
	rootCmd.AddCommand(sweepCmd)
}

func printSweep(w io.Writer, open int, closed []models.Session) {
	_, _ = fmt.Fprintf(w, "open sessions: %d, closed: %d\n", open, len(closed))
	for _, s := range closed {
		_, _ = fmt.Fprintf(w, "  %s identity=%s day=%s login=%s\n",
			s.ID, s.IdentityID, s.Day, s.LoginTime.UTC().Format(time.RFC3339))
	}
}

func publishClosed(ctx context.Context, e *env, closed []models.Session) error {
	producer, err := queue.NewProducer(e.cfg.NATS.URL)
	if err != nil {
		return fmt.Errorf("connect to nats: %w", err)
	}
	defer producer.Close()

	for _, s := range closed {
		ev := &models.AttendanceEvent{
			Action:     models.ActionAutoAbsent,
			IdentityID: s.IdentityID,
			Session:    s,
			OccurredAt: time.Now().UTC(),
		}
		if id, err := e.db.GetIdentity(ctx, s.IdentityID); err == nil && id != nil {
			ev.ExternalRef = id.ExternalRef
			ev.Name = id.Name
		}
		if err := producer.PublishAttendance(ctx, ev); err != nil {
			return fmt.Errorf("publish session %s: %w", s.ID, err)
		}
	}
	return nil
}
