package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"strconv"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"github.com/your-org/attend/internal/attendance"
	"github.com/your-org/attend/internal/report"
)

func init() {
	var day string
	reportCmd := &cobra.Command{
		Use:   "report",
		Short: "Print the daily attendance report",
		RunE: func(cmd *cobra.Command, args []string) error {
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.close()

			if day == "" {
				day = e.engine.DayOf(time.Now())
			}
			rows, err := report.NewReporter(e.db, e.db, e.engine).Daily(context.Background(), day, time.Now())
			if err != nil {
				return err
			}
			return printRows(cmd.OutOrStdout(), rows, e.engine.Location())
		},
	}
	reportCmd.Flags().StringVarP(&day, "date", "d", "", "day to report, YYYY-MM-DD (default today)")
	rootCmd.AddCommand(reportCmd)

	var from, to, out string
	exportCmd := &cobra.Command{
		Use:   "export",
		Short: "Export attendance of a date range as CSV",
		RunE: func(cmd *cobra.Command, args []string) error {
			if to == "" {
				to = from
			}
			e, err := openEnv()
			if err != nil {
				return err
			}
			defer e.close()

			rows, err := report.NewReporter(e.db, e.db, e.engine).Range(context.Background(), from, to, time.Now())
			if err != nil {
				return err
			}

			if out == "" {
				out = report.ExportFilename(from, to)
			}
			var w io.Writer = cmd.OutOrStdout()
			if out != "-" {
				f, err := os.Create(out)
				if err != nil {
					return fmt.Errorf("create %s: %w", out, err)
				}
				defer f.Close()
				w = f
			}
			if err := report.WriteCSV(w, rows, e.engine.Location()); err != nil {
				return err
			}
			if out != "-" {
				_, _ = fmt.Fprintf(cmd.ErrOrStderr(), "wrote %d rows to %s\n", len(rows), out)
			}
			return nil
		},
	}
	exportCmd.Flags().StringVar(&from, "from", "", "first day, YYYY-MM-DD (required)")
	exportCmd.Flags().StringVar(&to, "to", "", "last day, YYYY-MM-DD (default --from)")
	exportCmd.Flags().StringVarP(&out, "out", "o", "", "output file, - for stdout (default attendance_<range>.csv)")
	_ = exportCmd.MarkFlagRequired("from")
	rootCmd.AddCommand(exportCmd)

	var boundary int
	labelCmd := &cobra.Command{
		Use:   "label MINUTES",
		Short: "Show the day label for a worked duration",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			minutes, err := strconv.Atoi(args[0])
			if err != nil || minutes < 0 {
				return fmt.Errorf("MINUTES must be a non-negative integer")
			}
			c := attendance.Classifier{BoundaryMinutes: boundary}
			_, _ = fmt.Fprintln(cmd.OutOrStdout(), c.Label(minutes))
			return nil
		},
	}
	labelCmd.Flags().IntVar(&boundary, "boundary", attendance.DefaultLabelBoundary, "full day boundary in minutes")
	rootCmd.AddCommand(labelCmd)
}

func printRows(w io.Writer, rows []report.Row, loc *time.Location) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	_, _ = fmt.Fprintln(tw, "NAME\tEMAIL\tLOGIN\tLOGOUT\tMINUTES\tLABEL\tSTATUS")
	for _, r := range rows {
		logout, minutes := "-", "-"
		if r.LogoutTime != nil {
			logout = r.LogoutTime.In(loc).Format("15:04")
		}
		if r.DurationMinutes != nil {
			minutes = strconv.Itoa(*r.DurationMinutes)
		}
		label := string(r.DayLabel)
		if label == "" {
			label = "-"
		}
		_, _ = fmt.Fprintf(tw, "%s\t%s\t%s\t%s\t%s\t%s\t%s\n",
			r.Name, r.ExternalRef, r.LoginTime.In(loc).Format("15:04"), logout, minutes, label, r.FinalStatus)
	}
	return tw.Flush()
}
