package report

import (
	"encoding/csv"
	"fmt"
	"io"
	"strconv"
	"time"
)

// CSVHeader is the column layout of the attendance export.
var CSVHeader = []string{
	"Date", "Name", "Email", "Login Time", "Logout Time",
	"Duration (minutes)", "Raw Status", "Day Label", "Final Status",
}

const csvTimeLayout = "2006-01-02 15:04:05"

// WriteCSV writes rows with times rendered in loc. Missing values are empty.
func WriteCSV(w io.Writer, rows []Row, loc *time.Location) error {
	if loc == nil {
		loc = time.UTC
	}
	cw := csv.NewWriter(w)
	if err := cw.Write(CSVHeader); err != nil {
		return fmt.Errorf("write csv header: %w", err)
	}

	for _, r := range rows {
		var logout, duration string
		if r.LogoutTime != nil {
			logout = r.LogoutTime.In(loc).Format(csvTimeLayout)
		}
		if r.DurationMinutes != nil {
			duration = strconv.Itoa(*r.DurationMinutes)
		}
		record := []string{
			r.Day,
			r.Name,
			r.ExternalRef,
			r.LoginTime.In(loc).Format(csvTimeLayout),
			logout,
			duration,
			string(r.RawStatus),
			string(r.DayLabel),
			r.FinalStatus,
		}
		if err := cw.Write(record); err != nil {
			return fmt.Errorf("write csv row: %w", err)
		}
	}
	cw.Flush()
	return cw.Error()
}

// ExportFilename names an export the way downloads are saved.
func ExportFilename(fromDay, toDay string) string {
	if fromDay == toDay {
		return fmt.Sprintf("attendance_%s.csv", fromDay)
	}
	return fmt.Sprintf("attendance_%s_to_%s.csv", fromDay, toDay)
}
