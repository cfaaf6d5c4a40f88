package audit

import (
	"context"
	"fmt"
	"io"
	"time"

	"ptp/internal/model"
)

// TableExporter provides access to database tables for export.
type TableExporter interface {
	TableNames(ctx context.Context) ([]string, error)
	// TableData returns rows as column->value maps plus the column order.
	TableData(ctx context.Context, table string) ([]map[string]interface{}, []string, error)
}

// PayoutSource lists bookings for the payout summary.
type PayoutSource interface {
	BookingsBetween(ctx context.Context, from, to, status string) ([]model.Booking, error)
}

// ExcelWriter writes data to Excel format.
type ExcelWriter interface {
	AddSheet(name string) error
	WriteHeader(columns []string) error
	WriteRow(row []interface{}) error
	Save(w io.Writer) error
	SaveToFile(path string) error
}

// ReportSender delivers the finished report.
type ReportSender interface {
	SendReport(ctx context.Context, filename string, data []byte, caption string) error
}

// Cleaner purges housekeeping rows past retention.
type Cleaner interface {
	PurgeStale(ctx context.Context, olderThan time.Duration) (int64, error)
}

// ReportFilename names the report for the month containing t, e.g.
// "ptp_report_2026_05.xlsx".
func ReportFilename(t time.Time) string {
	return fmt.Sprintf("ptp_report_%d_%02d.xlsx", t.Year(), int(t.Month()))
}

// PreviousMonth returns the first and last day of the month before now.
func PreviousMonth(now time.Time) (from, to time.Time) {
	first := time.Date(now.Year(), now.Month(), 1, 0, 0, 0, 0, now.Location())
	return first.AddDate(0, -1, 0), first.AddDate(0, 0, -1)
}
