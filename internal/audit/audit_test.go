package audit

import (
	"bytes"
	"context"
	"errors"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"

	"ptp/internal/model"
)

type fakeExporter struct {
	tables map[string][]map[string]interface{}
	cols   map[string][]string
	order  []string
}

func (f *fakeExporter) TableNames(context.Context) ([]string, error) { return f.order, nil }

func (f *fakeExporter) TableData(_ context.Context, table string) ([]map[string]interface{}, []string, error) {
	rows, ok := f.tables[table]
	if !ok {
		return nil, nil, errors.New("no such table")
	}
	return rows, f.cols[table], nil
}

type fakePayouts struct {
	calls [][3]string
	list  map[string][]model.Booking
}

func (f *fakePayouts) BookingsBetween(_ context.Context, from, to, status string) ([]model.Booking, error) {
	f.calls = append(f.calls, [3]string{from, to, status})
	return f.list[status], nil
}

type fakeSender struct {
	filename string
	caption  string
	data     []byte
}

func (f *fakeSender) SendReport(_ context.Context, filename string, data []byte, caption string) error {
	f.filename, f.caption, f.data = filename, caption, data
	return nil
}

type fakeCleaner struct {
	olderThan time.Duration
}

func (f *fakeCleaner) PurgeStale(_ context.Context, olderThan time.Duration) (int64, error) {
	f.olderThan = olderThan
	return 3, nil
}

func TestReportFilename(t *testing.T) {
	assert.Equal(t, "ptp_report_2026_05.xlsx", ReportFilename(time.Date(2026, 5, 14, 0, 0, 0, 0, time.UTC)))

	from, to := PreviousMonth(time.Date(2026, 3, 10, 15, 0, 0, 0, time.UTC))
	assert.Equal(t, "2026-02-01", from.Format(model.DateLayout))
	assert.Equal(t, "2026-02-28", to.Format(model.DateLayout))
}

func TestSummarizePayouts(t *testing.T) {
	lines := SummarizePayouts([]model.Booking{
		{TrainerID: 2, Amount: 8000, TrainerPayout: 6000, PlatformFee: 2000, PaymentStatus: model.PaymentStatusPaid},
		{TrainerID: 1, Amount: 5000, TrainerPayout: 3750, PlatformFee: 1250, PaymentStatus: model.PaymentStatusPaid},
		{TrainerID: 2, Amount: 8000, TrainerPayout: 6000, PlatformFee: 2000, PaymentStatus: model.PaymentStatusPaid},
		{TrainerID: 1, Amount: 5000, PaymentStatus: model.PaymentStatusRefunded},
	})
	require.Len(t, lines, 2)
	assert.Equal(t, PayoutLine{TrainerID: 1, Sessions: 1, Gross: 5000, Payout: 3750, PlatformFee: 1250}, lines[0])
	assert.Equal(t, PayoutLine{TrainerID: 2, Sessions: 2, Gross: 16000, Payout: 12000, PlatformFee: 4000}, lines[1])
}

func TestExport(t *testing.T) {
	exporter := &fakeExporter{
		order: []string{"orders", "missing"},
		tables: map[string][]map[string]interface{}{
			"orders": {
				{"id": "o-1", "status": "paid", "total": int64(8270)},
				{"id": "o-2", "status": "expired", "total": int64(10330)},
			},
		},
		cols: map[string][]string{"orders": {"id", "status", "total"}},
	}
	payouts := &fakePayouts{list: map[string][]model.Booking{
		model.BookingStatusConfirmed: {{TrainerID: 7, Amount: 8000, TrainerPayout: 6000, PlatformFee: 2000, PaymentStatus: model.PaymentStatusPaid}},
	}}
	sender := &fakeSender{}
	logger := zerolog.Nop()

	svc := NewService(Config{}, exporter, payouts, nil, sender, nil, &logger)
	svc.now = func() time.Time { return time.Date(2026, 6, 1, 0, 1, 0, 0, time.UTC) }

	require.NoError(t, svc.Export(context.Background()))
	assert.Equal(t, "ptp_report_2026_05.xlsx", sender.filename)
	assert.Equal(t, "Monthly report May 2026", sender.caption)
	require.Len(t, payouts.calls, 2)
	assert.Equal(t, [3]string{"2026-05-01", "2026-05-31", model.BookingStatusConfirmed}, payouts.calls[0])

	f, err := excelize.OpenReader(bytes.NewReader(sender.data))
	require.NoError(t, err)
	defer f.Close()
	assert.Equal(t, []string{"payouts", "orders"}, f.GetSheetList())

	rows, err := f.GetRows("orders")
	require.NoError(t, err)
	require.Len(t, rows, 3)
	assert.Equal(t, []string{"id", "status", "total"}, rows[0])
	assert.Equal(t, []string{"o-2", "expired", "10330"}, rows[2])

	rows, err = f.GetRows("payouts")
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, []string{"7", "1", "80", "60", "20"}, rows[1])
}

func TestCleanup(t *testing.T) {
	cleaner := &fakeCleaner{}
	logger := zerolog.Nop()
	svc := NewService(Config{RetentionDays: 10}, &fakeExporter{}, nil, nil, nil, cleaner, &logger)

	n, err := svc.Cleanup(context.Background())
	require.NoError(t, err)
	assert.Equal(t, int64(3), n)
	assert.Equal(t, 240*time.Hour, cleaner.olderThan)
}

func TestNextRun(t *testing.T) {
	logger := zerolog.Nop()
	svc := NewService(Config{}, nil, nil, nil, nil, nil, &logger)
	svc.now = func() time.Time { return time.Date(2026, 12, 15, 10, 0, 0, 0, time.UTC) }
	assert.Equal(t, time.Date(2027, 1, 1, 0, 1, 0, 0, time.UTC), svc.nextRun())
}

func TestExcelizeWriterRequiresSheet(t *testing.T) {
	w := NewExcelizeWriter()
	require.Error(t, w.WriteRow([]interface{}{"x"}))
	require.NoError(t, w.AddSheet("a_very_long_sheet_name_that_exceeds_limits"))
	require.NoError(t, w.WriteHeader([]string{"a", "b"}))
	require.NoError(t, w.WriteRow([]interface{}{1, "two"}))

	var buf bytes.Buffer
	require.NoError(t, w.Save(&buf))
	assert.NotZero(t, buf.Len())
}
