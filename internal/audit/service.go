package audit

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"ptp/internal/model"
)

type Config struct {
	// RetentionDays is how long housekeeping rows are kept.
	RetentionDays int
	ExportOnStart bool
	Location      *time.Location
}

// Service sends a monthly Excel report (raw tables plus a trainer payout
// summary) and purges stale housekeeping rows.
type Service struct {
	cfg      Config
	exporter TableExporter
	payouts  PayoutSource
	writer   func() ExcelWriter
	sender   ReportSender
	cleaner  Cleaner
	logger   *zerolog.Logger
	now      func() time.Time
	stopCh   chan struct{}
	wg       sync.WaitGroup
	mu       sync.Mutex
	running  bool
}

func NewService(cfg Config, exporter TableExporter, payouts PayoutSource, writerFactory func() ExcelWriter,
	sender ReportSender, cleaner Cleaner, logger *zerolog.Logger) *Service {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 31
	}
	if cfg.Location == nil {
		cfg.Location = time.UTC
	}
	if writerFactory == nil {
		writerFactory = NewExcelizeWriter
	}
	return &Service{
		cfg:      cfg,
		exporter: exporter,
		payouts:  payouts,
		writer:   writerFactory,
		sender:   sender,
		cleaner:  cleaner,
		logger:   logger,
		now:      time.Now,
		stopCh:   make(chan struct{}),
	}
}

func (s *Service) Start() {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return
	}
	s.running = true
	s.mu.Unlock()

	if s.cfg.ExportOnStart {
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.RunExportAndCleanup()
		}()
	}

	s.wg.Add(1)
	go s.loop()

	s.logger.Info().Int("retention_days", s.cfg.RetentionDays).Msg("Audit service started")
}

func (s *Service) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	s.mu.Unlock()

	close(s.stopCh)
	s.wg.Wait()

	s.logger.Info().Msg("Audit service stopped")
}

func (s *Service) loop() {
	defer s.wg.Done()

	next := s.nextRun()
	timer := time.NewTimer(time.Until(next))
	defer timer.Stop()
	s.logger.Info().Time("time", next).Msg("Next audit scheduled")

	for {
		select {
		case <-s.stopCh:
			return
		case <-timer.C:
			s.RunExportAndCleanup()
			next = s.nextRun()
			timer.Reset(time.Until(next))
			s.logger.Info().Time("time", next).Msg("Next audit scheduled")
		}
	}
}

// nextRun is 00:01 on the first day of next month.
func (s *Service) nextRun() time.Time {
	now := s.now().In(s.cfg.Location)
	return time.Date(now.Year(), now.Month()+1, 1, 0, 1, 0, 0, s.cfg.Location)
}

// RunExportAndCleanup performs the export and cleanup immediately.
func (s *Service) RunExportAndCleanup() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Minute)
	defer cancel()

	if err := s.Export(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Failed to export audit data")
	}
	if _, err := s.Cleanup(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Failed to clean up stale data")
	}
}

// Export builds the report for the previous month and sends it.
func (s *Service) Export(ctx context.Context) error {
	data, filename, err := s.Build(ctx)
	if err != nil {
		return err
	}
	if s.sender == nil {
		return nil
	}
	from, _ := PreviousMonth(s.now().In(s.cfg.Location))
	caption := fmt.Sprintf("Monthly report %s", from.Format("January 2006"))
	if err := s.sender.SendReport(ctx, filename, data, caption); err != nil {
		return fmt.Errorf("send report: %w", err)
	}
	s.logger.Info().Str("filename", filename).Int("bytes", len(data)).Msg("Audit report sent")
	return nil
}

// Build renders the workbook and returns it with its file name.
func (s *Service) Build(ctx context.Context) ([]byte, string, error) {
	if s.exporter == nil {
		return nil, "", errors.New("exporter not configured")
	}
	from, to := PreviousMonth(s.now().In(s.cfg.Location))

	excel := s.writer()
	if s.payouts != nil {
		if err := s.writePayouts(ctx, excel, from, to); err != nil {
			return nil, "", err
		}
	}

	tables, err := s.exporter.TableNames(ctx)
	if err != nil {
		return nil, "", fmt.Errorf("table names: %w", err)
	}
	for _, table := range tables {
		rows, columns, err := s.exporter.TableData(ctx, table)
		if err != nil {
			s.logger.Error().Err(err).Str("table", table).Msg("Failed to read table")
			continue
		}
		if err := excel.AddSheet(table); err != nil {
			return nil, "", err
		}
		if err := excel.WriteHeader(columns); err != nil {
			return nil, "", err
		}
		for _, row := range rows {
			values := make([]interface{}, len(columns))
			for i, col := range columns {
				values[i] = row[col]
			}
			if err := excel.WriteRow(values); err != nil {
				s.logger.Error().Err(err).Str("table", table).Msg("Failed to write row")
			}
		}
		s.logger.Debug().Str("table", table).Int("rows", len(rows)).Msg("Exported table")
	}

	var buf bytes.Buffer
	if err := excel.Save(&buf); err != nil {
		return nil, "", fmt.Errorf("save excel: %w", err)
	}
	return buf.Bytes(), ReportFilename(from), nil
}

// PayoutLine is one trainer's totals for the period.
type PayoutLine struct {
	TrainerID   int64
	Sessions    int
	Gross       int64
	Payout      int64
	PlatformFee int64
}

// SummarizePayouts totals paid bookings per trainer, ordered by trainer.
func SummarizePayouts(bookings []model.Booking) []PayoutLine {
	byTrainer := make(map[int64]*PayoutLine)
	for _, b := range bookings {
		if b.PaymentStatus != model.PaymentStatusPaid {
			continue
		}
		line, ok := byTrainer[b.TrainerID]
		if !ok {
			line = &PayoutLine{TrainerID: b.TrainerID}
			byTrainer[b.TrainerID] = line
		}
		line.Sessions++
		line.Gross += b.Amount
		line.Payout += b.TrainerPayout
		line.PlatformFee += b.PlatformFee
	}
	out := make([]PayoutLine, 0, len(byTrainer))
	for _, l := range byTrainer {
		out = append(out, *l)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].TrainerID < out[j].TrainerID })
	return out
}

func (s *Service) writePayouts(ctx context.Context, excel ExcelWriter, from, to time.Time) error {
	var bookings []model.Booking
	for _, status := range []string{model.BookingStatusConfirmed, model.BookingStatusCompleted} {
		list, err := s.payouts.BookingsBetween(ctx, from.Format(model.DateLayout), to.Format(model.DateLayout), status)
		if err != nil {
			return fmt.Errorf("payout bookings: %w", err)
		}
		bookings = append(bookings, list...)
	}

	if err := excel.AddSheet("payouts"); err != nil {
		return err
	}
	if err := excel.WriteHeader([]string{"trainer_id", "sessions", "gross", "trainer_payout", "platform_fee"}); err != nil {
		return err
	}
	for _, l := range SummarizePayouts(bookings) {
		row := []interface{}{l.TrainerID, l.Sessions, cents(l.Gross), cents(l.Payout), cents(l.PlatformFee)}
		if err := excel.WriteRow(row); err != nil {
			return err
		}
	}
	return nil
}

func cents(v int64) float64 {
	return float64(v) / 100
}

// Cleanup purges housekeeping rows older than the retention window.
func (s *Service) Cleanup(ctx context.Context) (int64, error) {
	if s.cleaner == nil {
		return 0, nil
	}
	retention := time.Duration(s.cfg.RetentionDays) * 24 * time.Hour
	n, err := s.cleaner.PurgeStale(ctx, retention)
	if err != nil {
		return 0, fmt.Errorf("purge stale: %w", err)
	}
	s.logger.Info().Int64("deleted", n).Int("retention_days", s.cfg.RetentionDays).Msg("Cleaned up stale data")
	return n, nil
}
