// Package google mirrors confirmed bookings into a Google Sheet.
package google

import (
	"context"
	"fmt"
	"os"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	googleoauth "golang.org/x/oauth2/google"
	"google.golang.org/api/option"
	"google.golang.org/api/sheets/v4"

	"ptp/internal/model"
)

var bookingHeader = []interface{}{
	"booking_id", "order_id", "trainer_id", "customer_id", "player", "date",
	"start", "end", "status", "payment_status", "amount", "trainer_payout",
	"created_at", "updated_at",
}

// SheetsService upserts one row per booking, keyed by booking ID in
// column A.
type SheetsService struct {
	service       *sheets.Service
	spreadsheetID string
	sheetName     string
	logger        *zerolog.Logger

	mu       sync.RWMutex
	rowCache map[int64]int
	loaded   bool
}

// NewSheetsService authenticates with a service account JSON key file.
func NewSheetsService(ctx context.Context, credentialsFile, spreadsheetID, sheetName string, logger *zerolog.Logger) (*SheetsService, error) {
	data, err := os.ReadFile(credentialsFile)
	if err != nil {
		return nil, fmt.Errorf("read credentials: %w", err)
	}
	creds, err := googleoauth.CredentialsFromJSON(ctx, data, sheets.SpreadsheetsScope)
	if err != nil {
		return nil, fmt.Errorf("parse credentials: %w", err)
	}
	return NewSheetsServiceWithOptions(ctx, spreadsheetID, sheetName, logger, option.WithCredentials(creds))
}

func NewSheetsServiceWithOptions(ctx context.Context, spreadsheetID, sheetName string, logger *zerolog.Logger, opts ...option.ClientOption) (*SheetsService, error) {
	srv, err := sheets.NewService(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("sheets client: %w", err)
	}
	if sheetName == "" {
		sheetName = "Bookings"
	}
	return &SheetsService{
		service:       srv,
		spreadsheetID: spreadsheetID,
		sheetName:     sheetName,
		logger:        logger,
		rowCache:      make(map[int64]int),
	}, nil
}

// SyncBookings updates rows of known bookings in place and appends new
// active ones.
func (s *SheetsService) SyncBookings(ctx context.Context, bookings []model.Booking) error {
	if len(bookings) == 0 {
		return nil
	}
	if err := s.loadRows(ctx); err != nil {
		return err
	}

	var (
		updates []*sheets.ValueRange
		appends [][]interface{}
		newIDs  []int64
	)
	for i := range bookings {
		b := &bookings[i]
		if row, ok := s.getCachedRow(b.ID); ok {
			updates = append(updates, &sheets.ValueRange{
				Range:  fmt.Sprintf("%s!A%d", s.sheetName, row),
				Values: [][]interface{}{bookingRowValues(b)},
			})
		}
	}
	for _, b := range s.filterActiveBookings(bookings) {
		if _, ok := s.getCachedRow(b.ID); ok {
			continue
		}
		appends = append(appends, bookingRowValues(&b))
		newIDs = append(newIDs, b.ID)
	}

	if len(updates) > 0 {
		req := &sheets.BatchUpdateValuesRequest{ValueInputOption: "RAW", Data: updates}
		if _, err := s.service.Spreadsheets.Values.BatchUpdate(s.spreadsheetID, req).Context(ctx).Do(); err != nil {
			return fmt.Errorf("update rows: %w", err)
		}
	}

	if len(appends) > 0 {
		resp, err := s.service.Spreadsheets.Values.Append(s.spreadsheetID, s.sheetName+"!A1",
			&sheets.ValueRange{Values: appends}).
			ValueInputOption("RAW").
			InsertDataOption("INSERT_ROWS").
			Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("append rows: %w", err)
		}
		if resp.Updates != nil {
			if start, ok := parseStartRow(resp.Updates.UpdatedRange); ok {
				for i, id := range newIDs {
					s.setCachedRow(id, start+i)
				}
			} else {
				// Row numbers unknown; reload on next sync.
				s.ClearCache()
			}
		}
	}

	s.logger.Debug().Int("updated", len(updates)).Int("appended", len(appends)).Msg("Bookings synced to sheet")
	return nil
}

// loadRows reads column A once to map booking IDs to row numbers, writing
// the header into an empty sheet.
func (s *SheetsService) loadRows(ctx context.Context) error {
	s.mu.RLock()
	loaded := s.loaded
	s.mu.RUnlock()
	if loaded {
		return nil
	}

	resp, err := s.service.Spreadsheets.Values.Get(s.spreadsheetID, s.sheetName+"!A:A").Context(ctx).Do()
	if err != nil {
		return fmt.Errorf("read sheet: %w", err)
	}

	if len(resp.Values) == 0 {
		_, err := s.service.Spreadsheets.Values.Update(s.spreadsheetID, s.sheetName+"!A1",
			&sheets.ValueRange{Values: [][]interface{}{bookingHeader}}).
			ValueInputOption("RAW").Context(ctx).Do()
		if err != nil {
			return fmt.Errorf("write header: %w", err)
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	for i, row := range resp.Values {
		if i == 0 || len(row) == 0 {
			continue
		}
		id, err := strconv.ParseInt(fmt.Sprint(row[0]), 10, 64)
		if err != nil {
			continue
		}
		s.rowCache[id] = i + 1
	}
	s.loaded = true
	return nil
}

func (s *SheetsService) filterActiveBookings(bookings []model.Booking) []model.Booking {
	var active []model.Booking
	for _, b := range bookings {
		if b.IsActive() {
			active = append(active, b)
		}
	}
	return active
}

func bookingRowValues(b *model.Booking) []interface{} {
	return []interface{}{
		b.ID,
		b.OrderID,
		b.TrainerID,
		b.CustomerID,
		b.PlayerName,
		b.SessionDate,
		b.StartTime,
		b.EndTime,
		b.Status,
		b.PaymentStatus,
		b.Amount,
		b.TrainerPayout,
		b.CreatedAt.UTC().Format(time.DateTime),
		b.UpdatedAt.UTC().Format(time.DateTime),
	}
}

// parseStartRow extracts the first row number of an A1 range such as
// "Bookings!A5:N7".
func parseStartRow(a1 string) (int, bool) {
	if i := strings.LastIndex(a1, "!"); i >= 0 {
		a1 = a1[i+1:]
	}
	if i := strings.Index(a1, ":"); i >= 0 {
		a1 = a1[:i]
	}
	digits := strings.TrimLeft(a1, "ABCDEFGHIJKLMNOPQRSTUVWXYZ")
	n, err := strconv.Atoi(digits)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func (s *SheetsService) getCachedRow(id int64) (int, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	row, ok := s.rowCache[id]
	return row, ok
}

func (s *SheetsService) setCachedRow(id int64, row int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rowCache[id] = row
}

func (s *SheetsService) deleteCacheRow(id int64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.rowCache, id)
}

// ClearCache forgets row positions; the next sync re-reads the sheet.
func (s *SheetsService) ClearCache() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.rowCache = make(map[int64]int)
	s.loaded = false
}
