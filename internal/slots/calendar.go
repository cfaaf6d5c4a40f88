package slots

import (
	"context"
	"time"

	"ptp/internal/model"
)

// DaySummary is one calendar cell.
type DaySummary struct {
	Date      string `json:"date"`
	Available int    `json:"available"`
	Total     int    `json:"total"`
	// LongestFree is the longest lesson, in minutes, bookable that day.
	LongestFree int `json:"longest_free_minutes"`
}

// Calendar summarizes availability of a trainer for days dates from from.
func (g *Generator) Calendar(ctx context.Context, trainerID int64, from time.Time, days int) ([]DaySummary, error) {
	if days <= 0 {
		return nil, nil
	}

	start := time.Date(from.Year(), from.Month(), from.Day(), 0, 0, 0, 0, g.loc)
	result := make([]DaySummary, 0, days)
	for i := 0; i < days; i++ {
		date := start.AddDate(0, 0, i)
		slots, err := g.Generate(ctx, Query{TrainerID: trainerID, Date: date})
		if err != nil {
			return nil, err
		}
		day := DaySummary{Date: date.Format(model.DateLayout), Total: len(slots)}
		until := freeUntil(slots)
		for j, s := range slots {
			if !s.Available {
				continue
			}
			day.Available++
			if free := int(until[j].Sub(s.StartTime) / time.Minute); free > day.LongestFree {
				day.LongestFree = free
			}
		}
		result = append(result, day)
	}
	return result, nil
}
