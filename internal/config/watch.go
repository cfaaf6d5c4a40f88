package config

import (
	"context"
	"os"
	"time"

	"ptp/internal/pricing"
)

// WatchPricing reloads the pricing file on change and calls onUpdate with the
// latest settings. It performs an initial load before entering the watch loop.
// Invalid edits are skipped and the previous settings stay in effect.
func WatchPricing(ctx context.Context, path string, interval time.Duration, onUpdate func(*pricing.Settings)) error {
	if path == "" {
		path = "configs/pricing.yaml"
	}
	if interval <= 0 {
		interval = 30 * time.Second
	}

	settings, err := pricing.LoadSettings(path)
	if err != nil {
		return err
	}
	if onUpdate != nil {
		onUpdate(settings)
	}

	info, err := os.Stat(path)
	if err != nil {
		return err
	}
	lastMod := info.ModTime()

	ticker := time.NewTicker(interval)
	go func() {
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				info, err := os.Stat(path)
				if err != nil {
					continue
				}
				if !info.ModTime().After(lastMod) {
					continue
				}
				settings, err := pricing.LoadSettings(path)
				if err != nil {
					continue
				}
				lastMod = info.ModTime()
				if onUpdate != nil {
					onUpdate(settings)
				}
			}
		}
	}()

	return nil
}
