package camera

import (
	"context"
	"errors"
	"image"
	"io"
	"time"

	"github.com/MrCodeEU/facegate/pkg/logging"
	"github.com/MrCodeEU/facegate/pkg/verify"
)

// Submitter accepts frames without blocking; verify.Session implements it.
type Submitter interface {
	SubmitFrame(frame image.Image, det *verify.Detection) bool
}

// PumpStats counts what happened to the frames a pump read.
type PumpStats struct {
	Frames    int
	Submitted int
	Dropped   int
	Errors    int
}

// Pump reads frames from src and offers each to sub. With a positive
// interval frames are paced like a live camera; otherwise they are offered
// as fast as the source yields them. Frames that cannot be read are
// counted and skipped. Pump returns at the end of the source or when ctx
// is done.
func Pump(ctx context.Context, src Source, sub Submitter, interval time.Duration) (PumpStats, error) {
	log := logging.Component("camera")
	var stats PumpStats

	var tick <-chan time.Time
	if interval > 0 {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		tick = ticker.C
	}

	for {
		if tick != nil {
			select {
			case <-ctx.Done():
				return stats, ctx.Err()
			case <-tick:
			}
		}

		frame, err := src.Next(ctx)
		if errors.Is(err, io.EOF) {
			return stats, nil
		}
		if err != nil {
			if ctxErr := ctx.Err(); ctxErr != nil {
				return stats, ctxErr
			}
			stats.Errors++
			log.WithError(err).Warn("Skipping unreadable frame")
			continue
		}
		stats.Frames++

		img, err := frame.ToImage()
		if err != nil {
			stats.Errors++
			log.WithError(err).Warn("Skipping undecodable frame")
			continue
		}

		if sub.SubmitFrame(img, frame.Detection) {
			stats.Submitted++
		} else {
			stats.Dropped++
		}
	}
}
