package util

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/pterm/pterm"
)

// ──────────────────────────────────────────────────────────────────────────────
// Per-call counters
// ──────────────────────────────────────────────────────────────────────────────

// CallStats counts signaling and media activity for one call. Each call core
// owns its own instance; the zero value is ready to use.
type CallStats struct {
	OffersSent      atomic.Int64 // offers published, ICE restarts included
	AnswersSent     atomic.Int64 // answers published
	CandidatesSent  atomic.Int64 // local ICE candidates published
	CandidatesRecv  atomic.Int64 // remote ICE candidates applied
	Reconnects      atomic.Int64 // signaling reconnects scheduled
	ICERestarts     atomic.Int64 // ICE restarts attempted
	MediaBytesRecv  atomic.Int64 // RTP payload bytes read from remote tracks
	SignalingErrors atomic.Int64 // inbound signals that failed to apply
}

func (s *CallStats) AddOffer()          { s.OffersSent.Add(1) }
func (s *CallStats) AddAnswer()         { s.AnswersSent.Add(1) }
func (s *CallStats) AddCandidateSent()  { s.CandidatesSent.Add(1) }
func (s *CallStats) AddCandidateRecv()  { s.CandidatesRecv.Add(1) }
func (s *CallStats) AddReconnect()      { s.Reconnects.Add(1) }
func (s *CallStats) AddICERestart()     { s.ICERestarts.Add(1) }
func (s *CallStats) AddMediaRecv(n int) { s.MediaBytesRecv.Add(int64(n)) }
func (s *CallStats) AddSignalingError() { s.SignalingErrors.Add(1) }

// ──────────────────────────────────────────────────────────────────────────────
// Periodic reporter
// ──────────────────────────────────────────────────────────────────────────────

// StartStatsReporter launches a goroutine that logs the call statistics
// every interval. Quiet intervals (nothing changed) are skipped. It stops
// when ctx is cancelled.
func StartStatsReporter(ctx context.Context, s *CallStats, interval time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()

		var prev snapshot
		for {
			select {
			case <-ticker.C:
				cur := takeSnapshot(s)
				if cur != prev {
					rate := float64(cur.mediaRecv-prev.mediaRecv) / interval.Seconds()
					pterm.DefaultLogger.Info(formatStats(cur, rate))
				}
				prev = cur

			case <-ctx.Done():
				return
			}
		}
	}()
}

type snapshot struct {
	offers, answers, candSent, candRecv, reconnects, restarts, mediaRecv int64
}

func takeSnapshot(s *CallStats) snapshot {
	return snapshot{
		offers:     s.OffersSent.Load(),
		answers:    s.AnswersSent.Load(),
		candSent:   s.CandidatesSent.Load(),
		candRecv:   s.CandidatesRecv.Load(),
		reconnects: s.Reconnects.Load(),
		restarts:   s.ICERestarts.Load(),
		mediaRecv:  s.MediaBytesRecv.Load(),
	}
}

// byteUnits defines the units for formatting byte counts in a human-readable way.
var byteUnits = []string{"B", "KiB", "MiB", "GiB", "TiB", "PiB"}

// formatBytes formats a byte count into a human-readable string with fixed width (exactly 8 chars)
// for example: "99.0   B", " 1.5 KiB", " 0.1 MiB", "98.9 GiB", etc.
func formatBytes(b float64) string {
	unitIdx := 0

	// to prevent "100.0 KiB", which is 9 chars
	for b > 99 && unitIdx < 5 {
		b /= 1024
		unitIdx++
	}

	return fmt.Sprintf("%4.1f %3s", b, byteUnits[unitIdx])
}

// formatStats returns a formatted string of the current stats for display in the logger.
func formatStats(s snapshot, rate float64) string {
	return fmt.Sprintf("Media: %s/s | SDP: %d↑ %d↓ | ICE: %d↑ %d↓ | Reconnects: %d | Restarts: %d",
		formatBytes(rate),
		s.offers,
		s.answers,
		s.candSent,
		s.candRecv,
		s.reconnects,
		s.restarts,
	)
}
