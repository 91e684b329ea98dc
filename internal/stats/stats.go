// Package stats keeps running counters per status and per hour/day. It is a
// derived projection of the message store: authoritative enough for the admin
// read paths, and recomputable from the store at any time via Initialize.
package stats

import (
	"context"
	"time"
)

// Statuses mirrored here as strings to keep the projection decoupled from the
// message model.
var knownStatuses = []string{"CREATED", "QUEUED", "DELIVER", "SENT", "RETRY", "DLQ", "ARCHIVED"}

type DailyPoint struct {
	Date     string `json:"date"`
	Incoming int64  `json:"incoming"`
	Sent     int64  `json:"sent"`
}

type Snapshot struct {
	Total    int64            `json:"total"`
	Statuses map[string]int64 `json:"statuses"`
	Last24h  int64            `json:"last_24h"`
	Last7d   int64            `json:"last_7d"`
	Hourly   [24]int64        `json:"hourly"`
	Daily    []DailyPoint     `json:"daily"`
}

// Iterator visits (status, created_at) for every stored message; the message
// store provides one for rebuilds.
type Iterator func(ctx context.Context, fn func(status string, createdAt time.Time) error) error

type Service interface {
	// Increment bumps the per-status counter and the (date, hour, status) cell.
	Increment(ctx context.Context, status string, ts time.Time) error

	// Decrement is clamped at zero.
	Decrement(ctx context.Context, status string, ts time.Time) error

	// RecordCreate/RecordDelete maintain the all-time total where it is a
	// real counter (KV). The SQL flavor derives total from the store and
	// treats both as no-ops. The total moves only on genuine creations and
	// explicit deletes, never on status transitions.
	RecordCreate(ctx context.Context) error
	RecordDelete(ctx context.Context) error

	Snapshot(ctx context.Context) (*Snapshot, error)

	// Initialize rebuilds every counter from the message store; the
	// documented recovery path after a crash between a message write and a
	// counter write.
	Initialize(ctx context.Context, iter Iterator) error

	Reset(ctx context.Context) error
}

// rebuild resets then replays the store into the service; shared by both backends.
func rebuild(ctx context.Context, s Service, iter Iterator) error {
	if err := s.Reset(ctx); err != nil {
		return err
	}
	return iter(ctx, func(status string, createdAt time.Time) error {
		if err := s.Increment(ctx, status, createdAt); err != nil {
			return err
		}
		return s.RecordCreate(ctx)
	})
}

// cell identifies one (date, hour, status) bucket.
type cell struct {
	date   string
	hour   int
	status string
	count  int64
}

// aggregate folds raw cells into the snapshot's windowed views. Incoming is
// the CREATED bucket, sent the SENT bucket; both are best-effort projections
// since transitions move counts between buckets.
func aggregate(snap *Snapshot, cells []cell, now time.Time) {
	now = now.UTC()
	dayStart := now.AddDate(0, 0, -6)

	daily := make(map[string]*DailyPoint, 7)
	for i := 0; i < 7; i++ {
		d := dayStart.AddDate(0, 0, i).Format("2006-01-02")
		point := &DailyPoint{Date: d}
		daily[d] = point
		snap.Daily = append(snap.Daily, DailyPoint{Date: d})
	}

	cutoff24h := now.Add(-24 * time.Hour)
	for _, c := range cells {
		slot, err := time.Parse("2006-01-02", c.date)
		if err != nil {
			continue
		}
		slot = slot.Add(time.Duration(c.hour) * time.Hour)

		if point, ok := daily[c.date]; ok {
			switch c.status {
			case "CREATED":
				point.Incoming += c.count
			case "SENT":
				point.Sent += c.count
			}
		}

		if c.status == "CREATED" {
			if !slot.Before(cutoff24h) && !slot.After(now) {
				snap.Last24h += c.count
				snap.Hourly[c.hour] += c.count
			}
			if !slot.Before(dayStart.Truncate(24 * time.Hour)) {
				snap.Last7d += c.count
			}
		}
	}

	for i := range snap.Daily {
		if point, ok := daily[snap.Daily[i].Date]; ok {
			snap.Daily[i] = *point
		}
	}
}
