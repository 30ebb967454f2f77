/**
 * Quota Tracker - monthly budget for the rate-limited primary OCR backend
 *
 * Counts successful primary calls per calendar month in a shared store.
 * Tracking is best-effort: store failures are logged and never block OCR.
 */

package quota

import (
	"context"
	"fmt"
	"time"

	"github.com/adverant/nexus/ocr-gateway/internal/logging"
	"golang.org/x/text/message"
)

// Tier thresholds in percent of the monthly limit. Fixed, not configurable.
const (
	yellowThresholdPercent = 70
	redThresholdPercent    = 90

	// primary use stops at floor(limit * 0.9)
	safetyBufferPercent = 90
)

// StatusLevel is the UI colour of the quota gauge
type StatusLevel string

const (
	StatusGreen  StatusLevel = "green"
	StatusYellow StatusLevel = "yellow"
	StatusRed    StatusLevel = "red"
)

// Record is the persisted counter for one scope
type Record struct {
	Month string `json:"month"`
	Used  int    `json:"used"`
}

// Store persists quota records. Add must be atomic with respect to concurrent
// callers: if the stored month differs from month the counter restarts at n,
// otherwise it grows by n.
type Store interface {
	Load(ctx context.Context, scope string) (Record, error)
	Add(ctx context.Context, scope, month string, n int) (Record, error)
	Save(ctx context.Context, scope string, rec Record) error
}

// Usage is the current month's consumption
type Usage struct {
	Used      int       `json:"used"`
	Remaining int       `json:"remaining"`
	Limit     int       `json:"limit"`
	Month     string    `json:"month"`
	ResetDate time.Time `json:"resetDate"`
}

// Status is the display-oriented view of Usage
type Status struct {
	Percentage float64     `json:"percentage"`
	Status     StatusLevel `json:"status"`
	Message    string      `json:"message"`
}

// TrackerConfig holds tracker configuration
type TrackerConfig struct {
	Store        Store
	MonthlyLimit int
	Scope        string
	Locale       string
	Logger       *logging.Logger
	Clock        func() time.Time
}

// Tracker answers budget questions for one quota scope
type Tracker struct {
	store   Store
	limit   int
	scope   string
	now     func() time.Time
	logger  *logging.Logger
	printer *message.Printer
}

// NewTracker creates a new quota tracker
func NewTracker(cfg *TrackerConfig) (*Tracker, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config is required")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("quota store is required")
	}
	if cfg.MonthlyLimit < 1 {
		return nil, fmt.Errorf("monthly limit must be positive, got %d", cfg.MonthlyLimit)
	}

	scope := cfg.Scope
	if scope == "" {
		scope = "global"
	}
	clock := cfg.Clock
	if clock == nil {
		clock = time.Now
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logging.NewNopLogger()
	}

	return &Tracker{
		store:   cfg.Store,
		limit:   cfg.MonthlyLimit,
		scope:   scope,
		now:     clock,
		logger:  logger,
		printer: newPrinter(cfg.Locale),
	}, nil
}

// RecordUsage adds n billed primary calls to the current month.
// Persistence errors are logged and swallowed.
func (t *Tracker) RecordUsage(ctx context.Context, n int) {
	if n < 1 {
		t.logger.Warn("Ignoring non-positive quota increment", "n", n, "scope", t.scope)
		return
	}

	month := MonthKey(t.now())
	rec, err := t.store.Add(ctx, t.scope, month, n)
	if err != nil {
		t.logger.Error("Failed to record OCR usage", "scope", t.scope, "month", month, "n", n, "error", err)
		return
	}

	t.logger.Info("OCR usage recorded",
		"scope", t.scope, "used", rec.Used, "limit", t.limit, "month", rec.Month)
}

// CurrentUsage returns usage for the current month. A record from an earlier
// month reads as zero; the reset itself is persisted on the next write.
// A failing store reads as zero usage, i.e. within budget.
func (t *Tracker) CurrentUsage(ctx context.Context) Usage {
	now := t.now()
	month := MonthKey(now)

	used := 0
	rec, err := t.store.Load(ctx, t.scope)
	if err != nil {
		t.logger.Warn("Failed to load OCR usage, assuming within budget", "scope", t.scope, "error", err)
	} else if rec.Month == month && rec.Used > 0 {
		used = rec.Used
	}

	return Usage{
		Used:      used,
		Remaining: max(0, t.limit-used),
		Limit:     t.limit,
		Month:     month,
		ResetDate: NextResetDate(now),
	}
}

// ShouldUsePrimary is true while usage stays strictly below floor(limit * 0.9)
func (t *Tracker) ShouldUsePrimary(ctx context.Context) bool {
	usage := t.CurrentUsage(ctx)
	return usage.Used < BufferLimit(t.limit)
}

// Status returns the gauge for UI display
func (t *Tracker) Status(ctx context.Context) Status {
	return t.statusFor(t.CurrentUsage(ctx))
}

func (t *Tracker) statusFor(usage Usage) Status {
	level := Level(usage.Used, usage.Limit)

	var msg string
	switch level {
	case StatusGreen:
		msg = t.printer.Sprintf(msgRemainingGreen, usage.Remaining)
	case StatusYellow:
		msg = t.printer.Sprintf(msgRemainingYellow, usage.Remaining)
	default:
		msg = t.printer.Sprintf(msgRemainingRed, usage.Remaining)
	}

	return Status{
		Percentage: Percentage(usage.Used, usage.Limit),
		Status:     level,
		Message:    msg,
	}
}

// Reset zeroes usage for the current month (admin override)
func (t *Tracker) Reset(ctx context.Context) error {
	rec := Record{Month: MonthKey(t.now()), Used: 0}
	if err := t.store.Save(ctx, t.scope, rec); err != nil {
		return fmt.Errorf("failed to reset quota for scope %s: %w", t.scope, err)
	}
	t.logger.Info("OCR quota reset", "scope", t.scope, "month", rec.Month)
	return nil
}

// MonthKey formats t as YYYY-MM
func MonthKey(t time.Time) string {
	return t.Format("2006-01")
}

// NextResetDate is midnight on the first day of the month after t
func NextResetDate(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month()+1, 1, 0, 0, 0, 0, t.Location())
}

// BufferLimit is floor(limit * 0.9) without float rounding
func BufferLimit(limit int) int {
	if limit <= 0 {
		return 0
	}
	return limit * safetyBufferPercent / 100
}

// Percentage is used/limit*100; a non-positive limit reads as exhausted
func Percentage(used, limit int) float64 {
	if limit <= 0 {
		return 100
	}
	return float64(used) * 100 / float64(limit)
}

// Level maps usage onto the gauge tiers; boundaries belong to the upper tier
func Level(used, limit int) StatusLevel {
	if limit <= 0 {
		return StatusRed
	}
	switch {
	case used*100 < yellowThresholdPercent*limit:
		return StatusGreen
	case used*100 < redThresholdPercent*limit:
		return StatusYellow
	default:
		return StatusRed
	}
}
