package duty

import (
	"context"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/goodtune/dutywatch/internal/interval"
	"github.com/goodtune/dutywatch/internal/ledger"
	"github.com/goodtune/dutywatch/internal/metrics"
)

var adjustmentPattern = regexp.MustCompile(`^(?:(\d+)h)?(?:(\d+)m)?$`)

// ParseAdjustment parses "2h", "30m" or "2h30m" (any case, spaces ignored,
// so "2h 30m" works too) into minutes. Empty, zero and malformed inputs
// return ErrInvalidAdjustment.
func ParseAdjustment(s string) (float64, error) {
	s = strings.ToLower(strings.Join(strings.Fields(s), ""))
	m := adjustmentPattern.FindStringSubmatch(s)
	if s == "" || m == nil {
		return 0, fmt.Errorf("%w: %q is not a duration like 2h30m", ErrInvalidAdjustment, s)
	}

	var minutes int
	if m[1] != "" {
		h, err := strconv.Atoi(m[1])
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidAdjustment, err)
		}
		minutes += h * 60
	}
	if m[2] != "" {
		mm, err := strconv.Atoi(m[2])
		if err != nil {
			return 0, fmt.Errorf("%w: %v", ErrInvalidAdjustment, err)
		}
		minutes += mm
	}
	if minutes <= 0 {
		return 0, fmt.Errorf("%w: duration must be greater than zero", ErrInvalidAdjustment)
	}
	return float64(minutes), nil
}

// Adjust adds or subtracts minutes on one date bucket of user. Subtraction
// floors at zero. Sessions are never touched. Invalid input is rejected
// before any mutation.
func (t *Tracker) Adjust(ctx context.Context, userID, date string, minutes float64, dir Direction) ([]ledger.Change, error) {
	if userID == "" {
		return nil, fmt.Errorf("%w: missing user", ErrInvalidAdjustment)
	}
	if minutes <= 0 {
		return nil, fmt.Errorf("%w: minutes must be greater than zero", ErrInvalidAdjustment)
	}
	if dir != Add && dir != Subtract {
		return nil, fmt.Errorf("%w: unknown direction %q", ErrInvalidAdjustment, dir)
	}
	if _, err := time.ParseInLocation(interval.DateLayout, date, t.loc); err != nil {
		return nil, fmt.Errorf("%w: bad date %q", ErrInvalidAdjustment, date)
	}

	var changes []ledger.Change
	t.mutate(ctx, func() {
		before := t.ledger.Snapshot(userID)
		if dir == Add {
			t.ledger.Add(userID, date, minutes)
		} else {
			t.ledger.Subtract(userID, date, minutes)
		}
		t.saveLedger(ctx)

		changes = t.ledger.Diff(before)
		t.enqueueLedgerChanges(userID, changes)
		metrics.LedgerAdjustments.WithLabelValues(string(dir)).Inc()

		t.logger.Info().
			Str("user_id", userID).
			Str("date", date).
			Str("direction", string(dir)).
			Float64("minutes", minutes).
			Msg("Adjusted ledger")
	})
	return changes, nil
}

// AdjustToday is Adjust on the current local date. It returns the date used.
func (t *Tracker) AdjustToday(ctx context.Context, userID string, minutes float64, dir Direction) (string, []ledger.Change, error) {
	date := interval.DateOf(t.clock.Now(), t.loc)
	changes, err := t.Adjust(ctx, userID, date, minutes, dir)
	return date, changes, err
}
