package duty

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/goodtune/dutywatch/internal/notify"
)

func TestParseAdjustment(t *testing.T) {
	tests := []struct {
		in      string
		want    float64
		wantErr bool
	}{
		{in: "2h", want: 120},
		{in: "30m", want: 30},
		{in: "2h30m", want: 150},
		{in: "2H30M", want: 150},
		{in: " 45m ", want: 45},
		{in: "2h 30m", want: 150},
		{in: "2h\t30m", want: 150},
		{in: "1 h 5 m", want: 65},
		{in: "", wantErr: true},
		{in: "0h", wantErr: true},
		{in: "0h0m", wantErr: true},
		{in: "30", wantErr: true},
		{in: "30m2h", wantErr: true},
		{in: "-5m", wantErr: true},
		{in: "1.5h", wantErr: true},
		{in: "30m 2h", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAdjustment(tt.in)
			if tt.wantErr {
				if !errors.Is(err, ErrInvalidAdjustment) {
					t.Fatalf("ParseAdjustment(%q) error = %v, want ErrInvalidAdjustment", tt.in, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAdjustment(%q) error = %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseAdjustment(%q) = %v, want %v", tt.in, got, tt.want)
			}
		})
	}
}

func TestParseDirection(t *testing.T) {
	for in, want := range map[string]Direction{"add": Add, "ADD": Add, " subtract ": Subtract} {
		got, err := ParseDirection(in)
		if err != nil || got != want {
			t.Errorf("ParseDirection(%q) = %v, %v", in, got, err)
		}
	}
	if _, err := ParseDirection("multiply"); !errors.Is(err, ErrInvalidAdjustment) {
		t.Errorf("ParseDirection(multiply) error = %v", err)
	}
}

func TestAdjust(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, time.Date(2025, 1, 1, 9, 0, 0, 0, ict))

	changes, err := env.tracker.Adjust(ctx, "u1", "2025-01-01", 90, Add)
	if err != nil {
		t.Fatalf("Adjust(add) error = %v", err)
	}
	if len(changes) != 1 || changes[0].Old != 0 || changes[0].New != 90 {
		t.Errorf("add changes = %+v", changes)
	}

	changes, err = env.tracker.Adjust(ctx, "u1", "2025-01-01", 500, Subtract)
	if err != nil {
		t.Fatalf("Adjust(subtract) error = %v", err)
	}
	if got := env.tracker.LedgerMinutes("u1", "2025-01-01"); got != 0 {
		t.Errorf("after subtract = %v, want floor of 0", got)
	}
	if len(changes) != 1 || changes[0].Old != 90 || changes[0].New != 0 {
		t.Errorf("subtract changes = %+v", changes)
	}

	if got := len(env.sink.On(notify.ChannelLedger)); got != 2 {
		t.Errorf("ledger notices = %d, want 2", got)
	}
}

func TestAdjust_DoesNotTouchSessions(t *testing.T) {
	ctx := context.Background()
	t0 := time.Date(2025, 1, 1, 9, 0, 0, 0, ict)
	env := newTestEnv(t, t0)

	env.tracker.Start(ctx, "u1", "g1")
	if _, err := env.tracker.Adjust(ctx, "u1", "2025-01-01", 60, Subtract); err != nil {
		t.Fatalf("Adjust() error = %v", err)
	}
	rec, open := env.tracker.Session("u1")
	if !open || !rec.StartedAt.Equal(t0) {
		t.Errorf("session = %+v, %v", rec, open)
	}
}

func TestAdjust_Invalid(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, time.Date(2025, 1, 1, 9, 0, 0, 0, ict))

	tests := []struct {
		name    string
		user    string
		date    string
		minutes float64
		dir     Direction
	}{
		{name: "zero minutes", user: "u1", date: "2025-01-01", minutes: 0, dir: Add},
		{name: "negative minutes", user: "u1", date: "2025-01-01", minutes: -5, dir: Add},
		{name: "bad date", user: "u1", date: "01/01/2025", minutes: 5, dir: Add},
		{name: "bad direction", user: "u1", date: "2025-01-01", minutes: 5, dir: Direction("double")},
		{name: "missing user", user: "", date: "2025-01-01", minutes: 5, dir: Add},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := env.tracker.Adjust(ctx, tt.user, tt.date, tt.minutes, tt.dir)
			if !errors.Is(err, ErrInvalidAdjustment) {
				t.Fatalf("Adjust() error = %v, want ErrInvalidAdjustment", err)
			}
		})
	}

	if n := env.store.ledger.saveCount(); n != 0 {
		t.Errorf("ledger saved %d times, want 0", n)
	}
	if len(env.sink.Messages()) != 0 {
		t.Errorf("notices = %+v, want none", env.sink.Messages())
	}
}

func TestAdjustToday(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t, time.Date(2025, 1, 1, 23, 59, 0, 0, ict))

	date, _, err := env.tracker.AdjustToday(ctx, "u1", 15, Add)
	if err != nil {
		t.Fatalf("AdjustToday() error = %v", err)
	}
	if date != "2025-01-01" {
		t.Errorf("date = %s, want 2025-01-01", date)
	}
	notices := env.sink.On(notify.ChannelLedger)
	if len(notices) != 1 || !strings.Contains(notices[0], "0h 15m (was 0h 0m)") {
		t.Errorf("ledger notices = %q", notices)
	}
}
