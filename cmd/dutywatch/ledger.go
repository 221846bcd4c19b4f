package main

import (
	"context"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/dutywatch/internal/config"
	"github.com/goodtune/dutywatch/internal/duty"
	"github.com/goodtune/dutywatch/internal/interval"
	"github.com/goodtune/dutywatch/internal/ledger"
	"github.com/goodtune/dutywatch/internal/notify"
	"github.com/goodtune/dutywatch/internal/report"
	"github.com/spf13/cobra"
)

var (
	ledgerFrom string
	ledgerTo   string
	adjustDate string
)

var ledgerCmd = &cobra.Command{
	Use:   "ledger [USER_ID...]",
	Short: "Print daily duty minutes",
	Long: `Print the per-day duty ledger for the given users, or for every user when
none are given. The data directory is read without taking its lock, so this
is safe while the server is running.`,
	RunE: runLedger,
}

var adjustCmd = &cobra.Command{
	Use:   "adjust add|subtract USER_ID DURATION",
	Short: "Correct a user's duty minutes for one day",
	Long: `Add or subtract duty time on one calendar day. DURATION is written like
10m, 2h or 2h30m. The store is opened with its exclusive lock, so this
refuses to run while the server is using it.`,
	Args: cobra.MinimumNArgs(3),
	RunE: runAdjust,
}

func init() {
	ledgerCmd.Flags().StringVar(&ledgerFrom, "from", "", "First date to include (YYYY-MM-DD)")
	ledgerCmd.Flags().StringVar(&ledgerTo, "to", "", "Last date to include (YYYY-MM-DD)")
	adjustCmd.Flags().StringVar(&adjustDate, "date", "", "Date to adjust (YYYY-MM-DD, default today)")
	rootCmd.AddCommand(ledgerCmd)
	rootCmd.AddCommand(adjustCmd)
}

func runLedger(cmd *cobra.Command, args []string) error {
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	for _, d := range []string{ledgerFrom, ledgerTo} {
		if d == "" {
			continue
		}
		if _, err := time.Parse(interval.DateLayout, d); err != nil {
			return fmt.Errorf("invalid date %q (want YYYY-MM-DD)", d)
		}
	}

	store, err := openStorage(cfg.Storage, true)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	records, err := store.Ledger().Load(cmd.Context())
	if err != nil {
		return fmt.Errorf("failed to load ledger: %w", err)
	}
	l := ledger.FromRecords(records)

	users := args
	if len(users) == 0 {
		users = l.Users()
	}
	printLedger(cmd.OutOrStdout(), l, users, ledgerFrom, ledgerTo)
	return nil
}

// printLedger writes one block per user with a total line.
func printLedger(w io.Writer, l *ledger.Ledger, users []string, from, to string) {
	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen)

	if len(users) == 0 {
		fmt.Fprintln(w, "No ledger entries.")
		return
	}
	for i, user := range users {
		if i > 0 {
			fmt.Fprintln(w)
		}
		_, _ = cyan.Fprintf(w, "[%s]\n", user)

		days := l.Range(user, from, to)
		for _, d := range days {
			fmt.Fprintf(w, "  %s  %s\n", d.Date, report.Minutes(d.Minutes))
		}
		_, _ = green.Fprintf(w, "  total       %s\n", report.Minutes(interval.Total(days)))
	}
}

func runAdjust(cmd *cobra.Command, args []string) error {
	dir, err := duty.ParseDirection(args[0])
	if err != nil {
		return err
	}
	user := args[1]
	minutes, err := duty.ParseAdjustment(strings.Join(args[2:], " "))
	if err != nil {
		return err
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}
	logger := setupLogger(cfg.Logging)

	store, err := openStorage(cfg.Storage, false)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer store.Close()

	loc, err := cfg.Location()
	if err != nil {
		return err
	}

	ctx := cmd.Context()
	if ctx == nil {
		ctx = context.Background()
	}
	tracker := duty.New(store, nil, notify.NewLogSink(logger), nil, duty.Config{Location: loc, ZoneName: cfg.Zone.Name}, logger)
	if err := tracker.Load(ctx); err != nil {
		return fmt.Errorf("failed to load state: %w", err)
	}

	var changes []ledger.Change
	date := adjustDate
	if date == "" {
		date, changes, err = tracker.AdjustToday(ctx, user, minutes, dir)
	} else {
		changes, err = tracker.Adjust(ctx, user, date, minutes, dir)
	}
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	fmt.Fprintln(out, report.Adjusted(user, string(dir), date, minutes))
	for _, c := range changes {
		fmt.Fprintf(out, "  %s: %s (was %s)\n", c.Date, report.Minutes(c.New), report.Minutes(c.Old))
	}
	return nil
}
