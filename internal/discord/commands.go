package discord

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/goodtune/dutywatch/internal/duty"
	"github.com/goodtune/dutywatch/internal/interval"
	"github.com/goodtune/dutywatch/internal/report"
	"github.com/hashicorp/golang-lru/v2/expirable"
	"github.com/rs/zerolog"
)

// CommandCooldown limits how often one user may run onduty/offduty.
const CommandCooldown = 10 * time.Second

const historyDays = 7

var mentionPattern = regexp.MustCompile(`^<@!?(\d+)>$`)

// Request is one chat message addressed to the bot.
type Request struct {
	AuthorID   string
	AuthorName string
	// GroupID is empty for direct messages.
	GroupID string
	Content string
}

// Commands parses and runs chat commands against the tracker.
type Commands struct {
	tracker  *duty.Tracker
	prefix   string
	admins   map[string]bool
	cooldown *expirable.LRU[string, struct{}]
	logger   zerolog.Logger
}

// NewCommands creates the command surface. Commands start with prefix.
func NewCommands(tracker *duty.Tracker, prefix string, adminIDs []string, logger zerolog.Logger) *Commands {
	if prefix == "" {
		prefix = "!"
	}
	admins := make(map[string]bool, len(adminIDs))
	for _, id := range adminIDs {
		admins[strings.TrimSpace(id)] = true
	}
	return &Commands{
		tracker:  tracker,
		prefix:   prefix,
		admins:   admins,
		cooldown: expirable.NewLRU[string, struct{}](4096, nil, CommandCooldown),
		logger:   logger.With().Str("component", "commands").Logger(),
	}
}

type command struct {
	admin    bool
	cooldown bool
	run      func(c *Commands, ctx context.Context, req Request, args []string) string
}

var commands = map[string]command{
	"help":      {run: (*Commands).help},
	"onduty":    {cooldown: true, run: (*Commands).onDuty},
	"offduty":   {cooldown: true, run: (*Commands).offDuty},
	"donduty":   {admin: true, run: (*Commands).forceOnDuty},
	"doffduty":  {admin: true, run: (*Commands).forceOffDuty},
	"time":      {admin: true, run: (*Commands).adjust},
	"checkdays": {admin: true, run: (*Commands).checkDays},
	"checkduty": {admin: true, run: (*Commands).checkDuty},
	"checkoff":  {admin: true, run: (*Commands).checkOff},
	"checkreg":  {admin: true, run: (*Commands).checkReg},
	"vinewood":  {admin: true, run: (*Commands).checkZone},
	"zone":      {admin: true, run: (*Commands).checkZone},
	"playtime":  {admin: true, run: (*Commands).playtime},
	"lichsu":    {admin: true, run: (*Commands).history},
	"history":   {admin: true, run: (*Commands).history},
}

// Handle runs the command in req and returns the reply. ok is false when the
// message is not a command.
func (c *Commands) Handle(ctx context.Context, req Request) (reply string, ok bool) {
	name, args, ok := c.parse(req.Content)
	if !ok {
		return "", false
	}
	cmd, known := commands[name]
	if !known {
		return "", false
	}

	if req.GroupID == "" {
		return fmt.Sprintf("%s%s can only be used in a server.", c.prefix, name), true
	}
	if cmd.admin && !c.IsAdmin(req.AuthorID) {
		return fmt.Sprintf("<@%s>, only admins can use this command.", req.AuthorID), true
	}
	if cmd.cooldown {
		key := name + "/" + req.AuthorID
		if c.cooldown.Contains(key) {
			return fmt.Sprintf("<@%s>, please wait a few seconds before using %s%s again.", req.AuthorID, c.prefix, name), true
		}
		c.cooldown.Add(key, struct{}{})
	}

	c.logger.Debug().
		Str("command", name).
		Str("user_id", req.AuthorID).
		Strs("args", args).
		Msg("Running command")

	return cmd.run(c, ctx, req, args), true
}

// IsAdmin reports whether userID may run privileged commands.
func (c *Commands) IsAdmin(userID string) bool {
	return c.admins[userID]
}

func (c *Commands) parse(content string) (string, []string, bool) {
	content = strings.TrimSpace(content)
	if !strings.HasPrefix(content, c.prefix) {
		return "", nil, false
	}
	fields := strings.Fields(strings.TrimPrefix(content, c.prefix))
	if len(fields) == 0 {
		return "", nil, false
	}
	return strings.ToLower(fields[0]), fields[1:], true
}

// parseUserRef accepts a mention (<@id> or <@!id>) or a bare numeric ID.
func parseUserRef(s string) (string, bool) {
	if m := mentionPattern.FindStringSubmatch(s); m != nil {
		return m[1], true
	}
	if s == "" {
		return "", false
	}
	for _, r := range s {
		if r < '0' || r > '9' {
			return "", false
		}
	}
	return s, true
}

func (c *Commands) usage(format string) string {
	return "Usage: " + c.prefix + format
}

func (c *Commands) help(_ context.Context, req Request, _ []string) string {
	p := c.prefix
	var b strings.Builder
	b.WriteString("Commands:\n")
	fmt.Fprintf(&b, "%sonduty - start your duty session\n", p)
	fmt.Fprintf(&b, "%soffduty - stop your duty session\n", p)
	fmt.Fprintf(&b, "%shelp - show this list", p)
	if c.IsAdmin(req.AuthorID) {
		b.WriteString("\n\nAdmin commands:\n")
		fmt.Fprintf(&b, "%sdonduty @user - start a session for a user\n", p)
		fmt.Fprintf(&b, "%sdoffduty @user - stop a user's session\n", p)
		fmt.Fprintf(&b, "%stime add|subtract @user 2h30m - correct today's duty time\n", p)
		fmt.Fprintf(&b, "%scheckdays DD/MM[-DD/MM] - duty time per user on a day or range\n", p)
		fmt.Fprintf(&b, "%scheckduty - list users on duty\n", p)
		fmt.Fprintf(&b, "%scheckoff - list registered users off duty\n", p)
		fmt.Fprintf(&b, "%scheckreg - list registered users\n", p)
		fmt.Fprintf(&b, "%svinewood - list users inside %s\n", p, c.tracker.ZoneName())
		fmt.Fprintf(&b, "%splaytime [@user] - total duty time\n", p)
		fmt.Fprintf(&b, "%slichsu [@user] - duty time over the last %d days", p, historyDays)
	}
	return b.String()
}

func (c *Commands) onDuty(ctx context.Context, req Request, _ []string) string {
	res := c.tracker.Start(ctx, req.AuthorID, req.GroupID)
	return c.startReply(req.AuthorID, req.AuthorName, res, false)
}

func (c *Commands) offDuty(ctx context.Context, req Request, _ []string) string {
	res := c.tracker.Stop(ctx, req.AuthorID)
	return c.stopReply(req.AuthorName, res, report.ReasonManual)
}

func (c *Commands) forceOnDuty(ctx context.Context, req Request, args []string) string {
	target, ok := c.target(args)
	if !ok {
		return c.usage("donduty @user")
	}
	res := c.tracker.ForceStart(ctx, target, req.GroupID)
	return c.startReply(target, c.tracker.DisplayName(ctx, target), res, true)
}

func (c *Commands) forceOffDuty(ctx context.Context, req Request, args []string) string {
	target, ok := c.target(args)
	if !ok {
		return c.usage("doffduty @user")
	}
	res := c.tracker.ForceStop(ctx, target)
	return c.stopReply(c.tracker.DisplayName(ctx, target), res, report.ReasonForced)
}

func (c *Commands) adjust(ctx context.Context, _ Request, args []string) string {
	const format = "time add|subtract @user 2h30m"
	if len(args) < 3 {
		return c.usage(format)
	}
	dir, err := duty.ParseDirection(args[0])
	if err != nil {
		return c.usage(format)
	}
	target, ok := parseUserRef(args[1])
	if !ok {
		return c.usage(format)
	}
	minutes, err := duty.ParseAdjustment(strings.Join(args[2:], " "))
	if err != nil {
		return "Invalid duration. Use a format like 10m or 2h30m."
	}

	date, _, err := c.tracker.AdjustToday(ctx, target, minutes, dir)
	if errors.Is(err, duty.ErrInvalidAdjustment) {
		return c.usage(format)
	}
	if err != nil {
		c.logger.Error().Err(err).Str("user_id", target).Msg("Adjustment failed")
		return "The adjustment could not be applied."
	}
	return report.Adjusted(c.tracker.DisplayName(ctx, target), string(dir), date, minutes)
}

func (c *Commands) checkDuty(ctx context.Context, _ Request, _ []string) string {
	open := c.tracker.OpenSessions()
	lines := make([]report.OpenSession, 0, len(open))
	for _, s := range open {
		lines = append(lines, report.OpenSession{
			Name:    c.tracker.DisplayName(ctx, s.UserID),
			Since:   s.StartedAt,
			Minutes: s.ElapsedMinutes,
		})
	}
	return report.OnDutyRoster(lines, c.tracker.Location())
}

func (c *Commands) checkDays(ctx context.Context, _ Request, args []string) string {
	const format = "checkdays DD/MM or DD/MM-DD/MM"
	if len(args) == 0 {
		return c.usage(format)
	}
	year := c.tracker.Now().In(c.tracker.Location()).Year()
	from, to, err := parseDayRange(strings.Join(args, ""), year, c.tracker.Location())
	if err != nil {
		return c.usage(format)
	}
	if from.After(to) {
		return "The start date must not be after the end date."
	}

	first, last := from.Format(interval.DateLayout), to.Format(interval.DateLayout)
	registered := c.tracker.Registered()
	lines := make([]report.RangeLine, 0, len(registered))
	for _, id := range sortedKeys(registered) {
		days := c.tracker.LedgerRange(id, first, last)
		if len(days) == 0 {
			continue
		}
		lines = append(lines, report.RangeLine{Name: c.tracker.DisplayName(ctx, id), Days: days})
	}
	return report.DateRange(from, to, lines)
}

func (c *Commands) checkOff(ctx context.Context, _ Request, _ []string) string {
	var names []string
	for _, id := range sortedKeys(c.tracker.Registered()) {
		if _, open := c.tracker.Session(id); open {
			continue
		}
		names = append(names, c.tracker.DisplayName(ctx, id))
	}
	return report.OffDutyRoster(names)
}

func (c *Commands) checkReg(ctx context.Context, _ Request, _ []string) string {
	registered := c.tracker.Registered()
	users := make([]report.RegisteredUser, 0, len(registered))
	for _, id := range sortedKeys(registered) {
		users = append(users, report.RegisteredUser{Name: c.tracker.DisplayName(ctx, id), ID: id})
	}
	return report.RegistryRoster(users)
}

func (c *Commands) checkZone(ctx context.Context, _ Request, _ []string) string {
	users := c.tracker.UsersInZone()
	names := make([]string, 0, len(users))
	for _, id := range users {
		names = append(names, c.tracker.DisplayName(ctx, id))
	}
	return report.ZoneRoster(c.tracker.ZoneName(), names)
}

func (c *Commands) playtime(ctx context.Context, req Request, args []string) string {
	target := c.targetOrSelf(req, args)
	return report.Total(c.tracker.DisplayName(ctx, target), c.tracker.LedgerTotal(target))
}

func (c *Commands) history(ctx context.Context, req Request, args []string) string {
	target := c.targetOrSelf(req, args)
	return report.History(c.tracker.DisplayName(ctx, target), c.tracker.RecentHistory(target, historyDays))
}

func (c *Commands) target(args []string) (string, bool) {
	if len(args) < 1 {
		return "", false
	}
	return parseUserRef(args[0])
}

func (c *Commands) targetOrSelf(req Request, args []string) string {
	if id, ok := c.target(args); ok {
		return id
	}
	return req.AuthorID
}

func (c *Commands) startReply(userID, name string, res duty.StartResult, forced bool) string {
	loc := c.tracker.Location()
	if res.AlreadyOpen {
		return report.SessionAlreadyOpen(name, res.StartedAt, c.elapsed(userID), loc)
	}
	return report.SessionStarted(name, res.StartedAt, loc, forced)
}

func (c *Commands) stopReply(name string, res duty.StopResult, reason report.StopReason) string {
	if !res.WasOpen {
		return report.NotOnDuty(name)
	}
	return report.SessionStopped(name, res.EndedAt, res.ElapsedMinutes, reason, c.tracker.Location())
}

func (c *Commands) elapsed(userID string) float64 {
	for _, s := range c.tracker.OpenSessions() {
		if s.UserID == userID {
			return s.ElapsedMinutes
		}
	}
	return 0
}

// parseDayRange parses "DD/MM" or "DD/MM-DD/MM" in year. Impossible dates
// such as 31/02 are rejected.
func parseDayRange(s string, year int, loc *time.Location) (from, to time.Time, err error) {
	start, end, isRange := strings.Cut(s, "-")
	if from, err = parseDay(start, year, loc); err != nil {
		return time.Time{}, time.Time{}, err
	}
	if !isRange {
		return from, from, nil
	}
	if to, err = parseDay(end, year, loc); err != nil {
		return time.Time{}, time.Time{}, err
	}
	return from, to, nil
}

func parseDay(s string, year int, loc *time.Location) (time.Time, error) {
	dayStr, monthStr, ok := strings.Cut(strings.TrimSpace(s), "/")
	if !ok {
		return time.Time{}, fmt.Errorf("invalid date %q", s)
	}
	day, err := strconv.Atoi(dayStr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid day %q", dayStr)
	}
	month, err := strconv.Atoi(monthStr)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid month %q", monthStr)
	}
	d := time.Date(year, time.Month(month), day, 0, 0, 0, 0, loc)
	if d.Day() != day || int(d.Month()) != month {
		return time.Time{}, fmt.Errorf("invalid date %q", s)
	}
	return d, nil
}

func sortedKeys(m map[string]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
