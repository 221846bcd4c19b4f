// Package discord connects the duty tracker to a Discord gateway session:
// presence updates feed the tracker, guild members are bootstrapped into the
// registry, notices go to configured channels and chat commands are answered.
package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/goodtune/dutywatch/internal/config"
	"github.com/goodtune/dutywatch/internal/duty"
	"github.com/rs/zerolog"
)

// Intents needed for presences, members and message commands.
const Intents = discordgo.IntentsGuilds |
	discordgo.IntentsGuildMembers |
	discordgo.IntentsGuildPresences |
	discordgo.IntentsGuildMessages |
	discordgo.IntentsMessageContent

// Session wraps a discordgo session. Create it before the tracker so the
// tracker can use its Directory and Sink, then Attach the tracker before
// Open.
type Session struct {
	dg       *discordgo.Session
	cfg      config.DiscordConfig
	dir      *Directory
	sink     *Sink
	tracker  *duty.Tracker
	commands *Commands
	logger   zerolog.Logger

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a session for cfg.Token. Nothing connects until Open.
func New(cfg config.DiscordConfig, logger zerolog.Logger) (*Session, error) {
	if cfg.Token == "" {
		return nil, fmt.Errorf("discord token is required")
	}
	dg, err := discordgo.New("Bot " + cfg.Token)
	if err != nil {
		return nil, fmt.Errorf("failed to create discord session: %w", err)
	}
	dg.Identify.Intents = Intents
	dg.State.TrackPresences = true
	dg.State.TrackMembers = true

	return &Session{
		dg:     dg,
		cfg:    cfg,
		dir:    NewDirectory(dg.State, dg),
		sink:   NewSink(dg, cfg.Channels),
		logger: logger.With().Str("component", "discord").Logger(),
	}, nil
}

// Directory returns the member resolver.
func (s *Session) Directory() *Directory { return s.dir }

// Sink returns the notice sink.
func (s *Session) Sink() *Sink { return s.sink }

// Attach wires the tracker into the event handlers.
func (s *Session) Attach(tracker *duty.Tracker) {
	s.tracker = tracker
	s.commands = NewCommands(tracker, s.cfg.CommandPrefix, s.cfg.AdminUserIDs, s.logger)
}

// Open registers the handlers and connects to the gateway. Handlers run with
// ctx until Close.
func (s *Session) Open(ctx context.Context) error {
	if s.tracker == nil {
		return fmt.Errorf("discord session has no tracker attached")
	}
	s.ctx, s.cancel = context.WithCancel(ctx)

	s.dg.AddHandler(s.onReady)
	s.dg.AddHandler(s.onGuildCreate)
	s.dg.AddHandler(s.onMembersChunk)
	s.dg.AddHandler(s.onMemberUpdate)
	s.dg.AddHandler(s.onPresenceUpdate)
	s.dg.AddHandler(s.onMessageCreate)

	if err := s.dg.Open(); err != nil {
		return fmt.Errorf("failed to open discord gateway: %w", err)
	}
	return nil
}

// Close disconnects from the gateway.
func (s *Session) Close() error {
	if s.cancel != nil {
		s.cancel()
	}
	return s.dg.Close()
}

func (s *Session) onReady(_ *discordgo.Session, r *discordgo.Ready) {
	s.logger.Info().
		Str("user", r.User.Username).
		Int("guilds", len(r.Guilds)).
		Msg("Connected to Discord")
}

// onGuildCreate registers every member already known and asks the gateway
// for the rest of the member list.
func (s *Session) onGuildCreate(dg *discordgo.Session, g *discordgo.GuildCreate) {
	if g.Guild == nil || g.Unavailable {
		return
	}
	s.registerMembers(g.ID, g.Members)
	for _, p := range g.Presences {
		s.tracker.HandlePresence(s.ctx, convertPresence(g.ID, p))
	}

	if err := dg.RequestGuildMembers(g.ID, "", 0, "", true); err != nil {
		s.logger.Warn().Err(err).Str("guild_id", g.ID).Msg("Failed to request guild members")
	}
}

func (s *Session) onMembersChunk(_ *discordgo.Session, c *discordgo.GuildMembersChunk) {
	s.registerMembers(c.GuildID, c.Members)
	for _, p := range c.Presences {
		s.tracker.HandlePresence(s.ctx, convertPresence(c.GuildID, p))
	}
}

func (s *Session) onMemberUpdate(_ *discordgo.Session, m *discordgo.GuildMemberUpdate) {
	if m.Member == nil || m.User == nil {
		return
	}
	s.dir.Forget(m.User.ID, m.GuildID)
}

func (s *Session) registerMembers(guildID string, members []*discordgo.Member) {
	ids := make([]string, 0, len(members))
	for _, m := range members {
		if m == nil || m.User == nil || m.User.Bot {
			continue
		}
		ids = append(ids, m.User.ID)
	}
	if n := s.tracker.RegisterGroup(s.ctx, guildID, ids); n > 0 {
		s.logger.Info().Str("guild_id", guildID).Int("added", n).Msg("Registered guild members")
	}
}

func (s *Session) onPresenceUpdate(_ *discordgo.Session, p *discordgo.PresenceUpdate) {
	if p.User == nil || p.User.Bot {
		return
	}
	presence := convertPresence(p.GuildID, &p.Presence)
	if m, err := s.dg.State.Member(p.GuildID, p.User.ID); err == nil {
		if name := displayName(m); name != "" {
			presence.Username = name
		}
	}
	s.tracker.HandlePresence(s.ctx, presence)
}

func (s *Session) onMessageCreate(dg *discordgo.Session, m *discordgo.MessageCreate) {
	if m.Author == nil || m.Author.Bot {
		return
	}

	req := Request{
		AuthorID:   m.Author.ID,
		AuthorName: m.Author.Username,
		GroupID:    m.GuildID,
		Content:    m.Content,
	}
	if m.Member != nil {
		m.Member.User = m.Author
		req.AuthorName = displayName(m.Member)
	}

	reply, ok := s.commands.Handle(s.ctx, req)
	if !ok || reply == "" {
		return
	}
	for _, part := range chunk(reply, maxMessageLength) {
		if _, err := dg.ChannelMessageSend(m.ChannelID, part, discordgo.WithContext(s.ctx)); err != nil {
			s.logger.Warn().Err(err).Str("channel_id", m.ChannelID).Msg("Failed to send command reply")
			return
		}
	}
}
