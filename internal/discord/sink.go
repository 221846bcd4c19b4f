package discord

import (
	"context"
	"fmt"

	"github.com/bwmarrin/discordgo"
	"github.com/goodtune/dutywatch/internal/config"
	"github.com/goodtune/dutywatch/internal/notify"
)

// Discord rejects messages longer than this.
const maxMessageLength = 2000

type messageSender interface {
	ChannelMessageSend(channelID, content string, options ...discordgo.RequestOption) (*discordgo.Message, error)
}

// Sink posts notices to the channels configured for each logical channel.
type Sink struct {
	api      messageSender
	channels map[notify.Channel]string
}

// NewSink creates a sink. Logical channels without an ID are dropped silently.
func NewSink(api messageSender, cfg config.ChannelsConfig) *Sink {
	return &Sink{
		api: api,
		channels: map[notify.Channel]string{
			notify.ChannelDuty:   cfg.Duty,
			notify.ChannelLedger: cfg.Ledger,
			notify.ChannelZone:   cfg.Zone,
			notify.ChannelReport: cfg.Report,
		},
	}
}

// Post implements notify.Sink.
func (s *Sink) Post(ctx context.Context, channel notify.Channel, text string) error {
	id := s.channels[channel]
	if id == "" {
		return nil
	}
	for _, part := range chunk(text, maxMessageLength) {
		if _, err := s.api.ChannelMessageSend(id, part, discordgo.WithContext(ctx)); err != nil {
			return fmt.Errorf("failed to send to channel %s: %w", id, err)
		}
	}
	return nil
}

// chunk splits text into pieces of at most limit bytes, preferring line
// breaks.
func chunk(text string, limit int) []string {
	var parts []string
	for len(text) > limit {
		cut := limit
		for i := limit; i > 0; i-- {
			if text[i-1] == '\n' {
				cut = i
				break
			}
		}
		if cut == limit {
			// Avoid splitting a UTF-8 sequence.
			for cut > 0 && text[cut]&0xC0 == 0x80 {
				cut--
			}
		}
		parts = append(parts, text[:cut])
		text = text[cut:]
	}
	if text != "" {
		parts = append(parts, text)
	}
	return parts
}
