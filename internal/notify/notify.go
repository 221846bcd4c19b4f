// Package notify defines where human-readable notices go.
package notify

import (
	"context"
	"sync"

	"github.com/goodtune/dutywatch/internal/metrics"
	"github.com/rs/zerolog"
)

// Channel is a logical destination for notices.
type Channel string

const (
	// ChannelDuty receives session start/stop and registration notices.
	ChannelDuty Channel = "duty"
	// ChannelLedger receives ledger change listings.
	ChannelLedger Channel = "ledger"
	// ChannelZone receives zone entry and exit notices.
	ChannelZone Channel = "zone"
	// ChannelReport receives the daily summary.
	ChannelReport Channel = "report"
)

// Channels lists every logical channel.
var Channels = []Channel{ChannelDuty, ChannelLedger, ChannelZone, ChannelReport}

// Sink posts a notice. Delivery is best effort; callers log the error and
// move on.
type Sink interface {
	Post(ctx context.Context, channel Channel, text string) error
}

// Post delivers text through sink, logging and counting the outcome.
func Post(ctx context.Context, sink Sink, logger zerolog.Logger, channel Channel, text string) {
	if sink == nil || text == "" {
		return
	}
	if err := sink.Post(ctx, channel, text); err != nil {
		metrics.NotificationsTotal.WithLabelValues(string(channel), "error").Inc()
		logger.Warn().Err(err).Str("channel", string(channel)).Msg("Failed to post notification")
		return
	}
	metrics.NotificationsTotal.WithLabelValues(string(channel), "ok").Inc()
}

// LogSink writes notices to a logger. It is used when no chat backend is
// configured.
type LogSink struct {
	logger zerolog.Logger
}

// NewLogSink creates a sink that logs every notice at info level.
func NewLogSink(logger zerolog.Logger) *LogSink {
	return &LogSink{logger: logger.With().Str("component", "notify").Logger()}
}

// Post implements Sink.
func (s *LogSink) Post(_ context.Context, channel Channel, text string) error {
	s.logger.Info().Str("channel", string(channel)).Msg(text)
	return nil
}

// Message is a notice captured by a Recorder.
type Message struct {
	Channel Channel
	Text    string
}

// Recorder keeps every notice in memory.
type Recorder struct {
	mu       sync.Mutex
	messages []Message
	// Err, when set, is returned from Post after recording.
	Err error
}

// Post implements Sink.
func (r *Recorder) Post(_ context.Context, channel Channel, text string) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = append(r.messages, Message{Channel: channel, Text: text})
	return r.Err
}

// Messages returns the notices recorded so far.
func (r *Recorder) Messages() []Message {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Message(nil), r.messages...)
}

// On returns the notices posted to channel.
func (r *Recorder) On(channel Channel) []string {
	var out []string
	for _, m := range r.Messages() {
		if m.Channel == channel {
			out = append(out, m.Text)
		}
	}
	return out
}

// Reset drops every recorded notice.
func (r *Recorder) Reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.messages = nil
}
