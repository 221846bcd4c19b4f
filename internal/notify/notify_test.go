package notify

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestPost(t *testing.T) {
	var buf bytes.Buffer
	logger := zerolog.New(&buf)
	rec := &Recorder{}

	Post(context.Background(), rec, logger, ChannelDuty, "hello")
	Post(context.Background(), rec, logger, ChannelZone, "")
	Post(context.Background(), nil, logger, ChannelZone, "dropped")

	got := rec.Messages()
	if len(got) != 1 || got[0] != (Message{Channel: ChannelDuty, Text: "hello"}) {
		t.Errorf("Messages() = %+v", got)
	}
	if buf.Len() != 0 {
		t.Errorf("unexpected log output: %s", buf.String())
	}
}

func TestPost_LogsFailure(t *testing.T) {
	var buf bytes.Buffer
	rec := &Recorder{Err: errors.New("channel gone")}

	Post(context.Background(), rec, zerolog.New(&buf), ChannelReport, "summary")

	if !strings.Contains(buf.String(), "channel gone") {
		t.Errorf("failure not logged: %q", buf.String())
	}
	if len(rec.On(ChannelReport)) != 1 {
		t.Error("notice not recorded")
	}
}

func TestLogSink(t *testing.T) {
	var buf bytes.Buffer
	sink := NewLogSink(zerolog.New(&buf))

	if err := sink.Post(context.Background(), ChannelLedger, "u: 1h 0m"); err != nil {
		t.Fatalf("Post() error = %v", err)
	}
	out := buf.String()
	if !strings.Contains(out, `"channel":"ledger"`) || !strings.Contains(out, "u: 1h 0m") {
		t.Errorf("log output = %q", out)
	}
}
