package discord

import (
	"context"
	"errors"
	"time"

	"github.com/bwmarrin/discordgo"
	"github.com/goodtune/dutywatch/internal/duty"
	"github.com/hashicorp/golang-lru/v2/expirable"
)

const (
	nameCacheSize = 1024
	nameCacheTTL  = 10 * time.Minute
)

// memberFetcher is the REST call used when the state cache misses.
type memberFetcher interface {
	GuildMember(guildID, userID string, options ...discordgo.RequestOption) (*discordgo.Member, error)
}

// Directory resolves users against the gateway state cache, falling back to
// the REST API. Display names are cached briefly.
type Directory struct {
	state *discordgo.State
	api   memberFetcher
	names *expirable.LRU[string, string]
}

// NewDirectory creates a directory over state and api.
func NewDirectory(state *discordgo.State, api memberFetcher) *Directory {
	return &Directory{
		state: state,
		api:   api,
		names: expirable.NewLRU[string, string](nameCacheSize, nil, nameCacheTTL),
	}
}

// DisplayName implements duty.Directory.
func (d *Directory) DisplayName(ctx context.Context, userID, groupID string) (string, error) {
	key := groupID + "/" + userID
	if name, ok := d.names.Get(key); ok {
		return name, nil
	}

	m, err := d.member(ctx, userID, groupID)
	if err != nil {
		return "", err
	}
	name := displayName(m)
	d.names.Add(key, name)
	return name, nil
}

// Presence implements duty.Directory. A member with no cached presence is
// reported offline.
func (d *Directory) Presence(ctx context.Context, userID, groupID string) (duty.Presence, error) {
	if d.state != nil {
		if p, err := d.state.Presence(groupID, userID); err == nil {
			return convertPresence(groupID, p), nil
		}
	}

	m, err := d.member(ctx, userID, groupID)
	if err != nil {
		return duty.Presence{}, err
	}
	return duty.Presence{
		UserID:   userID,
		GroupID:  groupID,
		Username: displayName(m),
		Status:   duty.StatusOffline,
	}, nil
}

// Forget drops a cached display name, e.g. after a nickname change.
func (d *Directory) Forget(userID, groupID string) {
	d.names.Remove(groupID + "/" + userID)
}

func (d *Directory) member(ctx context.Context, userID, groupID string) (*discordgo.Member, error) {
	if groupID == "" {
		return nil, duty.ErrUnresolvable
	}
	if d.state != nil {
		if m, err := d.state.Member(groupID, userID); err == nil {
			return m, nil
		}
	}
	if d.api == nil {
		return nil, duty.ErrUnresolvable
	}

	m, err := d.api.GuildMember(groupID, userID, discordgo.WithContext(ctx))
	if err != nil {
		return nil, classify(err)
	}
	return m, nil
}

// classify maps "unknown member" and "unknown guild" API errors to
// duty.ErrUnresolvable so the registry can prune them.
func classify(err error) error {
	var rest *discordgo.RESTError
	if errors.As(err, &rest) && rest.Message != nil {
		switch rest.Message.Code {
		case discordgo.ErrCodeUnknownMember, discordgo.ErrCodeUnknownGuild, discordgo.ErrCodeUnknownUser:
			return duty.ErrUnresolvable
		}
	}
	return err
}

func displayName(m *discordgo.Member) string {
	if m == nil {
		return ""
	}
	if m.Nick != "" {
		return m.Nick
	}
	if m.User == nil {
		return ""
	}
	if m.User.GlobalName != "" {
		return m.User.GlobalName
	}
	return m.User.Username
}

func convertPresence(groupID string, p *discordgo.Presence) duty.Presence {
	out := duty.Presence{GroupID: groupID, Status: convertStatus(p.Status)}
	if p.User != nil {
		out.UserID = p.User.ID
		out.Username = p.User.Username
		if p.User.GlobalName != "" {
			out.Username = p.User.GlobalName
		}
	}
	for _, a := range p.Activities {
		if a == nil {
			continue
		}
		out.Activities = append(out.Activities, duty.Activity{Name: a.Name, State: a.State, Details: a.Details})
	}
	return out
}

func convertStatus(s discordgo.Status) duty.Status {
	switch s {
	case discordgo.StatusOnline:
		return duty.StatusOnline
	case discordgo.StatusIdle:
		return duty.StatusIdle
	case discordgo.StatusDoNotDisturb:
		return duty.StatusDND
	}
	// Invisible looks offline to everyone else.
	return duty.StatusOffline
}
