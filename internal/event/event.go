// Package event defines the unit of work routed from the upstream bus to live sessions. Producers address an event to
// exactly one of a guild, a set of guilds, a user, or a set of users; the registry fans plural forms out into singular
// copies before delivery.
package event

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"
)

// Event is a single domain event as published on the upstream bus.
type Event struct {
	Name string         `msgpack:"name" json:"name"`
	Data map[string]any `msgpack:"data" json:"data"`

	// Addressing. Exactly one of these should be set by the producer; when several are set the registry applies the
	// priority GuildID > GuildIDs > UserID > UserIDs.
	GuildID  *uint64  `msgpack:"guild_id" json:"guild_id,omitempty"`
	GuildIDs []uint64 `msgpack:"guild_ids" json:"guild_ids,omitempty"`
	UserID   *uint64  `msgpack:"user_id" json:"user_id,omitempty"`
	UserIDs  []uint64 `msgpack:"user_ids" json:"user_ids,omitempty"`
}

// Decode parses a MessagePack-encoded upstream message body into an Event.
func Decode(body []byte) (*Event, error) {
	var ev Event
	if err := msgpack.Unmarshal(body, &ev); err != nil {
		return nil, fmt.Errorf("decode bus event: %w", err)
	}
	return &ev, nil
}

// ForGuild returns a copy of the event addressed to a single guild. The name and data are shared with the original;
// data is never mutated after decode, so sharing is safe across sessions.
func (e *Event) ForGuild(guildID uint64) *Event {
	id := guildID
	return &Event{Name: e.Name, Data: e.Data, GuildID: &id}
}

// ForUser returns a copy of the event addressed to a single user.
func (e *Event) ForUser(userID uint64) *Event {
	id := userID
	return &Event{Name: e.Name, Data: e.Data, UserID: &id}
}
