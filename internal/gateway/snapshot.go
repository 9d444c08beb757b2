package gateway

import (
	"context"
	"errors"
	"fmt"

	"github.com/discend-chat/discend-gateway/internal/store"
)

// assembleReady queries everything a freshly identified client needs. Guilds arrive as bare ids; the full guild
// payloads follow as one GUILD_CREATE per guild.
func (r *Registry) assembleReady(ctx context.Context, userID uint64, sessionID string, guildIDs []uint64) (map[string]any, error) {
	settings, err := r.store.Settings(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load settings: %w", err)
	}

	readStates, err := r.store.ReadStates(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load read states: %w", err)
	}

	rels, err := r.store.Relationships(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load relationships: %w", err)
	}

	relationships := make([]store.Row, 0, len(rels))
	friendPresences := make([]store.Row, 0, len(rels))
	for _, rel := range rels {
		relationships = append(relationships, rel.Row)
		if rel.Type != store.RelationshipFriend {
			continue
		}

		presence, err := r.store.Presence(ctx, rel.TargetID)
		if errors.Is(err, store.ErrNotFound) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("load friend presence: %w", err)
		}

		activities, err := r.store.Activities(ctx, rel.TargetID)
		if err != nil {
			return nil, fmt.Errorf("load friend activities: %w", err)
		}

		withActivities := make(store.Row, len(presence)+1)
		for k, v := range presence {
			withActivities[k] = v
		}
		withActivities["activities"] = rowsOrEmpty(activities)
		friendPresences = append(friendPresences, withActivities)
	}

	direct, grouped, err := r.store.UserDMChannels(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("load dm channels: %w", err)
	}

	return map[string]any{
		"session_id":       sessionID,
		"settings":         settings,
		"read_states":      rowsOrEmpty(readStates),
		"relationships":    relationships,
		"friend_presences": friendPresences,
		"guilds":           guildIDs,
		"direct_messages": map[string]any{
			"single":  rowsOrEmpty(direct),
			"grouped": rowsOrEmpty(grouped),
		},
	}, nil
}

// assembleGuild builds one GUILD_CREATE payload: the guild row with channels, roles, and features attached.
func (r *Registry) assembleGuild(ctx context.Context, guildID uint64) (store.Row, error) {
	guild, err := r.store.Guild(ctx, guildID)
	if err != nil {
		return nil, fmt.Errorf("load guild %d: %w", guildID, err)
	}
	channels, err := r.store.GuildChannels(ctx, guildID)
	if err != nil {
		return nil, fmt.Errorf("load channels for guild %d: %w", guildID, err)
	}
	roles, err := r.store.GuildRoles(ctx, guildID)
	if err != nil {
		return nil, fmt.Errorf("load roles for guild %d: %w", guildID, err)
	}
	features, err := r.store.GuildFeatures(ctx, guildID)
	if err != nil {
		return nil, fmt.Errorf("load features for guild %d: %w", guildID, err)
	}
	if features == nil {
		features = []string{}
	}

	guild["channels"] = rowsOrEmpty(channels)
	guild["roles"] = rowsOrEmpty(roles)
	guild["features"] = features
	return guild, nil
}

// applyPresence reconciles the user's stored presence at session start. A missing presence row is created with the
// user's preferred status; a presence left invisible by a previous disconnect is restored unless invisible is the
// preference. clientStatus may be empty to keep whatever the row already carries.
func (r *Registry) applyPresence(ctx context.Context, userID uint64, clientStatus string) error {
	preferred := store.StatusOnline
	settings, err := r.store.Settings(ctx, userID)
	if err != nil && !errors.Is(err, store.ErrNotFound) {
		return err
	}
	if settings != nil {
		if status, _ := settings["status"].(string); status != "" {
			preferred = status
		}
	}

	presence, err := r.store.Presence(ctx, userID)
	if errors.Is(err, store.ErrNotFound) {
		if clientStatus == "" {
			clientStatus = "unknown"
		}
		return r.store.PresenceUpsert(ctx, userID, preferred, clientStatus)
	}
	if err != nil {
		return err
	}

	if clientStatus == "" {
		if existing, _ := presence["client_status"].(string); existing != "" {
			clientStatus = existing
		} else {
			clientStatus = "unknown"
		}
	}

	if status, _ := presence["status"].(string); status == store.StatusInvisible && preferred != store.StatusInvisible {
		return r.store.PresenceUpsert(ctx, userID, preferred, clientStatus)
	}
	return nil
}

// rowsOrEmpty keeps empty collections as [] on the wire instead of null.
func rowsOrEmpty(rows []store.Row) []store.Row {
	if rows == nil {
		return []store.Row{}
	}
	return rows
}
