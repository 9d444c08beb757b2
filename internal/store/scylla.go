package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/gocql/gocql"
	"github.com/rs/zerolog"
)

// Scylla implements Store on top of a ScyllaDB (or Cassandra) cluster. The gateway only ever touches the presences
// table with writes; everything else is read-only lookups driven by the Ready snapshot.
type Scylla struct {
	sess *gocql.Session
	log  zerolog.Logger
}

// NewScylla connects to the cluster and returns a Store backed by it.
func NewScylla(hosts []string, keyspace, username, password string, log zerolog.Logger) (*Scylla, error) {
	cluster := gocql.NewCluster(hosts...)
	cluster.Keyspace = keyspace
	cluster.Consistency = gocql.LocalQuorum
	cluster.Timeout = 10 * time.Second
	if username != "" {
		cluster.Authenticator = gocql.PasswordAuthenticator{Username: username, Password: password}
	}

	sess, err := cluster.CreateSession()
	if err != nil {
		return nil, fmt.Errorf("connect scylla: %w", err)
	}
	return &Scylla{sess: sess, log: log.With().Str("component", "store").Logger()}, nil
}

// Close tears down the cluster session.
func (s *Scylla) Close() {
	s.sess.Close()
}

func (s *Scylla) one(ctx context.Context, stmt string, args ...any) (Row, error) {
	row := make(Row)
	if err := s.sess.Query(stmt, args...).WithContext(ctx).MapScan(row); err != nil {
		if errors.Is(err, gocql.ErrNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query %q: %w", stmt, err)
	}
	return row, nil
}

func (s *Scylla) all(ctx context.Context, stmt string, args ...any) ([]Row, error) {
	iter := s.sess.Query(stmt, args...).WithContext(ctx).Iter()
	var rows []Row
	for {
		row := make(Row)
		if !iter.MapScan(row) {
			break
		}
		rows = append(rows, row)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("query %q: %w", stmt, err)
	}
	return rows, nil
}

func (s *Scylla) UserByID(ctx context.Context, userID uint64) (Row, error) {
	row, err := s.one(ctx, `SELECT * FROM users WHERE id = ?`, int64(userID))
	if err != nil {
		return nil, err
	}
	return redactUser(row), nil
}

func (s *Scylla) UserPasswordHash(ctx context.Context, userID uint64) (string, error) {
	var hash string
	err := s.sess.Query(`SELECT password FROM users WHERE id = ?`, int64(userID)).WithContext(ctx).Scan(&hash)
	if errors.Is(err, gocql.ErrNotFound) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("query password hash: %w", err)
	}
	return hash, nil
}

func (s *Scylla) JoinedGuildIDs(ctx context.Context, userID uint64) ([]uint64, error) {
	iter := s.sess.Query(`SELECT guild_id FROM members WHERE user_id = ?`, int64(userID)).WithContext(ctx).Iter()
	var (
		ids []uint64
		gid int64
	)
	for iter.Scan(&gid) {
		ids = append(ids, uint64(gid))
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("query joined guilds: %w", err)
	}
	return ids, nil
}

func (s *Scylla) Guild(ctx context.Context, guildID uint64) (Row, error) {
	return s.one(ctx, `SELECT * FROM guilds WHERE id = ?`, int64(guildID))
}

// GuildChannels lists a guild's channels: categories first, then text channels. Each kind lives in its own table
// keyed by guild_id.
func (s *Scylla) GuildChannels(ctx context.Context, guildID uint64) ([]Row, error) {
	categories, err := s.all(ctx, `SELECT * FROM category_channels WHERE guild_id = ?`, int64(guildID))
	if err != nil {
		return nil, err
	}
	texts, err := s.all(ctx, `SELECT * FROM guild_text_channels WHERE guild_id = ?`, int64(guildID))
	if err != nil {
		return nil, err
	}
	return append(categories, texts...), nil
}

func (s *Scylla) GuildRoles(ctx context.Context, guildID uint64) ([]Row, error) {
	return s.all(ctx, `SELECT * FROM roles WHERE guild_id = ?`, int64(guildID))
}

func (s *Scylla) GuildFeatures(ctx context.Context, guildID uint64) ([]string, error) {
	iter := s.sess.Query(`SELECT value FROM features WHERE guild_id = ?`, int64(guildID)).WithContext(ctx).Iter()
	var (
		features []string
		value    string
	)
	for iter.Scan(&value) {
		features = append(features, value)
	}
	if err := iter.Close(); err != nil {
		return nil, fmt.Errorf("query features: %w", err)
	}
	return features, nil
}

// Relationships returns the user's relationship rows with the target user embedded (credentials stripped). The raw
// user_id/target_id columns are replaced by the embedded object; clients key on user.id.
func (s *Scylla) Relationships(ctx context.Context, userID uint64) ([]Relationship, error) {
	rows, err := s.all(ctx, `SELECT * FROM relationships WHERE user_id = ?`, int64(userID))
	if err != nil {
		return nil, err
	}

	out := make([]Relationship, 0, len(rows))
	for _, rel := range rows {
		targetID := rowUint64(rel, "target_id")
		target, err := s.one(ctx, `SELECT * FROM users WHERE id = ?`, int64(targetID))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				s.log.Warn().Uint64("target_id", targetID).Msg("relationship target missing, skipping")
				continue
			}
			return nil, err
		}

		wire := make(Row, len(rel))
		for k, v := range rel {
			if k == "user_id" || k == "target_id" {
				continue
			}
			wire[k] = v
		}
		wire["user"] = redactUser(target)

		out = append(out, Relationship{TargetID: targetID, Type: rowInt(rel, "type"), Row: wire})
	}
	return out, nil
}

func (s *Scylla) Presence(ctx context.Context, userID uint64) (Row, error) {
	return s.one(ctx, `SELECT * FROM presences WHERE user_id = ?`, int64(userID))
}

func (s *Scylla) Activities(ctx context.Context, userID uint64) ([]Row, error) {
	return s.all(ctx, `SELECT * FROM activities WHERE user_id = ?`, int64(userID))
}

func (s *Scylla) ReadStates(ctx context.Context, userID uint64) ([]Row, error) {
	return s.all(ctx, `SELECT * FROM channel_readstates WHERE user_id = ?`, int64(userID))
}

func (s *Scylla) Settings(ctx context.Context, userID uint64) (Row, error) {
	row, err := s.one(ctx, `SELECT * FROM settings WHERE user_id = ?`, int64(userID))
	if err != nil {
		return nil, err
	}
	return redactSettings(row), nil
}

// UserDMChannels assembles the user's direct and group DM channels. Each channel is the base row merged with its
// kind-specific row, with the other recipients attached and join keys stripped.
func (s *Scylla) UserDMChannels(ctx context.Context, userID uint64) (direct, grouped []Row, err error) {
	memberships, err := s.all(ctx, `SELECT * FROM recipients WHERE user_id = ?`, int64(userID))
	if err != nil {
		return nil, nil, err
	}

	for _, m := range memberships {
		channelID := rowUint64(m, "channel_id")
		base, err := s.one(ctx, `SELECT * FROM channels WHERE id = ?`, int64(channelID))
		if err != nil {
			if errors.Is(err, ErrNotFound) {
				s.log.Warn().Uint64("channel_id", channelID).Msg("recipient row without channel, skipping")
				continue
			}
			return nil, nil, err
		}

		var extra Row
		kind := rowInt(base, "type")
		switch kind {
		case channelTypeDM:
			extra, err = s.one(ctx, `SELECT * FROM dm_channels WHERE channel_id = ?`, int64(channelID))
		case channelTypeGroupDM:
			extra, err = s.one(ctx, `SELECT * FROM group_dm_channels WHERE channel_id = ?`, int64(channelID))
		default:
			continue
		}
		if err != nil && !errors.Is(err, ErrNotFound) {
			return nil, nil, err
		}

		others, err := s.channelRecipients(ctx, channelID, userID)
		if err != nil {
			return nil, nil, err
		}

		ch := mergeChannel(base, extra)
		ch["recipients"] = others

		if kind == channelTypeDM {
			direct = append(direct, ch)
		} else {
			grouped = append(grouped, ch)
		}
	}
	return direct, grouped, nil
}

func (s *Scylla) channelRecipients(ctx context.Context, channelID, selfID uint64) ([]Row, error) {
	rows, err := s.all(ctx, `SELECT * FROM recipients WHERE channel_id = ?`, int64(channelID))
	if err != nil {
		return nil, err
	}
	others := make([]Row, 0, len(rows))
	for _, r := range rows {
		if rowUint64(r, "user_id") == selfID {
			continue
		}
		others = append(others, r)
	}
	return others, nil
}

// PresenceUpsert writes the user's presence. A CQL UPDATE inserts the row when it does not exist yet.
func (s *Scylla) PresenceUpsert(ctx context.Context, userID uint64, status, clientStatus string) error {
	err := s.sess.Query(`UPDATE presences SET status = ?, client_status = ? WHERE user_id = ?`,
		status, clientStatus, int64(userID)).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("upsert presence: %w", err)
	}
	return nil
}

// PresenceMarkInvisible flips the user's presence to invisible when their last session closes, unless invisible is
// already their preferred status (in which case the stored presence must keep it).
func (s *Scylla) PresenceMarkInvisible(ctx context.Context, userID uint64) error {
	settings, err := s.Settings(ctx, userID)
	if err != nil && !errors.Is(err, ErrNotFound) {
		return err
	}
	if settings != nil && rowString(settings, "status") == StatusInvisible {
		return nil
	}

	err = s.sess.Query(`UPDATE presences SET status = ? WHERE user_id = ?`,
		StatusInvisible, int64(userID)).WithContext(ctx).Exec()
	if err != nil {
		return fmt.Errorf("mark presence invisible: %w", err)
	}
	return nil
}

// Channel types as stored in the channels table.
const (
	channelTypeGuildText = 0
	channelTypeDM        = 1
	channelTypeGroupDM   = 2
	channelTypeCategory  = 3
)

// mergeChannel overlays a kind-specific row onto the base channel row and drops the join keys. The base row's id wins
// over the extra row's channel_id.
func mergeChannel(base, extra Row) Row {
	out := make(Row, len(base)+len(extra))
	for k, v := range extra {
		out[k] = v
	}
	for k, v := range base {
		out[k] = v
	}
	delete(out, "channel_id")
	delete(out, "guild_id")
	return out
}
