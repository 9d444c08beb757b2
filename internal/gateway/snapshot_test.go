package gateway

import (
	"context"
	"errors"
	"reflect"
	"testing"

	"github.com/rs/zerolog"

	"github.com/discend-chat/discend-gateway/internal/store"
)

// fakeStore implements store.Store over in-memory maps.
type fakeStore struct {
	users      map[uint64]store.Row
	hashes     map[uint64]string
	joined     map[uint64][]uint64
	guilds     map[uint64]store.Row
	channels   map[uint64][]store.Row
	roles      map[uint64][]store.Row
	features   map[uint64][]string
	rels       map[uint64][]store.Relationship
	presences  map[uint64]store.Row
	activities map[uint64][]store.Row
	readStates map[uint64][]store.Row
	settings   map[uint64]store.Row
	directDMs  map[uint64][]store.Row
	groupedDMs map[uint64][]store.Row

	upserts   []presenceWrite
	invisible []uint64
}

type presenceWrite struct {
	userID       uint64
	status       string
	clientStatus string
}

func (f *fakeStore) UserByID(_ context.Context, id uint64) (store.Row, error) {
	if row, ok := f.users[id]; ok {
		return row, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) UserPasswordHash(_ context.Context, id uint64) (string, error) {
	if h, ok := f.hashes[id]; ok {
		return h, nil
	}
	return "", store.ErrNotFound
}

func (f *fakeStore) JoinedGuildIDs(_ context.Context, id uint64) ([]uint64, error) {
	return f.joined[id], nil
}

func (f *fakeStore) Guild(_ context.Context, id uint64) (store.Row, error) {
	if row, ok := f.guilds[id]; ok {
		return row, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) GuildChannels(_ context.Context, id uint64) ([]store.Row, error) {
	return f.channels[id], nil
}

func (f *fakeStore) GuildRoles(_ context.Context, id uint64) ([]store.Row, error) {
	return f.roles[id], nil
}

func (f *fakeStore) GuildFeatures(_ context.Context, id uint64) ([]string, error) {
	return f.features[id], nil
}

func (f *fakeStore) Relationships(_ context.Context, id uint64) ([]store.Relationship, error) {
	return f.rels[id], nil
}

func (f *fakeStore) Presence(_ context.Context, id uint64) (store.Row, error) {
	if row, ok := f.presences[id]; ok {
		return row, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) Activities(_ context.Context, id uint64) ([]store.Row, error) {
	return f.activities[id], nil
}

func (f *fakeStore) ReadStates(_ context.Context, id uint64) ([]store.Row, error) {
	return f.readStates[id], nil
}

func (f *fakeStore) Settings(_ context.Context, id uint64) (store.Row, error) {
	if row, ok := f.settings[id]; ok {
		return row, nil
	}
	return nil, store.ErrNotFound
}

func (f *fakeStore) UserDMChannels(_ context.Context, id uint64) ([]store.Row, []store.Row, error) {
	return f.directDMs[id], f.groupedDMs[id], nil
}

func (f *fakeStore) PresenceUpsert(_ context.Context, id uint64, status, clientStatus string) error {
	f.upserts = append(f.upserts, presenceWrite{userID: id, status: status, clientStatus: clientStatus})
	return nil
}

func (f *fakeStore) PresenceMarkInvisible(_ context.Context, id uint64) error {
	f.invisible = append(f.invisible, id)
	return nil
}

func TestAssembleReady(t *testing.T) {
	t.Parallel()

	fs := &fakeStore{
		settings:   map[uint64]store.Row{1: {"status": "dnd", "theme": "dark"}},
		readStates: map[uint64][]store.Row{1: {{"channel_id": int64(5), "mention_count": 2}}},
		rels: map[uint64][]store.Relationship{1: {
			{TargetID: 2, Type: store.RelationshipFriend, Row: store.Row{"type": 0, "user": store.Row{"id": int64(2)}}},
			{TargetID: 3, Type: store.RelationshipBlock, Row: store.Row{"type": 1, "user": store.Row{"id": int64(3)}}},
		}},
		presences:  map[uint64]store.Row{2: {"user_id": int64(2), "status": "online"}},
		activities: map[uint64][]store.Row{2: {{"type": 0, "content": "playing"}}},
		directDMs:  map[uint64][]store.Row{1: {{"id": int64(40), "type": 1}}},
	}
	r := NewRegistry(fs, nil, nil, testConfig(), zerolog.Nop())

	ready, err := r.assembleReady(context.Background(), 1, "sess-a", []uint64{10, 20})
	if err != nil {
		t.Fatalf("assembleReady() error = %v", err)
	}

	if ready["session_id"] != "sess-a" {
		t.Errorf("session_id = %v, want sess-a", ready["session_id"])
	}
	if !reflect.DeepEqual(ready["guilds"], []uint64{10, 20}) {
		t.Errorf("guilds = %v, want bare id list", ready["guilds"])
	}

	rels := ready["relationships"].([]store.Row)
	if len(rels) != 2 {
		t.Fatalf("relationships = %d entries, want 2", len(rels))
	}

	// Only the friend (type 0) with a stored presence contributes a friend presence, with activities attached.
	friends := ready["friend_presences"].([]store.Row)
	if len(friends) != 1 {
		t.Fatalf("friend_presences = %d entries, want 1", len(friends))
	}
	if acts := friends[0]["activities"].([]store.Row); len(acts) != 1 {
		t.Errorf("friend activities = %d entries, want 1", len(acts))
	}

	dms := ready["direct_messages"].(map[string]any)
	if single := dms["single"].([]store.Row); len(single) != 1 {
		t.Errorf("direct_messages.single = %d entries, want 1", len(single))
	}
	if grouped := dms["grouped"].([]store.Row); len(grouped) != 0 {
		t.Errorf("direct_messages.grouped = %d entries, want 0", len(grouped))
	}
}

func TestAssembleReadyFriendWithoutPresenceSkipped(t *testing.T) {
	t.Parallel()

	fs := &fakeStore{
		settings: map[uint64]store.Row{1: {"status": "online"}},
		rels: map[uint64][]store.Relationship{1: {
			{TargetID: 2, Type: store.RelationshipFriend, Row: store.Row{"type": 0}},
		}},
	}
	r := NewRegistry(fs, nil, nil, testConfig(), zerolog.Nop())

	ready, err := r.assembleReady(context.Background(), 1, "sess-a", nil)
	if err != nil {
		t.Fatalf("assembleReady() error = %v", err)
	}
	if friends := ready["friend_presences"].([]store.Row); len(friends) != 0 {
		t.Errorf("friend_presences = %d entries, want 0 when presence is missing", len(friends))
	}
	if rels := ready["relationships"].([]store.Row); len(rels) != 1 {
		t.Errorf("relationships = %d entries, want 1", len(rels))
	}
}

func TestAssembleReadyRequiresSettings(t *testing.T) {
	t.Parallel()

	r := NewRegistry(&fakeStore{}, nil, nil, testConfig(), zerolog.Nop())

	if _, err := r.assembleReady(context.Background(), 1, "sess-a", nil); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("assembleReady() error = %v, want ErrNotFound for missing settings", err)
	}
}

func TestAssembleGuild(t *testing.T) {
	t.Parallel()

	fs := &fakeStore{
		guilds:   map[uint64]store.Row{10: {"id": int64(10), "name": "lounge"}},
		channels: map[uint64][]store.Row{10: {{"channel_id": int64(11), "name": "general"}}},
		roles:    map[uint64][]store.Row{10: {{"id": int64(12), "name": "admin"}}},
		features: map[uint64][]string{10: {"THREADS"}},
	}
	r := NewRegistry(fs, nil, nil, testConfig(), zerolog.Nop())

	guild, err := r.assembleGuild(context.Background(), 10)
	if err != nil {
		t.Fatalf("assembleGuild() error = %v", err)
	}
	if guild["name"] != "lounge" {
		t.Errorf("name = %v, want lounge", guild["name"])
	}
	if chs := guild["channels"].([]store.Row); len(chs) != 1 {
		t.Errorf("channels = %d entries, want 1", len(chs))
	}
	if rs := guild["roles"].([]store.Row); len(rs) != 1 {
		t.Errorf("roles = %d entries, want 1", len(rs))
	}
	if fts := guild["features"].([]string); len(fts) != 1 || fts[0] != "THREADS" {
		t.Errorf("features = %v, want [THREADS]", fts)
	}
}

func TestAssembleGuildMissing(t *testing.T) {
	t.Parallel()

	r := NewRegistry(&fakeStore{}, nil, nil, testConfig(), zerolog.Nop())
	if _, err := r.assembleGuild(context.Background(), 10); !errors.Is(err, store.ErrNotFound) {
		t.Errorf("assembleGuild() error = %v, want ErrNotFound", err)
	}
}

func TestApplyPresenceCreatesMissingRow(t *testing.T) {
	t.Parallel()

	fs := &fakeStore{settings: map[uint64]store.Row{1: {"status": "dnd"}}}
	r := NewRegistry(fs, nil, nil, testConfig(), zerolog.Nop())

	if err := r.applyPresence(context.Background(), 1, "web"); err != nil {
		t.Fatalf("applyPresence() error = %v", err)
	}
	want := []presenceWrite{{userID: 1, status: "dnd", clientStatus: "web"}}
	if !reflect.DeepEqual(fs.upserts, want) {
		t.Errorf("upserts = %v, want %v", fs.upserts, want)
	}
}

func TestApplyPresenceDefaultsToOnline(t *testing.T) {
	t.Parallel()

	fs := &fakeStore{}
	r := NewRegistry(fs, nil, nil, testConfig(), zerolog.Nop())

	if err := r.applyPresence(context.Background(), 1, "desktop"); err != nil {
		t.Fatalf("applyPresence() error = %v", err)
	}
	want := []presenceWrite{{userID: 1, status: store.StatusOnline, clientStatus: "desktop"}}
	if !reflect.DeepEqual(fs.upserts, want) {
		t.Errorf("upserts = %v, want %v", fs.upserts, want)
	}
}

func TestApplyPresenceRestoresInvisible(t *testing.T) {
	t.Parallel()

	fs := &fakeStore{
		settings:  map[uint64]store.Row{1: {"status": "idle"}},
		presences: map[uint64]store.Row{1: {"status": "invisible", "client_status": "mobile"}},
	}
	r := NewRegistry(fs, nil, nil, testConfig(), zerolog.Nop())

	if err := r.applyPresence(context.Background(), 1, ""); err != nil {
		t.Fatalf("applyPresence() error = %v", err)
	}
	want := []presenceWrite{{userID: 1, status: "idle", clientStatus: "mobile"}}
	if !reflect.DeepEqual(fs.upserts, want) {
		t.Errorf("upserts = %v, want %v", fs.upserts, want)
	}
}

func TestApplyPresenceRespectsPreferredInvisible(t *testing.T) {
	t.Parallel()

	fs := &fakeStore{
		settings:  map[uint64]store.Row{1: {"status": "invisible"}},
		presences: map[uint64]store.Row{1: {"status": "invisible", "client_status": "web"}},
	}
	r := NewRegistry(fs, nil, nil, testConfig(), zerolog.Nop())

	if err := r.applyPresence(context.Background(), 1, "web"); err != nil {
		t.Fatalf("applyPresence() error = %v", err)
	}
	if len(fs.upserts) != 0 {
		t.Errorf("upserts = %v, want none when invisible is the preference", fs.upserts)
	}
}

func TestApplyPresenceLeavesActiveStatusAlone(t *testing.T) {
	t.Parallel()

	fs := &fakeStore{
		settings:  map[uint64]store.Row{1: {"status": "online"}},
		presences: map[uint64]store.Row{1: {"status": "dnd", "client_status": "web"}},
	}
	r := NewRegistry(fs, nil, nil, testConfig(), zerolog.Nop())

	if err := r.applyPresence(context.Background(), 1, "web"); err != nil {
		t.Fatalf("applyPresence() error = %v", err)
	}
	if len(fs.upserts) != 0 {
		t.Errorf("upserts = %v, want none when presence is already active", fs.upserts)
	}
}
