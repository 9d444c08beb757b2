package store

import (
	"reflect"
	"testing"
)

func TestRedactUser(t *testing.T) {
	t.Parallel()

	in := Row{"id": int64(1), "username": "iris", "password": "hash", "email": "iris@example.com"}
	got := redactUser(in)

	if _, ok := got["password"]; ok {
		t.Error("redacted user still carries password")
	}
	if _, ok := got["email"]; ok {
		t.Error("redacted user still carries email")
	}
	if got["username"] != "iris" {
		t.Errorf("username = %v, want iris", got["username"])
	}
	if _, ok := in["password"]; !ok {
		t.Error("redactUser mutated its input")
	}
}

func TestRedactSettings(t *testing.T) {
	t.Parallel()

	got := redactSettings(Row{"user_id": int64(1), "status": "dnd", "mfa_code": "secret"})
	if _, ok := got["mfa_code"]; ok {
		t.Error("redacted settings still carry mfa_code")
	}
	if got["status"] != "dnd" {
		t.Errorf("status = %v, want dnd", got["status"])
	}
}

func TestMergeChannel(t *testing.T) {
	t.Parallel()

	base := Row{"id": int64(10), "type": 1, "name": "dm"}
	extra := Row{"channel_id": int64(10), "last_message_id": int64(99)}

	got := mergeChannel(base, extra)
	want := Row{"id": int64(10), "type": 1, "name": "dm", "last_message_id": int64(99)}
	if !reflect.DeepEqual(got, want) {
		t.Errorf("mergeChannel() = %v, want %v", got, want)
	}
}

func TestMergeChannelBaseWins(t *testing.T) {
	t.Parallel()

	got := mergeChannel(Row{"id": int64(10), "name": "base"}, Row{"name": "extra", "guild_id": int64(5)})
	if got["name"] != "base" {
		t.Errorf("name = %v, base row must win on overlap", got["name"])
	}
	if _, ok := got["guild_id"]; ok {
		t.Error("merged channel still carries guild_id")
	}
}

func TestRowUint64(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		row  Row
		want uint64
	}{
		{"int64", Row{"id": int64(77)}, 77},
		{"int", Row{"id": 77}, 77},
		{"missing", Row{}, 0},
		{"wrong type", Row{"id": "77"}, 0},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			if got := rowUint64(tt.row, "id"); got != tt.want {
				t.Errorf("rowUint64() = %d, want %d", got, tt.want)
			}
		})
	}
}
