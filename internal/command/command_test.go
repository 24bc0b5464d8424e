package command

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aau-zid/schedulight-go/internal/broker"
)

// fakeStore is a minimal in-memory Store used to drive the command
// processor without a live Postgres.
type fakeStore struct {
	rooms map[string]string // uid -> uid, presence means "exists"
	users map[string]bool   // email -> exists
	share map[string]bool   // uid|email -> shared
}

func newFakeStore() *fakeStore {
	return &fakeStore{rooms: map[string]string{}, users: map[string]bool{}, share: map[string]bool{}}
}

func (f *fakeStore) RenameRoom(ctx context.Context, oldValue, newValue, by string) (int64, error) {
	if _, ok := f.rooms[oldValue]; !ok {
		return 0, nil
	}
	delete(f.rooms, oldValue)
	f.rooms[newValue] = newValue
	return 1, nil
}

func (f *fakeStore) ShareRoom(ctx context.Context, roomRef, email, by string) (int64, error) {
	if _, ok := f.rooms[roomRef]; !ok {
		return 0, nil
	}
	f.share[roomRef+"|"+email] = true
	return 1, nil
}

func (f *fakeStore) UnshareRoom(ctx context.Context, roomRef, email, by string) (int64, error) {
	key := roomRef + "|" + email
	if !f.share[key] {
		return 0, nil
	}
	delete(f.share, key)
	return 1, nil
}

func (f *fakeStore) CreateRoom(ctx context.Context, email, meetingName, meetingUID, roomSettings, bbbID, attendeePW, moderatorPW, accessCode string) int64 {
	if meetingUID == "" {
		return 0
	}
	f.rooms[meetingUID] = meetingUID
	return 1
}

func (f *fakeStore) DeleteRoom(ctx context.Context, roomRef, by string) (int64, error) {
	if _, ok := f.rooms[roomRef]; !ok {
		return 0, nil
	}
	delete(f.rooms, roomRef)
	return 1, nil
}

func (f *fakeStore) CreateUser(ctx context.Context, email, fullName, uid, socialUID, password string, roleID int, provider string) int64 {
	if f.users[email] {
		return 0
	}
	f.users[email] = true
	return 1
}

func (f *fakeStore) DeleteUser(ctx context.Context, userRef, by string) (int64, error) {
	if !f.users[userRef] {
		return 0, nil
	}
	delete(f.users, userRef)
	return 1, nil
}

func newTestProcessor(t *testing.T) (*Processor, *fakeStore, *broker.Service, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	b, err := broker.NewService(mr.Addr(), "")
	require.NoError(t, err)

	store := newFakeStore()
	return NewProcessor(b, store), store, b, mr
}

func appendAndRun(t *testing.T, p *Processor, b *broker.Service, verb, payload string) {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, p.EnsureGroup(ctx))
	_, err := b.StreamAppend(ctx, "commandStream", verb, payload)
	require.NoError(t, err)
	p.RunOnce(ctx)
}

func TestCreateRoomThenRenameAndDelete(t *testing.T) {
	p, store, b, mr := newTestProcessor(t)
	defer mr.Close()
	defer func() { _ = b.Close() }()

	appendAndRun(t, p, b, "create_room", `{"command":"create_room","server":"s1","data":{"room-1":{"email":"owner@example.com"}}}`)
	assert.Contains(t, store.rooms, "room-1")

	appendAndRun(t, p, b, "rename_room", `{"command":"rename_room","data":{"room-1":{"roomUID":"room-2"}}}`)
	assert.NotContains(t, store.rooms, "room-1")
	assert.Contains(t, store.rooms, "room-2")

	appendAndRun(t, p, b, "delete_room", `{"command":"delete_room","data":{"room-2":{}}}`)
	assert.NotContains(t, store.rooms, "room-2")
}

func TestShareAndUnshareRoom(t *testing.T) {
	p, store, b, mr := newTestProcessor(t)
	defer mr.Close()
	defer func() { _ = b.Close() }()

	store.rooms["room-1"] = "room-1"
	require.NoError(t, b.PutRecord(context.Background(), "server", "s1", `{"id":"s1"}`, 0))

	appendAndRun(t, p, b, "share_room", `{"command":"share_room","server":"s1","data":{"room-1":{"friend@example.com":"Friend"}}}`)
	assert.True(t, store.share["room-1|friend@example.com"])

	appendAndRun(t, p, b, "unshare_room", `{"command":"unshare_room","server":"s1","data":{"room-1":{"friend@example.com":"Friend"}}}`)
	assert.False(t, store.share["room-1|friend@example.com"])
}

func TestCreateUserThenDelete(t *testing.T) {
	p, store, b, mr := newTestProcessor(t)
	defer mr.Close()
	defer func() { _ = b.Close() }()

	appendAndRun(t, p, b, "create_user", `{"command":"create_user","data":{"new@example.com":{"fullName":"New User"}}}`)
	assert.True(t, store.users["new@example.com"])

	appendAndRun(t, p, b, "delete_user", `{"command":"delete_user","data":{"new@example.com":{}}}`)
	assert.False(t, store.users["new@example.com"])
}

func TestProcess_UnknownCommandDoesNotBlockOthers(t *testing.T) {
	p, _, b, mr := newTestProcessor(t)
	defer mr.Close()
	defer func() { _ = b.Close() }()

	ctx := context.Background()
	require.NoError(t, p.EnsureGroup(ctx))
	_, err := b.StreamAppend(ctx, "commandStream", "bogus_command", `{"command":"bogus_command","data":{"x":{}}}`)
	require.NoError(t, err)

	p.RunOnce(ctx)

	// The message is still acked (at-least-once, ack-always semantics);
	// nothing remains pending for the processor's own consumer.
	msgs, err := b.StreamReadGroup(ctx, "commandStream", "commandNotifications", "consumer1", "0", 10, time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, msgs)
}
