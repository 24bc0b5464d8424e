package broker

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T) (*Service, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)

	svc, err := NewService(mr.Addr(), "")
	require.NoError(t, err)

	return svc, mr
}

func TestNewService(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	assert.NoError(t, svc.Ping(context.Background()))
}

func TestRecordRoundTrip(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()

	_, found, err := svc.GetRecord(ctx, "meeting", "m1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, svc.PutRecord(ctx, "meeting", "m1", `{"id":"m1"}`, 0))

	value, found, err := svc.GetRecord(ctx, "meeting", "m1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, `{"id":"m1"}`, value)

	require.NoError(t, svc.DeleteRecord(ctx, "meeting", "m1"))
	_, found, err = svc.GetRecord(ctx, "meeting", "m1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestSetOperations(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()

	require.NoError(t, svc.SetAdd(ctx, "meetings", "m1"))
	require.NoError(t, svc.SetAdd(ctx, "meetings", "m2"))

	members, err := svc.SetMembers(ctx, "meetings")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"m1", "m2"}, members)

	require.NoError(t, svc.SetRemove(ctx, "meetings", "m1"))
	members, err = svc.SetMembers(ctx, "meetings")
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"m2"}, members)
}

func TestHashFieldOperations(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()
	key := "meeting:m1:status"

	_, found, err := svc.HashGet(ctx, key, "status")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, svc.HashPut(ctx, key, "status", "220:started"))
	require.NoError(t, svc.HashPut(ctx, key, "endMeeting", "200:waiting"))

	value, found, err := svc.HashGet(ctx, key, "status")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, "220:started", value)

	all, err := svc.HashGetAll(ctx, key)
	require.NoError(t, err)
	assert.Len(t, all, 2)

	require.NoError(t, svc.HashFieldDelete(ctx, key, "endMeeting"))
	all, err = svc.HashGetAll(ctx, key)
	require.NoError(t, err)
	assert.Len(t, all, 1)
	assert.Contains(t, all, "status")

	require.NoError(t, svc.HashDelete(ctx, key))
	all, err = svc.HashGetAll(ctx, key)
	require.NoError(t, err)
	assert.Empty(t, all)
}

func TestStreamAppendReadAck(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()
	const stream, group, consumer = "commandStream", "commandNotifications", "consumer1"

	require.NoError(t, svc.EnsureGroup(ctx, stream, group))
	// Re-creating an existing group must not error (BUSYGROUP swallowed).
	require.NoError(t, svc.EnsureGroup(ctx, stream, group))

	id, err := svc.StreamAppend(ctx, stream, "rename_room", `{"command":"rename_room"}`)
	require.NoError(t, err)
	assert.NotEmpty(t, id)

	msgs, err := svc.StreamReadGroup(ctx, stream, group, consumer, ">", 10, time.Second)
	require.NoError(t, err)
	require.Len(t, msgs, 1)
	assert.Equal(t, id, msgs[0].ID)

	require.NoError(t, svc.StreamAck(ctx, stream, group, id))

	// Nothing pending after ack, and no new entries since the last read.
	pending, err := svc.StreamReadGroup(ctx, stream, group, consumer, "0", 10, 0)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestKeyTouchAndExpire(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()
	require.NoError(t, svc.PutRecord(ctx, "server", "s1", "{}", 0))

	assert.NoError(t, svc.KeyTouch(ctx, "server:s1"))
	assert.NoError(t, svc.KeyExpire(ctx, "server:s1", 60))
}

func TestBrokerFailure_Graceful(t *testing.T) {
	svc, mr := newTestService(t)
	mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()
	assert.Error(t, svc.Ping(ctx))

	_, err := svc.StreamAppend(ctx, "commandStream", "k", "v")
	assert.Error(t, err)
}

func TestSetMembers_CircuitBreakerOpen(t *testing.T) {
	svc, mr := newTestService(t)
	defer mr.Close()
	defer func() { _ = svc.Close() }()

	ctx := context.Background()
	mr.Close()

	// Enough failed reads to trip the breaker (gobreaker's default trips
	// after more than 5 consecutive failures).
	for i := 0; i < 10; i++ {
		_, _ = svc.SetMembers(ctx, "meetings")
	}

	// A read degrades to empty rather than propagating the open-breaker error.
	members, err := svc.SetMembers(ctx, "meetings")
	assert.NoError(t, err)
	assert.Empty(t, members)
}
