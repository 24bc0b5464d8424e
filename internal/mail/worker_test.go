package mail

import (
	"context"
	"encoding/json"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aau-zid/schedulight-go/internal/broker"
)

type recordingSender struct {
	sent atomic.Int32
	fail bool
}

func (s *recordingSender) Send(ctx context.Context, env Envelope) error {
	if s.fail {
		return assert.AnError
	}
	s.sent.Add(1)
	return nil
}

func newTestWorker(t *testing.T, sender Sender) (*Worker, *broker.Service, *miniredis.Miniredis) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	b, err := broker.NewService(mr.Addr(), "")
	require.NoError(t, err)
	return NewWorker(b, sender), b, mr
}

func TestWorker_DeliversAndAcks(t *testing.T) {
	sender := &recordingSender{}
	w, b, mr := newTestWorker(t, sender)
	defer mr.Close()
	defer func() { _ = b.Close() }()

	ctx := context.Background()
	require.NoError(t, w.EnsureGroup(ctx))

	env := Envelope{To: "friend@example.com", Subject: "hi", Body: "body"}
	encoded, err := json.Marshal(env)
	require.NoError(t, err)

	_, err = b.StreamAppend(ctx, streamName, "key", string(encoded))
	require.NoError(t, err)

	w.RunOnce(ctx)
	assert.Equal(t, int32(1), sender.sent.Load())

	pending, err := b.StreamReadGroup(ctx, streamName, groupName, consumerName, "0", 10, time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, pending)
}

func TestWorker_LeavesFailedMessagePending(t *testing.T) {
	sender := &recordingSender{fail: true}
	w, b, mr := newTestWorker(t, sender)
	defer mr.Close()
	defer func() { _ = b.Close() }()

	ctx := context.Background()
	require.NoError(t, w.EnsureGroup(ctx))

	env := Envelope{To: "friend@example.com"}
	encoded, err := json.Marshal(env)
	require.NoError(t, err)
	_, err = b.StreamAppend(ctx, streamName, "key", string(encoded))
	require.NoError(t, err)

	w.RunOnce(ctx)
	assert.Equal(t, int32(0), sender.sent.Load())

	pending, err := b.StreamReadGroup(ctx, streamName, groupName, consumerName, "0", 10, time.Millisecond)
	require.NoError(t, err)
	assert.Len(t, pending, 1)
}

func TestWorker_DropsUndecodableMessage(t *testing.T) {
	sender := &recordingSender{}
	w, b, mr := newTestWorker(t, sender)
	defer mr.Close()
	defer func() { _ = b.Close() }()

	ctx := context.Background()
	require.NoError(t, w.EnsureGroup(ctx))

	_, err := b.StreamAppend(ctx, streamName, "key", "not json")
	require.NoError(t, err)

	w.RunOnce(ctx)

	pending, err := b.StreamReadGroup(ctx, streamName, groupName, consumerName, "0", 10, time.Millisecond)
	require.NoError(t, err)
	assert.Empty(t, pending)
}
