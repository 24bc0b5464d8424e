package mail

import (
	"context"
	"encoding/json"
	"time"

	"github.com/aau-zid/schedulight-go/internal/broker"
	"github.com/aau-zid/schedulight-go/internal/logging"
	"github.com/aau-zid/schedulight-go/internal/metrics"
	"go.uber.org/zap"
)

const (
	streamName    = "mailStream"
	groupName     = "mailNotifications"
	consumerName  = "consumer1"
	batchSize     = 10
	readBlockTime = 2 * time.Second
)

// Worker drains mailStream and delivers each envelope via Sender. Success
// acks the message; failure leaves it pending for redelivery.
type Worker struct {
	b      *broker.Service
	sender Sender
}

// NewWorker constructs a mail worker. sender selects the no_emails /
// debug_emails / production behaviour.
func NewWorker(b *broker.Service, sender Sender) *Worker {
	return &Worker{b: b, sender: sender}
}

// EnsureGroup creates the mailNotifications consumer group if absent.
func (w *Worker) EnsureGroup(ctx context.Context) error {
	return w.b.EnsureGroup(ctx, streamName, groupName)
}

// RunOnce drains pending messages then reads new ones, processing each in
// turn. Intended to be called once per outer tick-loop pass.
func (w *Worker) RunOnce(ctx context.Context) {
	w.drain(ctx, "0")
	w.drain(ctx, ">")
}

func (w *Worker) drain(ctx context.Context, cursor string) {
	msgs, err := w.b.StreamReadGroup(ctx, streamName, groupName, consumerName, cursor, batchSize, readBlockTime)
	if err != nil {
		logging.Error(ctx, "mail worker stream read failed", zap.Error(err))
		return
	}
	for _, msg := range msgs {
		w.process(ctx, msg.ID, msg.Values)
	}
}

func (w *Worker) process(ctx context.Context, id string, values map[string]any) {
	for correlationKey, raw := range values {
		payload, ok := raw.(string)
		if !ok {
			continue
		}
		var env Envelope
		if err := json.Unmarshal([]byte(payload), &env); err != nil {
			// Decode errors are not retryable: ack to avoid a poison-pill
			// loop, unlike SMTP failures below.
			logging.Error(ctx, "mail envelope decode error, acking to drop", zap.String("key", correlationKey), zap.Error(err))
			if ackErr := w.b.StreamAck(ctx, streamName, groupName, id); ackErr != nil {
				logging.Error(ctx, "mail worker ack failed", zap.Error(ackErr))
			}
			metrics.MailSentTotal.WithLabelValues("decode_error").Inc()
			return
		}

		if err := w.sender.Send(ctx, env); err != nil {
			logging.Error(ctx, "mail delivery failed, leaving pending", zap.String("to", logging.RedactEmail(env.To)), zap.Error(err))
			metrics.MailSentTotal.WithLabelValues("failed").Inc()
			return
		}

		if ackErr := w.b.StreamAck(ctx, streamName, groupName, id); ackErr != nil {
			logging.Error(ctx, "mail worker ack failed", zap.Error(ackErr))
		}
		metrics.MailSentTotal.WithLabelValues("sent").Inc()
	}
}
