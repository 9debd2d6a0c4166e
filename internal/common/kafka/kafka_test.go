package kafka

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"testing"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"creatorpay/internal/common/events"
)

type recordingWriter struct {
	msgs []kafka.Message
	err  error
}

func (w *recordingWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *recordingWriter) Close() error { return nil }

func TestPublisher_Publish(t *testing.T) {
	w := &recordingWriter{}
	p := NewPublisher(w, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ev, err := events.NewEvent(events.EventPayoutFailed, "payout", "po_1", events.PayoutData{PayoutID: "po_1"})
	require.NoError(t, err)
	ev.Critical()

	require.NoError(t, p.Publish(context.Background(), ev))
	require.Len(t, w.msgs, 1)

	msg := w.msgs[0]
	assert.Equal(t, "po_1", string(msg.Key))
	assert.Equal(t, []kafka.Header{
		{Key: "event_type", Value: []byte(events.EventPayoutFailed)},
		{Key: "severity", Value: []byte("critical")},
	}, msg.Headers)

	var decoded events.Event
	require.NoError(t, json.Unmarshal(msg.Value, &decoded))
	assert.Equal(t, ev.ID, decoded.ID)
}

func TestPublisher_WriteError(t *testing.T) {
	w := &recordingWriter{err: errors.New("broker down")}
	p := NewPublisher(w, slog.New(slog.NewTextHandler(io.Discard, nil)))

	ev, err := events.NewEvent(events.EventPaymentCompleted, "transaction", "tx_1", nil)
	require.NoError(t, err)

	err = p.Publish(context.Background(), ev)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
}

func TestConfig_BrokerList(t *testing.T) {
	cfg := Config{Brokers: "a:9092, b:9092,,"}
	assert.Equal(t, []string{"a:9092", "b:9092"}, cfg.BrokerList())
}
