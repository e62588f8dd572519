package events

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"tether/cmd/internal/auth/session"
)

type fakeWriter struct {
	mu     sync.Mutex
	msgs   []kafka.Message
	err    error
	closed bool
}

func (w *fakeWriter) WriteMessages(_ context.Context, msgs ...kafka.Message) error {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.err != nil {
		return w.err
	}
	w.msgs = append(w.msgs, msgs...)
	return nil
}

func (w *fakeWriter) Close() error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()
	return nil
}

func TestProducer_NotifyKeysByUser(t *testing.T) {
	fw := &fakeWriter{}
	p := newProducer(fw, DefaultTopic, nil)

	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	ev := session.Event{
		Type:       session.EventRotated,
		UserID:     "user-1",
		DeviceName: "Chrome on Windows",
		IPAddress:  "203.0.113.7",
		At:         at,
	}
	require.NoError(t, p.Notify(context.Background(), ev))

	require.Len(t, fw.msgs, 1)
	msg := fw.msgs[0]
	assert.Equal(t, "user-1", string(msg.Key))
	assert.Equal(t, at, msg.Time)
	require.Len(t, msg.Headers, 1)
	assert.Equal(t, "session.rotated", string(msg.Headers[0].Value))

	var got session.Event
	require.NoError(t, json.Unmarshal(msg.Value, &got))
	assert.Equal(t, ev, got)
}

func TestProducer_WriteError(t *testing.T) {
	fw := &fakeWriter{err: errors.New("broker down")}
	p := newProducer(fw, DefaultTopic, nil)

	err := p.Notify(context.Background(), session.Event{Type: session.EventIssued, UserID: "u"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "broker down")
}

func TestProducer_Close(t *testing.T) {
	fw := &fakeWriter{}
	p := newProducer(fw, DefaultTopic, nil)
	require.NoError(t, p.Close())
	assert.True(t, fw.closed)

	var nilP *Producer
	assert.NoError(t, nilP.Close())
}

func TestNewProducer_RequiresBrokers(t *testing.T) {
	_, err := NewProducer([]string{" ", ""}, "", nil)
	assert.ErrorIs(t, err, ErrNoBrokers)

	p, err := NewProducer([]string{"localhost:9092"}, "", nil)
	require.NoError(t, err)
	assert.Equal(t, DefaultTopic, p.topic)
	require.NoError(t, p.Close())
}
