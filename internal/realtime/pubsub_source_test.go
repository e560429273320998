package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/angelmondragon/coaching-payflow/pkg/enums"
	"github.com/angelmondragon/coaching-payflow/pkg/logger"
	"github.com/facebookgo/clock"
	"github.com/stretchr/testify/require"
)

type fakeClaims struct {
	seen map[string]bool
	err  error
	ttl  time.Duration
}

func (f *fakeClaims) Claim(_ context.Context, scope, id string, ttl time.Duration) (bool, error) {
	if f.err != nil {
		return false, f.err
	}
	f.ttl = ttl
	key := scope + ":" + id
	if f.seen[key] {
		return false, nil
	}
	f.seen[key] = true
	return true, nil
}

type capturePublisher struct {
	pushes []Push
}

func (c *capturePublisher) Publish(_ context.Context, push Push) int {
	c.pushes = append(c.pushes, push)
	return 1
}

func newTestSource(claims *fakeClaims, hub publisher) *PubSubSource {
	mock := clock.NewMock()
	mock.Add(time.Hour)
	return &PubSubSource{
		hub:         hub,
		idempotency: claims,
		ttl:         time.Hour,
		clock:       mock,
		logg:        logger.Nop(),
	}
}

func TestPubSubSourcePublishesPush(t *testing.T) {
	claims := &fakeClaims{seen: map[string]bool{}}
	hub := &capturePublisher{}
	source := newTestSource(claims, hub)

	result := source.process(context.Background(), "msg-1",
		map[string]string{"booking_id": "bk_1", "event_id": "evt-1"},
		[]byte(`{"status":"succeeded","metadata":{"amount":1000}}`))

	require.True(t, result.ack)
	require.False(t, result.nack)
	require.Equal(t, 1, result.delivered)
	require.Len(t, hub.pushes, 1)
	push := hub.pushes[0]
	require.Equal(t, "bk_1", push.BookingID)
	require.Equal(t, "evt-1", push.EventID)
	require.Equal(t, enums.FlowStatusSucceeded, push.Status)
	require.Equal(t, json.Number("1000"), push.Metadata["amount"])
	require.Equal(t, time.Hour, claims.ttl)
	require.False(t, push.ReceivedAt.IsZero())
}

func TestPubSubSourceDropsDuplicates(t *testing.T) {
	claims := &fakeClaims{seen: map[string]bool{}}
	hub := &capturePublisher{}
	source := newTestSource(claims, hub)
	attrs := map[string]string{"booking_id": "bk_1"}
	body := []byte(`{"status":"processing"}`)

	first := source.process(context.Background(), "msg-1", attrs, body)
	second := source.process(context.Background(), "msg-1", attrs, body)

	require.True(t, first.ack)
	require.True(t, second.ack)
	require.Len(t, hub.pushes, 1, "redelivered message id must be dropped")
}

func TestPubSubSourceAcksMalformedMessages(t *testing.T) {
	cases := map[string]struct {
		attrs map[string]string
		body  string
	}{
		"missing booking": {attrs: map[string]string{}, body: `{"status":"succeeded"}`},
		"invalid json":    {attrs: map[string]string{"booking_id": "bk_1"}, body: `{`},
		"unknown status":  {attrs: map[string]string{"booking_id": "bk_1"}, body: `{"status":"paid"}`},
	}
	for name, tc := range cases {
		t.Run(name, func(t *testing.T) {
			hub := &capturePublisher{}
			source := newTestSource(&fakeClaims{seen: map[string]bool{}}, hub)

			result := source.process(context.Background(), "msg-1", tc.attrs, []byte(tc.body))
			require.True(t, result.ack)
			require.False(t, result.nack)
			require.Empty(t, hub.pushes)
		})
	}
}

func TestPubSubSourceNacksOnIdempotencyFailure(t *testing.T) {
	hub := &capturePublisher{}
	source := newTestSource(&fakeClaims{err: errors.New("redis down")}, hub)

	result := source.process(context.Background(), "msg-1",
		map[string]string{"booking_id": "bk_1"}, []byte(`{"status":"succeeded"}`))
	require.True(t, result.nack)
	require.Empty(t, hub.pushes)
}

func TestNewPubSubSourceValidation(t *testing.T) {
	_, err := NewPubSubSource(SourceParams{Hub: NewHub(), Idempotency: &fakeClaims{}, Logger: logger.Nop()})
	require.Error(t, err)
}
