package realtime

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	pubsub "cloud.google.com/go/pubsub/v2"
	"github.com/angelmondragon/coaching-payflow/internal/flowstore"
	"github.com/angelmondragon/coaching-payflow/pkg/enums"
	"github.com/angelmondragon/coaching-payflow/pkg/logger"
	"github.com/angelmondragon/coaching-payflow/pkg/redis"
	"github.com/facebookgo/clock"
)

const (
	pushConsumerScope     = "realtime-push"
	defaultIdempotencyTTL = 24 * time.Hour

	attrBookingID = "booking_id"
	attrEventID   = "event_id"
)

type publisher interface {
	Publish(ctx context.Context, push Push) int
}

// SourceParams wires a PubSubSource.
type SourceParams struct {
	Subscription   *pubsub.Subscriber
	Hub            publisher
	Idempotency    redis.IdempotencyStore
	IdempotencyTTL time.Duration
	Clock          clock.Clock
	Logger         *logger.Logger
}

// PubSubSource feeds booking status messages from Pub/Sub into the hub.
type PubSubSource struct {
	subscription *pubsub.Subscriber
	hub          publisher
	idempotency  redis.IdempotencyStore
	ttl          time.Duration
	clock        clock.Clock
	logg         *logger.Logger
}

// NewPubSubSource builds the source.
func NewPubSubSource(p SourceParams) (*PubSubSource, error) {
	if p.Subscription == nil {
		return nil, fmt.Errorf("realtime subscription required")
	}
	if p.Hub == nil {
		return nil, fmt.Errorf("realtime hub required")
	}
	if p.Idempotency == nil {
		return nil, fmt.Errorf("idempotency store required")
	}
	if p.Logger == nil {
		return nil, fmt.Errorf("logger required")
	}
	if p.IdempotencyTTL <= 0 {
		p.IdempotencyTTL = defaultIdempotencyTTL
	}
	if p.Clock == nil {
		p.Clock = clock.New()
	}
	return &PubSubSource{
		subscription: p.Subscription,
		hub:          p.Hub,
		idempotency:  p.Idempotency,
		ttl:          p.IdempotencyTTL,
		clock:        p.Clock,
		logg:         p.Logger,
	}, nil
}

// Run receives messages until ctx is cancelled.
func (s *PubSubSource) Run(ctx context.Context) error {
	return s.subscription.Receive(ctx, func(ctx context.Context, msg *pubsub.Message) {
		result := s.process(ctx, msg.ID, msg.Attributes, msg.Data)
		if result.nack {
			msg.Nack()
			return
		}
		msg.Ack()
	})
}

type processResult struct {
	ack       bool
	nack      bool
	delivered int
}

type pushBody struct {
	Status   string               `json:"status"`
	Metadata map[string]any       `json:"metadata"`
	Error    *flowstore.FlowError `json:"error"`
}

func (s *PubSubSource) process(ctx context.Context, messageID string, attrs map[string]string, data []byte) processResult {
	bookingID := strings.TrimSpace(attrs[attrBookingID])
	eventID := strings.TrimSpace(attrs[attrEventID])
	if eventID == "" {
		eventID = messageID
	}
	logCtx := s.logg.WithFields(ctx, map[string]any{
		"message_id": messageID,
		"event_id":   eventID,
		"booking_id": bookingID,
	})

	if bookingID == "" {
		s.logg.Warn(logCtx, "realtime message without booking id skipped")
		return processResult{ack: true}
	}

	var body pushBody
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.UseNumber()
	if err := decoder.Decode(&body); err != nil {
		s.logg.Error(logCtx, "failed to decode realtime message", err)
		return processResult{ack: true}
	}

	var status enums.FlowStatus
	if strings.TrimSpace(body.Status) != "" {
		parsed, err := enums.ParseFlowStatus(body.Status)
		if err != nil {
			s.logg.Error(logCtx, "realtime message with unknown status", err)
			return processResult{ack: true}
		}
		status = parsed
	}

	claimed, err := s.idempotency.Claim(ctx, pushConsumerScope, eventID, s.ttl)
	if err != nil {
		s.logg.Error(logCtx, "idempotency check failed", err)
		return processResult{nack: true}
	}
	if !claimed {
		s.logg.Info(logCtx, "realtime event already processed")
		return processResult{ack: true}
	}

	delivered := s.hub.Publish(ctx, Push{
		EventID:    eventID,
		BookingID:  bookingID,
		Status:     status,
		Metadata:   body.Metadata,
		Error:      body.Error,
		ReceivedAt: s.clock.Now(),
	})
	if delivered == 0 {
		s.logg.Debug(logCtx, "no subscribers for booking")
	}
	return processResult{ack: true, delivered: delivered}
}
