package realtime

import (
	"context"
	"time"

	"github.com/angelmondragon/coaching-payflow/internal/flowstore"
	"github.com/angelmondragon/coaching-payflow/pkg/enums"
)

// Push is a partial flow update delivered for one booking.
type Push struct {
	EventID    string               `json:"eventId,omitempty"`
	BookingID  string               `json:"bookingId"`
	Status     enums.FlowStatus     `json:"status,omitempty"`
	Metadata   map[string]any       `json:"metadata,omitempty"`
	Error      *flowstore.FlowError `json:"error,omitempty"`
	ReceivedAt time.Time            `json:"receivedAt"`
}

// Handler consumes pushes for a booking.
type Handler func(ctx context.Context, push Push)

// Channel is a booking-scoped push source. Subscribe returns a func that removes the handler.
type Channel interface {
	Subscribe(bookingID string, handler Handler) func()
}
