package payments

import (
	"context"

	"github.com/angelmondragon/coaching-payflow/pkg/enums"
)

// Confirmer confirms a payment method against a booking.
type Confirmer interface {
	ConfirmPayment(ctx context.Context, req ConfirmRequest) (ConfirmResult, error)
}

// IntentCreator issues payment intents for bookings whose creation did not return a client secret.
type IntentCreator interface {
	CreatePaymentIntent(ctx context.Context, req IntentRequest) (Intent, error)
}

// ConfirmRequest carries everything a confirmer may need; implementations use the subset they understand.
type ConfirmRequest struct {
	FlowID          string
	BookingID       string
	PaymentMethodID string
	PaymentIntentID string
	ClientSecret    string
	Attempt         int
}

// ConfirmResult is the collaborator's answer. A nil transport error with Success=false
// must carry a Failure.
type ConfirmResult struct {
	Success        bool
	Pending        bool
	RequiresAction bool
	Failure        *Failure
}

// Failure is a business-level decline. Recoverable, when set, overrides the code table.
type Failure struct {
	Code        string
	Message     string
	Recoverable *bool
}

// IntentRequest describes the payment intent to create.
type IntentRequest struct {
	BookingID string
	FlowID    string
	Amount    int64
	Currency  enums.Currency
	Metadata  map[string]string
}

// Intent is the subset of a created payment intent the flow keeps.
type Intent struct {
	ID           string
	ClientSecret string
	Status       string
}
