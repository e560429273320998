package payments

import (
	"context"
	"errors"
	"strings"

	pkgerrors "github.com/angelmondragon/coaching-payflow/pkg/errors"
	pkgstripe "github.com/angelmondragon/coaching-payflow/pkg/stripe"
	"github.com/stripe/stripe-go/v84"
)

// PaymentIntentAPI is the subset of the Stripe payment intent service the gateway uses.
type PaymentIntentAPI interface {
	Create(ctx context.Context, params *stripe.PaymentIntentCreateParams) (*stripe.PaymentIntent, error)
	Confirm(ctx context.Context, id string, params *stripe.PaymentIntentConfirmParams) (*stripe.PaymentIntent, error)
}

// StripeGateway creates and confirms Stripe payment intents for bookings.
type StripeGateway struct {
	intents PaymentIntentAPI
}

// NewStripeGateway wraps the configured Stripe client.
func NewStripeGateway(client *pkgstripe.Client) (*StripeGateway, error) {
	if client == nil || client.API() == nil {
		return nil, errors.New("stripe client is required")
	}
	return NewStripeGatewayWithAPI(client.API().V1PaymentIntents), nil
}

// NewStripeGatewayWithAPI builds a gateway over any PaymentIntentAPI implementation.
func NewStripeGatewayWithAPI(api PaymentIntentAPI) *StripeGateway {
	return &StripeGateway{intents: api}
}

// CreatePaymentIntent issues a payment intent keyed by booking id for idempotency.
func (g *StripeGateway) CreatePaymentIntent(ctx context.Context, req IntentRequest) (Intent, error) {
	bookingID := strings.TrimSpace(req.BookingID)
	if bookingID == "" {
		return Intent{}, pkgerrors.New(pkgerrors.CodeValidation, "booking id is required")
	}
	if req.Amount <= 0 {
		return Intent{}, pkgerrors.New(pkgerrors.CodeValidation, "payment intent amount must be positive")
	}
	if !req.Currency.IsValid() {
		return Intent{}, pkgerrors.New(pkgerrors.CodeValidation, "payment intent currency is invalid")
	}

	params := &stripe.PaymentIntentCreateParams{
		Amount:   stripe.Int64(req.Amount),
		Currency: stripe.String(req.Currency.Lower()),
		AutomaticPaymentMethods: &stripe.PaymentIntentCreateAutomaticPaymentMethodsParams{
			Enabled: stripe.Bool(true),
		},
	}
	params.SetIdempotencyKey("booking-" + bookingID)
	params.AddMetadata("booking_id", bookingID)
	if req.FlowID != "" {
		params.AddMetadata("flow_id", req.FlowID)
	}
	for key, value := range req.Metadata {
		params.AddMetadata(key, value)
	}

	pi, err := g.intents.Create(ctx, params)
	if err != nil {
		return Intent{}, pkgerrors.Wrap(pkgerrors.CodeDependency, err, "create payment intent")
	}
	return Intent{
		ID:           pi.ID,
		ClientSecret: pi.ClientSecret,
		Status:       string(pi.Status),
	}, nil
}

// ConfirmPayment confirms the booking's payment intent with the given payment method.
// Card declines come back as a Failure; transport problems as an error.
func (g *StripeGateway) ConfirmPayment(ctx context.Context, req ConfirmRequest) (ConfirmResult, error) {
	intentID := strings.TrimSpace(req.PaymentIntentID)
	if intentID == "" {
		intentID = IntentIDFromClientSecret(req.ClientSecret)
	}
	if intentID == "" {
		return ConfirmResult{}, pkgerrors.New(pkgerrors.CodeValidation, "payment intent id is required")
	}
	if strings.TrimSpace(req.PaymentMethodID) == "" {
		return ConfirmResult{}, pkgerrors.New(pkgerrors.CodeValidation, "payment method id is required")
	}

	pi, err := g.intents.Confirm(ctx, intentID, &stripe.PaymentIntentConfirmParams{
		PaymentMethod: stripe.String(req.PaymentMethodID),
	})
	if err != nil {
		var stripeErr *stripe.Error
		if errors.As(err, &stripeErr) && stripeErr.Type == stripe.ErrorTypeCard {
			outcome := classifyStripe(stripeErr)
			return ConfirmResult{Failure: &Failure{
				Code:        outcome.Code,
				Message:     outcome.Message,
				Recoverable: &outcome.Recoverable,
			}}, nil
		}
		return ConfirmResult{}, err
	}

	switch pi.Status {
	case stripe.PaymentIntentStatusSucceeded:
		return ConfirmResult{Success: true}, nil
	case stripe.PaymentIntentStatusProcessing:
		return ConfirmResult{Pending: true}, nil
	case stripe.PaymentIntentStatusRequiresAction:
		return ConfirmResult{RequiresAction: true}, nil
	}

	failure := &Failure{Code: CodeUnknown, Message: "payment intent is " + string(pi.Status)}
	if last := pi.LastPaymentError; last != nil {
		outcome := classifyStripe(last)
		failure = &Failure{Code: outcome.Code, Message: outcome.Message, Recoverable: &outcome.Recoverable}
	}
	return ConfirmResult{Failure: failure}, nil
}

// IntentIDFromClientSecret extracts "pi_123" from "pi_123_secret_abc".
func IntentIDFromClientSecret(secret string) string {
	idx := strings.Index(secret, "_secret_")
	if idx <= 0 {
		return ""
	}
	return secret[:idx]
}
