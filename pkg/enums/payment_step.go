package enums

import "fmt"

// PaymentStep marks the step of the payment wizard the user is on.
type PaymentStep string

const (
	PaymentStepSession      PaymentStep = "session"
	PaymentStepMethod       PaymentStep = "method"
	PaymentStepReview       PaymentStep = "review"
	PaymentStepProcessing   PaymentStep = "processing"
	PaymentStepConfirmation PaymentStep = "confirmation"
)

var validPaymentSteps = []PaymentStep{
	PaymentStepSession,
	PaymentStepMethod,
	PaymentStepReview,
	PaymentStepProcessing,
	PaymentStepConfirmation,
}

// String implements fmt.Stringer.
func (p PaymentStep) String() string {
	return string(p)
}

// IsValid reports whether the value is a known PaymentStep.
func (p PaymentStep) IsValid() bool {
	for _, candidate := range validPaymentSteps {
		if candidate == p {
			return true
		}
	}
	return false
}

// ParsePaymentStep converts raw input into a PaymentStep.
func ParsePaymentStep(value string) (PaymentStep, error) {
	for _, candidate := range validPaymentSteps {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid payment step %q", value)
}
