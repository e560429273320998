package enums

import "fmt"

// ModalState is the coarse UI phase of the booking/payment modal.
type ModalState string

const (
	ModalStateBooking         ModalState = "booking"
	ModalStatePaymentPending  ModalState = "payment_pending"
	ModalStatePaymentActive   ModalState = "payment_active"
	ModalStatePaymentComplete ModalState = "payment_complete"
	ModalStatePaymentFailed   ModalState = "payment_failed"
)

var validModalStates = []ModalState{
	ModalStateBooking,
	ModalStatePaymentPending,
	ModalStatePaymentActive,
	ModalStatePaymentComplete,
	ModalStatePaymentFailed,
}

// String implements fmt.Stringer.
func (m ModalState) String() string {
	return string(m)
}

// IsValid reports whether the value is a known ModalState.
func (m ModalState) IsValid() bool {
	for _, candidate := range validModalStates {
		if candidate == m {
			return true
		}
	}
	return false
}

// ParseModalState converts raw input into a ModalState.
func ParseModalState(value string) (ModalState, error) {
	for _, candidate := range validModalStates {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid modal state %q", value)
}
