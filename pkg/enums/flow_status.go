package enums

import "fmt"

// FlowStatus tracks the lifecycle of a payment flow.
type FlowStatus string

const (
	FlowStatusInitial               FlowStatus = "initial"
	FlowStatusInitializing          FlowStatus = "initializing"
	FlowStatusProcessing            FlowStatus = "processing"
	FlowStatusRequiresPaymentMethod FlowStatus = "requires_payment_method"
	FlowStatusRequiresConfirmation  FlowStatus = "requires_confirmation"
	FlowStatusRequiresAction        FlowStatus = "requires_action"
	FlowStatusSucceeded             FlowStatus = "succeeded"
	FlowStatusFailed                FlowStatus = "failed"
	FlowStatusCancelled             FlowStatus = "cancelled"
	FlowStatusTimeout               FlowStatus = "timeout"
	FlowStatusRequiresRetry         FlowStatus = "requires_retry"
	FlowStatusError                 FlowStatus = "error"
)

var validFlowStatuses = []FlowStatus{
	FlowStatusInitial,
	FlowStatusInitializing,
	FlowStatusProcessing,
	FlowStatusRequiresPaymentMethod,
	FlowStatusRequiresConfirmation,
	FlowStatusRequiresAction,
	FlowStatusSucceeded,
	FlowStatusFailed,
	FlowStatusCancelled,
	FlowStatusTimeout,
	FlowStatusRequiresRetry,
	FlowStatusError,
}

// String implements fmt.Stringer.
func (s FlowStatus) String() string {
	return string(s)
}

// IsValid reports whether the value is a known FlowStatus.
func (s FlowStatus) IsValid() bool {
	for _, candidate := range validFlowStatuses {
		if candidate == s {
			return true
		}
	}
	return false
}

// IsTerminal reports whether the status absorbs further transitions.
func (s FlowStatus) IsTerminal() bool {
	switch s {
	case FlowStatusSucceeded, FlowStatusFailed, FlowStatusCancelled:
		return true
	default:
		return false
	}
}

// ParseFlowStatus converts raw input into a FlowStatus.
func ParseFlowStatus(value string) (FlowStatus, error) {
	for _, candidate := range validFlowStatuses {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid flow status %q", value)
}
