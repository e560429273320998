package enums

import "fmt"

// VisibilityState tracks the mount lifecycle of the payment widget, independent of FlowStatus.
type VisibilityState string

const (
	VisibilityHidden     VisibilityState = "hidden"
	VisibilityMounting   VisibilityState = "mounting"
	VisibilityVisible    VisibilityState = "visible"
	VisibilityUnmounting VisibilityState = "unmounting"
)

var validVisibilityStates = []VisibilityState{
	VisibilityHidden,
	VisibilityMounting,
	VisibilityVisible,
	VisibilityUnmounting,
}

// String implements fmt.Stringer.
func (v VisibilityState) String() string {
	return string(v)
}

// IsValid reports whether the value is a known VisibilityState.
func (v VisibilityState) IsValid() bool {
	for _, candidate := range validVisibilityStates {
		if candidate == v {
			return true
		}
	}
	return false
}

// ParseVisibilityState converts raw input into a VisibilityState.
func ParseVisibilityState(value string) (VisibilityState, error) {
	for _, candidate := range validVisibilityStates {
		if string(candidate) == value {
			return candidate, nil
		}
	}
	return "", fmt.Errorf("invalid visibility state %q", value)
}
