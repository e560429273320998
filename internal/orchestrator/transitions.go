package orchestrator

import "github.com/angelmondragon/coaching-payflow/pkg/enums"

type statusSet map[enums.FlowStatus]struct{}

func newStatusSet(statuses ...enums.FlowStatus) statusSet {
	set := make(statusSet, len(statuses))
	for _, s := range statuses {
		set[s] = struct{}{}
	}
	return set
}

func (s statusSet) has(status enums.FlowStatus) bool {
	_, ok := s[status]
	return ok
}

// Recoverable confirmation failures move straight to requires_retry, so failed is only
// ever entered once no retry remains.
var transitions = map[enums.FlowStatus]statusSet{
	enums.FlowStatusInitial: newStatusSet(
		enums.FlowStatusInitializing,
		enums.FlowStatusCancelled,
		enums.FlowStatusError,
	),
	enums.FlowStatusInitializing: newStatusSet(
		enums.FlowStatusRequiresPaymentMethod,
		enums.FlowStatusRequiresConfirmation,
		enums.FlowStatusRequiresAction,
		enums.FlowStatusProcessing,
		enums.FlowStatusSucceeded,
		enums.FlowStatusFailed,
		enums.FlowStatusCancelled,
		enums.FlowStatusError,
	),
	enums.FlowStatusRequiresPaymentMethod: newStatusSet(
		enums.FlowStatusRequiresConfirmation,
		enums.FlowStatusRequiresAction,
		enums.FlowStatusProcessing,
		enums.FlowStatusFailed,
		enums.FlowStatusCancelled,
		enums.FlowStatusError,
	),
	enums.FlowStatusRequiresConfirmation: newStatusSet(
		enums.FlowStatusRequiresPaymentMethod,
		enums.FlowStatusRequiresAction,
		enums.FlowStatusProcessing,
		enums.FlowStatusFailed,
		enums.FlowStatusCancelled,
		enums.FlowStatusError,
	),
	enums.FlowStatusRequiresAction: newStatusSet(
		enums.FlowStatusRequiresPaymentMethod,
		enums.FlowStatusRequiresConfirmation,
		enums.FlowStatusProcessing,
		enums.FlowStatusFailed,
		enums.FlowStatusCancelled,
		enums.FlowStatusError,
	),
	enums.FlowStatusProcessing: newStatusSet(
		enums.FlowStatusSucceeded,
		enums.FlowStatusFailed,
		enums.FlowStatusTimeout,
		enums.FlowStatusRequiresRetry,
		enums.FlowStatusRequiresAction,
		enums.FlowStatusCancelled,
		enums.FlowStatusError,
	),
	enums.FlowStatusRequiresRetry: newStatusSet(
		enums.FlowStatusProcessing,
		enums.FlowStatusFailed,
		enums.FlowStatusCancelled,
		enums.FlowStatusError,
	),
	enums.FlowStatusTimeout: newStatusSet(
		enums.FlowStatusRequiresRetry,
		enums.FlowStatusProcessing,
		enums.FlowStatusFailed,
		enums.FlowStatusCancelled,
		enums.FlowStatusError,
	),
	enums.FlowStatusError: newStatusSet(
		enums.FlowStatusRequiresRetry,
		enums.FlowStatusInitializing,
		enums.FlowStatusFailed,
		enums.FlowStatusCancelled,
	),
}

// CanTransition reports whether an unforced update may move a flow from one status to another.
// Staying in the same status is always allowed; leaving a terminal status never is.
func CanTransition(from, to enums.FlowStatus) bool {
	if from == to {
		return true
	}
	if from.IsTerminal() {
		return false
	}
	return transitions[from].has(to)
}

var (
	confirmableStatuses = newStatusSet(
		enums.FlowStatusRequiresPaymentMethod,
		enums.FlowStatusRequiresConfirmation,
		enums.FlowStatusRequiresAction,
		enums.FlowStatusTimeout,
	)
	retryableStatuses = newStatusSet(
		enums.FlowStatusRequiresRetry,
		enums.FlowStatusTimeout,
	)
	settleableStatuses = newStatusSet(
		enums.FlowStatusProcessing,
	)
)
