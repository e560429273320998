package payments

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strings"

	pkgerrors "github.com/angelmondragon/coaching-payflow/pkg/errors"
	"github.com/stripe/stripe-go/v84"
)

// OutcomeKind is the coarse result of a confirmation attempt.
type OutcomeKind string

const (
	OutcomeSucceeded      OutcomeKind = "succeeded"
	OutcomePending        OutcomeKind = "pending"
	OutcomeRequiresAction OutcomeKind = "requires_action"
	OutcomeTimedOut       OutcomeKind = "timeout"
	OutcomeFailed         OutcomeKind = "failed"
)

// Failure codes produced by the classifier itself.
const (
	CodeConfirmationTimeout = "confirmation_timeout"
	CodeNetworkError        = "network_error"
	CodeUpstreamError       = "upstream_error"
	CodeInvalidRequest      = "invalid_request"
	CodeUnknown             = "payment_failed"
)

// Outcome is a classified confirmation result.
type Outcome struct {
	Kind        OutcomeKind
	Code        string
	Message     string
	Recoverable bool
}

var recoverableCodes = map[string]bool{
	"processing_error":        true,
	"rate_limit":              true,
	"try_again_later":         true,
	"generic_decline":         true,
	"card_declined":           true,
	"insufficient_funds":      true,
	"issuer_not_available":    true,
	"reenter_transaction":     true,
	"approve_with_id":         true,
	"lock_timeout":            true,
	CodeConfirmationTimeout:   true,
	CodeNetworkError:          true,
	CodeUpstreamError:         true,
	"api_connection_error":    true,
	"authentication_required": false,
	"fraudulent":              false,
	"stolen_card":             false,
	"lost_card":               false,
	"pickup_card":             false,
	"expired_card":            false,
	"incorrect_number":        false,
	"invalid_account":         false,
	"card_not_supported":      false,
	"currency_not_supported":  false,
	"invalid_amount":          false,
	CodeInvalidRequest:        false,
}

// IsRecoverableCode reports the policy for a decline or error code. Unknown codes are recoverable;
// the retry budget bounds them.
func IsRecoverableCode(code string) bool {
	recoverable, known := recoverableCodes[strings.ToLower(strings.TrimSpace(code))]
	if !known {
		return true
	}
	return recoverable
}

// Classify maps a confirmer answer onto an Outcome. An explicit Recoverable flag on the
// Failure wins; otherwise the code table decides.
func Classify(res ConfirmResult, err error) Outcome {
	if err != nil {
		return classifyError(err)
	}
	switch {
	case res.Success:
		return Outcome{Kind: OutcomeSucceeded}
	case res.RequiresAction:
		return Outcome{Kind: OutcomeRequiresAction}
	case res.Pending:
		return Outcome{Kind: OutcomePending}
	}
	failure := res.Failure
	if failure == nil {
		failure = &Failure{Code: CodeUnknown, Message: "payment was not confirmed"}
	}
	code := strings.TrimSpace(failure.Code)
	if code == "" {
		code = CodeUnknown
	}
	recoverable := IsRecoverableCode(code)
	if failure.Recoverable != nil {
		recoverable = *failure.Recoverable
	}
	return Outcome{
		Kind:        OutcomeFailed,
		Code:        code,
		Message:     failure.Message,
		Recoverable: recoverable,
	}
}

func classifyError(err error) Outcome {
	if errors.Is(err, context.DeadlineExceeded) {
		return Outcome{
			Kind:        OutcomeTimedOut,
			Code:        CodeConfirmationTimeout,
			Message:     "payment confirmation did not settle in time",
			Recoverable: true,
		}
	}

	var stripeErr *stripe.Error
	if errors.As(err, &stripeErr) {
		return classifyStripe(stripeErr)
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return failed(CodeNetworkError, err.Error(), true)
	}

	if typed := pkgerrors.As(err); typed != nil {
		switch {
		case pkgerrors.IsRetryable(typed), typed.Code() == pkgerrors.CodeRateLimit:
			return failed(CodeUpstreamError, typed.Message(), true)
		case typed.Code() != pkgerrors.CodeUnauthorized && typed.Code() != pkgerrors.CodeForbidden:
			return failed(CodeInvalidRequest, typed.Message(), false)
		}
	}

	return failed(CodeNetworkError, err.Error(), true)
}

func classifyStripe(e *stripe.Error) Outcome {
	message := e.Msg
	if message == "" {
		message = e.Error()
	}
	if decline := string(e.DeclineCode); decline != "" {
		return failed(decline, message, IsRecoverableCode(decline))
	}
	if code := string(e.Code); code != "" {
		if _, known := recoverableCodes[code]; known {
			return failed(code, message, IsRecoverableCode(code))
		}
	}
	switch {
	case e.HTTPStatusCode == http.StatusTooManyRequests:
		return failed("rate_limit", message, true)
	case e.HTTPStatusCode >= http.StatusInternalServerError, e.Type == stripe.ErrorTypeAPI:
		return failed(CodeUpstreamError, message, true)
	case e.Type == stripe.ErrorTypeInvalidRequest, e.Type == stripe.ErrorTypeIdempotency:
		return failed(CodeInvalidRequest, message, false)
	}
	code := string(e.Code)
	if code == "" {
		code = CodeUnknown
	}
	return failed(code, message, IsRecoverableCode(code))
}

func failed(code, message string, recoverable bool) Outcome {
	return Outcome{Kind: OutcomeFailed, Code: code, Message: message, Recoverable: recoverable}
}
