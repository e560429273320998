package controllers

import (
	"context"
	"encoding/json"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/angelmondragon/coaching-payflow/api/responses"
	"github.com/angelmondragon/coaching-payflow/api/validators"
	"github.com/angelmondragon/coaching-payflow/internal/flowhook"
	"github.com/angelmondragon/coaching-payflow/internal/flowstore"
	"github.com/angelmondragon/coaching-payflow/pkg/enums"
	pkgerrors "github.com/angelmondragon/coaching-payflow/pkg/errors"
	"github.com/angelmondragon/coaching-payflow/pkg/logger"
)

// PaymentFlowService is the hook adapter surface exposed over HTTP.
type PaymentFlowService interface {
	StartPaymentFlow(ctx context.Context, p flowhook.StartParams) (flowstore.Flow, error)
	Lookup(ctx context.Context, id string) (flowstore.Flow, error)
	Active(flowID string) bool
	HandleVisibilityChange(ctx context.Context, flowID string, state enums.VisibilityState, info map[string]any) (flowstore.Flow, error)
	HandlePaymentConfirmation(ctx context.Context, flowID, paymentMethodID string) (flowstore.Flow, error)
	ResetFlow(ctx context.Context, flowID string) (flowstore.Flow, error)
	CancelFlow(ctx context.Context, flowID, reason string) (flowstore.Flow, error)
	Cleanup(ctx context.Context, flowID string, force bool) error
	Bind(flowID string, onChange func(flowstore.Event)) (*flowhook.Hook, error)
}

type startPaymentFlowRequest struct {
	FlowID            string          `json:"flowId,omitempty" validate:"omitempty,max=128"`
	Booking           json.RawMessage `json:"booking" validate:"required"`
	Price             json.RawMessage `json:"price,omitempty"`
	PriceParams       json.RawMessage `json:"priceParams,omitempty"`
	Timing            map[string]any  `json:"timing,omitempty"`
	Metadata          map[string]any  `json:"metadata,omitempty"`
	PreserveOnUnmount bool            `json:"preserveOnUnmount"`
}

type visibilityRequest struct {
	State enums.VisibilityState `json:"state" validate:"required,oneof=hidden mounting visible unmounting"`
	Info  map[string]any        `json:"info,omitempty"`
}

type confirmPaymentRequest struct {
	PaymentMethodID string `json:"paymentMethodId" validate:"required,max=255"`
}

type cancelFlowRequest struct {
	Reason string `json:"reason,omitempty" validate:"max=255"`
}

// StartPaymentFlow creates the booking and payment context for a new flow.
func StartPaymentFlow(svc PaymentFlowService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if svc == nil {
			responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payment flow service unavailable"))
			return
		}

		var body startPaymentFlowRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}

		flow, err := svc.StartPaymentFlow(r.Context(), flowhook.StartParams{
			FlowID:            strings.TrimSpace(body.FlowID),
			Booking:           body.Booking,
			Price:             body.Price,
			PriceParams:       body.PriceParams,
			Timing:            body.Timing,
			Metadata:          body.Metadata,
			PreserveOnUnmount: body.PreserveOnUnmount,
		})
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccessStatus(w, http.StatusCreated, flow)
	}
}

// GetPaymentFlow returns the flow for a flow or booking id, falling back to the last cached
// snapshot.
func GetPaymentFlow(svc PaymentFlowService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flowID, ok := flowIDParam(w, r, svc, logg)
		if !ok {
			return
		}
		flow, err := svc.Lookup(r.Context(), flowID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, flow)
	}
}

func UpdateVisibility(svc PaymentFlowService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flowID, ok := flowIDParam(w, r, svc, logg)
		if !ok {
			return
		}
		var body visibilityRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		flow, err := svc.HandleVisibilityChange(r.Context(), flowID, body.State, body.Info)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, flow)
	}
}

// ConfirmPayment blocks until the confirmation settles or a retry is scheduled. The
// returned flow carries the outcome; only rejected calls produce an error response.
func ConfirmPayment(svc PaymentFlowService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flowID, ok := flowIDParam(w, r, svc, logg)
		if !ok {
			return
		}
		var body confirmPaymentRequest
		if err := validators.DecodeJSONBody(r, &body); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		flow, err := svc.HandlePaymentConfirmation(r.Context(), flowID, strings.TrimSpace(body.PaymentMethodID))
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, flow)
	}
}

func ResetPaymentFlow(svc PaymentFlowService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flowID, ok := flowIDParam(w, r, svc, logg)
		if !ok {
			return
		}
		flow, err := svc.ResetFlow(r.Context(), flowID)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, flow)
	}
}

// CancelPaymentFlow accepts an optional {"reason": "..."} body.
func CancelPaymentFlow(svc PaymentFlowService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flowID, ok := flowIDParam(w, r, svc, logg)
		if !ok {
			return
		}
		var body cancelFlowRequest
		if r.ContentLength != 0 {
			if err := validators.DecodeJSONBody(r, &body); err != nil {
				responses.WriteError(r.Context(), logg, w, err)
				return
			}
		}
		flow, err := svc.CancelFlow(r.Context(), flowID, body.Reason)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, flow)
	}
}

// CleanupPaymentFlow releases the flow. Preserved flows stay until ?force=true.
func CleanupPaymentFlow(svc PaymentFlowService, logg *logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		flowID, ok := flowIDParam(w, r, svc, logg)
		if !ok {
			return
		}
		force, err := validators.ParseQueryBool(r, "force", false)
		if err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		if err := svc.Cleanup(r.Context(), flowID, force); err != nil {
			responses.WriteError(r.Context(), logg, w, err)
			return
		}
		responses.WriteSuccess(w, map[string]any{
			"flowId":  flowID,
			"removed": !svc.Active(flowID),
		})
	}
}

func flowIDParam(w http.ResponseWriter, r *http.Request, svc PaymentFlowService, logg *logger.Logger) (string, bool) {
	if svc == nil {
		responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeInternal, "payment flow service unavailable"))
		return "", false
	}
	flowID := strings.TrimSpace(chi.URLParam(r, "flowId"))
	if flowID == "" {
		responses.WriteError(r.Context(), logg, w, pkgerrors.New(pkgerrors.CodeValidation, "flow id is required"))
		return "", false
	}
	return flowID, true
}
