package flowstore

import (
	"time"

	"github.com/angelmondragon/coaching-payflow/pkg/enums"
)

// FlowError is the structured failure descriptor kept in flow metadata.
type FlowError struct {
	Message     string `json:"message"`
	Code        string `json:"code,omitempty"`
	Recoverable bool   `json:"recoverable"`
}

// Metadata is the open bag attached to a flow. Known keys are typed; anything else lives in Extra.
type Metadata struct {
	ModalState        enums.ModalState  `json:"modalState,omitempty"`
	PaymentStep       enums.PaymentStep `json:"paymentStep,omitempty"`
	FlowState         string            `json:"flowState,omitempty"`
	RetryCount        int               `json:"retryCount"`
	PreserveOnUnmount bool              `json:"preserveOnUnmount"`
	Timestamp         time.Time         `json:"timestamp"`
	PreviousState     enums.FlowStatus  `json:"previousState,omitempty"`
	PaymentMethodID   string            `json:"paymentMethodId,omitempty"`
	Error             *FlowError        `json:"error,omitempty"`
	Extra             map[string]any    `json:"extra,omitempty"`
}

// Flow is one payment attempt. Values handed out by the Store are copies; mutate through the Store.
type Flow struct {
	ID              string                `json:"id"`
	Status          enums.FlowStatus      `json:"status"`
	Amount          int64                 `json:"amount"`
	Currency        enums.Currency        `json:"currency"`
	ClientSecret    string                `json:"clientSecret,omitempty"`
	BookingID       string                `json:"bookingId,omitempty"`
	PaymentIntentID string                `json:"paymentIntentId,omitempty"`
	Metadata        Metadata              `json:"metadata"`
	VisibilityState enums.VisibilityState `json:"visibilityState"`
	CreatedAt       time.Time             `json:"createdAt"`
	UpdatedAt       time.Time             `json:"updatedAt"`
}

// Clone returns a deep copy that shares no mutable state with f.
func (f Flow) Clone() Flow {
	out := f
	if f.Metadata.Error != nil {
		errCopy := *f.Metadata.Error
		out.Metadata.Error = &errCopy
	}
	out.Metadata.Extra = cloneMap(f.Metadata.Extra)
	return out
}

// LastError returns the flow's error descriptor, if any.
func (f Flow) LastError() *FlowError {
	if f.Metadata.Error == nil {
		return nil
	}
	errCopy := *f.Metadata.Error
	return &errCopy
}

// Patch is a partial update. Nil fields are left untouched.
type Patch struct {
	Status          *enums.FlowStatus
	Amount          *int64
	Currency        *enums.Currency
	ClientSecret    *string
	BookingID       *string
	PaymentIntentID *string
	VisibilityState *enums.VisibilityState
	Metadata        *MetadataPatch
}

// MetadataPatch deep-merges into Metadata. Extra is merged key by key; a nil value deletes the key.
type MetadataPatch struct {
	ModalState        *enums.ModalState
	PaymentStep       *enums.PaymentStep
	FlowState         *string
	RetryCount        *int
	PreserveOnUnmount *bool
	Timestamp         *time.Time
	PreviousState     *enums.FlowStatus
	PaymentMethodID   *string
	Error             *FlowError
	ClearError        bool
	Extra             map[string]any
}

// IsZero reports whether the patch changes nothing.
func (p Patch) IsZero() bool {
	return p.Status == nil &&
		p.Amount == nil &&
		p.Currency == nil &&
		p.ClientSecret == nil &&
		p.BookingID == nil &&
		p.PaymentIntentID == nil &&
		p.VisibilityState == nil &&
		p.Metadata == nil
}

// Apply returns a copy of f with the patch merged in. f itself is not modified.
func (p Patch) Apply(f Flow) Flow {
	out := f.Clone()
	if p.Status != nil {
		out.Status = *p.Status
	}
	if p.Amount != nil {
		out.Amount = *p.Amount
	}
	if p.Currency != nil {
		out.Currency = *p.Currency
	}
	if p.ClientSecret != nil {
		out.ClientSecret = *p.ClientSecret
	}
	if p.BookingID != nil {
		out.BookingID = *p.BookingID
	}
	if p.PaymentIntentID != nil {
		out.PaymentIntentID = *p.PaymentIntentID
	}
	if p.VisibilityState != nil {
		out.VisibilityState = *p.VisibilityState
	}
	if p.Metadata != nil {
		out.Metadata = p.Metadata.apply(out.Metadata)
	}
	return out
}

func (m MetadataPatch) apply(meta Metadata) Metadata {
	if m.ModalState != nil {
		meta.ModalState = *m.ModalState
	}
	if m.PaymentStep != nil {
		meta.PaymentStep = *m.PaymentStep
	}
	if m.FlowState != nil {
		meta.FlowState = *m.FlowState
	}
	if m.RetryCount != nil {
		meta.RetryCount = *m.RetryCount
	}
	if m.PreserveOnUnmount != nil {
		meta.PreserveOnUnmount = *m.PreserveOnUnmount
	}
	if m.Timestamp != nil {
		meta.Timestamp = *m.Timestamp
	}
	if m.PreviousState != nil {
		meta.PreviousState = *m.PreviousState
	}
	if m.PaymentMethodID != nil {
		meta.PaymentMethodID = *m.PaymentMethodID
	}
	if m.ClearError {
		meta.Error = nil
	}
	if m.Error != nil {
		errCopy := *m.Error
		meta.Error = &errCopy
	}
	if len(m.Extra) > 0 {
		meta.Extra = mergeMaps(meta.Extra, m.Extra)
	}
	return meta
}

func mergeMaps(dst, src map[string]any) map[string]any {
	if dst == nil {
		dst = make(map[string]any, len(src))
	}
	for key, value := range src {
		if value == nil {
			delete(dst, key)
			continue
		}
		incoming, isMap := value.(map[string]any)
		existing, hadMap := dst[key].(map[string]any)
		if isMap && hadMap {
			dst[key] = mergeMaps(cloneMap(existing), incoming)
			continue
		}
		if isMap {
			dst[key] = cloneMap(incoming)
			continue
		}
		dst[key] = value
	}
	if len(dst) == 0 {
		return nil
	}
	return dst
}

func cloneMap(in map[string]any) map[string]any {
	if in == nil {
		return nil
	}
	out := make(map[string]any, len(in))
	for key, value := range in {
		if nested, ok := value.(map[string]any); ok {
			out[key] = cloneMap(nested)
			continue
		}
		out[key] = value
	}
	return out
}
