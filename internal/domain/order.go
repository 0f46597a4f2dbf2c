package domain

import (
	"encoding/json"
	"time"
)

// OrderKind enumerates supported generation categories.
type OrderKind string

const (
	OrderKindImage OrderKind = "image"
	OrderKindVideo OrderKind = "video"
	OrderKindText  OrderKind = "text"
)

// Valid reports whether the kind is one of the supported categories.
func (k OrderKind) Valid() bool {
	switch k {
	case OrderKindImage, OrderKindVideo, OrderKindText:
		return true
	}
	return false
}

// OrderStatus enumerates order lifecycle states.
type OrderStatus string

const (
	OrderStatusCreated         OrderStatus = "created"
	OrderStatusCreditsDeducted OrderStatus = "credits_deducted"
	OrderStatusProcessing      OrderStatus = "processing"
	OrderStatusSuccess         OrderStatus = "success"
	OrderStatusFailed          OrderStatus = "failed"
	// OrderStatusRefunded is terminal and only ever written by manual
	// compensation tooling, never by the submission pipeline.
	OrderStatusRefunded OrderStatus = "refunded"
)

// Terminal reports whether no further pipeline transition leaves the status.
func (s OrderStatus) Terminal() bool {
	return s == OrderStatusSuccess || s == OrderStatusRefunded
}

// transitions is the set of legal status edges. Failed -> Created is the
// only backward edge and covers retry.
var transitions = map[OrderStatus][]OrderStatus{
	OrderStatusCreated:         {OrderStatusCreditsDeducted, OrderStatusFailed},
	OrderStatusCreditsDeducted: {OrderStatusProcessing, OrderStatusFailed},
	OrderStatusProcessing:      {OrderStatusSuccess, OrderStatusFailed},
	OrderStatusFailed:          {OrderStatusCreated, OrderStatusRefunded},
}

// CanTransition reports whether moving from one status to another is legal.
func CanTransition(from, to OrderStatus) bool {
	for _, next := range transitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// Order is the durable record of one generation attempt lifecycle, keyed by
// (UserID, BizNo). BizNo is the caller-chosen idempotency token.
type Order struct {
	ID                   string
	UserID               string
	BizNo                string
	Kind                 OrderKind
	Provider             string
	Model                string
	Prompt               string
	Options              map[string]any
	CreditsCost          int
	Status               OrderStatus
	ResultURLs           []string
	ResultData           json.RawMessage
	CreditsTransactionID string
	RetryCount           int
	ErrorMessage         string
	LeaseOwner           string
	LeaseExpiresAt       *time.Time
	CreatedAt            time.Time
	UpdatedAt            time.Time
	CompletedAt          *time.Time
}

// LeaseExpired reports whether the processing lease has lapsed at the given
// instant. Orders without a lease deadline count as expired so a recovering
// request can claim them.
func (o *Order) LeaseExpired(now time.Time) bool {
	return o.LeaseExpiresAt == nil || o.LeaseExpiresAt.Before(now)
}

// OrderPatch carries the optional column updates applied together with a
// guarded status transition. Nil fields are left untouched.
type OrderPatch struct {
	CreditsTransactionID *string
	RetryCount           *int
	ResultURLs           []string
	ResultData           json.RawMessage
	ErrorMessage         *string
	CompletedAt          *time.Time
	LeaseOwner           *string
	LeaseExpiresAt       *time.Time
}
