package orders

import (
	"fmt"
	"strings"
	"time"
)

// Status is the externally visible lifecycle of an order.
type Status string

const (
	StatusPending    Status = "PENDING"
	StatusConfirmed  Status = "CONFIRMED"
	StatusProcessing Status = "PROCESSING"
	StatusShipped    Status = "SHIPPED"
	StatusDelivered  Status = "DELIVERED"
	StatusCancelled  Status = "CANCELLED"
)

var transitions = map[Status][]Status{
	StatusPending:    {StatusConfirmed, StatusCancelled},
	StatusConfirmed:  {StatusProcessing, StatusCancelled},
	StatusProcessing: {StatusShipped, StatusCancelled},
	StatusShipped:    {StatusDelivered},
}

// ParseStatus maps a case-insensitive name onto a Status.
func ParseStatus(raw string) (Status, error) {
	s := Status(strings.ToUpper(strings.TrimSpace(raw)))
	if !s.Valid() {
		return "", &ValidationError{Field: "status", Reason: fmt.Sprintf("unknown status %q", raw)}
	}
	return s, nil
}

// Valid reports whether s is a known status.
func (s Status) Valid() bool {
	switch s {
	case StatusPending, StatusConfirmed, StatusProcessing, StatusShipped, StatusDelivered, StatusCancelled:
		return true
	}
	return false
}

// CanTransitionTo reports whether the lifecycle graph allows s -> next.
func (s Status) CanTransitionTo(next Status) bool {
	for _, allowed := range transitions[s] {
		if allowed == next {
			return true
		}
	}
	return false
}

// IsFinal reports whether no further transition is possible.
func (s Status) IsFinal() bool {
	return len(transitions[s]) == 0
}

// LineItem is one product line. UnitPrice is in minor currency units.
type LineItem struct {
	ProductID string `json:"product_id"`
	Quantity  int    `json:"quantity"`
	UnitPrice int64  `json:"unit_price"`
}

// Total returns quantity * unit price.
func (li LineItem) Total() int64 {
	return int64(li.Quantity) * li.UnitPrice
}

// Address is a postal address.
type Address struct {
	Line1      string `json:"line1"`
	Line2      string `json:"line2,omitempty"`
	City       string `json:"city"`
	Region     string `json:"region,omitempty"`
	PostalCode string `json:"postal_code"`
	Country    string `json:"country"`
}

// Totals holds monetary amounts in minor units of Currency.
type Totals struct {
	Subtotal int64  `json:"subtotal"`
	Tax      int64  `json:"tax"`
	Total    int64  `json:"total"`
	Currency string `json:"currency"`
}

// Order is the fulfillment aggregate.
type Order struct {
	ID              string     `json:"id"`
	TenantID        string     `json:"tenant_id"`
	UserID          string     `json:"user_id"`
	Number          string     `json:"number"`
	Items           []LineItem `json:"items"`
	Totals          Totals     `json:"totals"`
	Status          Status     `json:"status"`
	BillingAddress  Address    `json:"billing_address"`
	ShippingAddress Address    `json:"shipping_address"`
	CreatedAt       time.Time  `json:"created_at"`
	UpdatedAt       time.Time  `json:"updated_at"`
}

// TransitionTo moves the order to next or returns an InvalidTransitionError.
func (o *Order) TransitionTo(next Status, at time.Time) error {
	if !o.Status.CanTransitionTo(next) {
		return &InvalidTransitionError{OrderID: o.ID, From: o.Status, To: next}
	}
	o.Status = next
	o.UpdatedAt = at
	return nil
}

// CreateRequest is the client payload for a new order. The tenant and user
// travel separately in the request context.
type CreateRequest struct {
	Items           []LineItem `json:"items"`
	Currency        string     `json:"currency"`
	TaxRateBps      int        `json:"tax_rate_bps,omitempty"`
	BillingAddress  Address    `json:"billing_address"`
	ShippingAddress Address    `json:"shipping_address"`
	PaymentToken    string     `json:"payment_token"`
}

// Validate checks the request shape.
func (r CreateRequest) Validate() error {
	if len(r.Items) == 0 {
		return &ValidationError{Field: "items", Reason: "at least one item is required"}
	}
	for i, item := range r.Items {
		if strings.TrimSpace(item.ProductID) == "" {
			return &ValidationError{Field: fmt.Sprintf("items[%d].product_id", i), Reason: "is required"}
		}
		if item.Quantity <= 0 {
			return &ValidationError{Field: fmt.Sprintf("items[%d].quantity", i), Reason: "must be positive"}
		}
		if item.UnitPrice < 0 {
			return &ValidationError{Field: fmt.Sprintf("items[%d].unit_price", i), Reason: "must not be negative"}
		}
	}
	if len(strings.TrimSpace(r.Currency)) != 3 {
		return &ValidationError{Field: "currency", Reason: "must be a 3-letter ISO code"}
	}
	if r.TaxRateBps < 0 || r.TaxRateBps > 10000 {
		return &ValidationError{Field: "tax_rate_bps", Reason: "must be between 0 and 10000"}
	}
	if strings.TrimSpace(r.PaymentToken) == "" {
		return &ValidationError{Field: "payment_token", Reason: "is required"}
	}
	if err := validateAddress("shipping_address", r.ShippingAddress); err != nil {
		return err
	}
	return validateAddress("billing_address", r.BillingAddress)
}

// Totals computes subtotal, tax (rounded half up) and total.
func (r CreateRequest) Totals() Totals {
	var subtotal int64
	for _, item := range r.Items {
		subtotal += item.Total()
	}
	tax := (subtotal*int64(r.TaxRateBps) + 5000) / 10000
	return Totals{
		Subtotal: subtotal,
		Tax:      tax,
		Total:    subtotal + tax,
		Currency: strings.ToUpper(strings.TrimSpace(r.Currency)),
	}
}

// NewOrder builds a PENDING order from a validated request.
func NewOrder(id, tenantID, userID, number string, req CreateRequest, now time.Time) *Order {
	items := make([]LineItem, len(req.Items))
	copy(items, req.Items)
	return &Order{
		ID:              id,
		TenantID:        tenantID,
		UserID:          userID,
		Number:          number,
		Items:           items,
		Totals:          req.Totals(),
		Status:          StatusPending,
		BillingAddress:  req.BillingAddress,
		ShippingAddress: req.ShippingAddress,
		CreatedAt:       now,
		UpdatedAt:       now,
	}
}

func validateAddress(field string, a Address) error {
	switch {
	case strings.TrimSpace(a.Line1) == "":
		return &ValidationError{Field: field + ".line1", Reason: "is required"}
	case strings.TrimSpace(a.City) == "":
		return &ValidationError{Field: field + ".city", Reason: "is required"}
	case strings.TrimSpace(a.PostalCode) == "":
		return &ValidationError{Field: field + ".postal_code", Reason: "is required"}
	case strings.TrimSpace(a.Country) == "":
		return &ValidationError{Field: field + ".country", Reason: "is required"}
	}
	return nil
}
