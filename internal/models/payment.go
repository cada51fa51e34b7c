package models

import (
	"time"
)

// PaymentIntent is the immutable target a QR checkout collects money against.
type PaymentIntent struct {
	Reference    string      `json:"reference"`
	TargetAmount int64       `json:"targetAmount"` // smallest currency unit
	CreatedAt    time.Time   `json:"createdAt"`
	Merchant     string      `json:"merchant"`
	Account      string      `json:"account"`
	StaffID      string      `json:"staffId,omitempty"`
	Items        []OrderLine `json:"items"`
	VoucherID    *int64      `json:"voucherId,omitempty"`
	Note         string      `json:"note,omitempty"`
}

// ItemSummary renders the human-readable item list embedded in the QR payload.
func (p *PaymentIntent) ItemSummary() string {
	summary := ""
	for i, line := range p.Items {
		if i > 0 {
			summary += ", "
		}
		summary += line.Name
	}
	return summary
}

// OrderLine is one product line of the underlying order.
type OrderLine struct {
	ProductID int64  `json:"productId" validate:"required,gt=0"`
	Name      string `json:"name"`
	Quantity  int    `json:"quantity" validate:"required,gt=0"`
	Note      string `json:"note,omitempty"`
	VoucherID *int64 `json:"voucherId,omitempty"`
}

// PaymentEvent is a single "money received" notification pushed from the
// payment channel. Events are folded into the ledger and not retained.
type PaymentEvent struct {
	Reference  string    `json:"reference,omitempty"`
	Amount     int64     `json:"amount"`
	SourceID   string    `json:"sourceId,omitempty"`
	ReceivedAt time.Time `json:"receivedAt"`
}

// LedgerEntry is the persisted running total received for one reference.
// Amount only ever increases while the intent is open.
type LedgerEntry struct {
	Reference     string    `json:"reference"`
	Amount        int64     `json:"amount"`
	LastUpdatedAt time.Time `json:"lastUpdatedAt"`
}

// Receipt is the archived outcome of a finalized payment.
type Receipt struct {
	ID          int64     `json:"id" db:"id"`
	Reference   string    `json:"reference" db:"reference"`
	OrderID     int64     `json:"orderId" db:"order_id"`
	Target      int64     `json:"target" db:"target_amount"`
	Accumulated int64     `json:"accumulated" db:"accumulated_amount"`
	Overpaid    int64     `json:"overpaid" db:"overpaid_amount"`
	FinalizedAt time.Time `json:"finalizedAt" db:"finalized_at"`
}
