package domain

import (
	"context"
	"time"
)

// Customer is a CRM contact record.
type Customer struct {
	ID      int64  `json:"id"`
	Name    string `json:"name"`
	Email   string `json:"email,omitempty"`
	Phone   string `json:"phone,omitempty"`
	Company string `json:"company,omitempty"`
	Address string `json:"address,omitempty"`
	Notes   string `json:"notes,omitempty"`
}

// Product is a sellable CRM item.
type Product struct {
	ID       int64   `json:"id"`
	Name     string  `json:"name"`
	Price    float64 `json:"price"`
	Category string  `json:"category,omitempty"`
	SKU      string  `json:"sku,omitempty"`
	Stock    int     `json:"stock"`
}

// OrderLine is one product position on an order.
type OrderLine struct {
	ProductID int64 `json:"product_id"`
	Quantity  int   `json:"quantity"`
}

// Order is a sales order placed for a customer.
type Order struct {
	ID         int64       `json:"id"`
	CustomerID int64       `json:"customer_id"`
	Lines      []OrderLine `json:"lines"`
	Total      float64     `json:"total"`
	Status     string      `json:"status"`
	CreatedAt  time.Time   `json:"created_at"`
}

// NewCustomer carries the fields for a customer create or update.
// Zero-value fields are omitted from the backend call on update.
type NewCustomer struct {
	Name    string
	Email   string
	Phone   string
	Company string
	Address string
	Notes   string
}

// CustomerQuery selects customers by fuzzy name, company and/or contact
// fields.
type CustomerQuery struct {
	Name    string
	Email   string
	Phone   string
	Company string
	Limit   int
}

// Empty reports whether the query carries no search criteria at all.
func (q CustomerQuery) Empty() bool {
	return q.Name == "" && q.Email == "" && q.Phone == "" && q.Company == ""
}

// SearchOutcome is the explicit result of a customer search; callers branch
// on the match count instead of inspecting raised conditions.
type SearchOutcome struct {
	Matches []Customer
}

func (o SearchOutcome) None() bool   { return len(o.Matches) == 0 }
func (o SearchOutcome) Single() bool { return len(o.Matches) == 1 }
func (o SearchOutcome) Many() bool   { return len(o.Matches) > 1 }

// OperationResult is the normalized outcome of one CRM call: either OK with
// Data, or a failure with Message and ErrorCode. Adapters populate it instead
// of letting backend errors escape to the conversation layer.
type OperationResult struct {
	OK        bool      `json:"ok"`
	Data      any       `json:"data,omitempty"`
	Message   string    `json:"message,omitempty"`
	ErrorCode ErrorCode `json:"error_code,omitempty"`
}

// Success wraps data in an OK result.
func Success(data any) OperationResult {
	return OperationResult{OK: true, Data: data}
}

// Failure builds a failed result from an error.
func Failure(err error) OperationResult {
	return OperationResult{OK: false, Message: err.Error(), ErrorCode: ErrorCodeOf(err)}
}

// CRMPort is the backend interface the dispatcher executes against.
// Implementations: mock (in-memory), odoo (JSON-RPC), sqlite (embedded).
type CRMPort interface {
	CreateCustomer(ctx context.Context, c NewCustomer) (Customer, error)
	SearchCustomers(ctx context.Context, q CustomerQuery) (SearchOutcome, error)
	GetCustomer(ctx context.Context, id int64) (Customer, error)
	UpdateCustomer(ctx context.Context, id int64, fields NewCustomer) (Customer, error)
	// ListProducts returns catalog entries matching the free-text query;
	// an empty query lists the whole catalog.
	ListProducts(ctx context.Context, query string) ([]Product, error)
	CreateOrder(ctx context.Context, customerID int64, lines []OrderLine) (Order, error)
	// Ping verifies the backend is reachable; used by the health probe.
	Ping(ctx context.Context) error
	Name() string
}
