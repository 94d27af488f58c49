package crm

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/cookiejar"
	"strings"
	"sync"
	"time"

	"crm-assistant/internal/domain"
	"crm-assistant/internal/infra/config"
)

const odooMaxBody = 10 * 1024 * 1024 // 10 MB

// OdooCRM implements domain.CRMPort against Odoo's JSON-RPC web API.
// Authentication uses /web/session/authenticate and rides on the session
// cookie for subsequent /web/dataset/call_kw calls.
type OdooCRM struct {
	baseURL  string
	database string
	username string
	password string
	client   *http.Client
	logger   *slog.Logger

	mu  sync.Mutex
	uid int64
}

// NewOdooCRM creates an Odoo backend from config. Connection is established
// lazily on first use.
func NewOdooCRM(cfg config.OdooConfig, logger *slog.Logger) (*OdooCRM, error) {
	if cfg.URL == "" || cfg.Database == "" || cfg.Username == "" {
		return nil, fmt.Errorf("%w: odoo url, database and username are required", domain.ErrConfigLoad)
	}
	jar, err := cookiejar.New(nil)
	if err != nil {
		return nil, fmt.Errorf("create cookie jar: %w", err)
	}
	timeout := cfg.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}

	return &OdooCRM{
		baseURL:  strings.TrimRight(cfg.URL, "/"),
		database: cfg.Database,
		username: cfg.Username,
		password: cfg.Password,
		client:   &http.Client{Jar: jar, Timeout: timeout},
		logger:   logger,
	}, nil
}

// --- JSON-RPC plumbing ---

type rpcRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params"`
	ID      int64          `json:"id"`
}

type rpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    struct {
		Name    string `json:"name"`
		Message string `json:"message"`
		Debug   string `json:"debug"`
	} `json:"data"`
}

type rpcResponse struct {
	Result json.RawMessage `json:"result"`
	Error  *rpcError       `json:"error"`
}

func (e *rpcError) String() string {
	msg := e.Data.Message
	if msg == "" {
		msg = e.Message
	}
	if e.Data.Name != "" {
		return e.Data.Name + ": " + msg
	}
	return msg
}

func (o *OdooCRM) rpc(ctx context.Context, path string, params map[string]any) (json.RawMessage, error) {
	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  "call",
		Params:  params,
		ID:      time.Now().UnixNano(),
	})
	if err != nil {
		return nil, fmt.Errorf("marshal rpc request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+path, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBackendDown, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, odooMaxBody))
	if err != nil {
		return nil, fmt.Errorf("read response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: odoo returned status %d", domain.ErrBackendDown, resp.StatusCode)
	}

	var rpcResp rpcResponse
	if err := json.Unmarshal(respBody, &rpcResp); err != nil {
		return nil, fmt.Errorf("unmarshal rpc response: %w", err)
	}
	if rpcResp.Error != nil {
		// Keep the marker in the error text; the reply layer keys off it.
		return nil, fmt.Errorf("Odoo RPC error: %s", rpcResp.Error.String())
	}
	return rpcResp.Result, nil
}

// authenticate logs in and caches the uid. Call under no lock.
func (o *OdooCRM) authenticate(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.uid != 0 {
		return nil
	}

	result, err := o.rpc(ctx, "/web/session/authenticate", map[string]any{
		"db":       o.database,
		"login":    o.username,
		"password": o.password,
	})
	if err != nil {
		return err
	}

	var session struct {
		UID int64 `json:"uid"`
	}
	if err := json.Unmarshal(result, &session); err != nil {
		return fmt.Errorf("unmarshal session: %w", err)
	}
	if session.UID == 0 {
		return fmt.Errorf("%w: odoo rejected credentials for %s", domain.ErrAuthInvalid, o.username)
	}
	o.uid = session.UID
	o.logger.Info("odoo session established", "uid", o.uid, "database", o.database)
	return nil
}

// callKW invokes model.method through /web/dataset/call_kw.
func (o *OdooCRM) callKW(ctx context.Context, model, method string, args []any, kwargs map[string]any) (json.RawMessage, error) {
	if err := o.authenticate(ctx); err != nil {
		return nil, err
	}
	if kwargs == nil {
		kwargs = map[string]any{}
	}
	return o.rpc(ctx, "/web/dataset/call_kw", map[string]any{
		"model":  model,
		"method": method,
		"args":   args,
		"kwargs": kwargs,
	})
}

// --- res.partner mapping ---

// odooPartner is the subset of res.partner fields the assistant reads.
// Odoo encodes absent string fields as JSON false, hence flexString.
type odooPartner struct {
	ID          int64      `json:"id"`
	Name        flexString `json:"name"`
	Email       flexString `json:"email"`
	Phone       flexString `json:"phone"`
	CompanyName flexString `json:"company_name"`
	Street      flexString `json:"street"`
	Comment     flexString `json:"comment"`
}

// flexString decodes a JSON string, or Odoo's false placeholder, to a string.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if string(data) == "false" || string(data) == "null" {
		*f = ""
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	*f = flexString(s)
	return nil
}

var partnerFields = []string{"name", "email", "phone", "company_name", "street", "comment"}

func (p odooPartner) toCustomer() domain.Customer {
	return domain.Customer{
		ID:      p.ID,
		Name:    string(p.Name),
		Email:   string(p.Email),
		Phone:   string(p.Phone),
		Company: string(p.CompanyName),
		Address: string(p.Street),
		Notes:   string(p.Comment),
	}
}

func partnerValues(nc domain.NewCustomer) map[string]any {
	values := map[string]any{"customer_rank": 1}
	if nc.Name != "" {
		values["name"] = nc.Name
	}
	if nc.Email != "" {
		values["email"] = nc.Email
	}
	if nc.Phone != "" {
		values["phone"] = nc.Phone
	}
	if nc.Company != "" {
		values["company_name"] = nc.Company
	}
	if nc.Address != "" {
		values["street"] = nc.Address
	}
	if nc.Notes != "" {
		values["comment"] = nc.Notes
	}
	return values
}

// --- CRMPort implementation ---

func (o *OdooCRM) CreateCustomer(ctx context.Context, nc domain.NewCustomer) (domain.Customer, error) {
	result, err := o.callKW(ctx, "res.partner", "create", []any{partnerValues(nc)}, nil)
	if err != nil {
		return domain.Customer{}, err
	}

	var id int64
	if err := json.Unmarshal(result, &id); err != nil {
		return domain.Customer{}, fmt.Errorf("unmarshal created id: %w", err)
	}
	return o.GetCustomer(ctx, id)
}

func (o *OdooCRM) SearchCustomers(ctx context.Context, q domain.CustomerQuery) (domain.SearchOutcome, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}

	criteria := []any{[]any{"customer_rank", ">", 0}}
	if q.Name != "" {
		criteria = append(criteria, []any{"name", "ilike", q.Name})
	}
	if q.Email != "" {
		criteria = append(criteria, []any{"email", "ilike", q.Email})
	}
	if q.Phone != "" {
		criteria = append(criteria, []any{"phone", "ilike", q.Phone})
	}
	if q.Company != "" {
		criteria = append(criteria, []any{"company_name", "ilike", q.Company})
	}

	result, err := o.callKW(ctx, "res.partner", "search_read", []any{criteria}, map[string]any{
		"fields": partnerFields,
		"limit":  limit,
	})
	if err != nil {
		return domain.SearchOutcome{}, err
	}

	var partners []odooPartner
	if err := json.Unmarshal(result, &partners); err != nil {
		return domain.SearchOutcome{}, fmt.Errorf("unmarshal partners: %w", err)
	}

	out := domain.SearchOutcome{}
	for _, p := range partners {
		out.Matches = append(out.Matches, p.toCustomer())
	}
	return out, nil
}

func (o *OdooCRM) GetCustomer(ctx context.Context, id int64) (domain.Customer, error) {
	result, err := o.callKW(ctx, "res.partner", "read", []any{[]int64{id}}, map[string]any{
		"fields": partnerFields,
	})
	if err != nil {
		return domain.Customer{}, err
	}

	var partners []odooPartner
	if err := json.Unmarshal(result, &partners); err != nil {
		return domain.Customer{}, fmt.Errorf("unmarshal partner: %w", err)
	}
	if len(partners) == 0 {
		return domain.Customer{}, fmt.Errorf("%w: id %d", domain.ErrCustomerNotFound, id)
	}
	return partners[0].toCustomer(), nil
}

func (o *OdooCRM) UpdateCustomer(ctx context.Context, id int64, fields domain.NewCustomer) (domain.Customer, error) {
	values := partnerValues(fields)
	delete(values, "customer_rank")
	if len(values) == 0 {
		return domain.Customer{}, fmt.Errorf("%w: no fields to update", domain.ErrValidation)
	}

	if _, err := o.callKW(ctx, "res.partner", "write", []any{[]int64{id}, values}, nil); err != nil {
		return domain.Customer{}, err
	}
	return o.GetCustomer(ctx, id)
}

func (o *OdooCRM) ListProducts(ctx context.Context, query string) ([]domain.Product, error) {
	criteria := []any{[]any{"sale_ok", "=", true}}
	if query != "" {
		// Match either the display name or the internal reference.
		criteria = append(criteria, "|",
			[]any{"name", "ilike", query},
			[]any{"default_code", "ilike", query})
	}
	result, err := o.callKW(ctx, "product.product", "search_read", []any{criteria}, map[string]any{
		"fields": []string{"name", "list_price", "default_code", "qty_available"},
		"limit":  50,
	})
	if err != nil {
		return nil, err
	}

	var rows []struct {
		ID           int64      `json:"id"`
		Name         flexString `json:"name"`
		ListPrice    float64    `json:"list_price"`
		DefaultCode  flexString `json:"default_code"`
		QtyAvailable float64    `json:"qty_available"`
	}
	if err := json.Unmarshal(result, &rows); err != nil {
		return nil, fmt.Errorf("unmarshal products: %w", err)
	}

	products := make([]domain.Product, 0, len(rows))
	for _, r := range rows {
		products = append(products, domain.Product{
			ID:    r.ID,
			Name:  string(r.Name),
			Price: r.ListPrice,
			SKU:   string(r.DefaultCode),
			Stock: int(r.QtyAvailable),
		})
	}
	return products, nil
}

func (o *OdooCRM) CreateOrder(ctx context.Context, customerID int64, lines []domain.OrderLine) (domain.Order, error) {
	orderLines := make([]any, 0, len(lines))
	for _, l := range lines {
		orderLines = append(orderLines, []any{0, 0, map[string]any{
			"product_id":      l.ProductID,
			"product_uom_qty": l.Quantity,
		}})
	}

	result, err := o.callKW(ctx, "sale.order", "create", []any{map[string]any{
		"partner_id": customerID,
		"order_line": orderLines,
	}}, nil)
	if err != nil {
		return domain.Order{}, err
	}

	var id int64
	if err := json.Unmarshal(result, &id); err != nil {
		return domain.Order{}, fmt.Errorf("unmarshal order id: %w", err)
	}

	readResult, err := o.callKW(ctx, "sale.order", "read", []any{[]int64{id}}, map[string]any{
		"fields": []string{"amount_total", "state"},
	})
	if err != nil {
		return domain.Order{}, err
	}
	var orders []struct {
		ID          int64      `json:"id"`
		AmountTotal float64    `json:"amount_total"`
		State       flexString `json:"state"`
	}
	if err := json.Unmarshal(readResult, &orders); err != nil {
		return domain.Order{}, fmt.Errorf("unmarshal order: %w", err)
	}
	if len(orders) == 0 {
		return domain.Order{}, fmt.Errorf("%w: id %d", domain.ErrOrderNotFound, id)
	}

	return domain.Order{
		ID:         orders[0].ID,
		CustomerID: customerID,
		Lines:      lines,
		Total:      orders[0].AmountTotal,
		Status:     string(orders[0].State),
		CreatedAt:  time.Now().UTC(),
	}, nil
}

func (o *OdooCRM) Ping(ctx context.Context) error {
	if err := o.authenticate(ctx); err != nil {
		return err
	}
	_, err := o.callKW(ctx, "res.partner", "search_count", []any{[]any{}}, nil)
	return err
}

func (o *OdooCRM) Name() string { return "odoo" }

var _ domain.CRMPort = (*OdooCRM)(nil)
