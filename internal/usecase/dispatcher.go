package usecase

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"crm-assistant/internal/domain"
	"crm-assistant/internal/infra/tracer"
)

// Canned replies for conversational intents and gate failures.
const (
	replyClarify = "I'm not sure I understood that. Could you rephrase? For example: " +
		`"create customer Alice with email alice@corp.io" or "find customer Bob".`
	replyGreeting     = "Hi! I'm your CRM assistant. I can create, find and update customers, list products and place orders."
	replyIntroduction = "I'm a CRM assistant. Tell me things like \"create customer Alice\", \"find Bob\", \"update her phone\" or \"order 2 of product 5 for customer 7\"."
	replyHelp         = "Here's what I can do:\n" +
		"- create a customer: \"create customer Alice, email alice@corp.io\"\n" +
		"- find customers: \"find customer Bob\" / \"搜索客户张三\"\n" +
		"- update the customer we're talking about: \"update her phone to 13900000000\"\n" +
		"- list products: \"what products do you have?\"\n" +
		"- place an order: \"order product 5 for customer 7\""
)

// Dispatcher turns an actionable Intent into exactly one CRM operation and a
// user-facing reply. The single sanctioned exception is a one-match customer
// search, which auto-fetches the customer detail as part of the same turn.
type Dispatcher struct {
	crm    domain.CRMPort
	bus    domain.EventBus // optional, nil = no events
	logger *slog.Logger
}

// NewDispatcher creates a dispatcher over the CRM port.
func NewDispatcher(crm domain.CRMPort, bus domain.EventBus, logger *slog.Logger) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{crm: crm, bus: bus, logger: logger}
}

// reportCall publishes the normalized outcome of one CRM operation.
func (d *Dispatcher) reportCall(ctx context.Context, sess *Session, op string, data any, err error) {
	if d.bus == nil {
		return
	}
	res := domain.OperationResult{OK: err == nil, Data: data}
	if err != nil {
		res.Message = err.Error()
		res.ErrorCode = domain.ErrorCodeOf(err)
	}
	payload, merr := json.Marshal(struct {
		Op string `json:"op"`
		domain.OperationResult
	}{Op: op, OperationResult: res})
	if merr != nil {
		return
	}
	d.bus.Publish(ctx, domain.Event{
		Type:      domain.EventCRMCallCompleted,
		Timestamp: time.Now(),
		SessionID: sess.ID,
		Payload:   payload,
	})
}

// Execute runs the decision table for an intent against the session context
// and returns the reply text. Backend errors are mapped to friendly replies;
// Execute itself never surfaces an error to the caller.
func (d *Dispatcher) Execute(ctx context.Context, sess *Session, in domain.Intent) string {
	ctx, span := tracer.StartSpan(ctx, "dispatcher.execute")
	defer span.End()
	span.SetAttributes(
		tracer.StringAttr("intent.action", string(in.Action)),
		tracer.StringAttr("intent.entity", string(in.EntityType)),
	)

	if !in.Actionable() {
		return replyClarify
	}

	switch in.Action {
	case domain.ActionGreeting:
		return replyGreeting
	case domain.ActionIntroduction:
		return replyIntroduction
	case domain.ActionHelp, domain.ActionUnknown:
		return replyHelp
	}

	var reply string
	switch {
	case in.Action == domain.ActionCreate && in.EntityType == domain.EntityCustomer:
		reply = d.createCustomer(ctx, sess, in)
	case in.Action == domain.ActionSearch && in.EntityType == domain.EntityCustomer:
		reply = d.searchCustomers(ctx, sess, in)
	case in.Action == domain.ActionGet && in.EntityType == domain.EntityCustomer:
		reply = d.getCustomer(ctx, sess, in)
	case in.Action == domain.ActionUpdate && in.EntityType == domain.EntityCustomer:
		reply = d.updateCustomer(ctx, sess, in)
	case (in.Action == domain.ActionSearch || in.Action == domain.ActionGet) && in.EntityType == domain.EntityProduct:
		reply = d.listProducts(ctx, sess, in)
	case in.Action == domain.ActionOrder:
		reply = d.createOrder(ctx, sess, in)
	default:
		reply = replyHelp
	}
	return reply
}

func (d *Dispatcher) createCustomer(ctx context.Context, sess *Session, in domain.Intent) string {
	name := strings.TrimSpace(in.StringParam("name"))
	if name == "" {
		return "To create a customer I need at least a name. Missing: name. " +
			`Try "create customer Alice with email alice@corp.io".`
	}

	nc := domain.NewCustomer{
		Name:    name,
		Email:   in.StringParam("email"),
		Phone:   in.StringParam("phone"),
		Company: in.StringParam("company"),
		Address: in.StringParam("address"),
		Notes:   in.StringParam("notes"),
	}

	c, err := d.crm.CreateCustomer(ctx, nc)
	d.reportCall(ctx, sess, "customer.create", c, err)
	if err != nil {
		d.logger.Error("create customer failed", "name", name, "error", err)
		return FriendlyError(err)
	}

	sess.RememberEntity(c.ID, c.Name, domain.EntityCustomer)
	d.logger.Info("customer created", "id", c.ID, "name", c.Name)

	var b strings.Builder
	fmt.Fprintf(&b, "Created customer %s (#%d)", c.Name, c.ID)
	if c.Email != "" {
		fmt.Fprintf(&b, ", email %s", c.Email)
	}
	if c.Phone != "" {
		fmt.Fprintf(&b, ", phone %s", c.Phone)
	}
	b.WriteString(". I'll remember them for follow-ups.")
	return b.String()
}

func (d *Dispatcher) searchCustomers(ctx context.Context, sess *Session, in domain.Intent) string {
	q := domain.CustomerQuery{
		Name:    in.StringParam("name"),
		Email:   in.StringParam("email"),
		Phone:   in.StringParam("phone"),
		Company: in.StringParam("company"),
		Limit:   10,
	}
	if n, ok := in.IntParam("limit"); ok && n > 0 {
		q.Limit = int(n)
	}
	if q.Empty() {
		return "Who should I look for? Give me a name, email, phone number or company."
	}

	outcome, err := d.crm.SearchCustomers(ctx, q)
	d.reportCall(ctx, sess, "customer.search", outcome.Matches, err)
	if err != nil {
		d.logger.Error("customer search failed", "query", q.Name, "error", err)
		return FriendlyError(err)
	}

	switch {
	case outcome.None():
		return "No customers matched. You can create one, e.g. " +
			`"create customer Alice with email alice@corp.io".`

	case outcome.Single():
		// Auto-fetch the detail record and remember it; this pair is the
		// turn's one logical CRM operation.
		hit := outcome.Matches[0]
		c, err := d.crm.GetCustomer(ctx, hit.ID)
		if err != nil {
			d.logger.Error("customer detail fetch failed", "id", hit.ID, "error", err)
			return FriendlyError(err)
		}
		sess.RememberEntity(c.ID, c.Name, domain.EntityCustomer)
		return formatCustomerDetail(c) + "\nI'll remember this customer for follow-ups like \"update their phone\"."

	default:
		var b strings.Builder
		fmt.Fprintf(&b, "Found %d customers:\n", len(outcome.Matches))
		for i, c := range outcome.Matches {
			fmt.Fprintf(&b, "%d. %s (#%d)", i+1, c.Name, c.ID)
			if c.Email != "" {
				fmt.Fprintf(&b, " — %s", c.Email)
			}
			b.WriteByte('\n')
		}
		b.WriteString("Tell me which one you mean, e.g. by its number sign ID.")
		return b.String()
	}
}

func (d *Dispatcher) getCustomer(ctx context.Context, sess *Session, in domain.Intent) string {
	id := d.resolveCustomerID(sess, in)
	if id == 0 {
		return "Which customer do you mean? Search by name first, or give me an ID."
	}

	c, err := d.crm.GetCustomer(ctx, id)
	d.reportCall(ctx, sess, "customer.get", c, err)
	if err != nil {
		d.logger.Error("get customer failed", "id", id, "error", err)
		return FriendlyError(err)
	}

	sess.RememberEntity(c.ID, c.Name, domain.EntityCustomer)
	return formatCustomerDetail(c)
}

func (d *Dispatcher) updateCustomer(ctx context.Context, sess *Session, in domain.Intent) string {
	id := d.resolveCustomerID(sess, in)
	if id == 0 {
		return "Which customer should I update? Find them first, then say e.g. \"update their phone to 13900000000\"."
	}

	fields := domain.NewCustomer{
		Name:    in.StringParam("name"),
		Email:   in.StringParam("email"),
		Phone:   in.StringParam("phone"),
		Company: in.StringParam("company"),
		Address: in.StringParam("address"),
		Notes:   in.StringParam("notes"),
	}
	// A name that merely identifies the remembered customer is not an update.
	if fields.Name != "" && strings.EqualFold(fields.Name, sess.ActiveEntityName()) {
		fields.Name = ""
	}
	if fields == (domain.NewCustomer{}) {
		return "What should I change? You can update the name, email, phone, company, address or notes."
	}

	c, err := d.crm.UpdateCustomer(ctx, id, fields)
	d.reportCall(ctx, sess, "customer.update", c, err)
	if err != nil {
		d.logger.Error("update customer failed", "id", id, "error", err)
		return FriendlyError(err)
	}

	sess.RememberEntity(c.ID, c.Name, domain.EntityCustomer)
	return fmt.Sprintf("Updated %s (#%d).\n%s", c.Name, c.ID, formatCustomerDetail(c))
}

func (d *Dispatcher) listProducts(ctx context.Context, sess *Session, in domain.Intent) string {
	query := productQuery(in)
	products, err := d.crm.ListProducts(ctx, query)
	d.reportCall(ctx, sess, "product.list", products, err)
	if err != nil {
		d.logger.Error("list products failed", "query", query, "error", err)
		return FriendlyError(err)
	}
	if len(products) == 0 {
		if query != "" {
			return fmt.Sprintf("No products matched %q. Ask for the full catalog to see what we have.", query)
		}
		return "The catalog is empty right now."
	}

	var b strings.Builder
	fmt.Fprintf(&b, "We have %d products:\n", len(products))
	for _, p := range products {
		fmt.Fprintf(&b, "- %s", p.Name)
		if p.Category != "" {
			fmt.Fprintf(&b, " / %s", p.Category)
		}
		if p.SKU != "" {
			fmt.Fprintf(&b, " / %s", p.SKU)
		}
		fmt.Fprintf(&b, " — %.2f\n", p.Price)
	}
	return strings.TrimRight(b.String(), "\n")
}

func (d *Dispatcher) createOrder(ctx context.Context, sess *Session, in domain.Intent) string {
	customerID := d.resolveCustomerID(sess, in)
	lines := orderLines(in)

	var missing []string
	if customerID == 0 {
		missing = append(missing, "the customer (search for them first, or give an ID)")
	}
	if len(lines) == 0 {
		missing = append(missing, "the product IDs to order")
	}
	if len(missing) > 0 {
		return "To place an order I still need " + strings.Join(missing, " and ") + "."
	}

	o, err := d.crm.CreateOrder(ctx, customerID, lines)
	d.reportCall(ctx, sess, "order.create", o, err)
	if err != nil {
		d.logger.Error("create order failed", "customer_id", customerID, "error", err)
		return FriendlyError(err)
	}

	d.logger.Info("order created", "id", o.ID, "customer_id", o.CustomerID, "total", o.Total)
	return fmt.Sprintf("Order #%d placed for customer #%d — %d line(s), total %.2f, status %s.",
		o.ID, o.CustomerID, len(o.Lines), o.Total, o.Status)
}

// resolveCustomerID takes an explicit customer_id/id parameter, falling back
// to the session's active customer memory.
func (d *Dispatcher) resolveCustomerID(sess *Session, in domain.Intent) int64 {
	if id, ok := in.IntParam("customer_id"); ok && id > 0 {
		return id
	}
	if id, ok := in.IntParam("id"); ok && id > 0 {
		return id
	}
	return sess.ActiveCustomerID()
}

// productQuery concatenates the product search terms into one free-text
// query for the catalog lookup.
func productQuery(in domain.Intent) string {
	var terms []string
	for _, key := range []string{"name", "category", "sku", "query"} {
		if v := strings.TrimSpace(in.StringParam(key)); v != "" {
			terms = append(terms, v)
		}
	}
	return strings.Join(terms, " ")
}

// orderLines decodes the products parameter. Accepted shapes: a single
// product id, a list of ids, or a list of {product_id, quantity} objects.
// A top-level quantity parameter applies to bare ids; default quantity is 1.
func orderLines(in domain.Intent) []domain.OrderLine {
	defaultQty := 1
	if q, ok := in.IntParam("quantity"); ok && q > 0 {
		defaultQty = int(q)
	}

	raw, ok := in.Parameters["products"]
	if !ok {
		if id, found := in.IntParam("product_id"); found && id > 0 {
			return []domain.OrderLine{{ProductID: id, Quantity: defaultQty}}
		}
		return nil
	}

	items, ok := raw.([]any)
	if !ok {
		// A single scalar product id.
		if id, found := asInt64(raw); found && id > 0 {
			return []domain.OrderLine{{ProductID: id, Quantity: defaultQty}}
		}
		return nil
	}

	var lines []domain.OrderLine
	for _, item := range items {
		switch v := item.(type) {
		case map[string]any:
			id, found := asInt64(v["product_id"])
			if !found || id <= 0 {
				continue
			}
			qty := defaultQty
			if q, qok := asInt64(v["quantity"]); qok && q > 0 {
				qty = int(q)
			}
			lines = append(lines, domain.OrderLine{ProductID: id, Quantity: qty})
		default:
			if id, found := asInt64(v); found && id > 0 {
				lines = append(lines, domain.OrderLine{ProductID: id, Quantity: defaultQty})
			}
		}
	}
	return lines
}

func asInt64(v any) (int64, bool) {
	switch t := v.(type) {
	case float64:
		return int64(t), true
	case int:
		return int64(t), true
	case int64:
		return t, true
	case string:
		var n int64
		if _, err := fmt.Sscanf(t, "%d", &n); err == nil {
			return n, true
		}
	}
	return 0, false
}

func formatCustomerDetail(c domain.Customer) string {
	var b strings.Builder
	fmt.Fprintf(&b, "%s (#%d)", c.Name, c.ID)
	if c.Email != "" {
		fmt.Fprintf(&b, "\n  email:   %s", c.Email)
	}
	if c.Phone != "" {
		fmt.Fprintf(&b, "\n  phone:   %s", c.Phone)
	}
	if c.Company != "" {
		fmt.Fprintf(&b, "\n  company: %s", c.Company)
	}
	if c.Address != "" {
		fmt.Fprintf(&b, "\n  address: %s", c.Address)
	}
	if c.Notes != "" {
		fmt.Fprintf(&b, "\n  notes:   %s", c.Notes)
	}
	return b.String()
}
