package crm

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"crm-assistant/internal/domain"
)

// MockCRM is an in-memory CRM backend seeded with a small dataset. It is the
// default backend for local development and tests.
type MockCRM struct {
	mu        sync.RWMutex
	customers map[int64]domain.Customer
	products  map[int64]domain.Product
	orders    map[int64]domain.Order
	nextID    int64
	nextOrder int64
	latency   time.Duration
	failPing  bool
}

// NewMockCRM creates a seeded mock backend.
func NewMockCRM() *MockCRM {
	m := &MockCRM{
		customers: make(map[int64]domain.Customer),
		products:  make(map[int64]domain.Product),
		orders:    make(map[int64]domain.Order),
		nextID:    1,
		nextOrder: 1,
	}
	m.seed()
	return m
}

func (m *MockCRM) seed() {
	for _, c := range []domain.Customer{
		{Name: "张三", Email: "zhangsan@example.com", Phone: "13812345678", Company: "示例科技"},
		{Name: "Alice Chen", Email: "alice@corp.io", Phone: "13900000001", Company: "Corp.io"},
		{Name: "Bob Smith", Email: "bob@acme.com", Company: "Acme"},
	} {
		c.ID = m.nextID
		m.customers[c.ID] = c
		m.nextID++
	}
	m.products[1] = domain.Product{ID: 1, Name: "标准版License", Price: 999, Category: "software", SKU: "LIC-STD", Stock: 100}
	m.products[2] = domain.Product{ID: 2, Name: "Pro License", Price: 2999, Category: "software", SKU: "LIC-PRO", Stock: 50}
	m.products[3] = domain.Product{ID: 3, Name: "Onsite Support Day", Price: 500, Category: "service", SKU: "SVC-DAY", Stock: 20}
}

// SetLatency makes every call sleep, for timeout tests.
func (m *MockCRM) SetLatency(d time.Duration) { m.latency = d }

// SetPingFailure makes Ping report the backend as down.
func (m *MockCRM) SetPingFailure(fail bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failPing = fail
}

func (m *MockCRM) wait(ctx context.Context) error {
	if m.latency == 0 {
		return nil
	}
	select {
	case <-time.After(m.latency):
		return nil
	case <-ctx.Done():
		return fmt.Errorf("%w: %v", domain.ErrTimeout, ctx.Err())
	}
}

func (m *MockCRM) CreateCustomer(ctx context.Context, nc domain.NewCustomer) (domain.Customer, error) {
	if err := m.wait(ctx); err != nil {
		return domain.Customer{}, err
	}
	if strings.TrimSpace(nc.Name) == "" {
		return domain.Customer{}, fmt.Errorf("%w: name is required", domain.ErrValidation)
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if nc.Email != "" {
		for _, c := range m.customers {
			if strings.EqualFold(c.Email, nc.Email) {
				return domain.Customer{}, fmt.Errorf("%w: email %s already exists", domain.ErrDuplicate, nc.Email)
			}
		}
	}

	c := domain.Customer{
		ID:      m.nextID,
		Name:    nc.Name,
		Email:   nc.Email,
		Phone:   nc.Phone,
		Company: nc.Company,
		Address: nc.Address,
		Notes:   nc.Notes,
	}
	m.customers[c.ID] = c
	m.nextID++
	return c, nil
}

func (m *MockCRM) SearchCustomers(ctx context.Context, q domain.CustomerQuery) (domain.SearchOutcome, error) {
	if err := m.wait(ctx); err != nil {
		return domain.SearchOutcome{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()

	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}

	var out domain.SearchOutcome
	for _, c := range m.customers {
		if matchesQuery(c, q) {
			out.Matches = append(out.Matches, c)
			if len(out.Matches) >= limit {
				break
			}
		}
	}
	sortCustomers(out.Matches)
	return out, nil
}

func matchesQuery(c domain.Customer, q domain.CustomerQuery) bool {
	contains := func(haystack, needle string) bool {
		return needle != "" && strings.Contains(strings.ToLower(haystack), strings.ToLower(needle))
	}
	if q.Name != "" && !contains(c.Name, q.Name) {
		return false
	}
	if q.Email != "" && !contains(c.Email, q.Email) {
		return false
	}
	if q.Phone != "" && !strings.Contains(c.Phone, q.Phone) {
		return false
	}
	if q.Company != "" && !contains(c.Company, q.Company) {
		return false
	}
	return !q.Empty()
}

func sortCustomers(cs []domain.Customer) {
	sort.Slice(cs, func(i, j int) bool { return cs[i].ID < cs[j].ID })
}

func (m *MockCRM) GetCustomer(ctx context.Context, id int64) (domain.Customer, error) {
	if err := m.wait(ctx); err != nil {
		return domain.Customer{}, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	c, ok := m.customers[id]
	if !ok {
		return domain.Customer{}, fmt.Errorf("%w: id %d", domain.ErrCustomerNotFound, id)
	}
	return c, nil
}

func (m *MockCRM) UpdateCustomer(ctx context.Context, id int64, fields domain.NewCustomer) (domain.Customer, error) {
	if err := m.wait(ctx); err != nil {
		return domain.Customer{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	c, ok := m.customers[id]
	if !ok {
		return domain.Customer{}, fmt.Errorf("%w: id %d", domain.ErrCustomerNotFound, id)
	}

	if fields.Name != "" {
		c.Name = fields.Name
	}
	if fields.Email != "" {
		c.Email = fields.Email
	}
	if fields.Phone != "" {
		c.Phone = fields.Phone
	}
	if fields.Company != "" {
		c.Company = fields.Company
	}
	if fields.Address != "" {
		c.Address = fields.Address
	}
	if fields.Notes != "" {
		c.Notes = fields.Notes
	}
	m.customers[id] = c
	return c, nil
}

func (m *MockCRM) ListProducts(ctx context.Context, query string) ([]domain.Product, error) {
	if err := m.wait(ctx); err != nil {
		return nil, err
	}

	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]domain.Product, 0, len(m.products))
	for _, p := range m.products {
		if matchesProduct(p, query) {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

// matchesProduct checks every query term against name, category and SKU.
func matchesProduct(p domain.Product, query string) bool {
	haystack := strings.ToLower(p.Name + " " + p.Category + " " + p.SKU)
	for _, term := range strings.Fields(strings.ToLower(query)) {
		if !strings.Contains(haystack, term) {
			return false
		}
	}
	return true
}

func (m *MockCRM) CreateOrder(ctx context.Context, customerID int64, lines []domain.OrderLine) (domain.Order, error) {
	if err := m.wait(ctx); err != nil {
		return domain.Order{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.customers[customerID]; !ok {
		return domain.Order{}, fmt.Errorf("%w: id %d", domain.ErrCustomerNotFound, customerID)
	}
	if len(lines) == 0 {
		return domain.Order{}, fmt.Errorf("%w: order needs at least one line", domain.ErrValidation)
	}

	var total float64
	for _, l := range lines {
		p, ok := m.products[l.ProductID]
		if !ok {
			return domain.Order{}, fmt.Errorf("%w: id %d", domain.ErrProductNotFound, l.ProductID)
		}
		if l.Quantity <= 0 {
			return domain.Order{}, fmt.Errorf("%w: quantity must be positive", domain.ErrValidation)
		}
		total += p.Price * float64(l.Quantity)
	}

	o := domain.Order{
		ID:         m.nextOrder,
		CustomerID: customerID,
		Lines:      lines,
		Total:      total,
		Status:     "confirmed",
		CreatedAt:  time.Now().UTC(),
	}
	m.orders[o.ID] = o
	m.nextOrder++
	return o, nil
}

func (m *MockCRM) Ping(ctx context.Context) error {
	if err := m.wait(ctx); err != nil {
		return err
	}
	m.mu.RLock()
	defer m.mu.RUnlock()
	if m.failPing {
		return fmt.Errorf("%w: mock backend marked unreachable", domain.ErrBackendDown)
	}
	return nil
}

func (m *MockCRM) Name() string { return "mock" }

var _ domain.CRMPort = (*MockCRM)(nil)
