package crm

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"

	"crm-assistant/internal/domain"
)

// SQLiteCRM implements domain.CRMPort on a local SQLite database. It is the
// self-contained persistent backend for deployments without an Odoo server.
type SQLiteCRM struct {
	db *sql.DB
}

// NewSQLiteCRM opens (or creates) the database at dbPath and runs the schema
// migration.
func NewSQLiteCRM(dbPath string) (*SQLiteCRM, error) {
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, fmt.Errorf("open crm db: %w", err)
	}
	// WAL mode for better concurrent reads.
	if _, err := db.Exec("PRAGMA journal_mode=WAL"); err != nil {
		db.Close()
		return nil, fmt.Errorf("set WAL mode: %w", err)
	}
	if _, err := db.Exec("PRAGMA foreign_keys=ON"); err != nil {
		db.Close()
		return nil, fmt.Errorf("enable foreign keys: %w", err)
	}
	if err := migrateCRM(db); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate crm db: %w", err)
	}
	return &SQLiteCRM{db: db}, nil
}

func migrateCRM(db *sql.DB) error {
	_, err := db.Exec(`
		CREATE TABLE IF NOT EXISTS customers (
			id         INTEGER PRIMARY KEY AUTOINCREMENT,
			name       TEXT NOT NULL,
			email      TEXT NOT NULL DEFAULT '',
			phone      TEXT NOT NULL DEFAULT '',
			company    TEXT NOT NULL DEFAULT '',
			address    TEXT NOT NULL DEFAULT '',
			notes      TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS products (
			id       INTEGER PRIMARY KEY AUTOINCREMENT,
			name     TEXT NOT NULL,
			price    REAL NOT NULL DEFAULT 0,
			category TEXT NOT NULL DEFAULT '',
			sku      TEXT NOT NULL DEFAULT '',
			stock    INTEGER NOT NULL DEFAULT 0
		);
		CREATE TABLE IF NOT EXISTS orders (
			id          INTEGER PRIMARY KEY AUTOINCREMENT,
			customer_id INTEGER NOT NULL REFERENCES customers(id),
			total       REAL NOT NULL DEFAULT 0,
			status      TEXT NOT NULL DEFAULT 'confirmed',
			created_at  TEXT NOT NULL
		);
		CREATE TABLE IF NOT EXISTS order_lines (
			order_id   INTEGER NOT NULL REFERENCES orders(id),
			product_id INTEGER NOT NULL REFERENCES products(id),
			quantity   INTEGER NOT NULL,
			PRIMARY KEY (order_id, product_id)
		);
		CREATE UNIQUE INDEX IF NOT EXISTS idx_customers_email
			ON customers(email) WHERE email != '';
	`)
	return err
}

// SeedProducts inserts products when the catalog is empty.
func (s *SQLiteCRM) SeedProducts(products []domain.Product) error {
	var n int
	if err := s.db.QueryRow("SELECT COUNT(*) FROM products").Scan(&n); err != nil {
		return err
	}
	if n > 0 {
		return nil
	}
	for _, p := range products {
		if _, err := s.db.Exec(
			"INSERT INTO products (name, price, category, sku, stock) VALUES (?, ?, ?, ?, ?)",
			p.Name, p.Price, p.Category, p.SKU, p.Stock,
		); err != nil {
			return err
		}
	}
	return nil
}

// Close closes the underlying database connection.
func (s *SQLiteCRM) Close() error {
	return s.db.Close()
}

func (s *SQLiteCRM) CreateCustomer(ctx context.Context, nc domain.NewCustomer) (domain.Customer, error) {
	if strings.TrimSpace(nc.Name) == "" {
		return domain.Customer{}, fmt.Errorf("%w: name is required", domain.ErrValidation)
	}

	res, err := s.db.ExecContext(ctx,
		"INSERT INTO customers (name, email, phone, company, address, notes, created_at) VALUES (?, ?, ?, ?, ?, ?, ?)",
		nc.Name, nc.Email, nc.Phone, nc.Company, nc.Address, nc.Notes,
		time.Now().UTC().Format(time.RFC3339Nano),
	)
	if err != nil {
		if strings.Contains(err.Error(), "UNIQUE constraint failed") {
			return domain.Customer{}, fmt.Errorf("%w: email %s already exists", domain.ErrDuplicate, nc.Email)
		}
		return domain.Customer{}, fmt.Errorf("insert customer: %w", err)
	}

	id, err := res.LastInsertId()
	if err != nil {
		return domain.Customer{}, fmt.Errorf("last insert id: %w", err)
	}
	return s.GetCustomer(ctx, id)
}

func (s *SQLiteCRM) SearchCustomers(ctx context.Context, q domain.CustomerQuery) (domain.SearchOutcome, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = 10
	}

	where := []string{"1=1"}
	var args []any
	if q.Name != "" {
		where = append(where, "name LIKE ? COLLATE NOCASE")
		args = append(args, "%"+q.Name+"%")
	}
	if q.Email != "" {
		where = append(where, "email LIKE ? COLLATE NOCASE")
		args = append(args, "%"+q.Email+"%")
	}
	if q.Phone != "" {
		where = append(where, "phone LIKE ?")
		args = append(args, "%"+q.Phone+"%")
	}
	if q.Company != "" {
		where = append(where, "company LIKE ? COLLATE NOCASE")
		args = append(args, "%"+q.Company+"%")
	}
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, email, phone, company, address, notes FROM customers WHERE "+
			strings.Join(where, " AND ")+" ORDER BY id LIMIT ?", args...)
	if err != nil {
		return domain.SearchOutcome{}, fmt.Errorf("search customers: %w", err)
	}
	defer rows.Close()

	var out domain.SearchOutcome
	for rows.Next() {
		var c domain.Customer
		if err := rows.Scan(&c.ID, &c.Name, &c.Email, &c.Phone, &c.Company, &c.Address, &c.Notes); err != nil {
			return domain.SearchOutcome{}, fmt.Errorf("scan customer: %w", err)
		}
		out.Matches = append(out.Matches, c)
	}
	return out, rows.Err()
}

func (s *SQLiteCRM) GetCustomer(ctx context.Context, id int64) (domain.Customer, error) {
	var c domain.Customer
	err := s.db.QueryRowContext(ctx,
		"SELECT id, name, email, phone, company, address, notes FROM customers WHERE id = ?", id,
	).Scan(&c.ID, &c.Name, &c.Email, &c.Phone, &c.Company, &c.Address, &c.Notes)
	if errors.Is(err, sql.ErrNoRows) {
		return domain.Customer{}, fmt.Errorf("%w: id %d", domain.ErrCustomerNotFound, id)
	}
	if err != nil {
		return domain.Customer{}, fmt.Errorf("get customer: %w", err)
	}
	return c, nil
}

func (s *SQLiteCRM) UpdateCustomer(ctx context.Context, id int64, fields domain.NewCustomer) (domain.Customer, error) {
	var set []string
	var args []any
	for col, v := range map[string]string{
		"name": fields.Name, "email": fields.Email, "phone": fields.Phone,
		"company": fields.Company, "address": fields.Address, "notes": fields.Notes,
	} {
		if v != "" {
			set = append(set, col+" = ?")
			args = append(args, v)
		}
	}
	if len(set) == 0 {
		return domain.Customer{}, fmt.Errorf("%w: no fields to update", domain.ErrValidation)
	}
	args = append(args, id)

	res, err := s.db.ExecContext(ctx,
		"UPDATE customers SET "+strings.Join(set, ", ")+" WHERE id = ?", args...)
	if err != nil {
		return domain.Customer{}, fmt.Errorf("update customer: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return domain.Customer{}, fmt.Errorf("%w: id %d", domain.ErrCustomerNotFound, id)
	}
	return s.GetCustomer(ctx, id)
}

func (s *SQLiteCRM) ListProducts(ctx context.Context, query string) ([]domain.Product, error) {
	where := "1=1"
	var args []any
	for _, term := range strings.Fields(query) {
		where += " AND (name LIKE ? COLLATE NOCASE OR category LIKE ? COLLATE NOCASE OR sku LIKE ? COLLATE NOCASE)"
		pat := "%" + term + "%"
		args = append(args, pat, pat, pat)
	}
	rows, err := s.db.QueryContext(ctx,
		"SELECT id, name, price, category, sku, stock FROM products WHERE "+where+" ORDER BY id", args...)
	if err != nil {
		return nil, fmt.Errorf("list products: %w", err)
	}
	defer rows.Close()

	var products []domain.Product
	for rows.Next() {
		var p domain.Product
		if err := rows.Scan(&p.ID, &p.Name, &p.Price, &p.Category, &p.SKU, &p.Stock); err != nil {
			return nil, fmt.Errorf("scan product: %w", err)
		}
		products = append(products, p)
	}
	return products, rows.Err()
}

func (s *SQLiteCRM) CreateOrder(ctx context.Context, customerID int64, lines []domain.OrderLine) (domain.Order, error) {
	if len(lines) == 0 {
		return domain.Order{}, fmt.Errorf("%w: order needs at least one line", domain.ErrValidation)
	}
	if _, err := s.GetCustomer(ctx, customerID); err != nil {
		return domain.Order{}, err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return domain.Order{}, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	var total float64
	for _, l := range lines {
		if l.Quantity <= 0 {
			return domain.Order{}, fmt.Errorf("%w: quantity must be positive", domain.ErrValidation)
		}
		var price float64
		err := tx.QueryRowContext(ctx, "SELECT price FROM products WHERE id = ?", l.ProductID).Scan(&price)
		if errors.Is(err, sql.ErrNoRows) {
			return domain.Order{}, fmt.Errorf("%w: id %d", domain.ErrProductNotFound, l.ProductID)
		}
		if err != nil {
			return domain.Order{}, fmt.Errorf("read product price: %w", err)
		}
		total += price * float64(l.Quantity)
	}

	now := time.Now().UTC()
	res, err := tx.ExecContext(ctx,
		"INSERT INTO orders (customer_id, total, status, created_at) VALUES (?, ?, 'confirmed', ?)",
		customerID, total, now.Format(time.RFC3339Nano))
	if err != nil {
		return domain.Order{}, fmt.Errorf("insert order: %w", err)
	}
	orderID, err := res.LastInsertId()
	if err != nil {
		return domain.Order{}, fmt.Errorf("last insert id: %w", err)
	}

	for _, l := range lines {
		if _, err := tx.ExecContext(ctx,
			"INSERT INTO order_lines (order_id, product_id, quantity) VALUES (?, ?, ?)",
			orderID, l.ProductID, l.Quantity); err != nil {
			return domain.Order{}, fmt.Errorf("insert order line: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return domain.Order{}, fmt.Errorf("commit order: %w", err)
	}

	return domain.Order{
		ID:         orderID,
		CustomerID: customerID,
		Lines:      lines,
		Total:      total,
		Status:     "confirmed",
		CreatedAt:  now,
	}, nil
}

func (s *SQLiteCRM) Ping(ctx context.Context) error {
	if err := s.db.PingContext(ctx); err != nil {
		return fmt.Errorf("%w: %v", domain.ErrBackendDown, err)
	}
	return nil
}

func (s *SQLiteCRM) Name() string { return "sqlite" }

var _ domain.CRMPort = (*SQLiteCRM)(nil)
