package storage

import (
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"github.com/example/transport-broker/internal/discount"
	"github.com/example/transport-broker/internal/models"
)

// ErrNotFound is returned when a looked-up record does not exist.
var ErrNotFound = errors.New("storage: not found")

// ErrSlotFull is returned by AddImage when the image slot already holds
// the maximum number of images. The store enforces the cap so concurrent
// uploads cannot push past it.
var ErrSlotFull = errors.New("storage: image slot full")

// OrderStore defines persistence operations for orders and users.
type OrderStore interface {
	NextOrderID(ctx context.Context) (int64, error)
	CreateOrder(ctx context.Context, o *models.Order) error
	GetOrder(ctx context.Context, id int64) (*models.Order, error)
	UpdateOrder(ctx context.Context, o *models.Order) error
	AddImage(ctx context.Context, orderID int64, slot models.ImageSlot, img models.Image) error
	SetImages(ctx context.Context, orderID int64, slot models.ImageSlot, imgs []models.Image) error
	ListOrdersByUser(ctx context.Context, userID int64) ([]models.Order, error)
	ListOrdersByDriver(ctx context.Context, driverID int64) ([]models.Order, error)
	ListOrdersByStatus(ctx context.Context, status models.Status) ([]models.Order, error)
	CountOrdersByUser(ctx context.Context, userID int64) (int, error)
	GetUser(ctx context.Context, id int64) (*models.User, error)
}

// DiscountStore defines persistence operations for discount definitions.
type DiscountStore interface {
	CreateDiscount(ctx context.Context, d *discount.Discount) error
	UpdateDiscount(ctx context.Context, d *discount.Discount) error
	GetDiscount(ctx context.Context, id int64) (*discount.Discount, error)
	GetDiscountByCode(ctx context.Context, code string) (*discount.Discount, error)
	ListActiveDiscounts(ctx context.Context) ([]discount.Discount, error)
	ListDiscounts(ctx context.Context) ([]discount.Discount, error)
	IncrementUses(ctx context.Context, ids []int64) error
}

// DiscountUse is one discount applied on one order, with the euros saved.
type DiscountUse struct {
	DiscountID int64
	Amount     float64
}

// DiscountStats aggregates a discount's ledger rows for admin reporting.
type DiscountStats struct {
	Uses        int     `json:"uses"`
	UniqueUsers int     `json:"unique_users"`
	TotalSaved  float64 `json:"total_saved"`
}

// UsageLedger records which user consumed which discount on which order.
// It backs the per-user usage caps and the admin usage reports.
type UsageLedger interface {
	RecordUses(ctx context.Context, userID, orderID int64, uses []DiscountUse, at time.Time) error
	UserUses(ctx context.Context, userID int64) (map[int64]int, error)
	DiscountStats(ctx context.Context, discountID int64) (DiscountStats, error)
}

// MemoryStore is an in-memory OrderStore for tests and local runs.
type MemoryStore struct {
	mu     sync.RWMutex
	nextID int64
	orders map[int64]*models.Order
	users  map[int64]*models.User
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{orders: make(map[int64]*models.Order), users: make(map[int64]*models.User)}
}

func (m *MemoryStore) NextOrderID(ctx context.Context) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	return m.nextID, nil
}

func (m *MemoryStore) CreateOrder(ctx context.Context, o *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *MemoryStore) GetOrder(ctx context.Context, id int64) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	return &cp, nil
}

func (m *MemoryStore) UpdateOrder(ctx context.Context, o *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; !ok {
		return ErrNotFound
	}
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *MemoryStore) AddImage(ctx context.Context, orderID int64, slot models.ImageSlot, img models.Image) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return ErrNotFound
	}
	existing := o.Images.Slot(slot)
	if len(existing) >= models.MaxImagesPerSlot {
		return ErrSlotFull
	}
	o.Images.SetSlot(slot, append(existing, img))
	return nil
}

func (m *MemoryStore) SetImages(ctx context.Context, orderID int64, slot models.ImageSlot, imgs []models.Image) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	o, ok := m.orders[orderID]
	if !ok {
		return ErrNotFound
	}
	o.Images.SetSlot(slot, imgs)
	return nil
}

func (m *MemoryStore) ListOrdersByUser(ctx context.Context, userID int64) ([]models.Order, error) {
	return m.list(func(o *models.Order) bool { return o.UserID == userID })
}

func (m *MemoryStore) ListOrdersByDriver(ctx context.Context, driverID int64) ([]models.Order, error) {
	return m.list(func(o *models.Order) bool { return o.DriverID != nil && *o.DriverID == driverID })
}

func (m *MemoryStore) ListOrdersByStatus(ctx context.Context, status models.Status) ([]models.Order, error) {
	return m.list(func(o *models.Order) bool { return o.Status == status })
}

func (m *MemoryStore) CountOrdersByUser(ctx context.Context, userID int64) (int, error) {
	out, err := m.ListOrdersByUser(ctx, userID)
	return len(out), err
}

func (m *MemoryStore) list(keep func(*models.Order) bool) ([]models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []models.Order
	for _, o := range m.orders {
		if keep(o) {
			out = append(out, *o)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) PutUser(u *models.User) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *u
	m.users[u.ID] = &cp
}

func (m *MemoryStore) GetUser(ctx context.Context, id int64) (*models.User, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	u, ok := m.users[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *u
	return &cp, nil
}

// MemoryDiscounts is an in-memory DiscountStore.
type MemoryDiscounts struct {
	mu        sync.RWMutex
	nextID    int64
	discounts map[int64]*discount.Discount
}

func NewMemoryDiscounts() *MemoryDiscounts {
	return &MemoryDiscounts{discounts: make(map[int64]*discount.Discount)}
}

func (m *MemoryDiscounts) CreateDiscount(ctx context.Context, d *discount.Discount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if d.ID == 0 {
		m.nextID++
		d.ID = m.nextID
	} else if d.ID > m.nextID {
		m.nextID = d.ID
	}
	cp := *d
	m.discounts[d.ID] = &cp
	return nil
}

func (m *MemoryDiscounts) UpdateDiscount(ctx context.Context, d *discount.Discount) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.discounts[d.ID]; !ok {
		return ErrNotFound
	}
	cp := *d
	m.discounts[d.ID] = &cp
	return nil
}

func (m *MemoryDiscounts) GetDiscount(ctx context.Context, id int64) (*discount.Discount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	d, ok := m.discounts[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *MemoryDiscounts) GetDiscountByCode(ctx context.Context, code string) (*discount.Discount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, d := range m.discounts {
		if d.Code != "" && d.Code == code {
			cp := *d
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (m *MemoryDiscounts) ListActiveDiscounts(ctx context.Context) ([]discount.Discount, error) {
	return m.listDiscounts(func(d *discount.Discount) bool { return d.Active })
}

func (m *MemoryDiscounts) ListDiscounts(ctx context.Context) ([]discount.Discount, error) {
	return m.listDiscounts(func(*discount.Discount) bool { return true })
}

func (m *MemoryDiscounts) listDiscounts(keep func(*discount.Discount) bool) ([]discount.Discount, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []discount.Discount
	for _, d := range m.discounts {
		if keep(d) {
			out = append(out, *d)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryDiscounts) IncrementUses(ctx context.Context, ids []int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, id := range ids {
		if d, ok := m.discounts[id]; ok {
			d.CurrentUses++
		}
	}
	return nil
}

// MemoryLedger is an in-memory UsageLedger.
type MemoryLedger struct {
	mu   sync.Mutex
	rows []ledgerRow
}

type ledgerRow struct {
	userID, discountID int64
	amount             float64
}

func NewMemoryLedger() *MemoryLedger {
	return &MemoryLedger{}
}

func (m *MemoryLedger) RecordUses(ctx context.Context, userID, orderID int64, uses []DiscountUse, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, u := range uses {
		m.rows = append(m.rows, ledgerRow{userID: userID, discountID: u.DiscountID, amount: u.Amount})
	}
	return nil
}

func (m *MemoryLedger) UserUses(ctx context.Context, userID int64) (map[int64]int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make(map[int64]int)
	for _, r := range m.rows {
		if r.userID == userID {
			out[r.discountID]++
		}
	}
	return out, nil
}

func (m *MemoryLedger) DiscountStats(ctx context.Context, discountID int64) (DiscountStats, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var stats DiscountStats
	seen := make(map[int64]bool)
	for _, r := range m.rows {
		if r.discountID != discountID {
			continue
		}
		stats.Uses++
		stats.TotalSaved += r.amount
		seen[r.userID] = true
	}
	stats.UniqueUsers = len(seen)
	return stats, nil
}
