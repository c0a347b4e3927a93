package storage

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/example/taxi-dispatch/internal/models"
)

// MemoryOrders keeps orders in a map. Used in tests and when no PG_DSN is
// configured.
type MemoryOrders struct {
	mu      sync.RWMutex
	orders  map[string]*models.Order
	history map[string][]models.OrderHistory
}

func NewMemoryOrders() *MemoryOrders {
	return &MemoryOrders{
		orders:  make(map[string]*models.Order),
		history: make(map[string][]models.OrderHistory),
	}
}

func (m *MemoryOrders) Create(ctx context.Context, o *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *o
	m.orders[o.ID] = &cp
	return nil
}

func (m *MemoryOrders) Get(ctx context.Context, id string) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	o, ok := m.orders[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *o
	cp.DeclinedVehicles = append([]string(nil), o.DeclinedVehicles...)
	return &cp, nil
}

func (m *MemoryOrders) Update(ctx context.Context, o *models.Order) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.orders[o.ID]; !ok {
		return ErrNotFound
	}
	cp := *o
	cp.DeclinedVehicles = append([]string(nil), o.DeclinedVehicles...)
	cp.UpdatedAt = time.Now()
	m.orders[o.ID] = &cp
	return nil
}

func (m *MemoryOrders) AppendHistory(ctx context.Context, h models.OrderHistory) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history[h.OrderID] = append(m.history[h.OrderID], h)
	return nil
}

func (m *MemoryOrders) History(ctx context.Context, orderID string) ([]models.OrderHistory, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return append([]models.OrderHistory(nil), m.history[orderID]...), nil
}

func (m *MemoryOrders) CurrentByPair(ctx context.Context, driverID, vehicleID string) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *models.Order
	for _, o := range m.orders {
		if o.DriverID != driverID || o.VehicleID != vehicleID {
			continue
		}
		if o.State.Terminal() || o.State == models.OrderTakenScheduled {
			continue
		}
		if best == nil || o.CreatedAt.Before(best.CreatedAt) {
			best = o
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	cp := *best
	return &cp, nil
}

func (m *MemoryOrders) NextUnassigned(ctx context.Context, serviceIDs []string, districtID, vehicleID string) (*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var best *models.Order
	for _, o := range m.orders {
		if o.Assigned() || o.State != models.OrderCreated || o.Type != models.OrderImmediate {
			continue
		}
		if !containsString(serviceIDs, o.ServiceID) {
			continue
		}
		if districtID != "" && o.DistrictFrom != districtID {
			continue
		}
		if o.Declined(vehicleID) {
			continue
		}
		if best == nil || o.CreatedAt.Before(best.CreatedAt) {
			best = o
		}
	}
	if best == nil {
		return nil, ErrNotFound
	}
	cp := *best
	cp.DeclinedVehicles = append([]string(nil), best.DeclinedVehicles...)
	return &cp, nil
}

func (m *MemoryOrders) ScheduledByServices(ctx context.Context, serviceIDs []string) ([]*models.Order, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.Order
	for _, o := range m.orders {
		if o.Type != models.OrderScheduled || o.State != models.OrderCreated {
			continue
		}
		if !containsString(serviceIDs, o.ServiceID) {
			continue
		}
		cp := *o
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (m *MemoryOrders) CountWaiting(ctx context.Context) (int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	n := 0
	for _, o := range m.orders {
		if o.State == models.OrderCreated && !o.Assigned() {
			n++
		}
	}
	return n, nil
}

// MemoryAvailability keeps (driver, vehicle) availability records in a map.
type MemoryAvailability struct {
	mu      sync.RWMutex
	records map[string]*models.VehicleAvailability
}

func NewMemoryAvailability() *MemoryAvailability {
	return &MemoryAvailability{records: make(map[string]*models.VehicleAvailability)}
}

func pairKey(driverID, vehicleID string) string { return driverID + "/" + vehicleID }

func (m *MemoryAvailability) Get(ctx context.Context, driverID, vehicleID string) (*models.VehicleAvailability, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	v, ok := m.records[pairKey(driverID, vehicleID)]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *v
	cp.ServiceIDs = append([]string(nil), v.ServiceIDs...)
	return &cp, nil
}

func (m *MemoryAvailability) Upsert(ctx context.Context, v *models.VehicleAvailability) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *v
	cp.ServiceIDs = append([]string(nil), v.ServiceIDs...)
	cp.UpdatedAt = time.Now()
	m.records[pairKey(v.DriverID, v.VehicleID)] = &cp
	return nil
}

func (m *MemoryAvailability) SetAvailable(ctx context.Context, driverID, vehicleID string, a models.Availability) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.records[pairKey(driverID, vehicleID)]
	if !ok {
		return ErrNotFound
	}
	v.Available = a
	v.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryAvailability) SetOperational(ctx context.Context, driverID, vehicleID string, op models.Operational) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	v, ok := m.records[pairKey(driverID, vehicleID)]
	if !ok {
		return ErrNotFound
	}
	v.Operational = op
	v.UpdatedAt = time.Now()
	return nil
}

func (m *MemoryAvailability) Candidates(ctx context.Context, serviceID, districtID string, exclude []string) ([]*models.VehicleAvailability, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*models.VehicleAvailability
	for _, v := range m.records {
		if v.Available != models.VehicleFree || v.Operational != models.VehicleActive {
			continue
		}
		if !v.Offers(serviceID) {
			continue
		}
		if districtID != "" && v.DistrictID != districtID {
			continue
		}
		if containsString(exclude, v.VehicleID) {
			continue
		}
		cp := *v
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].UpdatedAt.Before(out[j].UpdatedAt) })
	return out, nil
}

func (m *MemoryAvailability) Counts(ctx context.Context) (active, free int, err error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	for _, v := range m.records {
		if v.Operational != models.VehicleActive {
			continue
		}
		active++
		if v.Available == models.VehicleFree {
			free++
		}
	}
	return active, free, nil
}

// MemoryLocations is the in-memory location log.
type MemoryLocations struct {
	mu     sync.RWMutex
	log    []models.DriverLocation
	latest map[string]models.DriverLocation
}

func NewMemoryLocations() *MemoryLocations {
	return &MemoryLocations{latest: make(map[string]models.DriverLocation)}
}

func (m *MemoryLocations) Append(ctx context.Context, l models.DriverLocation) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.log = append(m.log, l)
	m.latest[pairKey(l.DriverID, l.VehicleID)] = l
	return nil
}

func (m *MemoryLocations) Latest(ctx context.Context, driverID, vehicleID string) (*models.DriverLocation, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	l, ok := m.latest[pairKey(driverID, vehicleID)]
	if !ok {
		return nil, ErrNotFound
	}
	return &l, nil
}

func containsString(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
