package engine

import (
	"context"
	"sync"

	"github.com/example/taxi-dispatch/internal/models"
	"github.com/example/taxi-dispatch/internal/storage"
)

// Catalog is the engine's view of the fleet reference data: which services a
// vehicle offers, who drives it, and the city's district polygons. The data
// is owned by the back office and read-mostly here.
type Catalog interface {
	VehicleServices(ctx context.Context, driverID, vehicleID string) ([]string, error)
	DriverIdentity(ctx context.Context, driverID string) (name, username string, err error)
	Districts(ctx context.Context) ([]models.District, error)
}

// StaticCatalog serves catalog data from in-process maps. Single-node
// deployments load it at startup; tests seed it directly.
type StaticCatalog struct {
	mu        sync.RWMutex
	services  map[string][]string // driverID/vehicleID -> service ids
	drivers   map[string][2]string
	districts []models.District
}

func NewStaticCatalog(districts []models.District) *StaticCatalog {
	return &StaticCatalog{
		services:  make(map[string][]string),
		drivers:   make(map[string][2]string),
		districts: districts,
	}
}

func (c *StaticCatalog) AddVehicle(driverID, vehicleID string, serviceIDs []string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.services[driverID+"/"+vehicleID] = append([]string(nil), serviceIDs...)
}

func (c *StaticCatalog) AddDriver(driverID, name, username string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.drivers[driverID] = [2]string{name, username}
}

func (c *StaticCatalog) VehicleServices(ctx context.Context, driverID, vehicleID string) ([]string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.services[driverID+"/"+vehicleID]
	if !ok {
		return nil, storage.ErrNotFound
	}
	return append([]string(nil), s...), nil
}

func (c *StaticCatalog) DriverIdentity(ctx context.Context, driverID string) (string, string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	d, ok := c.drivers[driverID]
	if !ok {
		return "", "", storage.ErrNotFound
	}
	return d[0], d[1], nil
}

func (c *StaticCatalog) Districts(ctx context.Context) ([]models.District, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return append([]models.District(nil), c.districts...), nil
}
