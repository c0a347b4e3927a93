package storage

import (
	"context"
	"errors"

	"github.com/example/taxi-dispatch/internal/models"
)

var ErrNotFound = errors.New("not found")

// OrderStore defines persistence operations for orders and their history.
type OrderStore interface {
	Create(ctx context.Context, o *models.Order) error
	Get(ctx context.Context, id string) (*models.Order, error)
	Update(ctx context.Context, o *models.Order) error

	AppendHistory(ctx context.Context, h models.OrderHistory) error
	History(ctx context.Context, orderID string) ([]models.OrderHistory, error)

	// CurrentByPair returns the oldest non-terminal order assigned to the
	// (driver, vehicle) pair, excluding taken_scheduled orders that are
	// still waiting for their date.
	CurrentByPair(ctx context.Context, driverID, vehicleID string) (*models.Order, error)

	// NextUnassigned returns the oldest created, unassigned, immediate
	// order matching one of the services, optionally scoped to a pickup
	// district, whose decline list does not contain vehicleID.
	NextUnassigned(ctx context.Context, serviceIDs []string, districtID, vehicleID string) (*models.Order, error)

	// ScheduledByServices lists created scheduled orders for a service set,
	// oldest first.
	ScheduledByServices(ctx context.Context, serviceIDs []string) ([]*models.Order, error)

	CountWaiting(ctx context.Context) (int, error)
}

// AvailabilityStore holds one record per (driver, vehicle) pair.
type AvailabilityStore interface {
	Get(ctx context.Context, driverID, vehicleID string) (*models.VehicleAvailability, error)
	Upsert(ctx context.Context, v *models.VehicleAvailability) error
	SetAvailable(ctx context.Context, driverID, vehicleID string, a models.Availability) error
	SetOperational(ctx context.Context, driverID, vehicleID string, op models.Operational) error

	// Candidates returns free, active records offering the service, ordered
	// by UpdatedAt ascending (longest idle first). districtID narrows the
	// search when non-empty; exclude lists vehicle ids to skip.
	Candidates(ctx context.Context, serviceID, districtID string, exclude []string) ([]*models.VehicleAvailability, error)

	Counts(ctx context.Context) (active, free int, err error)
}

// LocationStore is the append-only driver location log.
type LocationStore interface {
	Append(ctx context.Context, l models.DriverLocation) error
	Latest(ctx context.Context, driverID, vehicleID string) (*models.DriverLocation, error)
}
