package engine

import (
	"context"
	"errors"
	"time"

	"github.com/example/taxi-dispatch/internal/geo"
	"github.com/example/taxi-dispatch/internal/ledger"
	"github.com/example/taxi-dispatch/internal/models"
	"github.com/example/taxi-dispatch/internal/storage"
)

// LocationPing processes a driver's periodic ping: the balance gate, the
// district fix, the location log, the availability upsert and, for a free
// vehicle, the re-dispatch pass. loc is nil when the device sent no fix.
func (e *Engine) LocationPing(ctx context.Context, driverID, vehicleID string, loc *models.Coord) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	above, err := e.Ledger.BalanceAbove(ctx, driverID, e.BalanceMin)
	if err != nil || !above {
		return gate()
	}

	services, err := e.Catalog.VehicleServices(ctx, driverID, vehicleID)
	if err != nil {
		return fail(KindVehicleNotFound)
	}
	name, username, err := e.Catalog.DriverIdentity(ctx, driverID)
	if err != nil {
		return fail(KindVehicleNotFound)
	}

	districtID := ""
	if loc != nil {
		if districts, err := e.Catalog.Districts(ctx); err == nil {
			districtID, _ = geo.Locate(*loc, districts)
		}
	}

	cur, err := e.Orders.CurrentByPair(ctx, driverID, vehicleID)
	if err != nil && !errors.Is(err, storage.ErrNotFound) {
		return fail(KindOrderNotFound)
	}

	prev, prevErr := e.Avail.Get(ctx, driverID, vehicleID)

	v := &models.VehicleAvailability{
		DriverID:       driverID,
		VehicleID:      vehicleID,
		DriverName:     name,
		DriverUsername: username,
		ServiceIDs:     services,
		DistrictID:     districtID,
		Available:      models.VehicleFree,
		Operational:    models.VehicleActive,
	}
	if prevErr == nil {
		v.Operational = prev.Operational
		v.Available = prev.Available
		if districtID == "" {
			v.DistrictID = prev.DistrictID
		}
	}
	if cur != nil {
		v.Available = models.VehicleBusy
	} else if v.Available == models.VehicleBusy {
		// Busy with no in-flight order points at a missed transition
		// somewhere. Left as-is for the operator to resolve.
		e.logger().Warn("busy vehicle has no order", "driver_id", driverID, "vehicle_id", vehicleID)
	}
	if err := e.Avail.Upsert(ctx, v); err != nil {
		return fail(KindVehicleNotFound)
	}

	if loc != nil {
		l := models.DriverLocation{
			DriverID:   driverID,
			VehicleID:  vehicleID,
			DistrictID: districtID,
			Loc:        *loc,
			At:         time.Now(),
		}
		if cur != nil {
			l.OrderID = cur.ID
		}
		if err := e.Locations.Append(ctx, l); err != nil {
			e.logger().Error("location append failed", "driver_id", driverID, "error", err)
		}
		if e.Pings != nil {
			p := models.LocationPing(l)
			if err := e.Pings.PublishPing(p); err != nil {
				e.logger().Warn("ping publish failed", "driver_id", driverID, "error", err)
			}
		}
	}

	if v.Available == models.VehicleFree && v.Operational == models.VehicleActive {
		if err := e.checkNewOrder(ctx, driverID, vehicleID); err != nil {
			e.logger().Error("free-vehicle dispatch failed", "vehicle_id", vehicleID, "error", err)
		}
	}

	res := ok(cur)
	res.Balance, _ = e.Ledger.Balance(ctx, driverID)
	return res
}

// ActivateVehicle puts a pair back into the candidate pool.
func (e *Engine) ActivateVehicle(ctx context.Context, driverID, vehicleID string) Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.Avail.SetOperational(ctx, driverID, vehicleID, models.VehicleActive); err != nil {
		return fail(KindVehicleNotFound)
	}
	if err := e.checkNewOrder(ctx, driverID, vehicleID); err != nil {
		e.logger().Error("free-vehicle dispatch failed", "vehicle_id", vehicleID, "error", err)
	}
	return Result{Status: 200}
}

// DisableVehicle removes a pair from the candidate pool. An in-flight order
// is untouched; the driver finishes it off rotation.
func (e *Engine) DisableVehicle(ctx context.Context, driverID, vehicleID string) Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.Avail.SetOperational(ctx, driverID, vehicleID, models.VehicleDisabled); err != nil {
		return fail(KindVehicleNotFound)
	}
	return Result{Status: 200}
}

// FreeVehicle is the operator's force-free. Runs the re-dispatch pass.
func (e *Engine) FreeVehicle(ctx context.Context, driverID, vehicleID string) Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.Avail.SetAvailable(ctx, driverID, vehicleID, models.VehicleFree); err != nil {
		return fail(KindVehicleNotFound)
	}
	if err := e.checkNewOrder(ctx, driverID, vehicleID); err != nil {
		e.logger().Error("free-vehicle dispatch failed", "vehicle_id", vehicleID, "error", err)
	}
	return Result{Status: 200}
}

// BusyVehicle is the operator's force-busy.
func (e *Engine) BusyVehicle(ctx context.Context, driverID, vehicleID string) Result {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.Avail.SetAvailable(ctx, driverID, vehicleID, models.VehicleBusy); err != nil {
		return fail(KindVehicleNotFound)
	}
	return Result{Status: 200}
}

func ledgerDebit(driverID string, amount float64, reason string) ledger.Entry {
	return ledger.Entry{DriverID: driverID, Amount: amount, Reason: reason, At: time.Now()}
}

func ledgerCredit(driverID string, amount float64, reason string) ledger.Entry {
	return ledger.Entry{DriverID: driverID, Amount: amount, Credit: true, Reason: reason, At: time.Now()}
}
