package engine

import (
	"context"
	"errors"
	"log/slog"
	"sync"

	"github.com/example/taxi-dispatch/internal/dispatch"
	"github.com/example/taxi-dispatch/internal/eta"
	"github.com/example/taxi-dispatch/internal/ledger"
	"github.com/example/taxi-dispatch/internal/models"
	"github.com/example/taxi-dispatch/internal/observability"
	"github.com/example/taxi-dispatch/internal/storage"
)

// Notifier pushes payloads to live connections. *dispatch.Registry is the
// production implementation; tests script the delivery outcome.
type Notifier interface {
	Publish(username string, payload any) bool
	BroadcastAll(payload any)
}

// Announcer pushes scheduled-order announcements to drivers without a live
// connection. Informational only.
type Announcer interface {
	Announce(o *models.Order) error
}

// LocationPublisher forwards driver pings to the message bus.
type LocationPublisher interface {
	PublishPing(p models.LocationPing) error
}

// Payments is the fare hold lifecycle: hold on creation for card orders,
// capture on finish, release on cancel.
type Payments interface {
	Hold(ctx context.Context, amount int64, currency, customerID string) (string, error)
	Capture(ctx context.Context, paymentIntentID string) error
	Cancel(ctx context.Context, paymentIntentID string) error
}

// Engine owns every order and availability transition. A single mutex
// serializes assignment decisions so that a vehicle is busy iff it carries
// exactly one non-terminal order.
type Engine struct {
	mu sync.Mutex

	Orders    storage.OrderStore
	Avail     storage.AvailabilityStore
	Locations storage.LocationStore

	Ledger   ledger.Ledger
	Notifier Notifier
	Catalog  Catalog

	Announcer Announcer         // optional
	Pings     LocationPublisher // optional
	Payments  Payments          // optional
	ETA       eta.Client        // optional, naive estimator when nil
	ETACache  *eta.Cache        // optional

	Logger *slog.Logger

	// MaxOfferAttempts bounds the offer cascade per dispatch pass.
	MaxOfferAttempts int
	// BalanceMin is the strictly-greater balance gate.
	BalanceMin      float64
	DefaultSpeedMps float64
	// RiderGateway is the registry username the rider-facing gateway
	// connects as. Status notifications are published there.
	RiderGateway string
	// Currency for card holds, ISO 4217 lowercase.
	Currency string
}

func (e *Engine) currency() string {
	if e.Currency != "" {
		return e.Currency
	}
	return "usd"
}

func (e *Engine) logger() *slog.Logger {
	if e.Logger != nil {
		return e.Logger
	}
	return slog.Default()
}

func (e *Engine) maxAttempts() int {
	if e.MaxOfferAttempts > 0 {
		return e.MaxOfferAttempts
	}
	return 32
}

// findCandidate returns the longest-idle free, active vehicle offering the
// order's service whose driver clears the balance gate. District-scoped
// first, city-wide when the district yields nothing.
func (e *Engine) findCandidate(ctx context.Context, o *models.Order) (*models.VehicleAvailability, error) {
	scopes := []string{""}
	if o.DistrictFrom != "" {
		scopes = []string{o.DistrictFrom, ""}
	}
	for _, district := range scopes {
		cands, err := e.Avail.Candidates(ctx, o.ServiceID, district, o.DeclinedVehicles)
		if err != nil {
			return nil, err
		}
		for _, c := range cands {
			above, err := e.Ledger.BalanceAbove(ctx, c.DriverID, e.BalanceMin)
			if err != nil {
				return nil, err
			}
			if above {
				return c, nil
			}
		}
	}
	return nil, storage.ErrNotFound
}

// dispatchOrder runs the offer cascade for an unassigned order. Each
// undelivered offer adds the vehicle to the order's decline list and moves
// on to the next candidate. A delivered offer assigns the pair optimistically
// and flips the vehicle busy. Returns whether the order was assigned; when
// false the order stays created and unassigned.
//
// Callers hold e.mu.
func (e *Engine) dispatchOrder(ctx context.Context, o *models.Order) (bool, error) {
	attempts := 0
	for attempts < e.maxAttempts() {
		cand, err := e.findCandidate(ctx, o)
		if errors.Is(err, storage.ErrNotFound) {
			break
		}
		if err != nil {
			return false, err
		}
		attempts++
		observability.OffersTotal.Inc()

		payload := dispatch.NewOrderPayload(o, cand.DriverName)
		if !e.Notifier.Publish(cand.DriverUsername, payload) {
			observability.OffersUndelivered.Inc()
			o.DeclinedVehicles = append(o.DeclinedVehicles, cand.VehicleID)
			if err := e.Orders.Update(ctx, o); err != nil {
				return false, err
			}
			continue
		}
		observability.OffersDelivered.Inc()
		observability.CascadeAttempts.Observe(float64(attempts))

		o.DriverID = cand.DriverID
		o.VehicleID = cand.VehicleID
		if err := e.Orders.Update(ctx, o); err != nil {
			return false, err
		}
		if err := e.Avail.SetAvailable(ctx, cand.DriverID, cand.VehicleID, models.VehicleBusy); err != nil {
			return false, err
		}
		e.logger().Info("order offered", "order_id", o.ID, "driver_id", cand.DriverID, "vehicle_id", cand.VehicleID, "attempts", attempts)
		return true, nil
	}
	observability.CascadeAttempts.Observe(float64(attempts))
	e.logger().Info("order left waiting", "order_id", o.ID, "attempts", attempts)
	return false, nil
}

// checkNewOrder offers work to a vehicle that just became free (or pinged
// while free). An order already bound to the pair wins and is re-pushed;
// otherwise the oldest eligible order in the vehicle's district, then
// city-wide.
//
// Callers hold e.mu.
func (e *Engine) checkNewOrder(ctx context.Context, driverID, vehicleID string) error {
	if cur, err := e.Orders.CurrentByPair(ctx, driverID, vehicleID); err == nil {
		v, err := e.Avail.Get(ctx, driverID, vehicleID)
		if err != nil {
			return err
		}
		e.Notifier.Publish(v.DriverUsername, dispatch.NewOrderPayload(cur, v.DriverName))
		return e.Avail.SetAvailable(ctx, driverID, vehicleID, models.VehicleBusy)
	} else if !errors.Is(err, storage.ErrNotFound) {
		return err
	}

	v, err := e.Avail.Get(ctx, driverID, vehicleID)
	if err != nil {
		if errors.Is(err, storage.ErrNotFound) {
			return nil
		}
		return err
	}
	if v.Available != models.VehicleFree || v.Operational != models.VehicleActive {
		return nil
	}
	above, err := e.Ledger.BalanceAbove(ctx, driverID, e.BalanceMin)
	if err != nil || !above {
		return err
	}

	scopes := []string{""}
	if v.DistrictID != "" {
		scopes = []string{v.DistrictID, ""}
	}
	for _, district := range scopes {
		o, err := e.Orders.NextUnassigned(ctx, v.ServiceIDs, district, vehicleID)
		if errors.Is(err, storage.ErrNotFound) {
			continue
		}
		if err != nil {
			return err
		}
		observability.OffersTotal.Inc()
		if !e.Notifier.Publish(v.DriverUsername, dispatch.NewOrderPayload(o, v.DriverName)) {
			observability.OffersUndelivered.Inc()
			o.DeclinedVehicles = append(o.DeclinedVehicles, vehicleID)
			return e.Orders.Update(ctx, o)
		}
		observability.OffersDelivered.Inc()
		o.DriverID = driverID
		o.VehicleID = vehicleID
		if err := e.Orders.Update(ctx, o); err != nil {
			return err
		}
		return e.Avail.SetAvailable(ctx, driverID, vehicleID, models.VehicleBusy)
	}
	return nil
}

// pushDashboard broadcasts the waiting/active/free counters to connected
// consoles. Best effort.
func (e *Engine) pushDashboard(ctx context.Context) {
	waiting, err := e.Orders.CountWaiting(ctx)
	if err != nil {
		return
	}
	active, free, err := e.Avail.Counts(ctx)
	if err != nil {
		return
	}
	e.Notifier.BroadcastAll(models.DashboardPayload{
		JSONType:       "dashboard_statistics",
		OrdersWaiting:  waiting,
		VehiclesActive: active,
		VehiclesFree:   free,
	})
}

// notifyRider publishes an order_status payload through the gateway
// connection. minutesLeft is the arrival estimate where one applies.
func (e *Engine) notifyRider(ctx context.Context, o *models.Order, minutesLeft int) {
	if e.RiderGateway == "" {
		return
	}
	name := ""
	if o.Assigned() {
		if v, err := e.Avail.Get(ctx, o.DriverID, o.VehicleID); err == nil {
			name = v.DriverName
		}
	}
	e.Notifier.Publish(e.RiderGateway, dispatch.StatusPayload(o, name, minutesLeft))
}

// arrivalMinutes estimates how long the assigned vehicle needs to reach the
// pickup point, from its latest known location.
func (e *Engine) arrivalMinutes(ctx context.Context, o *models.Order) int {
	if !o.Assigned() {
		return 0
	}
	loc, err := e.Locations.Latest(ctx, o.DriverID, o.VehicleID)
	if err != nil {
		return 0
	}
	from, to := loc.Loc, o.From.Coordinates
	if e.ETACache != nil {
		if v, ok := e.ETACache.Get(from, to); ok {
			return eta.Minutes(v)
		}
	}
	var secs float64
	if e.ETA != nil {
		if v, err := e.ETA.EstimateSeconds(from, to); err == nil {
			secs = v
		}
	}
	if secs == 0 {
		secs = eta.EstimateSeconds(from, to, e.DefaultSpeedMps)
	}
	if e.ETACache != nil {
		e.ETACache.Set(from, to, secs)
	}
	return eta.Minutes(secs)
}
