package engine

import (
	"context"
	"errors"
	"math"
	"strconv"
	"time"

	"github.com/google/uuid"

	"github.com/example/taxi-dispatch/internal/dispatch"
	"github.com/example/taxi-dispatch/internal/geo"
	"github.com/example/taxi-dispatch/internal/models"
	"github.com/example/taxi-dispatch/internal/observability"
	"github.com/example/taxi-dispatch/internal/storage"
)

func (e *Engine) appendHistory(ctx context.Context, orderID string, state models.OrderState, actor string) {
	h := models.OrderHistory{OrderID: orderID, State: state, Actor: actor, At: time.Now()}
	if err := e.Orders.AppendHistory(ctx, h); err != nil {
		e.logger().Error("history append failed", "order_id", orderID, "state", state, "error", err)
	}
	observability.OrderTransitions.WithLabelValues(string(state)).Inc()
}

// CreateOrder registers a new order and dispatches it. Orders carrying a
// future date become scheduled and are announced rather than offered; a
// preassigned (driver, vehicle) pair receives a personal offer.
func (e *Engine) CreateOrder(ctx context.Context, o *models.Order) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	if o.ID == "" {
		o.ID = uuid.NewString()
	}
	o.State = models.OrderCreated
	now := time.Now()
	o.CreatedAt = now
	o.UpdatedAt = now
	hadDate := !o.OrderDate.IsZero()
	if !hadDate {
		o.OrderDate = now
	}
	if o.Type == "" {
		if hadDate {
			o.Type = models.OrderScheduled
		} else {
			o.Type = models.OrderImmediate
		}
	}

	if districts, err := e.Catalog.Districts(ctx); err == nil {
		if id, ok := geo.Locate(o.From.Coordinates, districts); ok {
			o.DistrictFrom = id
		}
		if id, ok := geo.Locate(o.To.Coordinates, districts); ok {
			o.DistrictTo = id
		}
	}

	preDriver, preVehicle := o.DriverID, o.VehicleID
	o.DriverID, o.VehicleID = "", ""
	if err := e.Orders.Create(ctx, o); err != nil {
		e.logger().Error("order create failed", "order_id", o.ID, "error", err)
		return fail(KindOrderNotFound)
	}
	e.appendHistory(ctx, o.ID, models.OrderCreated, o.ClientID)

	if e.Payments != nil && o.PayType == models.PayCard && o.PaymentIntentID == "" {
		amount := int64(math.Round(o.PayEstimate * 100))
		if amount <= 0 {
			amount = int64(math.Round(o.Tariff.PriceMinimal * 100))
		}
		if amount > 0 {
			id, err := e.Payments.Hold(ctx, amount, e.currency(), o.StripeCustomerID)
			if err != nil {
				e.logger().Error("payment hold failed", "order_id", o.ID, "error", err)
			} else {
				o.PaymentIntentID = id
				if err := e.Orders.Update(ctx, o); err != nil {
					e.logger().Error("order update failed", "order_id", o.ID, "error", err)
				}
			}
		}
	}

	switch {
	case o.Type == models.OrderScheduled:
		e.Notifier.BroadcastAll(dispatch.NewOrderPayload(o, ""))
		if e.Announcer != nil {
			if err := e.Announcer.Announce(o); err != nil {
				e.logger().Warn("fcm announce failed", "order_id", o.ID, "error", err)
			}
		}
	case preDriver != "" && preVehicle != "":
		if err := e.assignPair(ctx, o, preDriver, preVehicle, o.ClientID); err != nil {
			e.logger().Error("preassign failed", "order_id", o.ID, "error", err)
		}
	default:
		if _, err := e.dispatchOrder(ctx, o); err != nil {
			e.logger().Error("dispatch failed", "order_id", o.ID, "error", err)
		}
	}

	e.pushDashboard(ctx)
	return ok(o)
}

// assignPair binds a (driver, vehicle) pair to the order and pushes the
// offer. Used by preassigned creation and dispatcher overrides.
func (e *Engine) assignPair(ctx context.Context, o *models.Order, driverID, vehicleID, actor string) error {
	v, err := e.Avail.Get(ctx, driverID, vehicleID)
	if err != nil {
		return err
	}
	o.DriverID = driverID
	o.VehicleID = vehicleID
	if err := e.Orders.Update(ctx, o); err != nil {
		return err
	}
	if err := e.Avail.SetAvailable(ctx, driverID, vehicleID, models.VehicleBusy); err != nil {
		return err
	}
	e.Notifier.Publish(v.DriverUsername, dispatch.NewOrderPayload(o, v.DriverName))
	e.logger().Info("order assigned", "order_id", o.ID, "driver_id", driverID, "vehicle_id", vehicleID, "actor", actor)
	return nil
}

// AcceptOrder confirms a delivered offer: the order moves created -> taken.
func (e *Engine) AcceptOrder(ctx context.Context, orderID, driverID, vehicleID string) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, err := e.Orders.Get(ctx, orderID)
	if err != nil {
		return fail(KindOrderNotFound)
	}
	if o.State != models.OrderCreated {
		return fail(KindWrongOrderState)
	}
	if o.Assigned() && (o.DriverID != driverID || o.VehicleID != vehicleID) {
		return fail(KindOrderTaken)
	}

	o.DriverID = driverID
	o.VehicleID = vehicleID
	o.State = models.OrderTaken
	if err := e.Orders.Update(ctx, o); err != nil {
		return fail(KindOrderNotFound)
	}
	e.appendHistory(ctx, o.ID, models.OrderTaken, driverID)
	if err := e.Avail.SetAvailable(ctx, driverID, vehicleID, models.VehicleBusy); err != nil && !errors.Is(err, storage.ErrNotFound) {
		e.logger().Error("availability update failed", "driver_id", driverID, "vehicle_id", vehicleID, "error", err)
	}

	e.notifyRider(ctx, o, e.arrivalMinutes(ctx, o))
	e.pushDashboard(ctx)
	return ok(o)
}

// TakeScheduledOrder books a scheduled order for a (driver, vehicle) pair
// without occupying the vehicle. The pair keeps working normal orders until
// the date comes.
func (e *Engine) TakeScheduledOrder(ctx context.Context, orderID, driverID, vehicleID string) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	above, err := e.Ledger.BalanceAbove(ctx, driverID, e.BalanceMin)
	if err != nil || !above {
		return gate()
	}

	o, err := e.Orders.Get(ctx, orderID)
	if err != nil {
		return fail(KindOrderNotFound)
	}
	if o.Type != models.OrderScheduled || o.State != models.OrderCreated {
		return fail(KindWrongOrderState)
	}
	if o.Assigned() {
		return fail(KindOrderTaken)
	}

	o.DriverID = driverID
	o.VehicleID = vehicleID
	o.State = models.OrderTakenScheduled
	if err := e.Orders.Update(ctx, o); err != nil {
		return fail(KindOrderNotFound)
	}
	e.appendHistory(ctx, o.ID, models.OrderTakenScheduled, driverID)
	return ok(o)
}

// AcceptScheduledOrder activates a booked scheduled order. If the pair still
// carries an in-flight order, a started one blocks the takeover; a merely
// taken one is reverted to created and re-dispatched.
func (e *Engine) AcceptScheduledOrder(ctx context.Context, orderID, driverID, vehicleID string) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, err := e.Orders.Get(ctx, orderID)
	if err != nil {
		return fail(KindOrderNotFound)
	}
	if o.State != models.OrderTakenScheduled || o.DriverID != driverID || o.VehicleID != vehicleID {
		return fail(KindWrongOrderState)
	}

	if cur, err := e.Orders.CurrentByPair(ctx, driverID, vehicleID); err == nil {
		if cur.State == models.OrderStarted {
			return fail(KindAlreadyStarted)
		}
		cur.DriverID, cur.VehicleID = "", ""
		cur.State = models.OrderCreated
		if !cur.Declined(vehicleID) {
			cur.DeclinedVehicles = append(cur.DeclinedVehicles, vehicleID)
		}
		if err := e.Orders.Update(ctx, cur); err != nil {
			return fail(KindOrderNotFound)
		}
		e.appendHistory(ctx, cur.ID, models.OrderCreated, driverID)
		if _, err := e.dispatchOrder(ctx, cur); err != nil {
			e.logger().Error("re-dispatch failed", "order_id", cur.ID, "error", err)
		}
	} else if !errors.Is(err, storage.ErrNotFound) {
		return fail(KindOrderNotFound)
	}

	o.State = models.OrderTaken
	if err := e.Orders.Update(ctx, o); err != nil {
		return fail(KindOrderNotFound)
	}
	e.appendHistory(ctx, o.ID, models.OrderTaken, driverID)
	if err := e.Avail.SetAvailable(ctx, driverID, vehicleID, models.VehicleBusy); err != nil && !errors.Is(err, storage.ErrNotFound) {
		e.logger().Error("availability update failed", "driver_id", driverID, "vehicle_id", vehicleID, "error", err)
	}

	e.notifyRider(ctx, o, e.arrivalMinutes(ctx, o))
	e.pushDashboard(ctx)
	return ok(o)
}

// StartOrder marks the ride in progress: taken -> started.
func (e *Engine) StartOrder(ctx context.Context, orderID, driverID, vehicleID string) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, err := e.Orders.Get(ctx, orderID)
	if err != nil {
		return fail(KindOrderNotFound)
	}
	if o.State != models.OrderTaken || o.DriverID != driverID || o.VehicleID != vehicleID {
		return fail(KindWrongOrderState)
	}

	o.State = models.OrderStarted
	if err := e.Orders.Update(ctx, o); err != nil {
		return fail(KindOrderNotFound)
	}
	e.appendHistory(ctx, o.ID, models.OrderStarted, driverID)
	e.notifyRider(ctx, o, 0)
	return ok(o)
}

// FinishOrder settles a started order. Pricing follows the tariff frozen on
// the order: a percentage discount (or a flat amount) comes off the gross
// total, the service fee is taken from the net total, and the discount is
// credited back to the driver net of the fee share.
func (e *Engine) FinishOrder(ctx context.Context, orderID string, payTotal, distance, duration, waitTime float64) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, err := e.Orders.Get(ctx, orderID)
	if err != nil {
		return fail(KindOrderNotFound)
	}
	if o.State != models.OrderStarted {
		return fail(KindWrongOrderState)
	}

	discount := 0.0
	switch {
	case o.DiscountPrc > 0:
		discount = payTotal * o.DiscountPrc / 100
	case o.DiscountAmount > 0:
		discount = o.DiscountAmount
	}
	net := payTotal - discount
	serviceAmount := net * o.ServicePrc / 100

	o.PayTotal = payTotal
	o.PayNetTotal = net
	o.PayNetTotalText = strconv.FormatFloat(net, 'f', 2, 64)
	o.ServiceAmount = serviceAmount
	o.Distance = distance
	o.Duration = duration
	o.WaitTime = waitTime
	o.State = models.OrderFinished
	if err := e.Orders.Update(ctx, o); err != nil {
		return fail(KindOrderNotFound)
	}
	e.appendHistory(ctx, o.ID, models.OrderFinished, o.DriverID)

	if serviceAmount > 0 {
		if err := e.Ledger.Record(ctx, ledgerDebit(o.DriverID, serviceAmount, "order service fee")); err != nil {
			e.logger().Error("ledger debit failed", "order_id", o.ID, "error", err)
		}
	}
	// Discounts are funded by the platform: the driver is made whole, minus
	// the fee share the platform keeps.
	if discount > 0 {
		refund := discount - discount*o.ServicePrc/100
		if err := e.Ledger.Record(ctx, ledgerCredit(o.DriverID, refund, "discount reversal")); err != nil {
			e.logger().Error("ledger credit failed", "order_id", o.ID, "error", err)
		}
	}

	if o.PaymentIntentID != "" && e.Payments != nil {
		if err := e.Payments.Capture(ctx, o.PaymentIntentID); err != nil {
			e.logger().Error("payment capture failed", "order_id", o.ID, "error", err)
		}
	}

	if err := e.Avail.SetAvailable(ctx, o.DriverID, o.VehicleID, models.VehicleFree); err != nil && !errors.Is(err, storage.ErrNotFound) {
		e.logger().Error("availability update failed", "driver_id", o.DriverID, "vehicle_id", o.VehicleID, "error", err)
	}

	e.notifyRider(ctx, o, 0)
	if err := e.checkNewOrder(ctx, o.DriverID, o.VehicleID); err != nil {
		e.logger().Error("freed-vehicle dispatch failed", "vehicle_id", o.VehicleID, "error", err)
	}
	e.pushDashboard(ctx)

	res := ok(o)
	res.Balance, _ = e.Ledger.Balance(ctx, o.DriverID)
	return res
}

// CancelOrder cancels a non-terminal order, releases any payment hold and
// frees the assigned vehicle.
func (e *Engine) CancelOrder(ctx context.Context, orderID, actor string) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, err := e.Orders.Get(ctx, orderID)
	if err != nil {
		return fail(KindOrderNotFound)
	}
	if o.State.Terminal() {
		return fail(KindWrongOrderState)
	}

	driverID, vehicleID := o.DriverID, o.VehicleID
	o.State = models.OrderCanceled
	if err := e.Orders.Update(ctx, o); err != nil {
		return fail(KindOrderNotFound)
	}
	e.appendHistory(ctx, o.ID, models.OrderCanceled, actor)

	if o.PaymentIntentID != "" && e.Payments != nil {
		if err := e.Payments.Cancel(ctx, o.PaymentIntentID); err != nil {
			e.logger().Error("payment release failed", "order_id", o.ID, "error", err)
		}
	}

	res := ok(o)
	if driverID != "" && vehicleID != "" {
		if v, err := e.Avail.Get(ctx, driverID, vehicleID); err == nil {
			e.Notifier.Publish(v.DriverUsername, dispatch.OrderClearedPayload(o.ID))
		}
		if err := e.Avail.SetAvailable(ctx, driverID, vehicleID, models.VehicleFree); err != nil && !errors.Is(err, storage.ErrNotFound) {
			e.logger().Error("availability update failed", "driver_id", driverID, "vehicle_id", vehicleID, "error", err)
		}
		if err := e.checkNewOrder(ctx, driverID, vehicleID); err != nil {
			e.logger().Error("freed-vehicle dispatch failed", "vehicle_id", vehicleID, "error", err)
		}
		res.Balance, _ = e.Ledger.Balance(ctx, driverID)
	}

	e.notifyRider(ctx, o, 0)
	e.pushDashboard(ctx)
	return res
}

// RejectOrder hands a taken order back: the vehicle joins the decline list,
// the order reverts to created and cascades to other vehicles. Rejecting
// inside the pickup district costs the cancellation fee. districtID names
// where the reject happened; when empty it is derived from the vehicle's
// latest location.
func (e *Engine) RejectOrder(ctx context.Context, orderID, driverID, vehicleID, districtID string) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, err := e.Orders.Get(ctx, orderID)
	if err != nil {
		return fail(KindOrderNotFound)
	}
	if o.State != models.OrderTaken || o.DriverID != driverID || o.VehicleID != vehicleID {
		return fail(KindWrongOrderState)
	}

	if !o.Declined(vehicleID) {
		o.DeclinedVehicles = append(o.DeclinedVehicles, vehicleID)
	}
	o.DriverID, o.VehicleID = "", ""
	o.State = models.OrderCreated
	if err := e.Orders.Update(ctx, o); err != nil {
		return fail(KindOrderNotFound)
	}
	e.appendHistory(ctx, o.ID, models.OrderCreated, driverID)

	if err := e.Avail.SetAvailable(ctx, driverID, vehicleID, models.VehicleFree); err != nil && !errors.Is(err, storage.ErrNotFound) {
		e.logger().Error("availability update failed", "driver_id", driverID, "vehicle_id", vehicleID, "error", err)
	}

	if districtID == "" {
		districtID = e.locateVehicle(ctx, driverID, vehicleID)
	}
	if districtID != "" && districtID == o.DistrictFrom && o.Tariff.PriceCancel > 0 {
		if err := e.Ledger.Record(ctx, ledgerDebit(driverID, o.Tariff.PriceCancel, "cancellation fee")); err != nil {
			e.logger().Error("ledger debit failed", "order_id", o.ID, "error", err)
		}
	}

	if _, err := e.dispatchOrder(ctx, o); err != nil {
		e.logger().Error("re-dispatch failed", "order_id", o.ID, "error", err)
	}
	if err := e.checkNewOrder(ctx, driverID, vehicleID); err != nil {
		e.logger().Error("freed-vehicle dispatch failed", "vehicle_id", vehicleID, "error", err)
	}
	e.pushDashboard(ctx)

	res := ok(o)
	res.Balance, _ = e.Ledger.Balance(ctx, driverID)
	return res
}

// AssignDriver is the dispatcher override: the order moves to the given pair
// regardless of the cascade, freeing any previous pair.
func (e *Engine) AssignDriver(ctx context.Context, orderID, driverID, vehicleID, actor string) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, err := e.Orders.Get(ctx, orderID)
	if err != nil {
		return fail(KindOrderNotFound)
	}
	if o.State != models.OrderCreated && o.State != models.OrderTaken {
		return fail(KindWrongOrderState)
	}
	if _, err := e.Avail.Get(ctx, driverID, vehicleID); err != nil {
		return fail(KindVehicleNotFound)
	}

	prevDriver, prevVehicle := o.DriverID, o.VehicleID
	if prevDriver != "" && (prevDriver != driverID || prevVehicle != vehicleID) {
		if v, err := e.Avail.Get(ctx, prevDriver, prevVehicle); err == nil {
			e.Notifier.Publish(v.DriverUsername, dispatch.OrderClearedPayload(o.ID))
		}
		if err := e.Avail.SetAvailable(ctx, prevDriver, prevVehicle, models.VehicleFree); err != nil && !errors.Is(err, storage.ErrNotFound) {
			e.logger().Error("availability update failed", "driver_id", prevDriver, "vehicle_id", prevVehicle, "error", err)
		}
	}

	o.State = models.OrderTaken
	if err := e.assignPair(ctx, o, driverID, vehicleID, actor); err != nil {
		return fail(KindVehicleNotFound)
	}
	e.appendHistory(ctx, o.ID, models.OrderTaken, actor)

	if prevDriver != "" && (prevDriver != driverID || prevVehicle != vehicleID) {
		if err := e.checkNewOrder(ctx, prevDriver, prevVehicle); err != nil {
			e.logger().Error("freed-vehicle dispatch failed", "vehicle_id", prevVehicle, "error", err)
		}
	}

	e.notifyRider(ctx, o, e.arrivalMinutes(ctx, o))
	e.pushDashboard(ctx)
	return ok(o)
}

// RemoveDriver clears the assigned pair and puts the order back into the
// cascade.
func (e *Engine) RemoveDriver(ctx context.Context, orderID, actor string) Result {
	e.mu.Lock()
	defer e.mu.Unlock()

	o, err := e.Orders.Get(ctx, orderID)
	if err != nil {
		return fail(KindOrderNotFound)
	}
	if o.State.Terminal() || !o.Assigned() {
		return fail(KindWrongOrderState)
	}

	driverID, vehicleID := o.DriverID, o.VehicleID
	o.DriverID, o.VehicleID = "", ""
	o.State = models.OrderCreated
	if err := e.Orders.Update(ctx, o); err != nil {
		return fail(KindOrderNotFound)
	}
	e.appendHistory(ctx, o.ID, models.OrderCreated, actor)

	if v, err := e.Avail.Get(ctx, driverID, vehicleID); err == nil {
		e.Notifier.Publish(v.DriverUsername, dispatch.OrderClearedPayload(o.ID))
	}
	if err := e.Avail.SetAvailable(ctx, driverID, vehicleID, models.VehicleFree); err != nil && !errors.Is(err, storage.ErrNotFound) {
		e.logger().Error("availability update failed", "driver_id", driverID, "vehicle_id", vehicleID, "error", err)
	}

	if _, err := e.dispatchOrder(ctx, o); err != nil {
		e.logger().Error("re-dispatch failed", "order_id", o.ID, "error", err)
	}
	if err := e.checkNewOrder(ctx, driverID, vehicleID); err != nil {
		e.logger().Error("freed-vehicle dispatch failed", "vehicle_id", vehicleID, "error", err)
	}
	e.pushDashboard(ctx)
	return ok(o)
}

// CurrentOrder is the driver app's poll: the in-flight order bound to the
// pair, if any.
func (e *Engine) CurrentOrder(ctx context.Context, driverID, vehicleID string) Result {
	o, err := e.Orders.CurrentByPair(ctx, driverID, vehicleID)
	if errors.Is(err, storage.ErrNotFound) {
		return Result{Status: 200}
	}
	if err != nil {
		return fail(KindOrderNotFound)
	}
	return ok(o)
}

// ScheduledOrders lists the open scheduled orders a pair could book.
func (e *Engine) ScheduledOrders(ctx context.Context, driverID, vehicleID string) ([]*models.Order, error) {
	services, err := e.Catalog.VehicleServices(ctx, driverID, vehicleID)
	if err != nil {
		return nil, err
	}
	return e.Orders.ScheduledByServices(ctx, services)
}

// OrderHistoryList returns the immutable transition log of an order.
func (e *Engine) OrderHistoryList(ctx context.Context, orderID string) ([]models.OrderHistory, error) {
	if _, err := e.Orders.Get(ctx, orderID); err != nil {
		return nil, err
	}
	return e.Orders.History(ctx, orderID)
}

func (e *Engine) locateVehicle(ctx context.Context, driverID, vehicleID string) string {
	loc, err := e.Locations.Latest(ctx, driverID, vehicleID)
	if err != nil {
		return ""
	}
	districts, err := e.Catalog.Districts(ctx)
	if err != nil {
		return ""
	}
	id, _ := geo.Locate(loc.Loc, districts)
	return id
}
