package engine

import "github.com/example/taxi-dispatch/internal/models"

// Error kinds carried by failed results. The driver and back-office apps
// switch on these strings.
const (
	KindOrderNotFound   = "order_not_found"
	KindVehicleNotFound = "vehicle_not_found"
	KindWrongOrderState = "wrong_order_state"
	KindOrderTaken      = "order_already_taken"
	KindAlreadyStarted  = "driver_has_already_started_order"
	KindLowBalance      = "low_balance"
)

// Result is the uniform outcome of a dispatch operation. Status follows the
// API contract: 200 success, 418 business-rule failure (ErrorKind set),
// 409 balance gate.
type Result struct {
	Status    int           `json:"status"`
	ErrorKind string        `json:"error_msg,omitempty"`
	Order     *models.Order `json:"result,omitempty"`
	Balance   float64       `json:"balance,omitempty"`
}

func ok(o *models.Order) Result { return Result{Status: 200, Order: o} }

func fail(kind string) Result { return Result{Status: 418, ErrorKind: kind} }

func gate() Result { return Result{Status: 409, ErrorKind: KindLowBalance} }
