package models

import "time"

type Coord struct {
	Lat float64 `json:"lat"`
	Lon float64 `json:"lon"`
}

// OrderState follows created -> taken|taken_scheduled -> started -> finished,
// with canceled reachable from any non-terminal state.
type OrderState string

const (
	OrderCreated        OrderState = "created"
	OrderTaken          OrderState = "taken"
	OrderTakenScheduled OrderState = "taken_scheduled"
	OrderStarted        OrderState = "started"
	OrderFinished       OrderState = "finished"
	OrderCanceled       OrderState = "canceled"
)

func (s OrderState) Terminal() bool {
	return s == OrderFinished || s == OrderCanceled
}

type OrderType string

const (
	OrderImmediate OrderType = "immediate"
	OrderScheduled OrderType = "scheduled"
)

const (
	PayCash = "cash"
	PayCard = "card"
)

type Availability string

const (
	VehicleFree Availability = "free"
	VehicleBusy Availability = "busy"
)

type Operational string

const (
	VehicleActive   Operational = "active"
	VehicleDisabled Operational = "disabled"
)

// District is read-mostly reference data owned by the catalog service.
type District struct {
	ID      string  `json:"id"`
	Name    string  `json:"name"`
	Polygon []Coord `json:"polygon"`
}

type Address struct {
	Address     string `json:"address"`
	Coordinates Coord  `json:"coordinates"`
}

// Tariff carries the rate fields frozen onto an order at creation time.
type Tariff struct {
	PriceKm        float64 `json:"price_km"`
	PriceMin       float64 `json:"price_min"`
	PriceWaitMin   float64 `json:"price_wait_min"`
	PriceCancel    float64 `json:"price_cancel"`
	PriceMinimal   float64 `json:"price_minimal"`
	PriceDelivery  float64 `json:"price_delivery"`
	KmFree         float64 `json:"km_free"`
	MinuteFreeWait float64 `json:"minute_free_wait"`
	MinuteForWait  float64 `json:"minute_for_wait"`
}

type Order struct {
	ID        string     `json:"id"`
	Code      string     `json:"code"`
	ClientID  string     `json:"client_id"`
	DriverID  string     `json:"driver_id,omitempty"`
	VehicleID string     `json:"vehicle_id,omitempty"`
	ServiceID string     `json:"service_id"`
	State     OrderState `json:"state"`
	Type      OrderType  `json:"type"`

	ServiceName  string  `json:"service_name"`
	DistrictFrom string  `json:"district_from,omitempty"`
	DistrictTo   string  `json:"district_to,omitempty"`
	From         Address `json:"from"`
	To           Address `json:"to"`
	Desc         string  `json:"desc,omitempty"`

	OrderDate   time.Time `json:"order_date"`
	ClientPhone string    `json:"client_phone"`
	ClientName  string    `json:"client_name"`

	Tariff         Tariff  `json:"tariff"`
	DiscountPrc    float64 `json:"discount_prc"`
	DiscountAmount float64 `json:"discount_amount"`
	ServicePrc     float64 `json:"service_prc"`

	PayType          string  `json:"pay_type,omitempty"`
	PayEstimate      float64 `json:"pay_estimate,omitempty"`
	StripeCustomerID string  `json:"stripe_customer_id,omitempty"`

	// Vehicles that declined or never received this order. Grows
	// monotonically for the life of the order.
	DeclinedVehicles []string `json:"declined_vehicles,omitempty"`

	// Populated only on finish.
	PayTotal        float64 `json:"pay_total,omitempty"`
	PayNetTotal     float64 `json:"pay_net_total,omitempty"`
	PayNetTotalText string  `json:"pay_net_total_text,omitempty"`
	ServiceAmount   float64 `json:"service_amount,omitempty"`
	Distance        float64 `json:"distance,omitempty"`
	Duration        float64 `json:"duration,omitempty"`
	WaitTime        float64 `json:"wait_time,omitempty"`

	// Stripe PaymentIntent holding the fare for card-paid orders.
	PaymentIntentID string `json:"payment_intent_id,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// Assigned reports whether a driver/vehicle pair is set. The pair is always
// set or cleared together.
func (o *Order) Assigned() bool { return o.DriverID != "" && o.VehicleID != "" }

func (o *Order) Declined(vehicleID string) bool {
	for _, v := range o.DeclinedVehicles {
		if v == vehicleID {
			return true
		}
	}
	return false
}

// VehicleAvailability is keyed by (driver, vehicle). UpdatedAt doubles as the
// FIFO fairness key: the matcher prefers the oldest free record.
type VehicleAvailability struct {
	DriverID       string       `json:"driver_id"`
	VehicleID      string       `json:"vehicle_id"`
	DriverName     string       `json:"driver_name"`
	DriverUsername string       `json:"driver_username"`
	ServiceIDs     []string     `json:"service_ids"`
	DistrictID     string       `json:"district_id,omitempty"`
	Available      Availability `json:"available"`
	Operational    Operational  `json:"operational"`
	UpdatedAt      time.Time    `json:"updated_at"`
}

func (v *VehicleAvailability) Offers(serviceID string) bool {
	for _, s := range v.ServiceIDs {
		if s == serviceID {
			return true
		}
	}
	return false
}

// DriverLocation is one row of the append-only location log.
type DriverLocation struct {
	DriverID   string    `json:"driver_id"`
	VehicleID  string    `json:"vehicle_id"`
	OrderID    string    `json:"order_id,omitempty"`
	DistrictID string    `json:"district_id,omitempty"`
	Loc        Coord     `json:"loc"`
	At         time.Time `json:"at"`
}

type OrderHistory struct {
	OrderID string     `json:"order_id"`
	State   OrderState `json:"state"`
	Actor   string     `json:"actor"`
	At      time.Time  `json:"at"`
}

// LocationPing is the message published to Kafka on every driver ping.
type LocationPing struct {
	DriverID   string    `json:"driver_id"`
	VehicleID  string    `json:"vehicle_id"`
	OrderID    string    `json:"order_id,omitempty"`
	DistrictID string    `json:"district_id,omitempty"`
	Loc        Coord     `json:"loc"`
	At         time.Time `json:"at"`
}

// OfferPayload is pushed to a driver connection when an order is proposed.
// Field names match what the driver app consumes.
type OfferPayload struct {
	JSONType        string  `json:"json_type"`
	ID              string  `json:"id"`
	OrderDate       string  `json:"order_date"`
	AddressFrom     string  `json:"order_address_from"`
	AddressTo       string  `json:"order_address_to"`
	CoordinatesFrom Coord   `json:"order_coordinates_from"`
	CoordinatesTo   Coord   `json:"order_coordinates_to"`
	State           string  `json:"order_state"`
	Type            string  `json:"order_type"`
	Desc            string  `json:"order_desc"`
	ServiceName     string  `json:"service_name"`
	DiscountPrc     float64 `json:"pay_discount_prc"`
	PriceKm         float64 `json:"price_km"`
	PriceMin        float64 `json:"price_min"`
	PriceWaitMin    float64 `json:"price_wait_min"`
	MinuteFreeWait  float64 `json:"minute_free_wait"`
	KmFree          float64 `json:"km_free"`
	PriceDelivery   float64 `json:"price_delivery"`
	MinuteForWait   float64 `json:"minute_for_wait"`
	PriceCancel     float64 `json:"price_cancel"`
	PriceMinimal    float64 `json:"price_minimal"`
	Phone           string  `json:"phone"`
	Fullname        string  `json:"fullname"`
}

// StatusPayload notifies the rider-facing gateway about order progress.
type StatusPayload struct {
	JSONType    string  `json:"json_type"`
	OrderID     string  `json:"order_id"`
	VehicleName string  `json:"vehicle_name"`
	State       string  `json:"order_state"`
	MinutesLeft int     `json:"time"`
	Phone       string  `json:"phone"`
	PayNetTotal float64 `json:"pay_net_total"`
}

// OrderClearedPayload tells a driver app to drop the order it is showing.
type OrderClearedPayload struct {
	JSONType string `json:"json_type"`
	OrderID  string `json:"order_id"`
}

// DashboardPayload is broadcast to operator consoles after state changes.
type DashboardPayload struct {
	JSONType       string `json:"json_type"`
	OrdersWaiting  int    `json:"orders_waiting"`
	VehiclesActive int    `json:"vehicles_active"`
	VehiclesFree   int    `json:"vehicles_free"`
}
