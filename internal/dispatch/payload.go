package dispatch

import (
	"time"

	"github.com/example/taxi-dispatch/internal/models"
)

// NewOrderPayload builds the offer pushed to a driver connection.
func NewOrderPayload(o *models.Order, driverName string) models.OfferPayload {
	return models.OfferPayload{
		JSONType:        "new_order",
		ID:              o.ID,
		OrderDate:       o.OrderDate.Format(time.RFC3339),
		AddressFrom:     o.From.Address,
		AddressTo:       o.To.Address,
		CoordinatesFrom: o.From.Coordinates,
		CoordinatesTo:   o.To.Coordinates,
		State:           string(o.State),
		Type:            string(o.Type),
		Desc:            o.Desc,
		ServiceName:     o.ServiceName,
		DiscountPrc:     o.DiscountPrc,
		PriceKm:         o.Tariff.PriceKm,
		PriceMin:        o.Tariff.PriceMin,
		PriceWaitMin:    o.Tariff.PriceWaitMin,
		MinuteFreeWait:  o.Tariff.MinuteFreeWait,
		KmFree:          o.Tariff.KmFree,
		PriceDelivery:   o.Tariff.PriceDelivery,
		MinuteForWait:   o.Tariff.MinuteForWait,
		PriceCancel:     o.Tariff.PriceCancel,
		PriceMinimal:    o.Tariff.PriceMinimal,
		Phone:           o.ClientPhone,
		Fullname:        driverName,
	}
}

// StatusPayload builds the rider-facing progress notification relayed by the
// gateway connection.
func StatusPayload(o *models.Order, vehicleName string, minutesLeft int) models.StatusPayload {
	return models.StatusPayload{
		JSONType:    "order_status",
		OrderID:     o.ID,
		VehicleName: vehicleName,
		State:       string(o.State),
		MinutesLeft: minutesLeft,
		Phone:       o.ClientPhone,
		PayNetTotal: o.PayNetTotal,
	}
}

// OrderClearedPayload tells the driver app to drop the order it is showing.
func OrderClearedPayload(orderID string) models.OrderClearedPayload {
	return models.OrderClearedPayload{JSONType: "order_canceled", OrderID: orderID}
}
