package httpapi

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/example/taxi-dispatch/internal/dispatch"
	"github.com/example/taxi-dispatch/internal/engine"
	"github.com/example/taxi-dispatch/internal/ledger"
	"github.com/example/taxi-dispatch/internal/logging"
	"github.com/example/taxi-dispatch/internal/models"
	"github.com/example/taxi-dispatch/internal/storage"
)

func newTestServer() (*Server, *ledger.Memory) {
	logger := logging.NewLogger("error")
	reg := dispatch.NewRegistry(logger)
	catalog := engine.NewStaticCatalog([]models.District{
		{ID: "downtown", Polygon: []models.Coord{{Lat: 0, Lon: 0}, {Lat: 0, Lon: 1}, {Lat: 1, Lon: 1}, {Lat: 1, Lon: 0}}},
	})
	led := ledger.NewMemory()
	eng := &engine.Engine{
		Orders:           storage.NewMemoryOrders(),
		Avail:            storage.NewMemoryAvailability(),
		Locations:        storage.NewMemoryLocations(),
		Ledger:           led,
		Notifier:         reg,
		Catalog:          catalog,
		Logger:           logger,
		MaxOfferAttempts: 32,
		BalanceMin:       10,
		RiderGateway:     "sms",
	}
	return NewServer(eng, reg, catalog, logger), led
}

func postJSON(t *testing.T, srv *Server, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	b, _ := json.Marshal(body)
	req := httptest.NewRequest("POST", path, bytes.NewReader(b))
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	return w
}

func TestCreateAndGetOrder(t *testing.T) {
	srv, _ := newTestServer()

	w := postJSON(t, srv, "/api/v1/orders", map[string]any{
		"client_id":  "c1",
		"service_id": "taxi",
		"from":       map[string]any{"address": "Main St", "coordinates": map[string]float64{"lat": 0.5, "lon": 0.5}},
		"to":         map[string]any{"address": "Oak Ave", "coordinates": map[string]float64{"lat": 0.9, "lon": 0.9}},
	})
	if w.Code != 200 {
		t.Fatalf("create: code=%d body=%s", w.Code, w.Body.String())
	}
	var res struct {
		Status int           `json:"status"`
		Order  *models.Order `json:"result"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.Order == nil || res.Order.ID == "" {
		t.Fatalf("result=%+v", res)
	}
	if res.Order.DistrictFrom != "downtown" {
		t.Fatalf("district=%q", res.Order.DistrictFrom)
	}

	getReq := httptest.NewRequest("GET", "/api/v1/orders/"+res.Order.ID, nil)
	gw := httptest.NewRecorder()
	srv.ServeHTTP(gw, getReq)
	if gw.Code != 200 {
		t.Fatalf("get: code=%d", gw.Code)
	}
}

func TestAcceptUnknownOrderReturnsTeapot(t *testing.T) {
	srv, _ := newTestServer()
	w := postJSON(t, srv, "/api/v1/orders/nope/accept", map[string]string{"driver_id": "d1", "vehicle_id": "v1"})
	if w.Code != 418 {
		t.Fatalf("code=%d", w.Code)
	}
	var res struct {
		ErrorKind string `json:"error_msg"`
	}
	_ = json.Unmarshal(w.Body.Bytes(), &res)
	if res.ErrorKind != engine.KindOrderNotFound {
		t.Fatalf("error_msg=%q", res.ErrorKind)
	}
}

func TestPingBalanceGateStatus(t *testing.T) {
	srv, led := newTestServer()
	srv.Catalog.AddDriver("d1", "Driver", "u-d1")
	srv.Catalog.AddVehicle("d1", "v1", []string{"taxi"})
	led.SetBalance("d1", 3)

	w := postJSON(t, srv, "/api/v1/vehicles/d1/v1/ping", map[string]float64{"lat": 0.5, "lon": 0.5})
	if w.Code != 409 {
		t.Fatalf("code=%d body=%s", w.Code, w.Body.String())
	}
}

func TestFleetRegistrationAndPing(t *testing.T) {
	srv, led := newTestServer()
	w := postJSON(t, srv, "/api/v1/fleet/vehicles", map[string]any{
		"driver_id": "d1", "vehicle_id": "v1", "driver_name": "Driver", "username": "u-d1", "service_ids": []string{"taxi"},
	})
	if w.Code != 200 {
		t.Fatalf("register: code=%d", w.Code)
	}
	led.SetBalance("d1", 100)
	pw := postJSON(t, srv, "/api/v1/vehicles/d1/v1/ping", map[string]float64{"lat": 0.5, "lon": 0.5})
	if pw.Code != 200 {
		t.Fatalf("ping: code=%d body=%s", pw.Code, pw.Body.String())
	}
}

func TestHealthz(t *testing.T) {
	srv, _ := newTestServer()
	req := httptest.NewRequest("GET", "/healthz", nil)
	w := httptest.NewRecorder()
	srv.ServeHTTP(w, req)
	if w.Code != http.StatusOK {
		t.Fatalf("code=%d", w.Code)
	}
}
