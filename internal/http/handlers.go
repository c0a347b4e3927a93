package httpapi

import (
	"crypto/rand"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"net/http"
	"os"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/taxi-dispatch/internal/config"
	"github.com/example/taxi-dispatch/internal/dispatch"
	"github.com/example/taxi-dispatch/internal/engine"
	"github.com/example/taxi-dispatch/internal/eta"
	"github.com/example/taxi-dispatch/internal/geo"
	"github.com/example/taxi-dispatch/internal/ingest"
	"github.com/example/taxi-dispatch/internal/ledger"
	"github.com/example/taxi-dispatch/internal/logging"
	"github.com/example/taxi-dispatch/internal/models"
	"github.com/example/taxi-dispatch/internal/observability"
	"github.com/example/taxi-dispatch/internal/payments"
	"github.com/example/taxi-dispatch/internal/storage"
)

type Server struct {
	Engine  *engine.Engine
	WSReg   *dispatch.Registry
	Catalog *engine.StaticCatalog
	GeoRead *geo.RedisLocations // nil without Redis

	logger *slog.Logger
	mux    *mux.Router
}

func NewServer(eng *engine.Engine, reg *dispatch.Registry, catalog *engine.StaticCatalog, logger *slog.Logger) *Server {
	s := &Server{Engine: eng, WSReg: reg, Catalog: catalog, logger: logger, mux: mux.NewRouter()}
	s.registerMiddleware()
	s.routes()
	return s
}

// NewServerFromEnv wires the full stack from environment configuration:
// Postgres when PG_DSN is set (memory stores otherwise), Kafka when brokers
// are configured, Redis for the dashboard position cache, OSRM and FCM when
// their endpoints are given.
func NewServerFromEnv() (*Server, error) {
	cfg, err := config.LoadServerConfig()
	if err != nil {
		return nil, err
	}
	logger := logging.NewLogger(cfg.LogLevel)

	var orders storage.OrderStore
	var avail storage.AvailabilityStore
	var locs storage.LocationStore
	if cfg.PGDSN != "" {
		db, err := storage.OpenPostgres(cfg.PGDSN)
		if err != nil {
			return nil, err
		}
		orders = storage.NewPostgresOrders(db)
		avail = storage.NewPostgresAvailability(db)
		locs = storage.NewPostgresLocations(db)
	} else {
		orders = storage.NewMemoryOrders()
		avail = storage.NewMemoryAvailability()
		locs = storage.NewMemoryLocations()
	}

	districts, err := loadDistricts(cfg.DistrictsFile)
	if err != nil {
		return nil, err
	}
	catalog := engine.NewStaticCatalog(districts)

	reg := dispatch.NewRegistry(logger)

	eng := &engine.Engine{
		Orders:           orders,
		Avail:            avail,
		Locations:        locs,
		Ledger:           ledger.NewMemory(),
		Notifier:         reg,
		Catalog:          catalog,
		Logger:           logger,
		MaxOfferAttempts: cfg.MaxOfferAttempts,
		BalanceMin:       cfg.BalanceMin,
		DefaultSpeedMps:  cfg.DefaultSpeedMps,
		RiderGateway:     cfg.RiderGatewayUser,
		Currency:         cfg.HoldCurrency,
	}
	if len(cfg.KafkaBrokers) > 0 {
		eng.Pings = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}
	if cfg.OSRMEndpoint != "" {
		eng.ETA = eta.NewOSRMClient(cfg.OSRMEndpoint)
		eng.ETACache = eta.NewCache(5 * time.Minute)
	}
	if cfg.FCMEndpoint != "" {
		eng.Announcer = dispatch.NewFCMDispatcher(cfg.FCMEndpoint, cfg.FCMKey)
	}
	if os.Getenv("STRIPE_API_KEY") != "" {
		eng.Payments = payments.NewStripeClient()
	}

	s := NewServer(eng, reg, catalog, logger)
	if cfg.RedisAddr != "" {
		s.GeoRead = geo.NewRedisLocations(cfg.RedisAddr, cfg.RedisPassword, cfg.RedisGeoKey)
	}
	return s, nil
}

func loadDistricts(path string) ([]models.District, error) {
	if path == "" {
		return nil, nil
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var districts []models.District
	if err := json.Unmarshal(b, &districts); err != nil {
		return nil, err
	}
	return districts, nil
}

func (s *Server) routes() {
	api := s.mux.PathPrefix("/api/v1").Subrouter()

	api.HandleFunc("/orders", s.handleCreateOrder).Methods("POST")
	api.HandleFunc("/orders/{id}", s.handleGetOrder).Methods("GET")
	api.HandleFunc("/orders/{id}/history", s.handleOrderHistory).Methods("GET")
	api.HandleFunc("/orders/{id}/accept", s.handleAcceptOrder).Methods("POST")
	api.HandleFunc("/orders/{id}/take-scheduled", s.handleTakeScheduled).Methods("POST")
	api.HandleFunc("/orders/{id}/accept-scheduled", s.handleAcceptScheduled).Methods("POST")
	api.HandleFunc("/orders/{id}/start", s.handleStartOrder).Methods("POST")
	api.HandleFunc("/orders/{id}/finish", s.handleFinishOrder).Methods("POST")
	api.HandleFunc("/orders/{id}/cancel", s.handleCancelOrder).Methods("POST")
	api.HandleFunc("/orders/{id}/reject", s.handleRejectOrder).Methods("POST")
	api.HandleFunc("/orders/{id}/assign", s.handleAssignDriver).Methods("POST")
	api.HandleFunc("/orders/{id}/remove-driver", s.handleRemoveDriver).Methods("POST")

	api.HandleFunc("/vehicles/{driver_id}/{vehicle_id}/ping", s.handlePing).Methods("POST")
	api.HandleFunc("/vehicles/{driver_id}/{vehicle_id}/current-order", s.handleCurrentOrder).Methods("GET")
	api.HandleFunc("/vehicles/{driver_id}/{vehicle_id}/scheduled-orders", s.handleScheduledOrders).Methods("GET")
	api.HandleFunc("/vehicles/{driver_id}/{vehicle_id}/activate", s.handleActivate).Methods("POST")
	api.HandleFunc("/vehicles/{driver_id}/{vehicle_id}/disable", s.handleDisable).Methods("POST")
	api.HandleFunc("/vehicles/{driver_id}/{vehicle_id}/free", s.handleFree).Methods("POST")
	api.HandleFunc("/vehicles/{driver_id}/{vehicle_id}/busy", s.handleBusy).Methods("POST")

	api.HandleFunc("/fleet/vehicles", s.handleRegisterVehicle).Methods("POST")
	api.HandleFunc("/dashboard/nearby", s.handleNearby).Methods("GET")

	s.mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) { w.WriteHeader(200); w.Write([]byte("ok")) }).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{username}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeResult(w http.ResponseWriter, res engine.Result) {
	writeJSON(w, res.Status, res)
}

type pairVars struct{ driverID, vehicleID string }

func pairFrom(r *http.Request) pairVars {
	vars := mux.Vars(r)
	return pairVars{driverID: vars["driver_id"], vehicleID: vars["vehicle_id"]}
}

func (s *Server) handleCreateOrder(w http.ResponseWriter, r *http.Request) {
	var o models.Order
	if err := json.NewDecoder(r.Body).Decode(&o); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeResult(w, s.Engine.CreateOrder(r.Context(), &o))
}

func (s *Server) handleGetOrder(w http.ResponseWriter, r *http.Request) {
	o, err := s.Engine.Orders.Get(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeResult(w, engine.Result{Status: 418, ErrorKind: engine.KindOrderNotFound})
		return
	}
	writeResult(w, engine.Result{Status: 200, Order: o})
}

func (s *Server) handleOrderHistory(w http.ResponseWriter, r *http.Request) {
	hist, err := s.Engine.OrderHistoryList(r.Context(), mux.Vars(r)["id"])
	if err != nil {
		writeResult(w, engine.Result{Status: 418, ErrorKind: engine.KindOrderNotFound})
		return
	}
	writeJSON(w, 200, map[string]any{"status": 200, "result": hist})
}

type pairRequest struct {
	DriverID  string `json:"driver_id"`
	VehicleID string `json:"vehicle_id"`
}

func (s *Server) handleAcceptOrder(w http.ResponseWriter, r *http.Request) {
	var req pairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeResult(w, s.Engine.AcceptOrder(r.Context(), mux.Vars(r)["id"], req.DriverID, req.VehicleID))
}

func (s *Server) handleTakeScheduled(w http.ResponseWriter, r *http.Request) {
	var req pairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeResult(w, s.Engine.TakeScheduledOrder(r.Context(), mux.Vars(r)["id"], req.DriverID, req.VehicleID))
}

func (s *Server) handleAcceptScheduled(w http.ResponseWriter, r *http.Request) {
	var req pairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeResult(w, s.Engine.AcceptScheduledOrder(r.Context(), mux.Vars(r)["id"], req.DriverID, req.VehicleID))
}

func (s *Server) handleStartOrder(w http.ResponseWriter, r *http.Request) {
	var req pairRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeResult(w, s.Engine.StartOrder(r.Context(), mux.Vars(r)["id"], req.DriverID, req.VehicleID))
}

func (s *Server) handleFinishOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		PayTotal float64 `json:"pay_total"`
		Distance float64 `json:"distance"`
		Duration float64 `json:"duration"`
		WaitTime float64 `json:"wait_time"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeResult(w, s.Engine.FinishOrder(r.Context(), mux.Vars(r)["id"], req.PayTotal, req.Distance, req.Duration, req.WaitTime))
}

func (s *Server) handleCancelOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor string `json:"actor"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	writeResult(w, s.Engine.CancelOrder(r.Context(), mux.Vars(r)["id"], req.Actor))
}

func (s *Server) handleRejectOrder(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DriverID   string `json:"driver_id"`
		VehicleID  string `json:"vehicle_id"`
		DistrictID string `json:"district_id"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeResult(w, s.Engine.RejectOrder(r.Context(), mux.Vars(r)["id"], req.DriverID, req.VehicleID, req.DistrictID))
}

func (s *Server) handleAssignDriver(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DriverID  string `json:"driver_id"`
		VehicleID string `json:"vehicle_id"`
		Actor     string `json:"actor"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	writeResult(w, s.Engine.AssignDriver(r.Context(), mux.Vars(r)["id"], req.DriverID, req.VehicleID, req.Actor))
}

func (s *Server) handleRemoveDriver(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Actor string `json:"actor"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	writeResult(w, s.Engine.RemoveDriver(r.Context(), mux.Vars(r)["id"], req.Actor))
}

func (s *Server) handlePing(w http.ResponseWriter, r *http.Request) {
	p := pairFrom(r)
	var req struct {
		Lat *float64 `json:"lat"`
		Lon *float64 `json:"lon"`
	}
	_ = json.NewDecoder(r.Body).Decode(&req)
	var loc *models.Coord
	if req.Lat != nil && req.Lon != nil {
		loc = &models.Coord{Lat: *req.Lat, Lon: *req.Lon}
	}
	writeResult(w, s.Engine.LocationPing(r.Context(), p.driverID, p.vehicleID, loc))
}

func (s *Server) handleCurrentOrder(w http.ResponseWriter, r *http.Request) {
	p := pairFrom(r)
	writeResult(w, s.Engine.CurrentOrder(r.Context(), p.driverID, p.vehicleID))
}

func (s *Server) handleScheduledOrders(w http.ResponseWriter, r *http.Request) {
	p := pairFrom(r)
	list, err := s.Engine.ScheduledOrders(r.Context(), p.driverID, p.vehicleID)
	if err != nil {
		writeResult(w, engine.Result{Status: 418, ErrorKind: engine.KindVehicleNotFound})
		return
	}
	writeJSON(w, 200, map[string]any{"status": 200, "result": list})
}

func (s *Server) handleActivate(w http.ResponseWriter, r *http.Request) {
	p := pairFrom(r)
	writeResult(w, s.Engine.ActivateVehicle(r.Context(), p.driverID, p.vehicleID))
}

func (s *Server) handleDisable(w http.ResponseWriter, r *http.Request) {
	p := pairFrom(r)
	writeResult(w, s.Engine.DisableVehicle(r.Context(), p.driverID, p.vehicleID))
}

func (s *Server) handleFree(w http.ResponseWriter, r *http.Request) {
	p := pairFrom(r)
	writeResult(w, s.Engine.FreeVehicle(r.Context(), p.driverID, p.vehicleID))
}

func (s *Server) handleBusy(w http.ResponseWriter, r *http.Request) {
	p := pairFrom(r)
	writeResult(w, s.Engine.BusyVehicle(r.Context(), p.driverID, p.vehicleID))
}

func (s *Server) handleRegisterVehicle(w http.ResponseWriter, r *http.Request) {
	var req struct {
		DriverID   string   `json:"driver_id"`
		VehicleID  string   `json:"vehicle_id"`
		DriverName string   `json:"driver_name"`
		Username   string   `json:"username"`
		ServiceIDs []string `json:"service_ids"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, err.Error(), http.StatusBadRequest)
		return
	}
	if req.DriverID == "" || req.VehicleID == "" {
		http.Error(w, "driver_id and vehicle_id required", http.StatusBadRequest)
		return
	}
	s.Catalog.AddDriver(req.DriverID, req.DriverName, req.Username)
	s.Catalog.AddVehicle(req.DriverID, req.VehicleID, req.ServiceIDs)
	writeJSON(w, 200, map[string]any{"status": 200})
}

func (s *Server) handleNearby(w http.ResponseWriter, r *http.Request) {
	if s.GeoRead == nil {
		http.Error(w, "position cache not configured", http.StatusServiceUnavailable)
		return
	}
	lat, err := strconv.ParseFloat(r.URL.Query().Get("lat"), 64)
	if err != nil {
		http.Error(w, "invalid lat", http.StatusBadRequest)
		return
	}
	lon, err := strconv.ParseFloat(r.URL.Query().Get("lon"), 64)
	if err != nil {
		http.Error(w, "invalid lon", http.StatusBadRequest)
		return
	}
	writeJSON(w, 200, map[string]any{"status": 200, "result": s.GeoRead.Nearby(r.Context(), lat, lon, 20)})
}

var upgrader = websocket.Upgrader{CheckOrigin: func(r *http.Request) bool { return true }}

// handleWS upgrades the connection and keeps it registered until the peer
// goes away. Incoming frames are drained; the channel is push-only.
func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	username := mux.Vars(r)["username"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		http.Error(w, "upgrade failed", http.StatusBadRequest)
		return
	}
	session := s.WSReg.Add(username, conn)
	observability.WSConnections.Set(float64(s.WSReg.Connections()))
	s.logger.Info("ws connected", "username", username)
	go func() {
		defer func() {
			s.WSReg.Remove(username, session)
			observability.WSConnections.Set(float64(s.WSReg.Connections()))
			_ = conn.Close()
			s.logger.Info("ws disconnected", "username", username)
		}()
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()
}

func newID() string { b := make([]byte, 8); _, _ = rand.Read(b); return hex.EncodeToString(b) }
