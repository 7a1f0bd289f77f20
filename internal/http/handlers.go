package httpapi

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/example/pubbs-ride/internal/autohold"
	"github.com/example/pubbs-ride/internal/clock"
	"github.com/example/pubbs-ride/internal/config"
	"github.com/example/pubbs-ride/internal/dispatch"
	"github.com/example/pubbs-ride/internal/heartbeat"
	"github.com/example/pubbs-ride/internal/ingest"
	"github.com/example/pubbs-ride/internal/payments"
	"github.com/example/pubbs-ride/internal/scheduler"
	"github.com/example/pubbs-ride/internal/session"
	"github.com/example/pubbs-ride/internal/stations"
	"github.com/example/pubbs-ride/internal/store"
)

type Server struct {
	Recorder *heartbeat.Recorder
	Sweeper  *autohold.Sweeper
	Sched    *scheduler.Scheduler
	Sessions *session.Service
	Stations stations.Index
	WSReg    *dispatch.WSRegistry
	Kafka    *ingest.KafkaProducer

	logger *slog.Logger
	mux    *mux.Router
}

// NewServer wires the ride service from config: store fallback chain
// postgres -> redis -> memory, optional Kafka pipeline, optional Stripe
// deposits.
func NewServer(cfg config.ServerConfig, logger *slog.Logger) *Server {
	var rideStore store.RideStore
	var redisStore *store.RedisStore
	if cfg.PGDSN != "" {
		if ps, err := store.NewPostgresStore(cfg.PGDSN); err == nil {
			rideStore = ps
		} else {
			logger.Error("postgres unavailable, falling through", "error", err)
		}
	}
	if rideStore == nil && cfg.RedisAddr != "" {
		redisStore = store.NewRedisStore(cfg.RedisAddr, cfg.RedisPassword)
		rideStore = redisStore
	}
	if rideStore == nil {
		rideStore = store.NewMemoryStore()
	}

	var stationIndex stations.Index
	if redisStore != nil {
		stationIndex = stations.NewRedisIndex(redisStore.Client(), cfg.StationGeoKey)
	} else {
		stationIndex = stations.NewMemoryIndex()
	}

	var kp *ingest.KafkaProducer
	if len(cfg.KafkaBrokers) > 0 {
		kp = ingest.NewKafkaProducer(cfg.KafkaBrokers, cfg.KafkaTopic)
	}

	wsreg := dispatch.NewWSRegistry(logger)
	cl := clock.Real{}

	rec := &heartbeat.Recorder{Store: rideStore, Clock: cl, Logger: logger}
	if kp != nil {
		rec.Publisher = kp
	}
	sweeper := &autohold.Sweeper{
		Store:     rideStore,
		Clock:     cl,
		Logger:    logger,
		Threshold: cfg.InactivityThreshold,
		Notifier:  wsreg,
	}
	sched := &scheduler.Scheduler{Runner: sweeper, Logger: logger}
	sessions := &session.Service{
		Store:        rideStore,
		Clock:        cl,
		Logger:       logger,
		Notifier:     wsreg,
		DepositCents: cfg.DepositCents,
		PerMinCents:  cfg.PerMinCents,
		Currency:     "inr",
	}
	if key := getStripeKey(); key != "" {
		sessions.Payments = payments.NewStripeGateway()
	}

	s := &Server{
		Recorder: rec,
		Sweeper:  sweeper,
		Sched:    sched,
		Sessions: sessions,
		Stations: stationIndex,
		WSReg:    wsreg,
		Kafka:    kp,
		logger:   logger,
		mux:      mux.NewRouter(),
	}
	s.registerMiddleware()
	s.routes()
	return s
}

func (s *Server) routes() {
	s.mux.HandleFunc("/heartbeat", s.handleHeartbeat).Methods("POST")
	s.mux.HandleFunc("/heartbeat", s.handleHealth).Methods("GET")
	s.mux.HandleFunc("/auto-hold-sweep", s.handleSweep).Methods("POST")
	s.mux.HandleFunc("/scheduler", s.handleScheduler).Methods("POST")

	s.mux.HandleFunc("/api/v1/rides/start", s.handleRideStart).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/hold", s.rideAction(func(ctx context.Context, userID string) (any, error) {
		return nil, s.Sessions.Hold(ctx, userID)
	})).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/continue", s.rideAction(func(ctx context.Context, userID string) (any, error) {
		return nil, s.Sessions.Continue(ctx, userID)
	})).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/end", s.rideAction(func(ctx context.Context, userID string) (any, error) {
		return s.Sessions.End(ctx, userID)
	})).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/discard", s.rideAction(func(ctx context.Context, userID string) (any, error) {
		return nil, s.Sessions.Discard(ctx, userID)
	})).Methods("POST")
	s.mux.HandleFunc("/api/v1/rides/resume", s.handleResumeCandidate).Methods("GET")
	s.mux.HandleFunc("/api/v1/stations/nearby", s.handleStationsNearby).Methods("GET")

	s.mux.HandleFunc("/healthz", s.handleHealth).Methods("GET")
	s.mux.Handle("/metrics", promhttp.Handler())
	s.mux.HandleFunc("/ws/{user_id}", s.handleWS)
}

func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) { s.mux.ServeHTTP(w, r) }

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(200)
	w.Write([]byte("ok"))
}

type heartbeatRequest struct {
	UserID        string `json:"userId"`
	RideStartTime string `json:"rideStartTime,omitempty"`
}

func (s *Server) handleHeartbeat(w http.ResponseWriter, r *http.Request) {
	var req heartbeatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	at, err := s.Recorder.Record(r.Context(), req.UserID, req.RideStartTime)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"timestamp": clock.FormatTimestamp(at),
	})
}

func (s *Server) handleSweep(w http.ResponseWriter, r *http.Request) {
	res, err := s.Sweeper.RunSweep(r.Context())
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"success":        true,
		"processedUsers": res.ProcessedUsers,
		"usersSetOnHold": res.UsersSetOnHold,
		"timestamp":      clock.FormatTimestamp(time.Now().UTC()),
	})
}

type schedulerRequest struct {
	Action          string `json:"action"`
	IntervalSeconds int    `json:"intervalSeconds,omitempty"`
}

func (s *Server) handleScheduler(w http.ResponseWriter, r *http.Request) {
	var req schedulerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	switch req.Action {
	case "start":
		interval := 30 * time.Second
		if req.IntervalSeconds > 0 {
			interval = time.Duration(req.IntervalSeconds) * time.Second
		}
		s.Sched.Start(interval)
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true, "isRunning": true,
			"message": "scheduler started with interval " + interval.String(),
		})
	case "stop":
		s.Sched.Stop()
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true, "isRunning": false, "message": "scheduler stopped",
		})
	case "status":
		st := s.Sched.Status()
		writeJSON(w, http.StatusOK, map[string]any{
			"success": true, "isRunning": st.IsRunning, "message": "ok",
		})
	default:
		err := &scheduler.SchedulerStateError{Action: req.Action}
		writeError(w, http.StatusBadRequest, err.Error())
	}
}

type rideStartRequest struct {
	UserID string `json:"userId"`
	BikeID string `json:"bikeId"`
}

func (s *Server) handleRideStart(w http.ResponseWriter, r *http.Request) {
	var req rideStartRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if req.UserID == "" || req.BikeID == "" {
		writeError(w, http.StatusBadRequest, "userId and bikeId are required")
		return
	}
	bookingID, err := s.Sessions.Start(r.Context(), req.UserID, req.BikeID)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "bookingId": bookingID})
}

type rideActionRequest struct {
	UserID string `json:"userId"`
}

func (s *Server) rideAction(fn func(ctx context.Context, userID string) (any, error)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req rideActionRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid request body")
			return
		}
		if req.UserID == "" {
			writeError(w, http.StatusBadRequest, "userId is required")
			return
		}
		result, err := fn(r.Context(), req.UserID)
		if err != nil {
			s.writeMappedError(w, err)
			return
		}
		resp := map[string]any{"success": true}
		if result != nil {
			resp["result"] = result
		}
		writeJSON(w, http.StatusOK, resp)
	}
}

func (s *Server) handleResumeCandidate(w http.ResponseWriter, r *http.Request) {
	userID := r.URL.Query().Get("user_id")
	if userID == "" {
		writeError(w, http.StatusBadRequest, "user_id is required")
		return
	}
	trip, ok, err := s.Sessions.ResumeCandidate(r.Context(), userID)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	if !ok {
		writeJSON(w, http.StatusOK, map[string]any{"success": true, "hasHeldRide": false})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "hasHeldRide": true, "trip": trip})
}

func (s *Server) handleStationsNearby(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	lat, errLat := strconv.ParseFloat(q.Get("lat"), 64)
	lon, errLon := strconv.ParseFloat(q.Get("lon"), 64)
	if errLat != nil || errLon != nil {
		writeError(w, http.StatusBadRequest, "lat and lon are required")
		return
	}
	limit := 10
	if v := q.Get("limit"); v != "" {
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}
	out, err := s.Stations.Nearby(r.Context(), lat, lon, limit)
	if err != nil {
		s.writeMappedError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"success": true, "stations": out})
}

var upgrader = websocket.Upgrader{}

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	vars := mux.Vars(r)
	id := vars["user_id"]
	conn, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade already wrote its own error response.
		s.logger.Warn("websocket upgrade failed", "user_id", id, "error", err)
		return
	}
	s.WSReg.Add(id, conn)
}

// writeMappedError translates the error taxonomy onto status codes:
// validation 400, missing ride 404, store unavailable 503, sweep
// failure 500.
func (s *Server) writeMappedError(w http.ResponseWriter, err error) {
	var ve *heartbeat.ValidationError
	var se *store.StoreError
	var swe *autohold.SweepError
	switch {
	case errors.As(err, &ve):
		writeError(w, http.StatusBadRequest, ve.Error())
	case errors.Is(err, session.ErrNoActiveRide):
		writeError(w, http.StatusNotFound, err.Error())
	case errors.Is(err, session.ErrNotOnHold), errors.Is(err, session.ErrOnHold):
		writeError(w, http.StatusConflict, err.Error())
	case errors.As(err, &swe):
		s.logger.Error("sweep failed", "error", err)
		writeError(w, http.StatusInternalServerError, "sweep failed")
	case errors.As(err, &se):
		s.logger.Error("store unavailable", "error", err)
		writeError(w, http.StatusServiceUnavailable, "store unavailable")
	default:
		s.logger.Error("request failed", "error", err)
		writeError(w, http.StatusInternalServerError, "internal error")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]any{"success": false, "error": msg})
}
