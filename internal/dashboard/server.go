// Package dashboard serves a read-only JSON view of the bot's positions.
package dashboard

import (
	"context"
	"crypto/subtle"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/eddiefleurent/double_calendar/internal/broker"
	"github.com/eddiefleurent/double_calendar/internal/calendar"
	"github.com/eddiefleurent/double_calendar/internal/logging"
	"github.com/eddiefleurent/double_calendar/internal/models"
	"github.com/eddiefleurent/double_calendar/internal/storage"
)

// Server is the dashboard HTTP server.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	storage   storage.Interface
	broker    broker.Broker
	logger    logrus.FieldLogger
	port      int
	authToken string
	now       func() time.Time
}

// Config configures the dashboard.
type Config struct {
	Port      int
	AuthToken string
}

// PositionView is the JSON shape of one position.
type PositionView struct {
	ID          string    `json:"id"`
	Strategy    string    `json:"strategy"`
	Symbol      string    `json:"symbol"`
	State       string    `json:"state"`
	Description string    `json:"description"`
	Quantity    int       `json:"quantity"`
	PutStrike   float64   `json:"put_strike"`
	CallStrike  float64   `json:"call_strike"`
	ShortExpiry string    `json:"short_expiry"`
	LongExpiry  string    `json:"long_expiry"`
	ShortDTE    int       `json:"short_dte"`
	EntryDate   time.Time `json:"entry_date,omitempty"`
	EntryPrice  float64   `json:"entry_price"`
	Cost        float64   `json:"cost"`
	AutoClose   bool      `json:"auto_close"`
	RealizedPnL float64   `json:"realized_pnl"`
	ExitReason  string    `json:"exit_reason,omitempty"`
}

// StatsView combines closed-trade statistics with the open book.
type StatsView struct {
	storage.Statistics
	CurrentOpen    int     `json:"current_open"`
	TotalAllocated float64 `json:"total_allocated"`
	TodayPnL       float64 `json:"today_pnl"`
}

// NewServer creates the dashboard. b may be nil, in which case /health does
// not report gateway status.
func NewServer(cfg Config, store storage.Interface, b broker.Broker, logger logrus.FieldLogger) *Server {
	s := &Server{
		router:    chi.NewRouter(),
		storage:   store,
		broker:    b,
		logger:    logging.OrDiscard(logger),
		port:      cfg.Port,
		authToken: cfg.AuthToken,
		now:       time.Now,
	}

	s.setupRoutes()
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))
	s.router.Use(s.requestLogger)

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Route("/api", func(r chi.Router) {
		r.Get("/positions", s.handleGetPositions)
		r.Get("/positions/{id}", s.handleGetPosition)
		r.Get("/history", s.handleGetHistory)
		r.Get("/stats", s.handleGetStats)
	})
}

func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		s.logger.WithFields(logrus.Fields{
			"method":   r.Method,
			"path":     r.URL.Path,
			"status":   ww.Status(),
			"duration": time.Since(start),
		}).Debug("Dashboard request")
	})
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}

		if subtle.ConstantTimeCompare([]byte(token), []byte(s.authToken)) != 1 {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}

		next.ServeHTTP(w, r)
	})
}

// Start listens until Shutdown is called.
func (s *Server) Start() error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Infof("Starting dashboard server on port %d", s.port)
	if err := s.server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops the server gracefully.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("Failed to encode response")
	}
}

func (s *Server) handleGetPositions(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.convertPositionsToViews(s.storage.GetCurrentPositions()))
}

func (s *Server) handleGetHistory(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.convertPositionsToViews(s.storage.GetHistory()))
}

func (s *Server) handleGetStats(w http.ResponseWriter, _ *http.Request) {
	s.writeJSON(w, http.StatusOK, s.calculateStatistics())
}

func (s *Server) handleGetPosition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	position, err := s.storage.GetPositionByID(id)
	if err != nil {
		if errors.Is(err, storage.ErrPositionNotFound) {
			http.Error(w, "Not Found", http.StatusNotFound)
			return
		}
		s.logger.WithError(err).Error("Failed to load position")
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}

	s.writeJSON(w, http.StatusOK, s.convertPositionToView(position))
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	health := map[string]interface{}{
		"status":    "healthy",
		"timestamp": s.now().Unix(),
	}
	if s.broker != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 5*time.Second)
		defer cancel()
		if err := s.broker.CheckConnection(ctx); err != nil {
			health["gateway"] = err.Error()
		} else {
			health["gateway"] = "connected"
		}
	}
	s.writeJSON(w, http.StatusOK, health)
}

func (s *Server) convertPositionsToViews(positions []models.Position) []PositionView {
	views := make([]PositionView, 0, len(positions))
	for i := range positions {
		views = append(views, s.convertPositionToView(&positions[i]))
	}
	return views
}

func (s *Server) convertPositionToView(pos *models.Position) PositionView {
	return PositionView{
		ID:          pos.ID,
		Strategy:    pos.Strategy,
		Symbol:      pos.Symbol,
		State:       string(pos.State),
		Description: pos.GetStateDescription(),
		Quantity:    pos.Quantity,
		PutStrike:   pos.Strike(broker.RightPut, broker.ActionSell),
		CallStrike:  pos.Strike(broker.RightCall, broker.ActionSell),
		ShortExpiry: calendar.FormatExpiry(pos.ShortExpiry),
		LongExpiry:  calendar.FormatExpiry(pos.LongExpiry),
		ShortDTE:    calendar.DaysUntil(s.now(), pos.ShortExpiry),
		EntryDate:   pos.EntryDate,
		EntryPrice:  pos.EntryPrice,
		Cost:        pos.Cost(),
		AutoClose:   pos.AutoClose,
		RealizedPnL: pos.RealizedPnL,
		ExitReason:  pos.ExitReason,
	}
}

func (s *Server) calculateStatistics() StatsView {
	view := StatsView{Statistics: *s.storage.GetStatistics()}
	for _, pos := range s.storage.GetCurrentPositions() {
		if pos.IsActive() {
			view.CurrentOpen++
			view.TotalAllocated += pos.Cost()
		}
	}
	view.TodayPnL = s.storage.GetDailyPnL(s.now().Format("2006-01-02"))
	return view
}
