package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime"
	"net/http"
	"strings"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"

	"github.com/maxkrukov/binance-flexible-saving-rebalancer/internal/fund"
	"github.com/maxkrukov/binance-flexible-saving-rebalancer/internal/model"
	"github.com/maxkrukov/binance-flexible-saving-rebalancer/internal/observability"
)

const maxBodyBytes = 1 << 16

// Gateway is the manual action surface served over HTTP.
type Gateway interface {
	Do(ctx context.Context, action, asset string, amount decimal.Decimal) (fund.Result, error)
	Balance(ctx context.Context, asset string) (fund.BalanceView, error)
	Unlock(ctx context.Context, asset string) error
}

type Deps struct {
	Addr    string
	Gateway Gateway
	Health  *observability.HealthChecker
	// Metrics serves /metrics. Defaults to promhttp.Handler().
	Metrics http.Handler
	Logger  zerolog.Logger
}

// Server exposes /action, /balance and /unlock plus health and metrics.
type Server struct {
	gateway Gateway
	log     zerolog.Logger
	srv     *http.Server
}

func NewServer(d Deps) *Server {
	if d.Health == nil {
		d.Health = observability.NewHealthChecker()
	}
	if d.Metrics == nil {
		d.Metrics = promhttp.Handler()
	}
	s := &Server{gateway: d.Gateway, log: d.Logger}

	mux := http.NewServeMux()
	mux.HandleFunc("POST /action", s.handleAction)
	mux.HandleFunc("GET /balance", s.handleBalance)
	mux.HandleFunc("POST /balance", s.handleBalance)
	mux.HandleFunc("POST /unlock", s.handleUnlock)
	mux.HandleFunc("GET /healthz", d.Health.LivenessHandler)
	mux.HandleFunc("GET /readyz", d.Health.ReadinessHandler)
	mux.Handle("GET /metrics", d.Metrics)

	s.srv = &http.Server{
		Addr:              d.Addr,
		Handler:           s.logRequests(mux),
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start serves until Shutdown is called. It blocks.
func (s *Server) Start() error {
	s.log.Info().Str("addr", s.srv.Addr).Msg("HTTP server listening")
	if err := s.srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}

type actionRequest struct {
	Asset  string          `json:"asset"`
	Action string          `json:"action"`
	Amount decimal.Decimal `json:"amount"`
}

type assetRequest struct {
	Asset string `json:"asset"`
}

// errorBody is the JSON shape of every failed request.
type errorBody struct {
	Message   string           `json:"message"`
	Error     string           `json:"error"`
	Shortfall *decimal.Decimal `json:"shortfall,omitempty"`
}

func (s *Server) handleAction(w http.ResponseWriter, r *http.Request) {
	var (
		req       actionRequest
		amountErr error
	)
	if err := decode(w, r, &req, func(v func(string) string) {
		req.Asset, req.Action = v("asset"), v("action")
		raw := strings.TrimSpace(v("amount"))
		if raw == "" {
			return
		}
		if req.Amount, amountErr = decimal.NewFromString(raw); amountErr != nil {
			amountErr = fmt.Errorf("amount %q: %w", raw, model.ErrInvalidAmount)
		}
	}); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Message: err.Error(), Error: "invalid"})
		return
	}
	if amountErr != nil {
		s.writeError(w, amountErr)
		return
	}

	res, err := s.gateway.Do(r.Context(), strings.ToLower(strings.TrimSpace(req.Action)), req.Asset, req.Amount)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleBalance(w http.ResponseWriter, r *http.Request) {
	var req assetRequest
	if err := decode(w, r, &req, func(v func(string) string) { req.Asset = v("asset") }); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Message: err.Error(), Error: "invalid"})
		return
	}
	view, err := s.gateway.Balance(r.Context(), req.Asset)
	if err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (s *Server) handleUnlock(w http.ResponseWriter, r *http.Request) {
	var req assetRequest
	if err := decode(w, r, &req, func(v func(string) string) { req.Asset = v("asset") }); err != nil {
		writeJSON(w, http.StatusBadRequest, errorBody{Message: err.Error(), Error: "invalid"})
		return
	}
	if err := s.gateway.Unlock(r.Context(), req.Asset); err != nil {
		s.writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"message": fmt.Sprintf("%s unlocked", strings.ToUpper(strings.TrimSpace(req.Asset))),
	})
}

// decode reads a JSON body, or form and query values for any other content
// type. An empty JSON body falls back to the query string.
func decode(w http.ResponseWriter, r *http.Request, dst any, fromForm func(func(string) string)) error {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	ct, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if ct == "application/json" {
		err := json.NewDecoder(r.Body).Decode(dst)
		switch {
		case errors.Is(err, io.EOF):
			fromForm(r.URL.Query().Get)
		case err != nil:
			return fmt.Errorf("decode request body: %w", err)
		}
		return nil
	}
	if err := r.ParseForm(); err != nil {
		return fmt.Errorf("parse form: %w", err)
	}
	fromForm(r.Form.Get)
	return nil
}

// StatusFor maps a gateway error to an HTTP status.
func StatusFor(err error) int {
	switch {
	case errors.Is(err, model.ErrInvalidAmount), errors.Is(err, model.ErrInvalidAsset),
		errors.Is(err, model.ErrUnknownAction), errors.Is(err, model.ErrFuturesDisabled),
		errors.Is(err, model.ErrNoSpotBalance), errors.Is(err, model.ErrNoFuturesBalance):
		return http.StatusBadRequest
	case errors.Is(err, model.ErrAssetLocked):
		return http.StatusConflict
	case errors.Is(err, model.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	case errors.Is(err, model.ErrTransfer):
		return http.StatusBadGateway
	case errors.Is(err, model.ErrCollaboratorUnavailable):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func (s *Server) writeError(w http.ResponseWriter, err error) {
	status := StatusFor(err)
	body := errorBody{Message: err.Error(), Error: fund.ResultLabel(err)}

	var insufficient *model.InsufficientFundsError
	if errors.As(err, &insufficient) {
		shortfall := insufficient.Shortfall
		body.Shortfall = &shortfall
	}
	if status == http.StatusInternalServerError {
		s.log.Error().Err(err).Msg("unexpected request error")
		body.Message = "An unexpected error occurred"
	}
	writeJSON(w, status, body)
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

type statusRecorder struct {
	http.ResponseWriter
	status int
}

func (r *statusRecorder) WriteHeader(status int) {
	r.status = status
	r.ResponseWriter.WriteHeader(status)
}

func (s *Server) logRequests(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		rec := &statusRecorder{ResponseWriter: w, status: http.StatusOK}
		next.ServeHTTP(rec, r)
		s.log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Int("status", rec.status).
			Dur("elapsed", time.Since(start)).
			Msg("http request")
	})
}
