package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/sells-group/alphascore/internal/engine"
	"github.com/sells-group/alphascore/internal/model"
	"github.com/sells-group/alphascore/internal/store"
)

const (
	maxBodyBytes = 1 << 20
	maxBatchIDs  = 1000
)

// Webhook events.
const (
	EventSignalCreated       = "signal.created"
	EventVerificationCreated = "verification.created"
)

type calculateRequest struct {
	SignalID  string   `json:"signalId"`
	SignalIDs []string `json:"signalIds"`
}

type scoreResponse struct {
	SignalID   string   `json:"signalId"`
	AlphaScore *float64 `json:"alphaScore"`
	Error      string   `json:"error,omitempty"`
}

type batchResponse struct {
	Results []scoreResponse `json:"results"`
}

type webhookRequest struct {
	SignalID       string `json:"signalId"`
	Event          string `json:"event"`
	VerificationID string `json:"verificationId"`
}

type webhookResponse struct {
	SignalID   string  `json:"signalId"`
	AlphaScore float64 `json:"alphaScore"`
	Event      string  `json:"event"`
}

type componentsResponse struct {
	SignalID   string             `json:"signalId"`
	Components []model.Components `json:"components"`
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if s.ping != nil {
		if err := s.ping(r.Context()); err != nil {
			zap.L().Warn("server: health check failed", zap.Error(err))
			writeJSON(w, http.StatusServiceUnavailable, map[string]string{"status": "unavailable"})
			return
		}
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleCalculate(w http.ResponseWriter, r *http.Request) {
	var req calculateRequest
	if !decodeBody(w, r, &req) {
		return
	}

	switch {
	case strings.TrimSpace(req.SignalID) != "":
		res := s.calc.Calculate(r.Context(), req.SignalID, model.TriggerManual)
		score, status := s.resolve(res)
		if status != http.StatusOK {
			writeError(w, status, errorText(res))
			return
		}
		writeJSON(w, http.StatusOK, scoreResponse{SignalID: req.SignalID, AlphaScore: &score})

	case len(req.SignalIDs) > 0:
		if len(req.SignalIDs) > maxBatchIDs {
			writeError(w, http.StatusBadRequest, "too many signalIds")
			return
		}
		results := s.calc.ProcessBatch(r.Context(), req.SignalIDs)
		out := batchResponse{Results: make([]scoreResponse, 0, len(results))}
		for _, res := range results {
			item := scoreResponse{SignalID: res.SignalID}
			if score, status := s.resolve(res); status == http.StatusOK {
				item.AlphaScore = &score
			} else {
				item.Error = errorText(res)
			}
			out.Results = append(out.Results, item)
		}
		writeJSON(w, http.StatusOK, out)

	default:
		writeError(w, http.StatusBadRequest, "signalId or signalIds is required")
	}
}

func (s *Server) handleWebhook(w http.ResponseWriter, r *http.Request) {
	var req webhookRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if strings.TrimSpace(req.SignalID) == "" {
		writeError(w, http.StatusBadRequest, "signalId is required")
		return
	}

	var res engine.Result
	switch req.Event {
	case EventSignalCreated:
		res = s.calc.Calculate(r.Context(), req.SignalID, model.TriggerCreated)
	case EventVerificationCreated:
		res = s.calc.Recalculate(r.Context(), req.SignalID, req.VerificationID)
	default:
		writeError(w, http.StatusBadRequest, "unsupported event")
		return
	}

	score, status := s.resolve(res)
	if status != http.StatusOK {
		writeError(w, status, errorText(res))
		return
	}
	writeJSON(w, http.StatusOK, webhookResponse{SignalID: req.SignalID, AlphaScore: score, Event: req.Event})
}

func (s *Server) handleListComponents(w http.ResponseWriter, r *http.Request) {
	signalID := chi.URLParam(r, "signalID")

	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		limit = n
	}

	rows, err := s.components.ListComponents(r.Context(), signalID, limit)
	if err != nil {
		zap.L().Error("server: list components failed", zap.String("signal_id", signalID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not load components")
		return
	}
	if rows == nil {
		rows = []model.Components{}
	}
	writeJSON(w, http.StatusOK, componentsResponse{SignalID: signalID, Components: rows})
}

func (s *Server) handleLatestComponents(w http.ResponseWriter, r *http.Request) {
	signalID := chi.URLParam(r, "signalID")

	row, err := s.components.LatestComponents(r.Context(), signalID)
	if errors.Is(err, store.ErrNotFound) {
		writeError(w, http.StatusNotFound, "no components for signal")
		return
	}
	if err != nil {
		zap.L().Error("server: latest components failed", zap.String("signal_id", signalID), zap.Error(err))
		writeError(w, http.StatusInternalServerError, "could not load components")
		return
	}
	writeJSON(w, http.StatusOK, row)
}

// resolve maps a Result to the score to report and an HTTP status. With
// FailOpen every failure reports the fallback score.
func (s *Server) resolve(res engine.Result) (float64, int) {
	if res.Err == nil {
		return res.Score, http.StatusOK
	}
	if s.cfg.FailOpen {
		return s.cfg.FallbackScore, http.StatusOK
	}
	if res.NotFound() {
		return 0, http.StatusNotFound
	}
	return 0, http.StatusBadGateway
}

func errorText(res engine.Result) string {
	switch {
	case res.Err == nil:
		return ""
	case res.NotFound():
		return "signal not found"
	default:
		return "score calculation failed"
	}
}

func decodeBody(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxBodyBytes)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Warn("server: encode response failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		start := time.Now()
		next.ServeHTTP(ww, r)
		zap.L().Debug("http request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())),
		)
	})
}
