package server

import (
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/viralcast/prediction-engine/internal/calibration"
	"github.com/viralcast/prediction-engine/internal/model"
	"github.com/viralcast/prediction-engine/internal/store"
)

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		zap.L().Error("server: encode response", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	var req model.PredictionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	report, err := s.pipeline.Run(r.Context(), req)
	if err != nil {
		switch {
		case errors.Is(err, model.ErrInvalidParameter):
			writeError(w, http.StatusBadRequest, err.Error())
		case errors.Is(err, model.ErrCriticalStageFailed):
			cse, _ := model.AsCriticalStageError(err)
			writeJSON(w, http.StatusBadGateway, map[string]string{
				"error":      "critical stage failed",
				"stage":      cse.StageName,
				"error_kind": string(cse.Kind),
			})
		default:
			zap.L().Error("server: prediction failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "prediction failed")
		}
		return
	}

	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleGetPrediction(w http.ResponseWriter, r *http.Request) {
	requestID := chi.URLParam(r, "requestID")
	report, err := s.store.GetReport(r.Context(), requestID)
	if err != nil {
		zap.L().Error("server: get report", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "lookup failed")
		return
	}
	if report == nil {
		writeError(w, http.StatusNotFound, "prediction not found")
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleAppendOutcome(w http.ResponseWriter, r *http.Request) {
	var pair model.OutcomePair
	if err := json.NewDecoder(r.Body).Decode(&pair); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	if err := validateOutcome(pair); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if pair.ObservedAt.IsZero() {
		pair.ObservedAt = time.Now().UTC()
	}

	if err := s.store.AppendOutcome(r.Context(), pair); err != nil {
		zap.L().Error("server: append outcome", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "outcome not recorded")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"status": "recorded", "request_id": pair.RequestID})
}

func (s *Server) handleAppendOutcomeBatch(w http.ResponseWriter, r *http.Request) {
	var pairs []model.OutcomePair
	if err := json.NewDecoder(r.Body).Decode(&pairs); err != nil {
		writeError(w, http.StatusBadRequest, "invalid request body")
		return
	}
	now := time.Now().UTC()
	for i := range pairs {
		if err := validateOutcome(pairs[i]); err != nil {
			writeError(w, http.StatusBadRequest, err.Error())
			return
		}
		if pairs[i].ObservedAt.IsZero() {
			pairs[i].ObservedAt = now
		}
	}

	n, err := s.store.AppendOutcomes(r.Context(), pairs)
	if err != nil {
		zap.L().Error("server: append outcome batch", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "outcomes not recorded")
		return
	}
	writeJSON(w, http.StatusOK, map[string]int64{"recorded": n})
}

func (s *Server) handleRetrain(w http.ResponseWriter, r *http.Request) {
	report, err := s.retrainer.Run(r.Context())
	if err != nil {
		switch {
		case errors.Is(err, model.ErrRetrainRegression):
			// The candidate lost to the active model; the report carries the
			// held-out comparison.
			writeJSON(w, http.StatusConflict, report)
		case errors.Is(err, model.ErrInsufficientData):
			writeError(w, http.StatusUnprocessableEntity, err.Error())
		default:
			zap.L().Error("server: retrain failed", zap.Error(err))
			writeError(w, http.StatusInternalServerError, "retrain failed")
		}
		return
	}
	writeJSON(w, http.StatusOK, report)
}

func (s *Server) handleCalibrationReport(w http.ResponseWriter, r *http.Request) {
	// Absent ?days means the full outcome history.
	var cutoff time.Time
	if raw := r.URL.Query().Get("days"); raw != "" {
		days, err := strconv.Atoi(raw)
		if err != nil || days <= 0 {
			writeError(w, http.StatusBadRequest, "days must be a positive integer")
			return
		}
		cutoff = time.Now().UTC().AddDate(0, 0, -days)
	}

	pairs, err := s.store.ListOutcomes(r.Context(), store.OutcomeFilter{Since: cutoff})
	if err != nil {
		zap.L().Error("server: list outcomes", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "report failed")
		return
	}

	writeJSON(w, http.StatusOK, calibration.ComputeECE(pairs, s.cfg.Calibration.Bins))
}

func (s *Server) handleMetrics(w http.ResponseWriter, r *http.Request) {
	snap, err := s.collector.Collect(r.Context(), s.cfg.Monitoring.LookbackWindowHours)
	if err != nil {
		zap.L().Error("server: collect metrics", zap.Error(err))
		writeError(w, http.StatusInternalServerError, "metrics collection failed")
		return
	}
	writeJSON(w, http.StatusOK, snap)
}

func validateOutcome(pair model.OutcomePair) error {
	if pair.RequestID == "" {
		return errors.New("request_id is required")
	}
	if pair.PredictedProbability < 0 || pair.PredictedProbability > 1 {
		return errors.New("predicted_probability must be in [0,1]")
	}
	return nil
}
