// Package server exposes the prediction pipeline, outcome ingestion and
// calibration operations over HTTP.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/viralcast/prediction-engine/internal/config"
	"github.com/viralcast/prediction-engine/internal/ml"
	"github.com/viralcast/prediction-engine/internal/model"
	"github.com/viralcast/prediction-engine/internal/monitoring"
	"github.com/viralcast/prediction-engine/internal/store"
)

// Predictor runs one prediction end to end.
type Predictor interface {
	Run(ctx context.Context, req model.PredictionRequest) (*model.PredictionReport, error)
}

// RetrainRunner executes one retraining pass.
type RetrainRunner interface {
	Run(ctx context.Context) (*ml.Report, error)
}

// Server wires the HTTP API to the pipeline, store and retrainer.
type Server struct {
	cfg       *config.Config
	pipeline  Predictor
	store     store.Store
	retrainer RetrainRunner
	collector *monitoring.Collector
}

// New creates a Server.
func New(
	cfg *config.Config,
	pipeline Predictor,
	st store.Store,
	retrainer RetrainRunner,
	collector *monitoring.Collector,
) *Server {
	return &Server{
		cfg:       cfg,
		pipeline:  pipeline,
		store:     st,
		retrainer: retrainer,
		collector: collector,
	}
}

// Router builds the chi router with the full route table.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()

	r.Use(chimiddleware.RealIP)
	r.Use(chimiddleware.Recoverer)
	r.Use(requestLogger)
	r.Use(cors.Handler(cors.Options{
		AllowedMethods: []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders: []string{"Content-Type", "Authorization"},
		MaxAge:         300,
	}))

	r.Get("/health", s.handleHealth)

	r.Route("/v1", func(r chi.Router) {
		r.Post("/predict", s.handlePredict)
		r.Get("/predictions/{requestID}", s.handleGetPrediction)
		r.Post("/outcomes", s.handleAppendOutcome)
		r.Post("/outcomes/batch", s.handleAppendOutcomeBatch)
		r.Get("/metrics", s.handleMetrics)

		// Operator endpoints require the trigger token.
		r.Group(func(r chi.Router) {
			r.Use(s.requireToken)
			r.Post("/triggers/retrain", s.handleRetrain)
			r.Get("/calibration/report", s.handleCalibrationReport)
		})
	})

	return r
}

// Start runs the HTTP server until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) Start(ctx context.Context) error {
	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", s.cfg.Server.Port),
		Handler:           s.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	go func() {
		<-ctx.Done()
		zap.L().Info("server: shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := srv.Shutdown(shutdownCtx); err != nil {
			zap.L().Error("server: shutdown", zap.Error(err))
		}
	}()

	zap.L().Info("server: listening", zap.Int("port", s.cfg.Server.Port))
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return eris.Wrap(err, "server: listen")
	}
	return nil
}
