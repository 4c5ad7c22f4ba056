package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"go.uber.org/zap"
)

// Version is reported by the banner route.
const Version = "1.0.0"

// multipartOverhead is the room left for multipart headers and boundaries on
// top of MaxUploadBytes.
const multipartOverhead = 1 << 20

// Config holds configuration for the HTTP server.
type Config struct {
	Addr         string
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

// DefaultConfig returns the default server configuration.
func DefaultConfig() Config {
	return Config{
		Addr:         ":8080",
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 60 * time.Second,
	}
}

// ErrorBody is the JSON body of every failed request.
type ErrorBody struct {
	Error  string `json:"error"`
	Detail string `json:"detail,omitempty"`
}

// Health is the body of GET /health.
type Health struct {
	Status    string `json:"status"`
	ModelName string `json:"model_name"`
	Device    string `json:"device"`
	ImageSize int    `json:"image_size"`
}

// ModelInfo is the body of GET /model/info.
type ModelInfo struct {
	ModelName           string `json:"model_name"`
	TotalParameters     int64  `json:"total_parameters"`
	TrainableParameters int64  `json:"trainable_parameters"`
	ParameterSummary    string `json:"parameter_summary"`
	InputSize           int    `json:"input_size"`
	Device              string `json:"device"`
	Checkpoint          string `json:"checkpoint"`
}

// Server routes requests to a Service.
type Server struct {
	router  *chi.Mux
	service *Service
	logger  *zap.Logger
}

// New builds the router. service may be nil, in which case every model route
// answers 503.
func New(service *Service, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		router:  chi.NewRouter(),
		service: service,
		logger:  logger,
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// HTTPServer wraps the router in an http.Server configured by cfg.
func (s *Server) HTTPServer(cfg Config) *http.Server {
	return &http.Server{
		Addr:              cfg.Addr,
		Handler:           s,
		ReadTimeout:       cfg.ReadTimeout,
		ReadHeaderTimeout: 5 * time.Second,
		WriteTimeout:      cfg.WriteTimeout,
		IdleTimeout:       120 * time.Second,
	}
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(s.requestLogger)
	s.router.Use(s.recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins:   []string{"*"},
		AllowedMethods:   []string{"GET", "POST", "PUT", "DELETE", "OPTIONS", "PATCH"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
		MaxAge:           300,
	}))
}

func (s *Server) setupRoutes() {
	s.router.Get("/", s.handleRoot)
	s.router.Get("/health", s.handleHealth)
	s.router.Post("/predict", s.handlePredict)
	s.router.Get("/model/info", s.handleModelInfo)
}

// requestLogger logs one line per request with zap.
func (s *Server) requestLogger(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", ww.Status()),
			zap.Int("bytes", ww.BytesWritten()),
			zap.Duration("duration", time.Since(start)),
			zap.String("request_id", middleware.GetReqID(r.Context())))
	})
}

// recoverer turns a panic into the standard 500 body.
func (s *Server) recoverer(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			rec := recover()
			if rec == nil {
				return
			}
			if rec == http.ErrAbortHandler {
				panic(rec)
			}
			s.logger.Error("panic while serving request", zap.Any("panic", rec), zap.String("path", r.URL.Path))
			writeJSON(w, http.StatusInternalServerError, ErrorBody{
				Error:  "internal server error",
				Detail: fmt.Sprint(rec),
			})
		}()
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleRoot(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"message": "Cancer Detection API",
		"status":  "online",
		"version": Version,
		"endpoints": map[string]string{
			"health":     "/health",
			"predict":    "/predict",
			"model_info": "/model/info",
		},
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	if !s.service.Ready() {
		notReady(w)
		return
	}
	info := s.service.Info()
	writeJSON(w, http.StatusOK, Health{
		Status:    "healthy",
		ModelName: info.Architecture.String(),
		Device:    info.Device,
		ImageSize: info.ImageSize,
	})
}

func (s *Server) handleModelInfo(w http.ResponseWriter, r *http.Request) {
	if !s.service.Ready() {
		notReady(w)
		return
	}
	info := s.service.Info()
	writeJSON(w, http.StatusOK, ModelInfo{
		ModelName:           info.Architecture.String(),
		TotalParameters:     info.TotalParameters,
		TrainableParameters: info.TrainableParameters,
		ParameterSummary:    humanize.Comma(info.TotalParameters),
		InputSize:           info.ImageSize,
		Device:              info.Device,
		Checkpoint:          info.Checkpoint,
	})
}

func (s *Server) handlePredict(w http.ResponseWriter, r *http.Request) {
	if !s.service.Ready() {
		notReady(w)
		return
	}

	data, filename, err := readUpload(w, r)
	if err != nil {
		s.fail(w, err)
		return
	}
	s.logger.Info("processing image",
		zap.String("filename", filename),
		zap.String("size", humanize.IBytes(uint64(len(data)))))

	pred, err := s.service.Predict(r.Context(), bytes.NewReader(data))
	if err != nil {
		s.fail(w, fmt.Errorf("failed to process image: %w", err))
		return
	}
	s.logger.Info("prediction",
		zap.String("prediction", pred.Prediction),
		zap.Float64("probability", pred.ProbabilityCancer))
	writeJSON(w, http.StatusOK, pred)
}

// readUpload extracts the "file" form field, enforcing the type allow-list
// and the size cap.
func readUpload(w http.ResponseWriter, r *http.Request) ([]byte, string, error) {
	r.Body = http.MaxBytesReader(w, r.Body, MaxUploadBytes+multipartOverhead)
	file, header, err := r.FormFile("file")
	if err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return nil, "", tooLarge()
		}
		return nil, "", &ValidationError{Message: "missing image in form field \"file\""}
	}
	defer file.Close()

	if err := validateUpload(header.Filename, header.Header.Get("Content-Type")); err != nil {
		return nil, header.Filename, err
	}
	if header.Size > MaxUploadBytes {
		return nil, header.Filename, tooLarge()
	}
	data, err := io.ReadAll(io.LimitReader(file, MaxUploadBytes+1))
	if err != nil {
		return nil, header.Filename, fmt.Errorf("failed to read upload: %w", err)
	}
	if len(data) > MaxUploadBytes {
		return nil, header.Filename, tooLarge()
	}
	return data, header.Filename, nil
}

func (s *Server) fail(w http.ResponseWriter, err error) {
	var verr *ValidationError
	switch {
	case errors.As(err, &verr):
		writeJSON(w, http.StatusBadRequest, ErrorBody{Error: "invalid upload", Detail: verr.Message})
	case errors.Is(err, ErrNotReady):
		notReady(w)
	default:
		s.logger.Error("request failed", zap.Error(err))
		writeJSON(w, http.StatusInternalServerError, ErrorBody{Error: "internal server error", Detail: err.Error()})
	}
}

func notReady(w http.ResponseWriter) {
	writeJSON(w, http.StatusServiceUnavailable, ErrorBody{Error: "not ready", Detail: ErrNotReady.Error()})
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(data); err != nil {
		http.Error(w, "failed to encode response", http.StatusInternalServerError)
	}
}
