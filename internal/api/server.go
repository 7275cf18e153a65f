package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/JakeFAU/picfetch/internal/config"
	"github.com/JakeFAU/picfetch/internal/imagefetch"
	"github.com/JakeFAU/picfetch/internal/metrics"
)

// Downloader fetches the image behind a URL.
type Downloader interface {
	Download(ctx context.Context, rawURL string) (imagefetch.FetchResult, error)
}

// Server wires HTTP handlers to the download pipeline.
type Server struct {
	router     chi.Router
	downloader Downloader
	ids        imagefetch.IDGenerator
	clock      imagefetch.Clock
	cfg        config.Config
	logger     *zap.Logger
}

const downloadPath = "/v1/download_pic_from_url"

// Error messages returned to API clients.
const (
	msgURLRequired      = "URL is required"
	msgURLParamRequired = "URL parameter is required"
	msgInvalidURL       = "Invalid URL format"
	msgInvalidJSON      = "Invalid JSON body"
	msgTimeout          = "Request timeout"
	msgDownloadFailed   = "Failed to download image"
	msgNotFound         = "Endpoint not found"
	msgInternal         = "Internal server error"
)

// NewServer constructs a Server with middleware and routes.
func NewServer(
	downloader Downloader,
	ids imagefetch.IDGenerator,
	clock imagefetch.Clock,
	cfg config.Config,
	logger *zap.Logger,
) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	s := &Server{
		downloader: downloader,
		ids:        ids,
		clock:      clock,
		cfg:        cfg,
		logger:     logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RealIP)
	r.Use(requestIDMiddleware(ids))
	r.Use(loggingMiddleware(logger))
	r.Use(recoverMiddleware(logger))
	r.Use(securityHeaders()...)
	r.Use(corsMiddleware(cfg.Server.CORS.AllowedOrigins))
	if cfg.Metrics.Enabled {
		r.Use(metrics.Middleware)
	}
	r.Use(timeoutMiddleware(cfg.Server.RequestTimeout))

	r.NotFound(s.notFound)
	r.MethodNotAllowed(s.notFound)

	r.Get("/health", s.health)
	if cfg.Metrics.Enabled {
		r.Method(http.MethodGet, "/metrics", metrics.Handler())
	}
	r.Post(downloadPath, s.downloadFromBody)
	r.Get(downloadPath, s.downloadFromQuery)

	s.router = r
	return s
}

// Handler returns the Router for use with http.Server.
func (s *Server) Handler() http.Handler {
	return s.router
}

func (s *Server) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status":    "healthy",
		"timestamp": s.clock.Now().UTC().Format("2006-01-02T15:04:05.000Z"),
	})
}

func (s *Server) notFound(w http.ResponseWriter, _ *http.Request) {
	writeError(w, http.StatusNotFound, msgNotFound)
}

type downloadRequest struct {
	URL json.RawMessage `json:"url"`
}

func (s *Server) downloadFromBody(w http.ResponseWriter, r *http.Request) {
	if s.cfg.Server.MaxBodyBytes > 0 {
		r.Body = http.MaxBytesReader(w, r.Body, s.cfg.Server.MaxBodyBytes)
	}
	var req downloadRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil && !errors.Is(err, io.EOF) {
		writeError(w, http.StatusBadRequest, msgInvalidJSON)
		return
	}

	rawURL, ok := requestURL(req.URL)
	if !ok {
		writeError(w, http.StatusBadRequest, msgInvalidURL)
		return
	}
	if rawURL == "" {
		writeError(w, http.StatusBadRequest, msgURLRequired)
		return
	}
	s.download(w, r, rawURL)
}

func (s *Server) downloadFromQuery(w http.ResponseWriter, r *http.Request) {
	rawURL := r.URL.Query().Get("url")
	if rawURL == "" {
		writeError(w, http.StatusBadRequest, msgURLParamRequired)
		return
	}
	s.download(w, r, rawURL)
}

// requestURL extracts the url member. Absent or null values yield "", and
// non-string values are rejected.
func requestURL(raw json.RawMessage) (string, bool) {
	if len(raw) == 0 || string(raw) == "null" {
		return "", true
	}
	var rawURL string
	if err := json.Unmarshal(raw, &rawURL); err != nil {
		return "", false
	}
	return rawURL, true
}

func (s *Server) download(w http.ResponseWriter, r *http.Request, rawURL string) {
	log := s.logger.With(
		zap.String("request_id", RequestIDFromContext(r.Context())),
		zap.String("url", rawURL),
	)
	log.Info("downloading image")

	result, err := s.downloader.Download(r.Context(), rawURL)
	if err != nil {
		s.writeDownloadError(w, err, log)
		return
	}

	cacheStatus := "MISS"
	if result.FromCache {
		cacheStatus = "HIT"
	}
	h := w.Header()
	h.Set("Content-Type", result.ContentType)
	h.Set("Content-Length", strconv.Itoa(len(result.Body)))
	h.Set("Cache-Control", "public, max-age="+strconv.Itoa(s.cfg.Server.CacheMaxAge))
	h.Set("X-Cache", cacheStatus)
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(result.Body); err != nil {
		log.Warn("write image body failed", zap.Error(err))
	}
}

type errorResponse struct {
	Error          string `json:"error"`
	Details        string `json:"details,omitempty"`
	Kind           string `json:"kind,omitempty"`
	UpstreamStatus int    `json:"upstream_status,omitempty"`
}

func (s *Server) writeDownloadError(w http.ResponseWriter, err error, log *zap.Logger) {
	fe := imagefetch.AsError(err)
	status := fe.HTTPStatus()
	switch {
	case fe.Kind == imagefetch.KindMissingURL:
		writeError(w, status, msgURLRequired)
	case fe.ClientError():
		writeError(w, status, msgInvalidURL)
	case status == http.StatusRequestTimeout:
		log.Warn("image download timed out", zap.Error(err))
		writeError(w, status, msgTimeout)
	default:
		log.Error("image download failed", zap.String("kind", string(fe.Kind)), zap.Error(err))
		writeJSON(w, status, errorResponse{
			Error:          msgDownloadFailed,
			Details:        fe.Error(),
			Kind:           string(fe.Kind),
			UpstreamStatus: fe.StatusCode,
		})
	}
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(payload); err != nil {
		zap.L().Error("write JSON failed", zap.Error(err))
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, errorResponse{Error: msg})
}
