// Package handlers is the HTTP surface of the freshness service.
package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/Tutortoise/food-freshness-service/internal/auth"
	"github.com/Tutortoise/food-freshness-service/internal/history"
	"github.com/Tutortoise/food-freshness-service/internal/imageproc"
	"github.com/Tutortoise/food-freshness-service/internal/logging"
	"github.com/Tutortoise/food-freshness-service/internal/models"
	"github.com/Tutortoise/food-freshness-service/internal/pipeline"
	"github.com/Tutortoise/food-freshness-service/internal/registry"
)

const (
	ServiceName = "food-freshness-api"

	// multipart framing allowance on top of the image limit
	formOverhead = 1 << 20

	msgInferenceFailed = "Model inference failed. Please try again."

	// upper bound on history writes on the response path
	recordTimeout = 2 * time.Second
)

// Predictor is what the handlers need from the pipeline.
type Predictor interface {
	Predict(ctx context.Context, data []byte, mime string) (models.PredictionResult, error)
	Ready() registry.Readiness
	Metrics() pipeline.Metrics
	MaxUploadBytes() int64
}

// History stores and serves past predictions.
type History interface {
	Enabled() bool
	Record(ctx context.Context, requestID, owner, classifierMode string, image []byte, res models.PredictionResult)
	Get(ctx context.Context, requestID, owner string) (*history.Record, error)
}

type ErrorResponse struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

type Options struct {
	AllowedOrigins []string
	// Auth guards the prediction routes; nil leaves them open.
	Auth mux.MiddlewareFunc
}

type Handler struct {
	predictor Predictor
	history   History
	opts      Options
	logger    *zap.Logger
}

func New(predictor Predictor, hist History, opts Options, logger *zap.Logger) *Handler {
	if opts.Auth == nil {
		opts.Auth = func(next http.Handler) http.Handler { return next }
	}
	return &Handler{
		predictor: predictor,
		history:   hist,
		opts:      opts,
		logger:    logger.Named("http"),
	}
}

// Routes builds the router. CORS wraps the router so preflight requests are
// answered before method matching.
func (h *Handler) Routes() http.Handler {
	r := mux.NewRouter()
	r.HandleFunc("/", h.handleRoot).Methods(http.MethodGet)
	r.HandleFunc("/health", h.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/ready", h.handleReady).Methods(http.MethodGet)
	r.HandleFunc("/metrics", h.handleMetrics).Methods(http.MethodGet)
	r.Handle("/predict", h.opts.Auth(http.HandlerFunc(h.handlePredict))).Methods(http.MethodPost)
	if h.history != nil && h.history.Enabled() {
		r.Handle("/predictions/{id}", h.opts.Auth(http.HandlerFunc(h.handleGetPrediction))).Methods(http.MethodGet)
	}
	return enableCORS(h.opts.AllowedOrigins, r)
}

// handlePredict always issues its own request id: it is the history key. A
// client-sent X-Request-ID is only logged for correlation.
func (h *Handler) handlePredict(w http.ResponseWriter, r *http.Request) {
	requestID := uuid.NewString()
	w.Header().Set("X-Request-ID", requestID)
	ctx := logging.ContextWithRequestID(r.Context(), requestID)
	opLogger := logging.WithOperation(h.logger, "http.predict", requestID)
	if clientID := r.Header.Get("X-Request-ID"); clientID != "" {
		opLogger = opLogger.With(zap.String("client_request_id", clientID))
	}

	r.Body = http.MaxBytesReader(w, r.Body, h.predictor.MaxUploadBytes()+formOverhead)
	data, mime, err := readUpload(r)
	if err != nil {
		if isBodyTooLarge(err) {
			sendErrorResponse(w, "payload_too_large", "Uploaded image is too large", "", http.StatusRequestEntityTooLarge)
			return
		}
		opLogger.Info("invalid upload", zap.Error(err))
		sendErrorResponse(w, "invalid_request", "Expected an image in form field \"file\"", err.Error(), http.StatusBadRequest)
		return
	}

	if int64(len(data)) > h.predictor.MaxUploadBytes() {
		h.sendPredictError(w, imageproc.ErrPayloadTooLarge)
		return
	}

	res, err := h.predictor.Predict(ctx, data, mime)
	if err != nil {
		h.sendPredictError(w, err)
		return
	}

	if h.history != nil {
		owner, _ := auth.Subject(r.Context())
		recordCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), recordTimeout)
		h.history.Record(recordCtx, requestID, owner, h.predictor.Ready().ClassifierMode, data, res)
		cancel()
	}

	writeJSON(w, http.StatusOK, res)
}

func readUpload(r *http.Request) ([]byte, string, error) {
	if err := r.ParseMultipartForm(32 << 20); err != nil {
		return nil, "", err
	}
	file, header, err := r.FormFile("file")
	if err != nil {
		return nil, "", err
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, "", err
	}
	return data, header.Header.Get("Content-Type"), nil
}

// isBodyTooLarge reports whether err came from the MaxBytesReader. Older
// mime/multipart versions flatten the error, hence the message check.
func isBodyTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return true
	}
	return strings.Contains(err.Error(), "request body too large")
}

func (h *Handler) sendPredictError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, imageproc.ErrUnsupportedMediaType):
		sendErrorResponse(w, "unsupported_media_type", "Unsupported image type", err.Error(), http.StatusUnsupportedMediaType)
	case errors.Is(err, imageproc.ErrPayloadTooLarge):
		sendErrorResponse(w, "payload_too_large", "Uploaded image is too large", err.Error(), http.StatusRequestEntityTooLarge)
	case errors.Is(err, pipeline.ErrTimeout):
		sendErrorResponse(w, "timeout", "Prediction timed out", "", http.StatusGatewayTimeout)
	default:
		sendErrorResponse(w, "inference_failed", msgInferenceFailed, "", http.StatusInternalServerError)
	}
}

func (h *Handler) handleGetPrediction(w http.ResponseWriter, r *http.Request) {
	id := mux.Vars(r)["id"]
	owner, _ := auth.Subject(r.Context())
	rec, err := h.history.Get(r.Context(), id, owner)
	if err != nil {
		if errors.Is(err, history.ErrNotFound) {
			sendErrorResponse(w, "not_found", "Prediction not found", "", http.StatusNotFound)
			return
		}
		logging.WithOperation(h.logger, "http.get_prediction", id).Error("history lookup failed", zap.Error(err))
		sendErrorResponse(w, "history_error", "Could not load prediction", "", http.StatusInternalServerError)
		return
	}
	writeJSON(w, http.StatusOK, rec)
}

func (h *Handler) handleRoot(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"service": ServiceName,
		"message": "POST an image to /predict as multipart field \"file\"",
	})
}

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok", "service": ServiceName})
}

// handleReady always answers 200: a missing detector degrades results but the
// service still serves.
func (h *Handler) handleReady(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.predictor.Ready())
}

func (h *Handler) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, h.predictor.Metrics())
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func sendErrorResponse(w http.ResponseWriter, code, message, details string, status int) {
	writeJSON(w, status, ErrorResponse{
		Code:    code,
		Message: message,
		Details: details,
	})
}
