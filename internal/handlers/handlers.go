package handlers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/Brownie44l1/breed-api/internal/inference"
	"github.com/Brownie44l1/breed-api/internal/storage"
	"github.com/Brownie44l1/breed-api/internal/store"
)

// Predictor runs the inference pipeline.
type Predictor interface {
	Predict(ctx context.Context, image []byte, k int) (inference.Result, error)
	DefaultTopK() int
	ClassCount() int
	Device() string
	Metrics() *inference.Metrics
}

// Documents is the subset of the document store the routes use.
type Documents interface {
	InsertRecord(ctx context.Context, doc bson.M) (string, error)
	ListRecords(ctx context.Context) ([]bson.M, error)
	FindUser(ctx context.Context, userID string) (bson.M, error)
	AppendCattle(ctx context.Context, userID string, record any) error
}

// Uploader stores an image and returns its durable URL.
type Uploader interface {
	Upload(ctx context.Context, data []byte, folder string) (storage.Asset, error)
}

// Catalog is the refreshable breed catalog.
type Catalog interface {
	Refresh(ctx context.Context) error
	Len() int
}

// Envelope is the JSON shape of every response.
type Envelope struct {
	StatusCode int    `json:"status_code"`
	Message    string `json:"message"`
	Body       any    `json:"body"`
}

type PredictResponse struct {
	Predictions []inference.Prediction `json:"predictions"`
	Timing      inference.Timing       `json:"timing"`
	ImageURL    *string                `json:"image_url"`
}

// CattleRecord is pushed onto a user's cattle list after a prediction.
type CattleRecord struct {
	Breed       string    `bson:"breed" json:"breed"`
	BreedID     *string   `bson:"breed_id" json:"breed_id"`
	Confidence  float64   `bson:"confidence" json:"confidence"`
	ImageURL    *string   `bson:"image_url" json:"image_url"`
	PredictedAt time.Time `bson:"predicted_at" json:"predicted_at"`
}

type Handler struct {
	predictor Predictor
	documents Documents
	uploader  Uploader
	catalog   Catalog
	folder    string
	logger    *slog.Logger
}

type Options struct {
	Documents Documents
	Uploader  Uploader
	Catalog   Catalog
	Folder    string
}

// NewHandler wires the routes. Any nil option disables the routes or steps
// that depend on it.
func NewHandler(predictor Predictor, opts Options, logger *slog.Logger) *Handler {
	return &Handler{
		predictor: predictor,
		documents: opts.Documents,
		uploader:  opts.Uploader,
		catalog:   opts.Catalog,
		folder:    opts.Folder,
		logger:    logger.With("system", "handlers"),
	}
}

func (h *Handler) Register(e *echo.Echo) {
	e.GET("/health", h.Health)
	e.GET("/metrics", h.Metrics)
	e.POST("/predict", h.Predict)
	e.POST("/predict/image", h.Predict)
	e.POST("/push", h.Push)
	e.GET("/get", h.Get)
	e.POST("/breeds/refresh", h.RefreshBreeds)
}

func (h *Handler) Health(c echo.Context) error {
	body := map[string]any{
		"status":  "healthy",
		"device":  h.predictor.Device(),
		"classes": h.predictor.ClassCount(),
	}
	if h.catalog != nil {
		body["breeds"] = h.catalog.Len()
	}
	return respond(c, http.StatusOK, "Service healthy", body)
}

func (h *Handler) Metrics(c echo.Context) error {
	c.Response().Header().Set(echo.HeaderContentType, "text/plain; version=0.0.4")
	return c.String(http.StatusOK, h.predictor.Metrics().Snapshot().PrometheusText())
}

// Predict reads the multipart "image" field and returns the top-k breeds.
// With a "user_id" field naming a known user the image is also uploaded and
// recorded on the user's cattle list; failures there leave the prediction
// intact.
func (h *Handler) Predict(c echo.Context) error {
	data, err := readImage(c)
	if err != nil {
		return respond(c, http.StatusBadRequest, err.Error(), nil)
	}

	k := h.predictor.DefaultTopK()
	if raw := strings.TrimSpace(c.FormValue("k")); raw != "" {
		k, err = strconv.Atoi(raw)
		if err != nil {
			return respond(c, http.StatusBadRequest, "k must be an integer", nil)
		}
	}

	ctx := c.Request().Context()
	result, err := h.predictor.Predict(ctx, data, k)
	if err != nil {
		if inference.IsClientError(err) {
			return respond(c, http.StatusBadRequest, err.Error(), nil)
		}
		h.logger.Error("prediction failed", "error", err, "request_id", requestID(c))
		return respond(c, http.StatusInternalServerError, "Prediction failed", map[string]string{"error": err.Error()})
	}

	response := PredictResponse{
		Predictions: result.Predictions,
		Timing:      result.Timing,
	}
	if userID := strings.TrimSpace(c.FormValue("user_id")); userID != "" && len(result.Predictions) > 0 {
		response.ImageURL = h.persist(ctx, c, userID, data, result.Predictions[0])
	}

	h.logger.Info("prediction served",
		"request_id", requestID(c),
		"k", k,
		"bytes", len(data),
		"total_ms", result.Timing.TotalMillis,
	)
	return respond(c, http.StatusOK, "Prediction successful", response)
}

func (h *Handler) persist(ctx context.Context, c echo.Context, userID string, data []byte, top inference.Prediction) *string {
	if h.documents != nil {
		if _, err := h.documents.FindUser(ctx, userID); err != nil {
			h.logger.Warn("cattle record skipped, user lookup failed",
				"user_id", userID, "error", err, "request_id", requestID(c))
			return nil
		}
	}

	var imageURL *string
	if h.uploader != nil {
		asset, err := h.uploader.Upload(ctx, data, h.folder)
		if err != nil {
			h.logger.Warn("image upload failed", "error", err, "request_id", requestID(c))
		} else {
			imageURL = &asset.SecureURL
		}
	}

	if h.documents != nil {
		record := CattleRecord{
			Breed:       top.BreedName,
			BreedID:     top.BreedID,
			Confidence:  top.Confidence,
			ImageURL:    imageURL,
			PredictedAt: time.Now().UTC(),
		}
		if err := h.documents.AppendCattle(ctx, userID, record); err != nil {
			h.logger.Warn("cattle record not saved", "user_id", userID, "error", err, "request_id", requestID(c))
		}
	}
	return imageURL
}

// Push inserts an arbitrary JSON document into the records collection.
func (h *Handler) Push(c echo.Context) error {
	if h.documents == nil {
		return respond(c, http.StatusServiceUnavailable, "Document store unavailable", nil)
	}

	var doc bson.M
	if err := json.NewDecoder(c.Request().Body).Decode(&doc); err != nil && !errors.Is(err, io.EOF) {
		return respond(c, http.StatusBadRequest, "Invalid JSON", nil)
	}
	if len(doc) == 0 {
		return respond(c, http.StatusBadRequest, "No data provided", nil)
	}

	id, err := h.documents.InsertRecord(c.Request().Context(), doc)
	if err != nil {
		h.logger.Error("insert record failed", "error", err)
		return respond(c, http.StatusInternalServerError, "Internal Server Error", map[string]string{"error": err.Error()})
	}
	return respond(c, http.StatusCreated, "Data inserted", map[string]string{"id": id})
}

// Get lists the records collection.
func (h *Handler) Get(c echo.Context) error {
	if h.documents == nil {
		return respond(c, http.StatusServiceUnavailable, "Document store unavailable", nil)
	}

	docs, err := h.documents.ListRecords(c.Request().Context())
	if err != nil {
		h.logger.Error("list records failed", "error", err)
		return respond(c, http.StatusInternalServerError, "Internal Server Error", map[string]string{"error": err.Error()})
	}
	if len(docs) == 0 {
		return respond(c, http.StatusOK, "No data found", []bson.M{})
	}
	return respond(c, http.StatusOK, "Data fetched successfully", docs)
}

// RefreshBreeds re-reads the breed catalog from the store.
func (h *Handler) RefreshBreeds(c echo.Context) error {
	if h.catalog == nil {
		return respond(c, http.StatusServiceUnavailable, "Breed catalog unavailable", nil)
	}
	if err := h.catalog.Refresh(c.Request().Context()); err != nil {
		h.logger.Error("breed catalog refresh failed", "error", err)
		return respond(c, http.StatusInternalServerError, "Breed catalog refresh failed", map[string]string{"error": err.Error()})
	}
	return respond(c, http.StatusOK, "Breed catalog refreshed", map[string]int{"breeds": h.catalog.Len()})
}

func readImage(c echo.Context) ([]byte, error) {
	header, err := c.FormFile("image")
	if err != nil {
		return nil, errors.New("no image file provided, use 'image' as the form field name")
	}
	file, err := header.Open()
	if err != nil {
		return nil, errors.New("failed to read uploaded image")
	}
	defer file.Close()

	data, err := io.ReadAll(file)
	if err != nil {
		return nil, errors.New("failed to read uploaded image")
	}
	if len(data) == 0 {
		return nil, errors.New("uploaded image is empty")
	}
	return data, nil
}

func respond(c echo.Context, code int, message string, body any) error {
	return c.JSON(code, Envelope{StatusCode: code, Message: message, Body: body})
}

func requestID(c echo.Context) string {
	return c.Response().Header().Get(echo.HeaderXRequestID)
}

var (
	_ Documents = (*store.Mongo)(nil)
	_ Uploader  = (*storage.Blob)(nil)
)
