package handlers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/labstack/echo/v4"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mongodb.org/mongo-driver/bson"

	"github.com/Brownie44l1/breed-api/internal/inference"
	"github.com/Brownie44l1/breed-api/internal/logging"
	"github.com/Brownie44l1/breed-api/internal/storage"
	"github.com/Brownie44l1/breed-api/internal/store"
)

type fakePredictor struct {
	mu      sync.Mutex
	result  inference.Result
	err     error
	lastK   int
	calls   int
	metrics inference.Metrics
}

func (f *fakePredictor) Predict(_ context.Context, _ []byte, k int) (inference.Result, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	f.lastK = k
	return f.result, f.err
}

func (f *fakePredictor) DefaultTopK() int            { return 3 }
func (f *fakePredictor) ClassCount() int             { return 41 }
func (f *fakePredictor) Device() string              { return "cpu" }
func (f *fakePredictor) Metrics() *inference.Metrics { return &f.metrics }

type fakeDocuments struct {
	mu        sync.Mutex
	inserted  []bson.M
	records   []bson.M
	cattle    map[string][]any
	unknown   map[string]bool
	insertErr error
	appendErr error
}

func (f *fakeDocuments) InsertRecord(_ context.Context, doc bson.M) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.insertErr != nil {
		return "", f.insertErr
	}
	f.inserted = append(f.inserted, doc)
	return fmt.Sprintf("id-%d", len(f.inserted)), nil
}

func (f *fakeDocuments) ListRecords(_ context.Context) ([]bson.M, error) {
	return f.records, nil
}

func (f *fakeDocuments) FindUser(_ context.Context, userID string) (bson.M, error) {
	if f.unknown[userID] {
		return nil, store.ErrNotFound
	}
	return bson.M{"_id": userID}, nil
}

func (f *fakeDocuments) AppendCattle(_ context.Context, userID string, record any) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.appendErr != nil {
		return f.appendErr
	}
	if f.cattle == nil {
		f.cattle = map[string][]any{}
	}
	f.cattle[userID] = append(f.cattle[userID], record)
	return nil
}

type fakeUploader struct {
	err    error
	folder string
	calls  int
}

func (f *fakeUploader) Upload(_ context.Context, data []byte, folder string) (storage.Asset, error) {
	f.calls++
	if f.err != nil {
		return storage.Asset{}, f.err
	}
	f.folder = folder
	return storage.Asset{Key: folder + "/img.png", SecureURL: "https://blob.example/" + folder + "/img.png"}, nil
}

type fakeCatalog struct {
	err   error
	size  int
	calls int
}

func (f *fakeCatalog) Refresh(_ context.Context) error {
	f.calls++
	return f.err
}

func (f *fakeCatalog) Len() int { return f.size }

func discardLogger() *slog.Logger {
	return logging.Discard()
}

func sampleResult() inference.Result {
	gir := "breed-gir"
	return inference.Result{
		Predictions: []inference.Prediction{
			{BreedName: "Gir", BreedID: &gir, Confidence: 91.17},
			{BreedName: "Sahiwal", Confidence: 2.21},
			{BreedName: "Tharparkar", Confidence: 2.21},
		},
		Timing: inference.Timing{PreprocessMillis: 1.5, InferenceMillis: 4.2, TotalMillis: 6.1},
	}
}

func newTestRouter(p Predictor, opts Options) *echo.Echo {
	h := NewHandler(p, opts, discardLogger())
	return NewRouter(h, RouterConfig{BodyLimit: "1M", AllowOrigins: []string{"*"}}, discardLogger())
}

func multipartRequest(t *testing.T, path string, image []byte, fields map[string]string) *http.Request {
	t.Helper()
	var body bytes.Buffer
	w := multipart.NewWriter(&body)
	if image != nil {
		part, err := w.CreateFormFile("image", "cow.png")
		require.NoError(t, err)
		_, err = part.Write(image)
		require.NoError(t, err)
	}
	for k, v := range fields {
		require.NoError(t, w.WriteField(k, v))
	}
	require.NoError(t, w.Close())

	req := httptest.NewRequest(http.MethodPost, path, &body)
	req.Header.Set(echo.HeaderContentType, w.FormDataContentType())
	return req
}

type envelope struct {
	StatusCode int             `json:"status_code"`
	Message    string          `json:"message"`
	Body       json.RawMessage `json:"body"`
}

func decode(t *testing.T, rec *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func TestHealth(t *testing.T) {
	e := newTestRouter(&fakePredictor{}, Options{Catalog: &fakeCatalog{size: 12}})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	env := decode(t, rec)
	assert.Equal(t, http.StatusOK, env.StatusCode)

	var body map[string]any
	require.NoError(t, json.Unmarshal(env.Body, &body))
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, float64(41), body["classes"])
	assert.Equal(t, float64(12), body["breeds"])
	assert.NotEmpty(t, rec.Header().Get(echo.HeaderXRequestID))
}

func TestMetrics(t *testing.T) {
	p := &fakePredictor{}
	p.metrics.RecordRequestStart()
	e := newTestRouter(p, Options{})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "breed_requests_total 1")
	assert.Contains(t, rec.Body.String(), "breed_inflight 1")
}

func TestPredictSuccess(t *testing.T) {
	p := &fakePredictor{result: sampleResult()}
	e := newTestRouter(p, Options{})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, multipartRequest(t, "/predict", []byte("png-bytes"), nil))

	require.Equal(t, http.StatusOK, rec.Code)
	env := decode(t, rec)
	assert.Equal(t, "Prediction successful", env.Message)

	var body PredictResponse
	require.NoError(t, json.Unmarshal(env.Body, &body))
	require.Len(t, body.Predictions, 3)
	assert.Equal(t, "Gir", body.Predictions[0].BreedName)
	assert.Equal(t, "breed-gir", *body.Predictions[0].BreedID)
	assert.Nil(t, body.Predictions[1].BreedID)
	assert.Nil(t, body.ImageURL)
	assert.Equal(t, 3, p.lastK)
}

func TestPredictImageAlias(t *testing.T) {
	e := newTestRouter(&fakePredictor{result: sampleResult()}, Options{})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, multipartRequest(t, "/predict/image", []byte("png-bytes"), nil))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPredictCustomK(t *testing.T) {
	p := &fakePredictor{result: sampleResult()}
	e := newTestRouter(p, Options{})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, multipartRequest(t, "/predict", []byte("png-bytes"), map[string]string{"k": "5"}))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 5, p.lastK)
}

func TestPredictBadRequests(t *testing.T) {
	tests := []struct {
		name   string
		image  []byte
		fields map[string]string
	}{
		{name: "missing image", image: nil},
		{name: "empty image", image: []byte{}},
		{name: "non-numeric k", image: []byte("png"), fields: map[string]string{"k": "three"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakePredictor{result: sampleResult()}
			e := newTestRouter(p, Options{})

			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, multipartRequest(t, "/predict", tt.image, tt.fields))

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Equal(t, http.StatusBadRequest, decode(t, rec).StatusCode)
			assert.Zero(t, p.calls)
		})
	}
}

func TestPredictClientErrors(t *testing.T) {
	for _, cause := range []error{inference.ErrDecode, inference.ErrInvalidRequest, inference.ErrShapeMismatch} {
		t.Run(cause.Error(), func(t *testing.T) {
			p := &fakePredictor{err: &inference.PredictionFailedError{Cause: fmt.Errorf("%w: detail", cause)}}
			e := newTestRouter(p, Options{})

			rec := httptest.NewRecorder()
			e.ServeHTTP(rec, multipartRequest(t, "/predict", []byte("bytes"), nil))

			assert.Equal(t, http.StatusBadRequest, rec.Code)
			assert.Contains(t, decode(t, rec).Message, cause.Error())
		})
	}
}

func TestPredictServerError(t *testing.T) {
	p := &fakePredictor{err: &inference.PredictionFailedError{Cause: errors.New("device lost")}}
	e := newTestRouter(p, Options{})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, multipartRequest(t, "/predict", []byte("bytes"), nil))

	require.Equal(t, http.StatusInternalServerError, rec.Code)
	env := decode(t, rec)
	assert.Equal(t, "Prediction failed", env.Message)
	assert.Contains(t, string(env.Body), "device lost")
}

func TestPredictPersistsForUser(t *testing.T) {
	docs := &fakeDocuments{}
	uploader := &fakeUploader{}
	e := newTestRouter(&fakePredictor{result: sampleResult()}, Options{
		Documents: docs,
		Uploader:  uploader,
		Folder:    "cattle",
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, multipartRequest(t, "/predict", []byte("bytes"), map[string]string{"user_id": "farmer-1"}))

	require.Equal(t, http.StatusOK, rec.Code)
	var body PredictResponse
	require.NoError(t, json.Unmarshal(decode(t, rec).Body, &body))
	require.NotNil(t, body.ImageURL)
	assert.Equal(t, "https://blob.example/cattle/img.png", *body.ImageURL)
	assert.Equal(t, "cattle", uploader.folder)

	require.Len(t, docs.cattle["farmer-1"], 1)
	record := docs.cattle["farmer-1"][0].(CattleRecord)
	assert.Equal(t, "Gir", record.Breed)
	assert.Equal(t, "breed-gir", *record.BreedID)
	assert.Equal(t, *body.ImageURL, *record.ImageURL)
}

func TestPredictUploadFailureKeepsPrediction(t *testing.T) {
	docs := &fakeDocuments{}
	e := newTestRouter(&fakePredictor{result: sampleResult()}, Options{
		Documents: docs,
		Uploader:  &fakeUploader{err: errors.New("storage down")},
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, multipartRequest(t, "/predict", []byte("bytes"), map[string]string{"user_id": "farmer-1"}))

	require.Equal(t, http.StatusOK, rec.Code)
	var body PredictResponse
	require.NoError(t, json.Unmarshal(decode(t, rec).Body, &body))
	assert.Len(t, body.Predictions, 3)
	assert.Nil(t, body.ImageURL)
	require.Len(t, docs.cattle["farmer-1"], 1)
	assert.Nil(t, docs.cattle["farmer-1"][0].(CattleRecord).ImageURL)
}

func TestPredictPersistFailureKeepsPrediction(t *testing.T) {
	e := newTestRouter(&fakePredictor{result: sampleResult()}, Options{
		Documents: &fakeDocuments{appendErr: errors.New("write conflict")},
		Uploader:  &fakeUploader{},
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, multipartRequest(t, "/predict", []byte("bytes"), map[string]string{"user_id": "ghost"}))

	assert.Equal(t, http.StatusOK, rec.Code)
}

func TestPredictUnknownUserSkipsPersistence(t *testing.T) {
	docs := &fakeDocuments{unknown: map[string]bool{"ghost": true}}
	uploader := &fakeUploader{}
	e := newTestRouter(&fakePredictor{result: sampleResult()}, Options{
		Documents: docs,
		Uploader:  uploader,
	})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, multipartRequest(t, "/predict", []byte("bytes"), map[string]string{"user_id": "ghost"}))

	require.Equal(t, http.StatusOK, rec.Code)
	var body PredictResponse
	require.NoError(t, json.Unmarshal(decode(t, rec).Body, &body))
	assert.Len(t, body.Predictions, 3)
	assert.Nil(t, body.ImageURL)
	assert.Zero(t, uploader.calls)
	assert.Empty(t, docs.cattle)
}

func TestPredictWrongMethod(t *testing.T) {
	e := newTestRouter(&fakePredictor{}, Options{})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/predict", nil))

	assert.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	assert.Equal(t, http.StatusMethodNotAllowed, decode(t, rec).StatusCode)
}

func TestPush(t *testing.T) {
	docs := &fakeDocuments{}
	e := newTestRouter(&fakePredictor{}, Options{Documents: docs})

	req := httptest.NewRequest(http.MethodPost, "/push", strings.NewReader(`{"tag":"A-12","breed":"Gir"}`))
	req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	require.Equal(t, http.StatusCreated, rec.Code)
	env := decode(t, rec)
	assert.Equal(t, "Data inserted", env.Message)
	assert.JSONEq(t, `{"id":"id-1"}`, string(env.Body))
	require.Len(t, docs.inserted, 1)
	assert.Equal(t, "A-12", docs.inserted[0]["tag"])
}

func TestPushRejectsEmpty(t *testing.T) {
	for _, payload := range []string{"", "{}"} {
		e := newTestRouter(&fakePredictor{}, Options{Documents: &fakeDocuments{}})

		req := httptest.NewRequest(http.MethodPost, "/push", strings.NewReader(payload))
		req.Header.Set(echo.HeaderContentType, echo.MIMEApplicationJSON)
		rec := httptest.NewRecorder()
		e.ServeHTTP(rec, req)

		assert.Equal(t, http.StatusBadRequest, rec.Code, payload)
		assert.Equal(t, "No data provided", decode(t, rec).Message)
	}
}

func TestPushStoreError(t *testing.T) {
	e := newTestRouter(&fakePredictor{}, Options{Documents: &fakeDocuments{insertErr: errors.New("write concern")}})

	req := httptest.NewRequest(http.MethodPost, "/push", strings.NewReader(`{"a":1}`))
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
	assert.Contains(t, rec.Body.String(), "write concern")
}

func TestGet(t *testing.T) {
	e := newTestRouter(&fakePredictor{}, Options{Documents: &fakeDocuments{records: []bson.M{{"tag": "A-12"}}}})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/get", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	env := decode(t, rec)
	assert.Equal(t, "Data fetched successfully", env.Message)
	assert.JSONEq(t, `[{"tag":"A-12"}]`, string(env.Body))
}

func TestGetEmpty(t *testing.T) {
	e := newTestRouter(&fakePredictor{}, Options{Documents: &fakeDocuments{}})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/get", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	env := decode(t, rec)
	assert.Equal(t, "No data found", env.Message)
	assert.JSONEq(t, `[]`, string(env.Body))
}

func TestDocumentRoutesWithoutStore(t *testing.T) {
	e := newTestRouter(&fakePredictor{}, Options{})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/get", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)

	rec = httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/push", strings.NewReader(`{"a":1}`)))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
}

func TestRefreshBreeds(t *testing.T) {
	cat := &fakeCatalog{size: 41}
	e := newTestRouter(&fakePredictor{}, Options{Catalog: cat})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/breeds/refresh", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, 1, cat.calls)
	assert.JSONEq(t, `{"breeds":41}`, string(decode(t, rec).Body))
}

func TestRefreshBreedsFailure(t *testing.T) {
	e := newTestRouter(&fakePredictor{}, Options{Catalog: &fakeCatalog{err: errors.New("timeout")}})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/breeds/refresh", nil))

	assert.Equal(t, http.StatusInternalServerError, rec.Code)
}

func TestBodyLimit(t *testing.T) {
	e := newTestRouter(&fakePredictor{result: sampleResult()}, Options{})

	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, multipartRequest(t, "/predict", bytes.Repeat([]byte{1}, 2<<20), nil))

	assert.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}

func TestCORSPreflight(t *testing.T) {
	e := newTestRouter(&fakePredictor{}, Options{})

	req := httptest.NewRequest(http.MethodOptions, "/predict", nil)
	req.Header.Set(echo.HeaderOrigin, "http://app.example")
	req.Header.Set(echo.HeaderAccessControlRequestMethod, http.MethodPost)
	rec := httptest.NewRecorder()
	e.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusNoContent, rec.Code)
	assert.Equal(t, "*", rec.Header().Get(echo.HeaderAccessControlAllowOrigin))
}
