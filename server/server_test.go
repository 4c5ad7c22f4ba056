package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	"image/png"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"net/textproto"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/tsawler/cancer-detection/models"
)

type fakePredictor struct {
	prob   float64
	err    error
	panics bool
	sizes  []int
	closed int
}

func (f *fakePredictor) Score(_ context.Context, images []float32, n, size int) ([]float64, error) {
	if f.panics {
		panic("boom")
	}
	if f.err != nil {
		return nil, f.err
	}
	if len(images) != 3*size*size*n {
		return nil, fmt.Errorf("got %d values for %d images of side %d", len(images), n, size)
	}
	f.sizes = append(f.sizes, size)
	return []float64{f.prob}, nil
}

func (f *fakePredictor) Info() models.Info {
	return models.Info{
		Architecture:        models.ResNet18,
		TotalParameters:     11689512,
		TrainableParameters: 11689512,
		ImageSize:           16,
		Device:              "cpu",
		Checkpoint:          "checkpoints/best_resnet18.ckpt",
	}
}

func (f *fakePredictor) Close() { f.closed++ }

func newTestServer(t *testing.T, p *fakePredictor) (*Server, *Service) {
	t.Helper()
	svc, err := NewService(p, nil)
	require.NoError(t, err)
	return New(svc, nil), svc
}

func pngBytes(t *testing.T) []byte {
	t.Helper()
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, image.NewRGBA(image.Rect(0, 0, 8, 8))))
	return buf.Bytes()
}

func uploadRequest(t *testing.T, field, filename, contentType string, data []byte) *http.Request {
	t.Helper()
	var body bytes.Buffer
	mw := multipart.NewWriter(&body)
	h := make(textproto.MIMEHeader)
	h.Set("Content-Disposition", fmt.Sprintf(`form-data; name=%q; filename=%q`, field, filename))
	h.Set("Content-Type", contentType)
	part, err := mw.CreatePart(h)
	require.NoError(t, err)
	_, err = part.Write(data)
	require.NoError(t, err)
	require.NoError(t, mw.Close())

	req := httptest.NewRequest(http.MethodPost, "/predict", &body)
	req.Header.Set("Content-Type", mw.FormDataContentType())
	return req
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestNewPrediction(t *testing.T) {
	tests := []struct {
		name       string
		prob       float64
		label      int
		confidence float64
		text       string
	}{
		{"positive", 0.73456, 1, 0.7346, PositiveText},
		{"negative", 0.2, 0, 0.8, NegativeText},
		{"threshold is positive", 0.5, 1, 0.5, PositiveText},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := NewPrediction(tt.prob)
			assert.Equal(t, tt.label, p.Label)
			assert.InDelta(t, tt.confidence, p.Confidence, 1e-9)
			assert.Equal(t, tt.text, p.Prediction)
		})
	}
	assert.Equal(t, 0.7346, NewPrediction(0.73456).ProbabilityCancer)
}

func TestNewService(t *testing.T) {
	_, err := NewService(nil, nil)
	assert.ErrorIs(t, err, ErrNotReady)

	svc, err := NewService(&fakePredictor{}, nil)
	require.NoError(t, err)
	assert.True(t, svc.Ready())
}

func TestRoot(t *testing.T) {
	s, _ := newTestServer(t, &fakePredictor{})
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/", nil))

	assert.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "online", body["status"])
	assert.Equal(t, Version, body["version"])
}

func TestHealth(t *testing.T) {
	p := &fakePredictor{}
	s, svc := newTestServer(t, p)

	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, Health{Status: "healthy", ModelName: "resnet18", Device: "cpu", ImageSize: 16}, decode[Health](t, rec))

	svc.Close()
	svc.Close()
	assert.Equal(t, 1, p.closed)

	rec = httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health", nil))
	assert.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Equal(t, "not ready", decode[ErrorBody](t, rec).Error)
}

func TestNoService(t *testing.T) {
	s := New(nil, nil)
	for _, req := range []*http.Request{
		httptest.NewRequest(http.MethodGet, "/health", nil),
		httptest.NewRequest(http.MethodGet, "/model/info", nil),
		uploadRequest(t, "file", "a.png", "image/png", pngBytes(t)),
	} {
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, req)
		assert.Equal(t, http.StatusServiceUnavailable, rec.Code, req.URL.Path)
	}
}

func TestModelInfo(t *testing.T) {
	s, _ := newTestServer(t, &fakePredictor{})
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/model/info", nil))

	require.Equal(t, http.StatusOK, rec.Code)
	info := decode[ModelInfo](t, rec)
	assert.Equal(t, "resnet18", info.ModelName)
	assert.Equal(t, int64(11689512), info.TotalParameters)
	assert.Equal(t, int64(11689512), info.TrainableParameters)
	assert.Equal(t, "11,689,512", info.ParameterSummary)
	assert.Equal(t, 16, info.InputSize)
	assert.Equal(t, "checkpoints/best_resnet18.ckpt", info.Checkpoint)
}

func TestPredict(t *testing.T) {
	tests := []struct {
		name        string
		field       string
		filename    string
		contentType string
		data        []byte
		status      int
	}{
		{"png", "file", "patch.png", "image/png", pngBytes(t), http.StatusOK},
		{"extension fallback", "file", "slide.TIF", "application/octet-stream", pngBytes(t), http.StatusOK},
		{"content type fallback", "file", "upload", "image/jpg", pngBytes(t), http.StatusOK},
		{"unsupported type", "file", "doc.gif", "image/gif", pngBytes(t), http.StatusBadRequest},
		{"missing field", "image", "patch.png", "image/png", pngBytes(t), http.StatusBadRequest},
		{"too large", "file", "big.png", "image/png", make([]byte, MaxUploadBytes+1), http.StatusBadRequest},
		{"undecodable", "file", "broken.png", "image/png", []byte("not an image"), http.StatusInternalServerError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := &fakePredictor{prob: 0.9}
			s, _ := newTestServer(t, p)
			rec := httptest.NewRecorder()
			s.ServeHTTP(rec, uploadRequest(t, tt.field, tt.filename, tt.contentType, tt.data))

			assert.Equal(t, tt.status, rec.Code)
			assert.Equal(t, "application/json", rec.Header().Get("Content-Type"))
			if tt.status != http.StatusOK {
				assert.NotEmpty(t, decode[ErrorBody](t, rec).Detail)
				assert.Empty(t, p.sizes)
				return
			}
			assert.Equal(t, Prediction{ProbabilityCancer: 0.9, Label: 1, Confidence: 0.9, Prediction: PositiveText}, decode[Prediction](t, rec))
			assert.Equal(t, []int{16}, p.sizes)
		})
	}
}

func TestPredictFailures(t *testing.T) {
	t.Run("inference error", func(t *testing.T) {
		s, _ := newTestServer(t, &fakePredictor{err: errors.New("device lost")})
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, uploadRequest(t, "file", "a.png", "image/png", pngBytes(t)))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		body := decode[ErrorBody](t, rec)
		assert.Equal(t, "internal server error", body.Error)
		assert.Contains(t, body.Detail, "device lost")
	})

	t.Run("panic", func(t *testing.T) {
		s, _ := newTestServer(t, &fakePredictor{panics: true})
		rec := httptest.NewRecorder()
		s.ServeHTTP(rec, uploadRequest(t, "file", "a.png", "image/png", pngBytes(t)))

		assert.Equal(t, http.StatusInternalServerError, rec.Code)
		assert.Equal(t, ErrorBody{Error: "internal server error", Detail: "boom"}, decode[ErrorBody](t, rec))
	})
}

func TestCORS(t *testing.T) {
	s, _ := newTestServer(t, &fakePredictor{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set("Origin", "http://example.org")
	rec := httptest.NewRecorder()
	s.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusOK, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Access-Control-Allow-Origin"))
}
