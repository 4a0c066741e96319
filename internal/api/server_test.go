package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"image"
	"image/color"
	"image/png"
	"io"
	"mime/multipart"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"testing"
	"time"

	miniredis "github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/TheAhmadOsman/4o-ghibli-at-home/internal/config"
	"github.com/TheAhmadOsman/4o-ghibli-at-home/internal/models"
	"github.com/TheAhmadOsman/4o-ghibli-at-home/internal/queue"
	"github.com/TheAhmadOsman/4o-ghibli-at-home/internal/registry"
	"github.com/TheAhmadOsman/4o-ghibli-at-home/internal/store"
)

type apiFixture struct {
	router       http.Handler
	registry     *registry.Registry
	artifacts    store.ArtifactStore
	profilesFile string
}

func newAPIFixture(t *testing.T, capacity int) *apiFixture {
	t.Helper()
	mr, err := miniredis.Run()
	if err != nil {
		t.Fatalf("miniredis: %v", err)
	}
	t.Cleanup(mr.Close)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	artifacts, err := store.NewFileStore(t.TempDir())
	if err != nil {
		t.Fatalf("file store: %v", err)
	}

	profilesFile := filepath.Join(t.TempDir(), "profiles.json")
	cfg := config.Config{
		MaxQueueSize:         capacity,
		JobResultTTL:         15 * time.Minute,
		ProfilesFile:         profilesFile,
		MaxUploadMB:          10,
		DefaultWidth:         1024,
		DefaultHeight:        1024,
		DefaultSteps:         28,
		DefaultGuidanceScale: 2.5,
		DefaultTrueCFGScale:  1.0,
	}
	gate := queue.NewGate(client, capacity)
	reg := registry.New(client, cfg.JobResultTTL)
	server := New(cfg, gate, reg, artifacts, zerolog.Nop())
	return &apiFixture{
		router:       server.Router(),
		registry:     reg,
		artifacts:    artifacts,
		profilesFile: profilesFile,
	}
}

func uploadPNG(t *testing.T) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, 4, 4))
	for y := 0; y < 4; y++ {
		for x := 0; x < 4; x++ {
			img.Set(x, y, color.RGBA{R: 200, G: 100, B: 50, A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func multipartRequest(t *testing.T, filename string, fileBytes []byte, fields map[string]string) *http.Request {
	t.Helper()
	body := &bytes.Buffer{}
	writer := multipart.NewWriter(body)
	if filename != "" {
		part, err := writer.CreateFormFile("image", filename)
		if err != nil {
			t.Fatalf("create form file: %v", err)
		}
		if _, err := part.Write(fileBytes); err != nil {
			t.Fatalf("write form file: %v", err)
		}
	}
	for k, v := range fields {
		if err := writer.WriteField(k, v); err != nil {
			t.Fatalf("write field: %v", err)
		}
	}
	if err := writer.Close(); err != nil {
		t.Fatalf("close writer: %v", err)
	}
	req := httptest.NewRequest(http.MethodPost, "/process-image", body)
	req.Header.Set("Content-Type", writer.FormDataContentType())
	return req
}

func (f *apiFixture) submitJob(t *testing.T, fields map[string]string) string {
	t.Helper()
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, multipartRequest(t, "photo.png", uploadPNG(t), fields))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202, got %d: %s", rec.Code, rec.Body.String())
	}
	var resp struct {
		JobID     string `json:"job_id"`
		StatusURL string `json:"status_url"`
		ResultURL string `json:"result_url"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode response: %v", err)
	}
	if resp.JobID == "" {
		t.Fatal("missing job_id")
	}
	if resp.StatusURL != "/status/"+resp.JobID || resp.ResultURL != "/result/"+resp.JobID {
		t.Fatalf("bad follow-up urls: %+v", resp)
	}
	return resp.JobID
}

func TestSubmitAndStatus(t *testing.T) {
	f := newAPIFixture(t, 10)
	id := f.submitJob(t, map[string]string{
		"prompt": "ghibli style",
		"width":  "512",
		"height": "512",
		"seed":   "1234",
	})

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status/"+id, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var status struct {
		JobID         string `json:"job_id"`
		Status        string `json:"status"`
		QueuePosition *int   `json:"queue_position"`
		EnqueueTime   string `json:"enqueue_time"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
		t.Fatalf("decode status: %v", err)
	}
	if status.Status != models.StatusQueued {
		t.Fatalf("expected queued, got %s", status.Status)
	}
	if status.QueuePosition == nil || *status.QueuePosition != 1 {
		t.Fatalf("expected sole queued job at position 1, got %v", status.QueuePosition)
	}
	if status.EnqueueTime == "" {
		t.Fatal("missing enqueue_time")
	}

	// The typed params survive admission intact.
	job, err := f.registry.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("registry get: %v", err)
	}
	if job.Params.Prompt != "ghibli style" || job.Params.Width != 512 || job.Params.Seed != 1234 {
		t.Fatalf("params mangled: %+v", job.Params)
	}
	if len(job.Params.SourceImage) == 0 {
		t.Fatal("source image not captured")
	}
}

func TestSubmitDefaults(t *testing.T) {
	f := newAPIFixture(t, 10)
	id := f.submitJob(t, nil)

	job, err := f.registry.Get(context.Background(), id)
	if err != nil {
		t.Fatalf("registry get: %v", err)
	}
	p := job.Params
	if p.Width != 1024 || p.Height != 1024 || p.Steps != 28 {
		t.Fatalf("defaults not applied: %+v", p)
	}
	if p.GuidanceScale != 2.5 || p.TrueCFGScale != 1.0 {
		t.Fatalf("scale defaults not applied: %+v", p)
	}
}

func TestSubmitValidation(t *testing.T) {
	f := newAPIFixture(t, 10)

	cases := []struct {
		name string
		req  *http.Request
	}{
		{"missing file", multipartRequest(t, "", nil, map[string]string{"prompt": "x"})},
		{"bad extension", multipartRequest(t, "notes.txt", []byte("hello"), nil)},
		{"corrupt image", multipartRequest(t, "photo.png", []byte("not a png"), nil)},
		{"width not multiple of 8", multipartRequest(t, "photo.png", uploadPNG(t), map[string]string{"width": "100"})},
		{"non-numeric steps", multipartRequest(t, "photo.png", uploadPNG(t), map[string]string{"num_inference_steps": "many"})},
		{"negative seed", multipartRequest(t, "photo.png", uploadPNG(t), map[string]string{"seed": "-4"})},
	}
	for _, tc := range cases {
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, tc.req)
		if rec.Code != http.StatusBadRequest {
			t.Errorf("%s: expected 400, got %d: %s", tc.name, rec.Code, rec.Body.String())
		}
	}
}

func TestSubmitQueueFull(t *testing.T) {
	f := newAPIFixture(t, 2)
	f.submitJob(t, nil)
	f.submitJob(t, nil)

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, multipartRequest(t, "photo.png", uploadPNG(t), nil))
	if rec.Code != http.StatusServiceUnavailable {
		t.Fatalf("expected 503, got %d", rec.Code)
	}
}

func TestStatusUnknownJob(t *testing.T) {
	f := newAPIFixture(t, 10)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status/no-such-job", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", rec.Code)
	}
}

func TestResultLifecycle(t *testing.T) {
	ctx := context.Background()
	f := newAPIFixture(t, 10)
	id := f.submitJob(t, nil)

	// Still queued: not ready yet.
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/result/"+id, nil))
	if rec.Code != http.StatusAccepted {
		t.Fatalf("expected 202 while queued, got %d", rec.Code)
	}

	// Drive the job to completion the way a worker slot would.
	if err := f.registry.MarkProcessing(ctx, id, time.Now().UTC()); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	artifact := uploadPNG(t)
	ref, err := f.artifacts.Put(ctx, id, artifact)
	if err != nil {
		t.Fatalf("put artifact: %v", err)
	}
	if err := f.registry.MarkCompleted(ctx, id, ref, time.Now().UTC()); err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	rec = httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/result/"+id, nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "image/png" {
		t.Fatalf("expected image/png, got %s", ct)
	}
	body, _ := io.ReadAll(rec.Body)
	if !bytes.Equal(body, artifact) {
		t.Fatal("artifact bytes mangled in transit")
	}
}

func TestResultFailedJob(t *testing.T) {
	ctx := context.Background()
	f := newAPIFixture(t, 10)
	id := f.submitJob(t, nil)

	if err := f.registry.MarkProcessing(ctx, id, time.Now().UTC()); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	if err := f.registry.MarkFailed(ctx, id, "insufficient GPU memory", time.Now().UTC()); err != nil {
		t.Fatalf("mark failed: %v", err)
	}

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/result/"+id, nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500, got %d", rec.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode error body: %v", err)
	}
	if resp["error"] != "insufficient GPU memory" {
		t.Fatalf("expected error detail, got %q", resp["error"])
	}
}

func TestResultMissingArtifact(t *testing.T) {
	ctx := context.Background()
	f := newAPIFixture(t, 10)
	id := f.submitJob(t, nil)

	// Completed in the registry, but the artifact never landed.
	if err := f.registry.MarkProcessing(ctx, id, time.Now().UTC()); err != nil {
		t.Fatalf("mark processing: %v", err)
	}
	if err := f.registry.MarkCompleted(ctx, id, "gone.png", time.Now().UTC()); err != nil {
		t.Fatalf("mark completed: %v", err)
	}

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/result/"+id, nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("expected 500 for missing artifact, got %d", rec.Code)
	}
}

func TestConfigEndpoint(t *testing.T) {
	f := newAPIFixture(t, 10)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/config", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d", rec.Code)
	}
	var resp map[string]string
	if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
		t.Fatalf("decode: %v", err)
	}
	if _, ok := resp["apiBaseUrl"]; !ok {
		t.Fatal("missing apiBaseUrl")
	}
}

func TestProfilesEndpoint(t *testing.T) {
	f := newAPIFixture(t, 10)
	catalog := `[{"id":"ghibli","name":"Ghibli","preview":"/previews/ghibli.png","tags":["anime"],"model_id":"flux","lora":"ghibli-v2","seed":42,"prompt":"ghibli style","negative_prompt":"photo"}]`
	if err := os.WriteFile(f.profilesFile, []byte(catalog), 0o644); err != nil {
		t.Fatalf("write profiles: %v", err)
	}

	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/profiles", nil))
	if rec.Code != http.StatusOK {
		t.Fatalf("expected 200, got %d: %s", rec.Code, rec.Body.String())
	}
	if ct := rec.Header().Get("Content-Type"); ct != "application/json" {
		t.Fatalf("expected application/json, got %s", ct)
	}
	var profiles []struct {
		ID   string `json:"id"`
		Name string `json:"name"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &profiles); err != nil {
		t.Fatalf("decode profiles: %v", err)
	}
	if len(profiles) != 1 || profiles[0].ID != "ghibli" {
		t.Fatalf("catalog mangled: %+v", profiles)
	}
}

func TestProfilesFileMissing(t *testing.T) {
	f := newAPIFixture(t, 10)
	rec := httptest.NewRecorder()
	f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/profiles", nil))
	if rec.Code != http.StatusNotFound {
		t.Fatalf("expected 404 without a profiles file, got %d", rec.Code)
	}
}

func TestPositionsFollowSubmissionOrder(t *testing.T) {
	f := newAPIFixture(t, 10)
	var ids []string
	for i := 0; i < 3; i++ {
		ids = append(ids, f.submitJob(t, map[string]string{"prompt": fmt.Sprintf("p%d", i)}))
	}
	for i, id := range ids {
		rec := httptest.NewRecorder()
		f.router.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/status/"+id, nil))
		var status struct {
			QueuePosition *int `json:"queue_position"`
		}
		if err := json.Unmarshal(rec.Body.Bytes(), &status); err != nil {
			t.Fatalf("decode: %v", err)
		}
		if status.QueuePosition == nil || *status.QueuePosition != i+1 {
			t.Fatalf("job %d: expected position %d, got %v", i, i+1, status.QueuePosition)
		}
	}
}
