package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"math/rand"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/disintegration/imaging"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/rs/zerolog"
	_ "golang.org/x/image/webp"

	"github.com/TheAhmadOsman/4o-ghibli-at-home/internal/config"
	"github.com/TheAhmadOsman/4o-ghibli-at-home/internal/models"
	"github.com/TheAhmadOsman/4o-ghibli-at-home/internal/queue"
	"github.com/TheAhmadOsman/4o-ghibli-at-home/internal/registry"
	"github.com/TheAhmadOsman/4o-ghibli-at-home/internal/store"
	"github.com/TheAhmadOsman/4o-ghibli-at-home/internal/telemetry"
)

var allowedExtensions = map[string]bool{
	".png":  true,
	".jpg":  true,
	".jpeg": true,
	".webp": true,
}

// Server wires the HTTP handlers for job submission and retrieval.
type Server struct {
	cfg       config.Config
	gate      *queue.Gate
	registry  *registry.Registry
	artifacts store.ArtifactStore
	logger    zerolog.Logger
}

// New constructs the API server.
func New(cfg config.Config, gate *queue.Gate, reg *registry.Registry, artifacts store.ArtifactStore, logger zerolog.Logger) *Server {
	return &Server{
		cfg:       cfg,
		gate:      gate,
		registry:  reg,
		artifacts: artifacts,
		logger:    logger,
	}
}

// Router builds the HTTP router.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger(s.logger))

	r.Get("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte(`{"status":"ok"}`))
	})
	r.Mount("/metrics", telemetry.Handler())

	r.Get("/config", func(w http.ResponseWriter, _ *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"apiBaseUrl": ""})
	})
	r.Get("/profiles", s.handleProfiles)
	r.Post("/process-image", s.handleSubmit)
	r.Get("/status/{jobID}", s.handleStatus)
	r.Get("/result/{jobID}", s.handleResult)
	return r
}

// handleProfiles serves the curated style-profile catalog the frontend offers
// as presets. The file is read per request so edits are picked up without a
// restart.
func (s *Server) handleProfiles(w http.ResponseWriter, _ *http.Request) {
	data, err := os.ReadFile(s.cfg.ProfilesFile)
	if errors.Is(err, os.ErrNotExist) {
		writeError(w, http.StatusNotFound, "Profiles file not found.")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("path", s.cfg.ProfilesFile).Msg("read profiles failed")
		writeError(w, http.StatusInternalServerError, "Failed to read profiles.")
		return
	}
	if !json.Valid(data) {
		s.logger.Error().Str("path", s.cfg.ProfilesFile).Msg("profiles file is not valid JSON")
		writeError(w, http.StatusInternalServerError, "Profiles file is corrupt.")
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(data)
}

type submitResponse struct {
	Message   string `json:"message"`
	JobID     string `json:"job_id"`
	StatusURL string `json:"status_url"`
	ResultURL string `json:"result_url"`
}

func (s *Server) handleSubmit(w http.ResponseWriter, r *http.Request) {
	maxBytes := int64(s.cfg.MaxUploadMB) * 1024 * 1024
	r.Body = http.MaxBytesReader(w, r.Body, maxBytes)
	if err := r.ParseMultipartForm(maxBytes); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			writeError(w, http.StatusRequestEntityTooLarge,
				fmt.Sprintf("Payload too large. Max size is %dMB.", s.cfg.MaxUploadMB))
			return
		}
		writeError(w, http.StatusBadRequest, "Request must be multipart/form-data.")
		return
	}

	params, err := s.parseParams(r)
	if err != nil {
		s.logger.Warn().Err(err).Str("remote", r.RemoteAddr).Msg("bad submission")
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	id := uuid.New().String()
	if err := s.gate.Submit(r.Context(), id, params); err != nil {
		if errors.Is(err, queue.ErrQueueFull) {
			telemetry.JobsRejected.Inc()
			writeError(w, http.StatusServiceUnavailable,
				"Server is currently busy. Please try again later.")
			return
		}
		s.logger.Error().Err(err).Msg("admission failed")
		writeError(w, http.StatusInternalServerError, "Failed to queue the job.")
		return
	}
	telemetry.JobsSubmitted.Inc()
	s.logger.Info().Str("job_id", id).Msg("job accepted")

	writeJSON(w, http.StatusAccepted, submitResponse{
		Message:   "Request accepted and queued for processing.",
		JobID:     id,
		StatusURL: "/status/" + id,
		ResultURL: "/result/" + id,
	})
}

// parseParams validates the upload and form fields and builds the typed
// parameter set: the source image is normalized to PNG, numeric fields fall
// back to configured defaults, and a random seed is drawn when none is given.
func (s *Server) parseParams(r *http.Request) (models.GenerationParams, error) {
	var params models.GenerationParams

	file, header, err := r.FormFile("image")
	if err != nil {
		return params, errors.New("no 'image' file part in the request")
	}
	defer file.Close()

	ext := strings.ToLower(filepath.Ext(header.Filename))
	if !allowedExtensions[ext] {
		return params, fmt.Errorf("invalid file type %q, allowed: png, jpg, jpeg, webp", ext)
	}

	img, err := imaging.Decode(file)
	if err != nil {
		return params, errors.New("the uploaded file is not a valid image")
	}
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.PNG); err != nil {
		return params, fmt.Errorf("re-encode upload: %w", err)
	}
	params.SourceImage = buf.Bytes()

	form := r.MultipartForm.Value
	params.Prompt = formValue(form, "prompt")
	params.Prompt2 = formValue(form, "prompt_2")
	params.NegativePrompt = formValue(form, "negative_prompt")
	params.NegativePrompt2 = formValue(form, "negative_prompt_2")

	if params.Width, err = formInt(form, "width", s.cfg.DefaultWidth); err != nil {
		return params, err
	}
	if params.Height, err = formInt(form, "height", s.cfg.DefaultHeight); err != nil {
		return params, err
	}
	if params.Steps, err = formInt(form, "num_inference_steps", s.cfg.DefaultSteps); err != nil {
		return params, err
	}
	if params.GuidanceScale, err = formFloat(form, "guidance_scale", s.cfg.DefaultGuidanceScale); err != nil {
		return params, err
	}
	if params.TrueCFGScale, err = formFloat(form, "true_cfg_scale", s.cfg.DefaultTrueCFGScale); err != nil {
		return params, err
	}

	if v := formValue(form, "seed"); v != "" {
		seed, err := strconv.ParseUint(v, 10, 32)
		if err != nil {
			return params, fmt.Errorf("seed must be an unsigned 32-bit integer, got %q", v)
		}
		params.Seed = uint32(seed)
	} else {
		params.Seed = rand.Uint32()
	}

	if err := params.Validate(); err != nil {
		return params, err
	}
	return params, nil
}

type statusResponse struct {
	JobID         string     `json:"job_id"`
	Status        string     `json:"status"`
	QueuePosition *int       `json:"queue_position,omitempty"`
	ResultRef     string     `json:"result_ref,omitempty"`
	Error         string     `json:"error,omitempty"`
	EnqueueTime   time.Time  `json:"enqueue_time"`
	StartTime     *time.Time `json:"start_time,omitempty"`
	FinishTime    *time.Time `json:"finish_time,omitempty"`
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	job, err := s.registry.Get(r.Context(), id)
	if errors.Is(err, registry.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Job ID not found.")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", id).Msg("status lookup failed")
		writeError(w, http.StatusInternalServerError, "Failed to look up job.")
		return
	}

	resp := statusResponse{
		JobID:       job.ID,
		Status:      job.Status,
		ResultRef:   job.ResultRef,
		Error:       job.Error,
		EnqueueTime: job.SubmitTime,
		StartTime:   job.StartTime,
		FinishTime:  job.FinishTime,
	}
	if job.Status == models.StatusQueued {
		if pos, ok, err := s.gate.Position(r.Context(), id); err == nil && ok {
			resp.QueuePosition = &pos
		}
	}
	writeJSON(w, http.StatusOK, resp)
}

func (s *Server) handleResult(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "jobID")
	job, err := s.registry.Get(r.Context(), id)
	if errors.Is(err, registry.ErrNotFound) {
		writeError(w, http.StatusNotFound, "Job ID not found.")
		return
	}
	if err != nil {
		s.logger.Error().Err(err).Str("job_id", id).Msg("result lookup failed")
		writeError(w, http.StatusInternalServerError, "Failed to look up job.")
		return
	}

	switch job.Status {
	case models.StatusCompleted:
		data, err := s.artifacts.Get(r.Context(), id)
		if errors.Is(err, store.ErrNotFound) {
			// Completed without an artifact means the store lost data.
			s.logger.Error().Str("job_id", id).Str("result_ref", job.ResultRef).
				Msg("integrity failure: completed job has no artifact")
			writeError(w, http.StatusInternalServerError, "Result file is missing.")
			return
		}
		if err != nil {
			s.logger.Error().Err(err).Str("job_id", id).Msg("artifact read failed")
			writeError(w, http.StatusInternalServerError, "Failed to read result.")
			return
		}
		w.Header().Set("Content-Type", "image/png")
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write(data)
	case models.StatusFailed:
		writeError(w, http.StatusInternalServerError, job.Error)
	default:
		writeError(w, http.StatusAccepted,
			fmt.Sprintf("Job not complete. Status: %s", job.Status))
	}
}

func formValue(form map[string][]string, key string) string {
	if vs := form[key]; len(vs) > 0 {
		return strings.TrimSpace(vs[0])
	}
	return ""
}

func formInt(form map[string][]string, key string, def int) (int, error) {
	v := formValue(form, key)
	if v == "" {
		return def, nil
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s must be an integer, got %q", key, v)
	}
	return i, nil
}

func formFloat(form map[string][]string, key string, def float64) (float64, error) {
	v := formValue(form, key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s must be a number, got %q", key, v)
	}
	return f, nil
}

// requestLogger logs each request except the status-poll and health-check
// noise.
func requestLogger(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			next.ServeHTTP(w, r)
			if strings.HasPrefix(r.URL.Path, "/status/") || r.URL.Path == "/healthz" {
				return
			}
			logger.Info().Str("method", r.Method).Str("path", r.URL.Path).
				Dur("duration", time.Since(start)).Msg("request")
		})
	}
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, msg string) {
	writeJSON(w, code, map[string]string{"error": msg})
}
