package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/TheAhmadOsman/4o-ghibli-at-home/internal/models"
)

// Redis key layout shared with the admission gate.
const (
	jobKeyPrefix = "imagegen:job:"

	// PendingKey is the FIFO list of queued job IDs, in submission order.
	PendingKey = "imagegen:pending"
	// ActiveKey counts jobs in {queued, processing} for admission control.
	ActiveKey = "imagegen:active"
)

// Job hash field names. The admission script writes these, the registry reads
// them back; keep the two in sync.
const (
	FieldID       = "id"
	FieldStatus   = "status"
	FieldParams   = "params"
	FieldSubmitMS = "submit_ms"
	FieldStartMS  = "start_ms"
	FieldFinishMS = "finish_ms"
	FieldResult   = "result_ref"
	FieldError    = "error"
)

// ErrNotFound is returned for unknown or expired job IDs.
var ErrNotFound = errors.New("job not found")

// JobKey returns the Redis key of a job's hash.
func JobKey(id string) string {
	return jobKeyPrefix + id
}

// Registry is the single source of truth for job status. Records live in
// Redis hashes; terminal records expire after the configured result TTL, so
// the registry's lifetime is exactly the backing store's.
type Registry struct {
	client    *redis.Client
	resultTTL time.Duration
}

// New wraps an existing Redis client.
func New(client *redis.Client, resultTTL time.Duration) *Registry {
	return &Registry{client: client, resultTTL: resultTTL}
}

// Get fetches a job by ID.
func (r *Registry) Get(ctx context.Context, id string) (models.Job, error) {
	fields, err := r.client.HGetAll(ctx, JobKey(id)).Result()
	if err != nil {
		return models.Job{}, fmt.Errorf("fetch job %s: %w", id, err)
	}
	if len(fields) == 0 {
		return models.Job{}, ErrNotFound
	}
	return decodeJob(fields)
}

// MarkProcessing transitions a queued job to processing and stamps its start
// time. The transition is refused for any other current status.
func (r *Registry) MarkProcessing(ctx context.Context, id string, start time.Time) error {
	res, err := markProcessingScript.Run(ctx, r.client,
		[]string{JobKey(id)},
		strconv.FormatInt(start.UnixMilli(), 10),
	).Int()
	if err != nil {
		return fmt.Errorf("mark processing %s: %w", id, err)
	}
	if res != 1 {
		return fmt.Errorf("mark processing %s: job is not queued", id)
	}
	return nil
}

// MarkCompleted records a successful outcome: terminal status, finish time,
// result reference, record TTL, and release of the job's occupancy slot.
func (r *Registry) MarkCompleted(ctx context.Context, id, resultRef string, finish time.Time) error {
	return r.finish(ctx, id, models.StatusCompleted, FieldResult, resultRef, finish)
}

// MarkFailed records a failed outcome with the error message.
func (r *Registry) MarkFailed(ctx context.Context, id, message string, finish time.Time) error {
	return r.finish(ctx, id, models.StatusFailed, FieldError, message, finish)
}

func (r *Registry) finish(ctx context.Context, id, status, field, value string, finish time.Time) error {
	res, err := finishScript.Run(ctx, r.client,
		[]string{JobKey(id), ActiveKey},
		status,
		strconv.FormatInt(finish.UnixMilli(), 10),
		field,
		value,
		strconv.FormatInt(r.resultTTL.Milliseconds(), 10),
	).Int()
	if err != nil {
		return fmt.Errorf("mark %s %s: %w", status, id, err)
	}
	if res != 1 {
		return fmt.Errorf("mark %s %s: job is not processing", status, id)
	}
	return nil
}

// ReleaseSlot returns an occupancy slot without a terminal transition, for
// dequeued jobs that cannot be executed (the record expired while the ID sat
// in the queue). The counter never goes below zero.
func (r *Registry) ReleaseSlot(ctx context.Context) error {
	if err := releaseScript.Run(ctx, r.client, []string{ActiveKey}).Err(); err != nil {
		return fmt.Errorf("release occupancy slot: %w", err)
	}
	return nil
}

// ActiveCount reports how many jobs currently hold an occupancy slot.
func (r *Registry) ActiveCount(ctx context.Context) (int, error) {
	v, err := r.client.Get(ctx, ActiveKey).Int()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	if err != nil {
		return 0, fmt.Errorf("read active count: %w", err)
	}
	return v, nil
}

func decodeJob(fields map[string]string) (models.Job, error) {
	job := models.Job{
		ID:        fields[FieldID],
		Status:    fields[FieldStatus],
		ResultRef: fields[FieldResult],
		Error:     fields[FieldError],
	}
	if raw := fields[FieldParams]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &job.Params); err != nil {
			return models.Job{}, fmt.Errorf("unmarshal params for job %s: %w", job.ID, err)
		}
	}
	submit, err := parseMillis(fields[FieldSubmitMS])
	if err != nil {
		return models.Job{}, fmt.Errorf("job %s: %w", job.ID, err)
	}
	job.SubmitTime = submit
	if v := fields[FieldStartMS]; v != "" {
		t, err := parseMillis(v)
		if err != nil {
			return models.Job{}, fmt.Errorf("job %s: %w", job.ID, err)
		}
		job.StartTime = &t
	}
	if v := fields[FieldFinishMS]; v != "" {
		t, err := parseMillis(v)
		if err != nil {
			return models.Job{}, fmt.Errorf("job %s: %w", job.ID, err)
		}
		job.FinishTime = &t
	}
	return job, nil
}

func parseMillis(v string) (time.Time, error) {
	ms, err := strconv.ParseInt(v, 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("parse timestamp %q: %w", v, err)
	}
	return time.UnixMilli(ms).UTC(), nil
}

var markProcessingScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'queued' then
  return 0
end
redis.call('HSET', KEYS[1], 'status', 'processing', 'start_ms', ARGV[1])
return 1
`)

var releaseScript = redis.NewScript(`
local active = redis.call('DECR', KEYS[1])
if active < 0 then
  redis.call('SET', KEYS[1], '0')
end
return active
`)

var finishScript = redis.NewScript(`
if redis.call('HGET', KEYS[1], 'status') ~= 'processing' then
  return 0
end
redis.call('HSET', KEYS[1], 'status', ARGV[1], 'finish_ms', ARGV[2], ARGV[3], ARGV[4])
if tonumber(ARGV[5]) > 0 then
  redis.call('PEXPIRE', KEYS[1], ARGV[5])
end
local active = redis.call('DECR', KEYS[2])
if active < 0 then
  redis.call('SET', KEYS[2], '0')
end
return 1
`)
