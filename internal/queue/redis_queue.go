package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/TheAhmadOsman/4o-ghibli-at-home/internal/models"
	"github.com/TheAhmadOsman/4o-ghibli-at-home/internal/registry"
)

// ErrQueueFull signals that the queued+processing ceiling has been reached.
var ErrQueueFull = errors.New("capacity_exceeded: job queue is full")

// Gate admits jobs into a bounded FIFO queue backed by Redis. The capacity
// check, job-record creation, and enqueue happen in one Lua script, so two
// racing submissions can never both take the last slot.
type Gate struct {
	client       *redis.Client
	maxQueueSize int
}

// NewGate builds the admission gate on an existing Redis client.
func NewGate(client *redis.Client, maxQueueSize int) *Gate {
	return &Gate{client: client, maxQueueSize: maxQueueSize}
}

// Submit admits a job with the given ID and parameters. On acceptance the job
// record exists with status queued and the ID sits at the tail of the pending
// list; on rejection nothing is written.
func (g *Gate) Submit(ctx context.Context, id string, params models.GenerationParams) error {
	payload, err := json.Marshal(params)
	if err != nil {
		return fmt.Errorf("marshal params: %w", err)
	}
	res, err := admitScript.Run(ctx, g.client,
		[]string{registry.ActiveKey, registry.JobKey(id), registry.PendingKey},
		g.maxQueueSize,
		id,
		payload,
		strconv.FormatInt(time.Now().UnixMilli(), 10),
	).Int()
	if err != nil {
		return fmt.Errorf("admit job %s: %w", id, err)
	}
	if res != 1 {
		return ErrQueueFull
	}
	return nil
}

// Dequeue blocks until a queued job is available or the wait elapses. It
// returns an empty ID when nothing arrived in time.
func (g *Gate) Dequeue(ctx context.Context, wait time.Duration) (string, error) {
	res, err := g.client.BLPop(ctx, wait, registry.PendingKey).Result()
	if errors.Is(err, redis.Nil) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("dequeue: %w", err)
	}
	// BLPOP returns [key, value].
	if len(res) != 2 {
		return "", fmt.Errorf("dequeue: unexpected reply length %d", len(res))
	}
	return res[1], nil
}

// Position returns the 1-based rank of a queued job among all currently
// queued jobs, in submission order. The second return is false for jobs in
// any other state, including unknown IDs. The rank is a hint: other jobs may
// be admitted or dequeued between the query and the actual dequeue.
func (g *Gate) Position(ctx context.Context, id string) (int, bool, error) {
	ids, err := g.client.LRange(ctx, registry.PendingKey, 0, -1).Result()
	if err != nil {
		return 0, false, fmt.Errorf("read pending list: %w", err)
	}
	for i, pending := range ids {
		if pending == id {
			return i + 1, true, nil
		}
	}
	return 0, false, nil
}

// Depth returns the number of jobs waiting in the queue.
func (g *Gate) Depth(ctx context.Context) (int64, error) {
	n, err := g.client.LLen(ctx, registry.PendingKey).Result()
	if err != nil {
		return 0, fmt.Errorf("queue depth: %w", err)
	}
	return n, nil
}

var admitScript = redis.NewScript(`
local active = tonumber(redis.call('GET', KEYS[1]) or '0')
if active >= tonumber(ARGV[1]) then
  return 0
end
redis.call('INCR', KEYS[1])
redis.call('HSET', KEYS[2], 'id', ARGV[2], 'status', 'queued', 'params', ARGV[3], 'submit_ms', ARGV[4])
redis.call('RPUSH', KEYS[3], ARGV[2])
return 1
`)
