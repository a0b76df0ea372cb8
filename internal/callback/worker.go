package callback

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"time"

	"github.com/hibiken/asynq"

	"github.com/genropy/genro-wopi/internal/config"
)

// NewServer builds the asynq.Server that processes queued callback
// retries, with an exponential backoff capped per spec.md §4.7's
// base/max-backoff configuration rather than asynq's own default curve.
func NewServer(redisOpt asynq.RedisConnOpt, cfg config.CallbackConfig) *asynq.Server {
	base := cfg.BaseBackoff
	if base <= 0 {
		base = time.Second
	}
	maxDelay := cfg.MaxBackoff
	if maxDelay <= 0 {
		maxDelay = 60 * time.Second
	}

	return asynq.NewServer(redisOpt, asynq.Config{
		Concurrency: 8,
		Queues: map[string]int{
			"callbacks": 1,
		},
		RetryDelayFunc: func(n int, _ error, _ *asynq.Task) time.Duration {
			delay := time.Duration(float64(base) * math.Pow(2, float64(n)))
			if delay > maxDelay {
				delay = maxDelay
			}
			return delay
		},
	})
}

// NewMux wires the callback task handlers into an asynq.ServeMux.
func NewMux(d *Dispatcher) *asynq.ServeMux {
	mux := asynq.NewServeMux()
	mux.HandleFunc(TaskTypeDeliver, d.handleDeliverTask)
	return mux
}

// handleDeliverTask is the asynq handler invoked for every retried
// delivery; a returned error triggers another retry up to the task's
// MaxRetry, after which asynq moves it to the dead-letter archive.
func (d *Dispatcher) handleDeliverTask(ctx context.Context, t *asynq.Task) error {
	var task asynqPayload
	if err := json.Unmarshal(t.Payload(), &task); err != nil {
		return fmt.Errorf("decode callback retry payload: %w", err)
	}
	return d.post(ctx, task)
}
