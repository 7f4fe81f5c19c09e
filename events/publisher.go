// Package events publishes download task transitions to a Redis stream.
package events

import (
	"context"
	"log/slog"
	"strconv"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/caio-sobreiro/dicomfetch/download"
)

const (
	DefaultStream = "dicomfetch:tasks"
	DefaultMaxLen = 10000
)

// Option configures a Publisher.
type Option func(*Publisher)

// WithLogger overrides the logger used by the publisher.
func WithLogger(logger *slog.Logger) Option {
	return func(p *Publisher) {
		p.logger = logger
	}
}

// WithStream sets the stream key.
func WithStream(stream string) Option {
	return func(p *Publisher) {
		if stream != "" {
			p.stream = stream
		}
	}
}

// WithMaxLen caps the stream length (approximate trimming).
func WithMaxLen(n int64) Option {
	return func(p *Publisher) {
		p.maxLen = n
	}
}

// WithTimeout bounds each XADD.
func WithTimeout(d time.Duration) Option {
	return func(p *Publisher) {
		if d > 0 {
			p.timeout = d
		}
	}
}

// Publisher appends one stream entry per task transition. It implements
// download.Listener; publish failures are logged and dropped.
type Publisher struct {
	client  *redis.Client
	stream  string
	maxLen  int64
	timeout time.Duration
	logger  *slog.Logger
	now     func() time.Time
}

// NewPublisher creates a publisher writing through client.
func NewPublisher(client *redis.Client, opts ...Option) *Publisher {
	p := &Publisher{
		client:  client,
		stream:  DefaultStream,
		maxLen:  DefaultMaxLen,
		timeout: 2 * time.Second,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.logger == nil {
		p.logger = slog.Default()
	}
	return p
}

// TaskChanged implements download.Listener.
func (p *Publisher) TaskChanged(task *download.Task, state download.State) {
	ctx, cancel := context.WithTimeout(context.Background(), p.timeout)
	defer cancel()

	if _, err := p.Publish(ctx, task, state); err != nil {
		p.logger.Warn("Failed to publish task event",
			"stream", p.stream,
			"task_id", task.ID,
			"state", state.String(),
			"error", err)
	}
}

// Publish appends the transition of task to the stream and returns the
// entry ID.
func (p *Publisher) Publish(ctx context.Context, task *download.Task, state download.State) (string, error) {
	values := map[string]interface{}{
		"task_id":    task.ID.String(),
		"series_uid": task.SeriesUID,
		"study_uid":  task.StudyUID,
		"state":      state.String(),
		"tier":       strconv.Itoa(task.Priority().Tier),
		"timestamp":  strconv.FormatInt(p.now().UnixMilli(), 10),
	}
	if state.Terminal() {
		if err := task.Err(); err != nil {
			values["error"] = err.Error()
		}
	}

	args := &redis.XAddArgs{
		Stream: p.stream,
		Values: values,
	}
	if p.maxLen > 0 {
		args.MaxLen = p.maxLen
		args.Approx = true
	}
	return p.client.XAdd(ctx, args).Result()
}

var _ download.Listener = (*Publisher)(nil)
