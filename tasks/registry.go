// Package tasks runs impersonation maintenance as Asynq background tasks.
package tasks

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/hibiken/asynq"
	"github.com/rs/zerolog/log"
)

// Client wraps an Asynq client for enqueuing tasks.
type Client struct {
	client *asynq.Client
}

// NewClient creates a new task client.
func NewClient(redisAddr, redisPassword string, redisDB int) *Client {
	client := asynq.NewClient(asynq.RedisClientOpt{
		Addr:     redisAddr,
		Password: redisPassword,
		DB:       redisDB,
	})
	return &Client{client: client}
}

// Close closes the task client.
func (c *Client) Close() error {
	return c.client.Close()
}

// Enqueue enqueues a task with the given type and payload.
func (c *Client) Enqueue(taskType string, payload interface{}, opts ...asynq.Option) (*asynq.TaskInfo, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshaling task payload: %w", err)
	}

	task := asynq.NewTask(taskType, data)
	info, err := c.client.Enqueue(task, opts...)
	if err != nil {
		return nil, fmt.Errorf("enqueuing task: %w", err)
	}

	log.Info().
		Str("task_type", taskType).
		Str("task_id", info.ID).
		Msg("Task enqueued")

	return info, nil
}

// Server wraps an Asynq server for processing tasks.
type Server struct {
	server *asynq.Server
	mux    *asynq.ServeMux
}

// ServerConfig holds configuration for the task server.
type ServerConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	Concurrency   int
	Queues        map[string]int // Queue name -> priority
}

// DefaultServerConfig returns a default server configuration.
func DefaultServerConfig(redisAddr, redisPassword string, redisDB int) *ServerConfig {
	return &ServerConfig{
		RedisAddr:     redisAddr,
		RedisPassword: redisPassword,
		RedisDB:       redisDB,
		Concurrency:   10,
		Queues: map[string]int{
			QueueCleanup: 1,
		},
	}
}

// NewServer creates a new task server.
func NewServer(cfg *ServerConfig) *Server {
	server := asynq.NewServer(
		asynq.RedisClientOpt{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
		},
		asynq.Config{
			Concurrency: cfg.Concurrency,
			Queues:      cfg.Queues,
			ErrorHandler: asynq.ErrorHandlerFunc(func(ctx context.Context, task *asynq.Task, err error) {
				log.Error().
					Err(err).
					Str("task_type", task.Type()).
					Bytes("payload", task.Payload()).
					Msg("Task failed")
			}),
		},
	)

	return &Server{
		server: server,
		mux:    asynq.NewServeMux(),
	}
}

// Handle registers a handler for the given task type.
func (s *Server) Handle(taskType string, handler asynq.Handler) {
	s.mux.Handle(taskType, handler)
	log.Debug().Str("task_type", taskType).Msg("Registered task handler")
}

// Run processes tasks until ctx is cancelled, then waits for in-flight tasks.
func (s *Server) Run(ctx context.Context) error {
	log.Info().Msg("Starting task server")
	if err := s.server.Start(s.mux); err != nil {
		return fmt.Errorf("starting task server: %w", err)
	}
	<-ctx.Done()
	s.Shutdown()
	return nil
}

// Shutdown stops fetching tasks and waits for in-flight tasks to finish.
func (s *Server) Shutdown() {
	log.Info().Msg("Shutting down task server")
	s.server.Shutdown()
}

// TaskHandler is an interface for task handlers with automatic JSON unmarshaling.
type TaskHandler[T any] struct {
	handler func(context.Context, T) error
}

// NewTaskHandler creates a new typed task handler.
func NewTaskHandler[T any](handler func(context.Context, T) error) *TaskHandler[T] {
	return &TaskHandler[T]{handler: handler}
}

// ProcessTask implements asynq.Handler.
func (h *TaskHandler[T]) ProcessTask(ctx context.Context, task *asynq.Task) error {
	var payload T
	if err := json.Unmarshal(task.Payload(), &payload); err != nil {
		return fmt.Errorf("unmarshaling task payload: %w", err)
	}
	return h.handler(ctx, payload)
}

// QueueCleanup is the queue cleanup tasks are enqueued on and workers poll.
const QueueCleanup = "cleanup"

// Task types.
const (
	// TaskTypeCleanupExpiredSessions ends every active session past its lifetime.
	TaskTypeCleanupExpiredSessions = "impersonation:cleanup"
)

// CleanupPayload is the payload for cleanup tasks.
type CleanupPayload struct {
	// Trigger names what enqueued the task, e.g. "scheduler" or "cli".
	Trigger string `json:"trigger"`
}

// Cleaner ends expired impersonation sessions.
type Cleaner interface {
	CleanupExpiredSessions(ctx context.Context) (int, error)
}

// NewCleanupHandler returns the handler for TaskTypeCleanupExpiredSessions.
func NewCleanupHandler(c Cleaner) *TaskHandler[CleanupPayload] {
	return NewTaskHandler(func(ctx context.Context, p CleanupPayload) error {
		n, err := c.CleanupExpiredSessions(ctx)
		if err != nil {
			return fmt.Errorf("cleaning up expired sessions: %w", err)
		}
		log.Info().
			Str("trigger", p.Trigger).
			Int("ended", n).
			Msg("Expired impersonation sessions cleaned up")
		return nil
	})
}

// CleanupTaskOptions are the enqueue options for cleanup tasks. A run that misses
// its window is superseded by the next one, so retries are few.
func CleanupTaskOptions() []asynq.Option {
	return []asynq.Option{
		asynq.Queue(QueueCleanup),
		asynq.MaxRetry(2),
		asynq.Timeout(time.Minute),
	}
}

// NewCleanupTask builds a cleanup task.
func NewCleanupTask(trigger string) (*asynq.Task, error) {
	data, err := json.Marshal(CleanupPayload{Trigger: trigger})
	if err != nil {
		return nil, fmt.Errorf("marshaling task payload: %w", err)
	}
	return asynq.NewTask(TaskTypeCleanupExpiredSessions, data, CleanupTaskOptions()...), nil
}

// Scheduler enqueues recurring tasks on a cron schedule.
type Scheduler struct {
	scheduler *asynq.Scheduler
}

// NewScheduler creates a scheduler backed by the given Redis.
func NewScheduler(redisAddr, redisPassword string, redisDB int) *Scheduler {
	s := asynq.NewScheduler(
		asynq.RedisClientOpt{
			Addr:     redisAddr,
			Password: redisPassword,
			DB:       redisDB,
		},
		&asynq.SchedulerOpts{
			Location: time.UTC,
			PostEnqueueFunc: func(info *asynq.TaskInfo, err error) {
				if err != nil {
					log.Error().Err(err).Msg("Failed to enqueue scheduled task")
					return
				}
				log.Debug().
					Str("task_type", info.Type).
					Str("task_id", info.ID).
					Msg("Scheduled task enqueued")
			},
		},
	)
	return &Scheduler{scheduler: s}
}

// RegisterCleanup schedules expired session cleanup with a cron spec such as
// "@every 5m".
func (s *Scheduler) RegisterCleanup(spec string) (string, error) {
	task, err := NewCleanupTask("scheduler")
	if err != nil {
		return "", err
	}
	id, err := s.scheduler.Register(spec, task)
	if err != nil {
		return "", fmt.Errorf("registering cleanup schedule %q: %w", spec, err)
	}
	log.Info().Str("spec", spec).Str("entry_id", id).Msg("Registered cleanup schedule")
	return id, nil
}

// Run enqueues scheduled tasks until ctx is cancelled.
func (s *Scheduler) Run(ctx context.Context) error {
	log.Info().Msg("Starting task scheduler")
	if err := s.scheduler.Start(); err != nil {
		return fmt.Errorf("starting task scheduler: %w", err)
	}
	<-ctx.Done()
	s.Shutdown()
	return nil
}

// Shutdown stops the scheduler.
func (s *Scheduler) Shutdown() {
	log.Info().Msg("Shutting down task scheduler")
	s.scheduler.Shutdown()
}
