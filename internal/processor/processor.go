package processor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/nimasrn/message-dispatcher/internal/queue"
	"github.com/nimasrn/message-dispatcher/pkg/logger"
	"github.com/nimasrn/message-dispatcher/pkg/redis"
	"github.com/nimasrn/message-dispatcher/pkg/worker"
)

const HealthInterval = time.Second * 30
const ReportInterval = time.Second * 30
const ShutdownTimeout = time.Minute

// Processor handles entries of one queue.
type Processor interface {
	Process(ctx context.Context, message *queue.Message) error
	Exhausted(ctx context.Context, message *queue.Message, lastError string)
	GetType() string
}

type ServiceConfig struct {
	Queue queue.QueueConfig
	// Consumers is the number of consumer-group members polling the stream.
	Consumers  int
	Workers    int
	BufferSize int
}

// ProcessorService feeds queue entries from several consumers into a shared
// worker pool.
type ProcessorService struct {
	adapter   redis.RedisAdapter
	config    ServiceConfig
	queues    []*queue.Queue
	processor Processor
	metrics   *ServiceMetrics
	wg        sync.WaitGroup
	ctx       context.Context
	cancel    context.CancelFunc
	worker    *worker.WorkerManager
}

func NewProcessorService(adapter redis.RedisAdapter, config ServiceConfig, processor Processor) (*ProcessorService, error) {
	if processor == nil {
		return nil, errors.New("processor is required")
	}
	if config.Consumers <= 0 {
		config.Consumers = 1
	}
	if config.Workers <= 0 {
		config.Workers = 10
	}
	if config.BufferSize < 0 {
		config.BufferSize = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	s := &ProcessorService{
		adapter:   adapter,
		config:    config,
		queues:    make([]*queue.Queue, 0, config.Consumers),
		processor: processor,
		metrics:   NewServiceMetrics(),
		ctx:       ctx,
		cancel:    cancel,
		worker:    worker.NewWorkerManager(config.BufferSize, config.Workers, nil),
	}
	logger.Info("Registered processor", "type", processor.GetType())
	return s, nil
}

func (s *ProcessorService) Metrics() *ServiceMetrics {
	return s.metrics
}

// Start launches the worker pool, the consumers and the background reporters
// and returns.
func (s *ProcessorService) Start() error {
	logger.Info("Starting Processor Service...")

	s.worker.SetWorker(s.workerHandler)
	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		if err := s.worker.Start(); err != nil && !errors.Is(err, worker.ErrWorkersTerminated) {
			logger.Error("Worker manager stopped", "error", err)
		}
	}()

	base := s.config.Queue.ConsumerName
	if base == "" {
		base = "consumer"
	}
	for i := 0; i < s.config.Consumers; i++ {
		qc := s.config.Queue
		qc.ConsumerName = fmt.Sprintf("%s-instance-%d", base, i)

		q, err := queue.NewQueue(s.adapter, qc)
		if err != nil {
			return fmt.Errorf("failed to create queue %d: %w", i, err)
		}
		if err := q.Consume(s.messageHandler, s.processor.Exhausted); err != nil {
			return fmt.Errorf("failed to start consumer %d: %w", i, err)
		}

		s.queues = append(s.queues, q)
		logger.Info("Started consumer instance", "instance", i, "consumer", qc.ConsumerName)
	}

	s.wg.Add(2)
	go s.metricsReporter()
	go s.healthChecker()

	logger.Info("Processor Service started", "consumers", len(s.queues), "workers", s.config.Workers)
	return nil
}

func (s *ProcessorService) metricsReporter() {
	defer s.wg.Done()

	ticker := time.NewTicker(ReportInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.reportMetrics()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *ProcessorService) reportMetrics() {
	stats := s.metrics.GetStats()
	logger.Info("Metrics",
		"total_processed", stats.Processed,
		"total_failed", stats.Failed,
		"rate_per_second", stats.RatePerSecond,
		"avg_duration_ms", stats.AvgDuration.Milliseconds(),
		"uptime_seconds", stats.Uptime.Seconds(),
	)

	// consumers share one stream, one report is enough
	if len(s.queues) > 0 {
		if qStats, err := s.queues[0].GetStats(context.Background()); err == nil {
			logger.Info("Queue stats", "queue", s.queues[0].Name(), "total", qStats.TotalMessages, "pending", qStats.PendingMessages, "dead_letters", qStats.DeadLetters)
		}
	}
}

func (s *ProcessorService) healthChecker() {
	defer s.wg.Done()

	ticker := time.NewTicker(HealthInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			s.performHealthCheck()
		case <-s.ctx.Done():
			return
		}
	}
}

func (s *ProcessorService) performHealthCheck() {
	ctx, cancel := context.WithTimeout(s.ctx, 5*time.Second)
	defer cancel()

	if err := s.adapter.Ping(ctx); err != nil {
		logger.Error("HEALTH CHECK FAILED: Redis connection error", "error", err)
		return
	}

	if len(s.queues) > 0 {
		stats, err := s.queues[0].GetStats(ctx)
		if err != nil {
			logger.Warn("HEALTH CHECK WARNING: Queue stats unavailable", "error", err)
			return
		}
		if stats.PendingMessages > 10000 {
			logger.Warn("HEALTH CHECK WARNING: Queue has high lag", "pending_messages", stats.PendingMessages)
		}
	}

	logger.Debug("HEALTH CHECK: OK - Service healthy")
}

func (s *ProcessorService) Stop() {
	logger.Info("Shutting down Processor Service...")

	var wg sync.WaitGroup
	for i, q := range s.queues {
		wg.Add(1)
		go func(index int, q *queue.Queue) {
			defer wg.Done()
			if err := q.Stop(ShutdownTimeout); err != nil {
				logger.Error("Error stopping queue", "queue", index, "error", err)
			}
		}(i, q)
	}
	wg.Wait()

	s.cancel()
	s.worker.Exit()
	s.wg.Wait()

	s.reportMetrics()
	logger.Info("Processor Service stopped")
}

type job struct {
	ctx        context.Context
	msg        *queue.Message
	resultChan chan error
}

// messageHandler hands an entry to the worker pool and waits for its result.
func (s *ProcessorService) messageHandler(ctx context.Context, msg *queue.Message) error {
	j := &job{
		ctx:        ctx,
		msg:        msg,
		resultChan: make(chan error, 1),
	}

	if err := s.worker.Enqueue(ctx, j); err != nil {
		return fmt.Errorf("enqueue to worker pool: %w", err)
	}

	select {
	case err := <-j.resultChan:
		return err
	case <-ctx.Done():
		return fmt.Errorf("timeout waiting for worker to process message: %w", ctx.Err())
	}
}

func (s *ProcessorService) workerHandler(workerIndex int, payload interface{}) {
	j, ok := payload.(*job)
	if !ok {
		logger.Error("Invalid job type in worker", "worker", workerIndex)
		return
	}

	if j.ctx.Err() != nil {
		logger.Warn("Job context cancelled before processing started", "worker", workerIndex, "id", j.msg.ID)
		j.resultChan <- j.ctx.Err()
		return
	}

	start := time.Now()
	err := s.processor.Process(j.ctx, j.msg)
	if err != nil {
		s.metrics.RecordFailure()
		logger.Warn("Failed to process message", "worker", workerIndex, "id", j.msg.ID, "attempt", j.msg.Attempts, "error", err)
	} else {
		s.metrics.RecordSuccess(time.Since(start))
	}

	// buffered, never blocks
	j.resultChan <- err
}
