package reconciler

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"time"

	"github.com/gofiber/fiber/v2/log"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/FitnessMealPlanner/entitlements/internal/pkg/cache"
)

const (
	// Redis key prefixes
	JobKeyPrefix     = "reconcile:job:"
	JobQueueKey      = "reconcile:queue"
	JobProcessingKey = "reconcile:processing"
	CustomerLockKey  = "reconcile:lock:"

	// Job settings
	DefaultMaxRetries = 3
	JobTTL            = 24 * time.Hour // Jobs expire after 24 hours
	customerLockTTL   = 2 * time.Minute
	lockBusyRequeue   = 500 * time.Millisecond
)

// Processor applies all pending events for one customer. The queue guarantees
// it is never invoked concurrently for the same customer.
type Processor interface {
	ProcessCustomer(ctx context.Context, customerID string) error
}

// Queue manages asynchronous reconcile work using Redis. Jobs for different
// customers run fully in parallel across the worker pool; a per-customer lock
// serializes jobs that target the same customer.
type Queue struct {
	client    *redis.Client
	processor Processor
	workers   int
	stopCh    chan struct{}
	wg        sync.WaitGroup
	mu        sync.Mutex
	running   bool
}

// NewQueue creates a new reconcile queue
func NewQueue(processor Processor, workers int) *Queue {
	if workers <= 0 {
		workers = 3 // Default number of workers
	}

	return &Queue{
		client:    cache.GetClient(),
		processor: processor,
		workers:   workers,
		stopCh:    make(chan struct{}),
	}
}

// Start starts the queue workers
func (q *Queue) Start() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.running {
		return
	}

	q.running = true
	log.Infof("[Reconciler] Starting %d workers", q.workers)

	for i := 0; i < q.workers; i++ {
		q.wg.Add(1)
		go q.worker(i)
	}

	// Recover jobs stuck in processing after a crash
	q.wg.Add(1)
	go q.stuckSweeper(10*time.Minute, time.Minute)
}

// Stop stops the queue workers
func (q *Queue) Stop() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if !q.running {
		return
	}

	log.Info("[Reconciler] Stopping workers...")
	close(q.stopCh)
	q.running = false
	q.wg.Wait()
	log.Info("[Reconciler] All workers stopped")
}

// Enqueue adds a reconcile job for the customer
func (q *Queue) Enqueue(customerID string) (*Job, error) {
	ctx := context.Background()

	job := &Job{
		ID:         uuid.New().String(),
		CustomerID: customerID,
		Status:     JobStatusPending,
		CreatedAt:  time.Now(),
		UpdatedAt:  time.Now(),
		MaxRetries: DefaultMaxRetries,
	}

	jobData, err := json.Marshal(job)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal job: %w", err)
	}

	pipe := q.client.Pipeline()
	pipe.Set(ctx, JobKeyPrefix+job.ID, jobData, JobTTL)
	pipe.LPush(ctx, JobQueueKey, job.ID)
	if _, err := pipe.Exec(ctx); err != nil {
		return nil, fmt.Errorf("failed to enqueue job: %w", err)
	}

	log.Infof("[Reconciler] Enqueued job %s (customer: %s)", job.ID, customerID)
	return job, nil
}

// worker processes jobs from the queue
func (q *Queue) worker(id int) {
	defer q.wg.Done()
	log.Infof("[Reconciler] Worker %d started", id)

	ctx := context.Background()

	for {
		select {
		case <-q.stopCh:
			log.Infof("[Reconciler] Worker %d stopping", id)
			return
		default:
			job, err := q.dequeueJob(ctx)
			if err != nil {
				if err != redis.Nil {
					log.Errorf("[Reconciler] Worker %d: Error dequeuing job: %v", id, err)
					time.Sleep(time.Second)
				}
				continue
			}
			if job != nil {
				q.processJob(ctx, job)
			}
		}
	}
}

// dequeueJob moves the next job id from pending to processing atomically
func (q *Queue) dequeueJob(ctx context.Context) (*Job, error) {
	jobID, err := q.client.BRPopLPush(ctx, JobQueueKey, JobProcessingKey, time.Second).Result()
	if err != nil {
		return nil, err
	}

	jobData, err := q.client.Get(ctx, JobKeyPrefix+jobID).Result()
	if err != nil {
		// Job data not found, remove from processing queue
		q.client.LRem(ctx, JobProcessingKey, 1, jobID)
		return nil, fmt.Errorf("job data not found for ID %s", jobID)
	}

	var job Job
	if err := json.Unmarshal([]byte(jobData), &job); err != nil {
		q.client.LRem(ctx, JobProcessingKey, 1, jobID)
		return nil, fmt.Errorf("failed to unmarshal job %s: %w", jobID, err)
	}

	return &job, nil
}

// processJob runs one reconcile job under the customer lock
func (q *Queue) processJob(ctx context.Context, job *Job) {
	lockKey := CustomerLockKey + job.CustomerID
	locked, err := q.client.SetNX(ctx, lockKey, job.ID, customerLockTTL).Result()
	if err != nil || !locked {
		// Another worker holds this customer; push the job back shortly.
		if err != nil {
			log.Errorf("[Reconciler] Lock error for customer %s: %v", job.CustomerID, err)
		}
		q.removeFromProcessing(ctx, job.ID)
		jobID := job.ID
		time.AfterFunc(lockBusyRequeue, func() {
			q.client.LPush(context.Background(), JobQueueKey, jobID)
		})
		return
	}
	defer q.client.Del(ctx, lockKey)

	job.MarkAsProcessing()
	q.updateJob(ctx, job)

	log.Infof("[Reconciler] Worker processing job %s (customer: %s)", job.ID, job.CustomerID)
	perr := q.processor.ProcessCustomer(ctx, job.CustomerID)

	if perr != nil {
		log.Errorf("[Reconciler] Job %s failed: %v", job.ID, perr)
		job.MarkAsFailed(perr.Error())

		if job.IsRetryable() {
			log.Infof("[Reconciler] Retrying job %s (Attempt %d/%d)", job.ID, job.RetryCount, job.MaxRetries)
			job.MarkAsRetrying()
			q.updateJob(ctx, job)

			// Re-enqueue for retry after a delay
			jobID := job.ID
			retry := job.RetryCount
			time.AfterFunc(time.Minute*time.Duration(retry), func() {
				q.client.LPush(context.Background(), JobQueueKey, jobID)
			})
		} else {
			log.Errorf("[Reconciler] Job %s permanently failed after %d retries", job.ID, job.RetryCount)
			q.updateJob(ctx, job)
		}
	} else {
		job.MarkAsCompleted()
		q.client.Del(ctx, JobKeyPrefix+job.ID)
	}

	q.removeFromProcessing(ctx, job.ID)
}

// stuckSweeper periodically requeues jobs stuck in processing longer than maxAge
func (q *Queue) stuckSweeper(maxAge, interval time.Duration) {
	defer q.wg.Done()
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	ctx := context.Background()
	for {
		select {
		case <-q.stopCh:
			return
		case <-ticker.C:
			ids, err := q.client.LRange(ctx, JobProcessingKey, 0, -1).Result()
			if err != nil {
				log.Errorf("[Reconciler] Sweeper LRange error: %v", err)
				continue
			}
			now := time.Now()
			for _, id := range ids {
				data, err := q.client.Get(ctx, JobKeyPrefix+id).Result()
				if err != nil {
					if err != redis.Nil {
						log.Errorf("[Reconciler] Sweeper Get error for %s: %v", id, err)
					}
					q.client.LRem(ctx, JobProcessingKey, 1, id)
					continue
				}
				var job Job
				if uerr := json.Unmarshal([]byte(data), &job); uerr != nil {
					q.client.LRem(ctx, JobProcessingKey, 1, id)
					continue
				}
				if job.Status != JobStatusProcessing {
					q.client.LRem(ctx, JobProcessingKey, 1, id)
					continue
				}
				started := job.ProcessedAt
				if started == nil || started.IsZero() {
					tmp := job.UpdatedAt
					started = &tmp
				}
				if now.Sub(*started) > maxAge {
					log.Warnf("[Reconciler] Recovering stuck job %s (customer: %s), age=%s", job.ID, job.CustomerID, now.Sub(*started))
					job.Status = JobStatusPending
					job.ErrorMsg = "recovered by sweeper"
					job.UpdatedAt = now
					q.updateJob(ctx, &job)
					q.client.LRem(ctx, JobProcessingKey, 1, id)
					q.client.RPush(ctx, JobQueueKey, id)
				}
			}
		}
	}
}

// updateJob updates job data in Redis
func (q *Queue) updateJob(ctx context.Context, job *Job) {
	jobData, err := json.Marshal(job)
	if err != nil {
		log.Errorf("[Reconciler] Failed to marshal job %s: %v", job.ID, err)
		return
	}
	if err := q.client.Set(ctx, JobKeyPrefix+job.ID, jobData, JobTTL).Err(); err != nil {
		log.Errorf("[Reconciler] Failed to update job %s: %v", job.ID, err)
	}
}

func (q *Queue) removeFromProcessing(ctx context.Context, jobID string) {
	q.client.LRem(ctx, JobProcessingKey, 1, jobID)
}
