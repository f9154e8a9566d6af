// Package audit persists every prediction: the uploaded image on disk and
// a row in the predictions table. Writes are asynchronous and never block
// the request path.
package audit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/Brownie44l1/cxr-api/internal/repository"
	"github.com/Brownie44l1/cxr-api/internal/triage"
)

// Entry is one prediction waiting to be written.
type Entry struct {
	RequestID string
	ModelID   string
	Image     []byte
	Format    string
	Case      triage.Case
	Threshold float64
	CreatedAt time.Time
}

// Options configures a Recorder.
type Options struct {
	ImageDir  string
	Workers   int
	QueueSize int
	// OnStored, if set, is called after each successful write.
	OnStored  func(repository.PredictionRecord)
}

// Recorder is a bounded write-behind queue in front of the repository.
type Recorder struct {
	repo    repository.PredictionRepository
	opts    Options
	logger  *slog.Logger
	tasks   chan Entry
	stop    chan struct{}
	wg      sync.WaitGroup
	mu      sync.Mutex
	running bool
	stopped bool
	dropped atomic.Int64
}

func NewRecorder(repo repository.PredictionRepository, opts Options, logger *slog.Logger) *Recorder {
	if opts.Workers <= 0 {
		opts.Workers = 1
	}
	if opts.QueueSize <= 0 {
		opts.QueueSize = 256
	}
	return &Recorder{
		repo:   repo,
		opts:   opts,
		logger: logger.With("component", "audit"),
		tasks:  make(chan Entry, opts.QueueSize),
		stop:   make(chan struct{}),
	}
}

// Start launches the workers. Calling it twice is a no-op.
func (r *Recorder) Start() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running || r.stopped {
		return nil
	}
	if r.opts.ImageDir != "" {
		if err := os.MkdirAll(r.opts.ImageDir, 0o755); err != nil {
			return fmt.Errorf("failed to create image directory: %w", err)
		}
	}
	r.running = true
	for i := 0; i < r.opts.Workers; i++ {
		r.wg.Add(1)
		go r.worker()
	}
	r.logger.Info("audit recorder started", "workers", r.opts.Workers, "queue", r.opts.QueueSize)
	return nil
}

// Submit enqueues e. It reports false when the entry was dropped because
// the queue is full or the recorder is not running.
func (r *Recorder) Submit(e Entry) bool {
	// Held across the send so Stop cannot close the queue between the
	// running check and the enqueue. The send never blocks.
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return false
	}
	select {
	case r.tasks <- e:
		return true
	default:
		n := r.dropped.Add(1)
		r.logger.Warn("audit queue full, dropping record", "request_id", e.RequestID, "dropped_total", n)
		return false
	}
}

// Dropped is the number of entries discarded so far.
func (r *Recorder) Dropped() int64 { return r.dropped.Load() }

// Stop drains queued entries and waits for the workers.
func (r *Recorder) Stop() {
	r.mu.Lock()
	if !r.running {
		r.stopped = true
		r.mu.Unlock()
		return
	}
	r.running = false
	r.stopped = true
	close(r.stop)
	r.mu.Unlock()

	r.wg.Wait()
	r.logger.Info("audit recorder stopped")
}

func (r *Recorder) worker() {
	defer r.wg.Done()
	for {
		select {
		case e := <-r.tasks:
			r.write(e)
		case <-r.stop:
			for {
				select {
				case e := <-r.tasks:
					r.write(e)
				default:
					return
				}
			}
		}
	}
}

func (r *Recorder) write(e Entry) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := r.Record(ctx, e); err != nil {
		r.logger.Error("failed to write audit record", "request_id", e.RequestID, "error", err)
	}
}

// Record writes e synchronously.
func (r *Recorder) Record(ctx context.Context, e Entry) error {
	created := e.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}

	var imagePath string
	if len(e.Image) > 0 && r.opts.ImageDir != "" {
		imagePath = filepath.Join(r.opts.ImageDir, fmt.Sprintf("upload_%s.%s", uuid.NewString(), extension(e.Format)))
		if err := os.WriteFile(imagePath, e.Image, 0o644); err != nil {
			return fmt.Errorf("failed to store image: %w", err)
		}
	}

	results, err := json.Marshal(e.Case.Findings)
	if err != nil {
		return fmt.Errorf("failed to encode findings: %w", err)
	}

	rec := repository.PredictionRecord{
		ID:          uuid.NewString(),
		RequestID:   e.RequestID,
		ModelID:     e.ModelID,
		ImagePath:   imagePath,
		UrgencyTier: string(e.Case.Urgency),
		Threshold:   e.Threshold,
		ResultsJSON: string(results),
		CreatedAt:   created.UTC(),
	}
	if err := r.repo.Insert(ctx, &rec); err != nil {
		if imagePath != "" {
			os.Remove(imagePath)
		}
		return err
	}
	if r.opts.OnStored != nil {
		r.opts.OnStored(rec)
	}
	return nil
}

// List returns a page of records plus the total matching count.
func (r *Recorder) List(ctx context.Context, filter repository.PredictionFilter) ([]repository.PredictionRecord, int, error) {
	records, err := r.repo.List(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	total, err := r.repo.Count(ctx, filter)
	if err != nil {
		return nil, 0, err
	}
	return records, total, nil
}

func extension(format string) string {
	switch format {
	case "jpeg", "jpg":
		return "jpg"
	case "png":
		return "png"
	case "":
		return "bin"
	default:
		return format
	}
}
