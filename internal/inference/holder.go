package inference

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/Brownie44l1/cxr-api/internal/model"
)

// Loader builds a fresh Service, typically from the active registry entry.
type Loader func(ctx context.Context) (*Service, error)

// Holder owns the active Service. Requests lease the current one through
// Acquire; Reload swaps it and closes the previous one once every lease on it
// has been released.
type Holder struct {
	current atomic.Pointer[Service]
	loader  Loader
	logger  *slog.Logger
	mu      sync.Mutex
	lastErr error
}

func NewHolder(loader Loader, logger *slog.Logger) *Holder {
	return &Holder{loader: loader, logger: logger}
}

// Current returns the active Service or a ModelNotLoadedError.
func (h *Holder) Current() (*Service, error) {
	if s := h.current.Load(); s != nil {
		return s, nil
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	if h.lastErr != nil {
		return nil, &model.ModelNotLoadedError{Err: h.lastErr}
	}
	return nil, &model.ModelNotLoadedError{Err: fmt.Errorf("no model loaded")}
}

// Acquire leases the active Service. The caller must call release when it
// no longer touches the Service; until then a swapped-out Service stays open.
func (h *Holder) Acquire() (*Service, func(), error) {
	for {
		s, err := h.Current()
		if err != nil {
			return nil, nil, err
		}
		if s.acquire() {
			var once sync.Once
			return s, func() { once.Do(s.release) }, nil
		}
		// retired between Load and acquire; the swap already installed a successor
	}
}

// Reload builds a new Service and swaps it in. On failure the previous
// Service keeps serving.
func (h *Holder) Reload(ctx context.Context) error {
	h.mu.Lock()
	defer h.mu.Unlock()

	next, err := h.loader(ctx)
	if err != nil {
		if h.current.Load() == nil {
			h.lastErr = err
		}
		h.logger.Error("model load failed", "error", err)
		return err
	}
	h.lastErr = nil

	prev := h.current.Swap(next)
	h.logger.Info("model activated", "model_id", next.ModelID())
	if prev != nil {
		go func() {
			prev.retire()
			h.logger.Info("model released", "model_id", prev.ModelID())
		}()
	}
	return nil
}

// Set installs s directly. Used by tools and tests that build a Service
// without a Loader.
func (h *Holder) Set(s *Service) {
	if prev := h.current.Swap(s); prev != nil {
		go prev.retire()
	}
}

// Close shuts the active Service down, waiting for outstanding leases.
func (h *Holder) Close() {
	if s := h.current.Swap(nil); s != nil {
		s.retire()
	}
}
