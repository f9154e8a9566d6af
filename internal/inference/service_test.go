package inference

import (
	"bytes"
	"context"
	"errors"
	"image"
	"image/png"
	"io"
	"log/slog"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Brownie44l1/cxr-api/internal/explain"
	"github.com/Brownie44l1/cxr-api/internal/model"
	"github.com/Brownie44l1/cxr-api/internal/pathology"
	"github.com/Brownie44l1/cxr-api/internal/preprocess"
)

type stubScorer struct {
	raw []float32
	err error

	mu     sync.Mutex
	inputs [][]float32
}

func (s *stubScorer) Infer(ctx context.Context, input []float32) ([]float32, error) {
	s.mu.Lock()
	s.inputs = append(s.inputs, input)
	s.mu.Unlock()
	if s.err != nil {
		return nil, s.err
	}
	out := make([]float32, len(s.raw))
	copy(out, s.raw)
	return out, nil
}

func pneumothoraxScores() []float32 {
	raw := make([]float32, pathology.NumClasses)
	for i := range raw {
		raw[i] = -3
	}
	raw[pathology.Pneumothorax] = 2
	return raw
}

func xray(t *testing.T) []byte {
	t.Helper()
	img := image.NewGray(image.Rect(0, 0, 300, 260))
	for i := range img.Pix {
		img.Pix[i] = uint8(i % 251)
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func testService(scorer Scorer) *Service {
	return NewService("test-model", preprocess.NewNormalizer(preprocess.DefaultContract()), scorer, nil, model.Info{ModelID: "test-model"})
}

func TestPredictEndToEnd(t *testing.T) {
	scorer := &stubScorer{raw: pneumothoraxScores()}
	svc := testService(scorer)

	pred, err := svc.Predict(context.Background(), xray(t), 0.3)
	require.NoError(t, err)

	require.Len(t, scorer.inputs, 1)
	assert.Len(t, scorer.inputs[0], 3*224*224)

	require.Len(t, pred.Case.Findings, 1)
	f := pred.Case.Findings[0]
	assert.Equal(t, "Pneumothorax", f.Label)
	assert.InDelta(t, 0.8808, f.Score, 1e-4)
	assert.Equal(t, pathology.SeverityHigh, f.Severity)
	assert.Equal(t, pathology.UrgencyCritical, f.Urgency)
	assert.Equal(t, pathology.UrgencyCritical, pred.Case.Urgency)
	assert.InDelta(t, 0.0474, pred.Probabilities[pathology.Mass], 1e-4)
	assert.Equal(t, "test-model", pred.ModelID)
	assert.Equal(t, 0.3, pred.Threshold)
}

func TestPredictMalformedBytes(t *testing.T) {
	scorer := &stubScorer{raw: pneumothoraxScores()}
	pred, err := testService(scorer).Predict(context.Background(), []byte("not an image"), 0.3)

	assert.Nil(t, pred)
	var decodeErr *preprocess.DecodeError
	assert.True(t, errors.As(err, &decodeErr))
	assert.Empty(t, scorer.inputs, "inference must not run after a decode failure")
}

func TestPredictInferenceFailureReturnsNothing(t *testing.T) {
	scorer := &stubScorer{err: &model.InferenceError{Err: errors.New("out of memory")}}
	pred, err := testService(scorer).Predict(context.Background(), xray(t), 0.3)

	assert.Nil(t, pred)
	var infErr *model.InferenceError
	assert.True(t, errors.As(err, &infErr))
}

func TestPredictRejectsBadThreshold(t *testing.T) {
	svc := testService(&stubScorer{raw: pneumothoraxScores()})
	for _, th := range []float64{-0.1, 1.5} {
		_, err := svc.Predict(context.Background(), xray(t), th)
		assert.ErrorIs(t, err, ErrInvalidThreshold)
	}
}

func TestPredictTensor(t *testing.T) {
	svc := testService(&stubScorer{raw: pneumothoraxScores()})

	pred, err := svc.PredictTensor(context.Background(), make([]float32, 3*224*224), 0.5)
	require.NoError(t, err)
	assert.Equal(t, []string{"Pneumothorax"}, pred.Case.Labels())

	_, err = svc.PredictTensor(context.Background(), make([]float32, 12), 0.5)
	var decodeErr *preprocess.DecodeError
	assert.True(t, errors.As(err, &decodeErr))
}

func TestExplainUnavailable(t *testing.T) {
	svc := testService(&stubScorer{raw: pneumothoraxScores()})
	assert.False(t, svc.Explainable())

	_, err := svc.Explain(context.Background(), xray(t), explain.Target{})
	assert.ErrorIs(t, err, ErrExplainUnavailable)
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestHolderBeforeLoad(t *testing.T) {
	h := NewHolder(func(ctx context.Context) (*Service, error) {
		return nil, errors.New("weights missing")
	}, discardLogger())

	require.Error(t, h.Reload(context.Background()))
	_, err := h.Current()

	var notLoaded *model.ModelNotLoadedError
	require.True(t, errors.As(err, &notLoaded))
	assert.Contains(t, err.Error(), "weights missing")
}

func TestHolderReloadKeepsPreviousOnFailure(t *testing.T) {
	fail := false
	version := 0
	h := NewHolder(func(ctx context.Context) (*Service, error) {
		if fail {
			return nil, errors.New("corrupt checkpoint")
		}
		version++
		svc := testService(&stubScorer{raw: pneumothoraxScores()})
		svc.id = "model-" + string(rune('0'+version))
		return svc, nil
	}, discardLogger())

	require.NoError(t, h.Reload(context.Background()))
	first, err := h.Current()
	require.NoError(t, err)
	assert.Equal(t, "model-1", first.ModelID())

	require.NoError(t, h.Reload(context.Background()))
	second, err := h.Current()
	require.NoError(t, err)
	assert.Equal(t, "model-2", second.ModelID())

	fail = true
	assert.Error(t, h.Reload(context.Background()))
	current, err := h.Current()
	require.NoError(t, err)
	assert.Equal(t, "model-2", current.ModelID())
}

func TestConcurrentPredictions(t *testing.T) {
	svc := testService(&stubScorer{raw: pneumothoraxScores()})
	data := xray(t)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			pred, err := svc.Predict(context.Background(), data, 0.3)
			if err == nil && pred.Case.Urgency != pathology.UrgencyCritical {
				err = errors.New("unexpected urgency")
			}
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		assert.NoError(t, err)
	}
}

func TestSwapWaitsForLeasedService(t *testing.T) {
	closed := make(chan struct{})
	old := NewService("model-old", preprocess.NewNormalizer(preprocess.DefaultContract()),
		&stubScorer{raw: pneumothoraxScores()}, nil, model.Info{ModelID: "model-old"},
		func() { close(closed) })

	h := NewHolder(nil, discardLogger())
	h.Set(old)

	leased, release, err := h.Acquire()
	require.NoError(t, err)
	require.Same(t, old, leased)

	h.Set(testService(&stubScorer{raw: pneumothoraxScores()}))

	select {
	case <-closed:
		t.Fatal("leased service closed before release")
	case <-time.After(50 * time.Millisecond):
	}

	pred, err := leased.Predict(context.Background(), xray(t), 0.3)
	require.NoError(t, err)
	assert.Equal(t, "model-old", pred.ModelID)

	next, releaseNext, err := h.Acquire()
	require.NoError(t, err)
	assert.Equal(t, "test-model", next.ModelID())
	releaseNext()

	release()
	release()

	select {
	case <-closed:
	case <-time.After(time.Second):
		t.Fatal("service not closed after its last lease was released")
	}
}

func TestAcquireSkipsRetiredService(t *testing.T) {
	old := testService(&stubScorer{raw: pneumothoraxScores()})
	old.retire()

	h := NewHolder(nil, discardLogger())
	h.current.Store(old)
	go func() {
		time.Sleep(20 * time.Millisecond)
		next := testService(&stubScorer{raw: pneumothoraxScores()})
		next.id = "model-next"
		h.current.Store(next)
	}()

	svc, release, err := h.Acquire()
	require.NoError(t, err)
	defer release()
	assert.Equal(t, "model-next", svc.ModelID())
}

func TestHolderCloseWaitsForLeases(t *testing.T) {
	var closed atomic.Bool
	svc := NewService("model-a", preprocess.NewNormalizer(preprocess.DefaultContract()),
		&stubScorer{raw: pneumothoraxScores()}, nil, model.Info{ModelID: "model-a"},
		func() { closed.Store(true) })
	h := NewHolder(nil, discardLogger())
	h.Set(svc)

	_, release, err := h.Acquire()
	require.NoError(t, err)

	done := make(chan struct{})
	go func() {
		h.Close()
		close(done)
	}()

	time.Sleep(30 * time.Millisecond)
	assert.False(t, closed.Load())
	release()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("holder close did not return after release")
	}
	assert.True(t, closed.Load())

	_, _, err = h.Acquire()
	var notLoaded *model.ModelNotLoadedError
	assert.True(t, errors.As(err, &notLoaded))
}
