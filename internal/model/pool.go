package model

import (
	"context"
	"fmt"
	"sync"

	ort "github.com/yalue/onnxruntime_go"
)

type tensorSpec struct {
	name  string
	shape []int64
}

// binding is one session with its own input and output tensors. A binding is
// used by a single goroutine at a time.
type binding struct {
	session *ort.AdvancedSession
	inputs  []*ort.Tensor[float32]
	outputs []*ort.Tensor[float32]
}

func newBinding(modelPath string, inputs, outputs []tensorSpec) (*binding, error) {
	b := &binding{}

	inNames := make([]string, 0, len(inputs))
	inValues := make([]ort.ArbitraryTensor, 0, len(inputs))
	for _, spec := range inputs {
		t, err := ort.NewEmptyTensor[float32](ort.NewShape(spec.shape...))
		if err != nil {
			b.destroy()
			return nil, fmt.Errorf("failed to create input tensor %q: %w", spec.name, err)
		}
		b.inputs = append(b.inputs, t)
		inNames = append(inNames, spec.name)
		inValues = append(inValues, t)
	}

	outNames := make([]string, 0, len(outputs))
	outValues := make([]ort.ArbitraryTensor, 0, len(outputs))
	for _, spec := range outputs {
		t, err := ort.NewEmptyTensor[float32](ort.NewShape(spec.shape...))
		if err != nil {
			b.destroy()
			return nil, fmt.Errorf("failed to create output tensor %q: %w", spec.name, err)
		}
		b.outputs = append(b.outputs, t)
		outNames = append(outNames, spec.name)
		outValues = append(outValues, t)
	}

	session, err := ort.NewAdvancedSession(modelPath, inNames, outNames, inValues, outValues, nil)
	if err != nil {
		b.destroy()
		return nil, fmt.Errorf("failed to create ONNX session: %w", err)
	}
	b.session = session
	return b, nil
}

func (b *binding) destroy() {
	for _, t := range b.inputs {
		t.Destroy()
	}
	for _, t := range b.outputs {
		t.Destroy()
	}
	if b.session != nil {
		b.session.Destroy()
	}
}

// pool hands out bindings. Loaded weights are never mutated, so bindings run
// concurrently; each binding's tensors are exclusive to its holder.
type pool struct {
	free      chan *binding
	built     int
	done      chan struct{}
	closeOnce sync.Once
}

func newPool(size int, build func() (*binding, error)) (*pool, error) {
	if size < 1 {
		size = 1
	}
	p := &pool{
		free: make(chan *binding, size),
		done: make(chan struct{}),
	}
	for i := 0; i < size; i++ {
		b, err := build()
		if err != nil {
			p.close()
			return nil, err
		}
		p.free <- b
		p.built++
	}
	return p, nil
}

// with runs fn on an idle binding.
func (p *pool) with(ctx context.Context, fn func(*binding) error) error {
	select {
	case <-p.done:
		return ErrClosed
	default:
	}

	var b *binding
	select {
	case b = <-p.free:
	case <-p.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	defer func() { p.free <- b }()
	return fn(b)
}

// close waits for every binding to be returned, then destroys them.
func (p *pool) close() {
	p.closeOnce.Do(func() {
		close(p.done)
		for i := 0; i < p.built; i++ {
			b := <-p.free
			b.destroy()
		}
	})
}
