package chatsync

import (
	"context"
	"sync"
)

// Value is an observable value. Subscribers receive the current value on
// Subscribe and every later change, in order. Updates are serialized.
//
// Slices handed to subscribers are shared snapshots and must not be mutated.
// A subscriber callback must not call Update or Subscribe on the same Value.
type Value[T any] struct {
	writeMu sync.Mutex // serializes updates and their notifications

	mu  sync.RWMutex
	cur T

	subsMu sync.Mutex
	subs   map[uint64]func(T)
	nextID uint64
}

// NewValue creates a Value holding initial.
func NewValue[T any](initial T) *Value[T] {
	return &Value[T]{cur: initial, subs: make(map[uint64]func(T))}
}

// Get returns the current value.
func (v *Value[T]) Get() T {
	v.mu.RLock()
	defer v.mu.RUnlock()
	return v.cur
}

// Set replaces the value and notifies subscribers.
func (v *Value[T]) Set(next T) {
	v.Update(func(T) (T, bool) { return next, true })
}

// Update applies fn to the current value. When fn reports a change the new
// value is stored and subscribers are notified before Update returns.
func (v *Value[T]) Update(fn func(cur T) (T, bool)) bool {
	v.writeMu.Lock()
	defer v.writeMu.Unlock()

	next, changed := fn(v.Get())
	if !changed {
		return false
	}
	v.mu.Lock()
	v.cur = next
	v.mu.Unlock()

	for _, h := range v.handlers() {
		notify(h, next)
	}
	return true
}

// Subscribe registers fn, calls it with the current value and returns a
// function that removes the subscription.
func (v *Value[T]) Subscribe(fn func(T)) (cancel func()) {
	v.writeMu.Lock()
	defer v.writeMu.Unlock()

	v.subsMu.Lock()
	id := v.nextID
	v.nextID++
	v.subs[id] = fn
	v.subsMu.Unlock()

	notify(fn, v.Get())

	var once sync.Once
	return func() {
		once.Do(func() {
			v.subsMu.Lock()
			delete(v.subs, id)
			v.subsMu.Unlock()
		})
	}
}

// Next blocks until the value changes after the call, or ctx is done.
func (v *Value[T]) Next(ctx context.Context) (T, error) {
	ch := make(chan T, 1)
	first := true
	cancel := v.Subscribe(func(t T) {
		if first {
			first = false
			return
		}
		select {
		case ch <- t:
		default:
		}
	})
	defer cancel()

	select {
	case t := <-ch:
		return t, nil
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func (v *Value[T]) handlers() []func(T) {
	v.subsMu.Lock()
	defer v.subsMu.Unlock()
	out := make([]func(T), 0, len(v.subs))
	for _, h := range v.subs {
		out = append(out, h)
	}
	return out
}

func notify[T any](h func(T), val T) {
	defer func() { recover() }() // swallow panics in user callbacks
	h(val)
}
