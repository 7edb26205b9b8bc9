package realtime

import (
	"sync"

	"go.uber.org/zap"
)

// HandlerID identifies a registered handler so it can be removed.
type HandlerID uint64

// bus is a typed observer list. Handlers run synchronously on the
// emitting goroutine in registration order; a panicking handler is logged
// and does not affect the others.
type bus[T any] struct {
	name string
	log  *zap.Logger

	mu   sync.RWMutex
	next HandlerID
	subs []subscriber[T]
}

type subscriber[T any] struct {
	id HandlerID
	fn func(T)
}

func newBus[T any](name string, log *zap.Logger) *bus[T] {
	return &bus[T]{name: name, log: log}
}

func (b *bus[T]) subscribe(fn func(T)) HandlerID {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.next++
	b.subs = append(b.subs, subscriber[T]{id: b.next, fn: fn})
	return b.next
}

func (b *bus[T]) unsubscribe(id HandlerID) bool {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return true
		}
	}
	return false
}

// listen subscribes fn and returns a func that removes it.
func (b *bus[T]) listen(fn func(T)) func() {
	id := b.subscribe(fn)
	var once sync.Once
	return func() { once.Do(func() { b.unsubscribe(id) }) }
}

func (b *bus[T]) len() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

func (b *bus[T]) emit(v T) {
	b.mu.RLock()
	subs := b.subs
	b.mu.RUnlock()
	for _, s := range subs {
		b.call(s, v)
	}
}

func (b *bus[T]) call(s subscriber[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			b.log.Error("handler panicked", zap.String("event", b.name), zap.Any("panic", r))
		}
	}()
	s.fn(v)
}
