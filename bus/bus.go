// Package bus is a synchronous multicast event: publishers call every
// subscriber's handler on their own goroutine, in subscription order.
// Handlers must not block; slow consumers hand the value to their own queue.
package bus

import (
	"log/slog"
	"sync"

	"golang.org/x/xerrors"

	"github.com/khaledhikmat/vs-detect/service/lgr"
)

type Handler[T any] func(v T)

type Subscription struct {
	id     uint64
	name   string
	cancel func()
}

func (s *Subscription) Name() string {
	return s.name
}

// Unsubscribe detaches the handler. Safe to call more than once.
func (s *Subscription) Unsubscribe() {
	if s != nil && s.cancel != nil {
		s.cancel()
	}
}

type subscriber[T any] struct {
	id      uint64
	name    string
	handler Handler[T]
}

type Event[T any] struct {
	name string

	mu          sync.RWMutex
	subscribers []subscriber[T]
	nextID      uint64
}

func NewEvent[T any](name string) *Event[T] {
	return &Event[T]{name: name}
}

func (e *Event[T]) Name() string {
	return e.name
}

func (e *Event[T]) Subscribe(name string, h Handler[T]) *Subscription {
	e.mu.Lock()
	defer e.mu.Unlock()

	e.nextID++
	id := e.nextID
	e.subscribers = append(e.subscribers, subscriber[T]{id: id, name: name, handler: h})

	lgr.Logger.Debug("subscribed to event",
		slog.String("event", e.name),
		slog.String("subscriber", name),
		slog.Int("subscribers", len(e.subscribers)),
	)

	return &Subscription{
		id:   id,
		name: name,
		cancel: func() {
			e.unsubscribe(id)
		},
	}
}

func (e *Event[T]) unsubscribe(id uint64) {
	e.mu.Lock()
	defer e.mu.Unlock()

	for i, s := range e.subscribers {
		if s.id == id {
			e.subscribers = append(e.subscribers[:i:i], e.subscribers[i+1:]...)
			return
		}
	}
}

func (e *Event[T]) Len() int {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return len(e.subscribers)
}

// Publish delivers v to every current subscriber. A panicking handler is logged
// and skipped; the remaining subscribers still receive the value.
func (e *Event[T]) Publish(v T) {
	e.mu.RLock()
	subscribers := e.subscribers
	e.mu.RUnlock()

	for _, s := range subscribers {
		e.deliver(s, v)
	}
}

func (e *Event[T]) deliver(s subscriber[T], v T) {
	defer func() {
		if r := recover(); r != nil {
			lgr.Logger.Error("event handler panic recovered",
				slog.String("event", e.name),
				slog.String("subscriber", s.name),
				slog.Any("error", xerrors.Errorf("%v", r)),
			)
		}
	}()

	s.handler(v)
}
