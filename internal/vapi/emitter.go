package vapi

import (
	"sync"

	"github.com/codeflex/program-call/internal/call"
)

// emitter keeps one handler set per event name. Handlers run on the
// goroutine that emits, outside the emitter lock.
type emitter struct {
	mu       sync.Mutex
	handlers map[string]map[uint64]func(call.Event)
	next     uint64
}

func newEmitter() *emitter {
	return &emitter{handlers: make(map[string]map[uint64]func(call.Event))}
}

func (e *emitter) on(name string, h func(call.Event)) func() {
	e.mu.Lock()
	if e.handlers[name] == nil {
		e.handlers[name] = make(map[uint64]func(call.Event))
	}
	id := e.next
	e.next++
	e.handlers[name][id] = h
	e.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			e.mu.Lock()
			delete(e.handlers[name], id)
			if len(e.handlers[name]) == 0 {
				delete(e.handlers, name)
			}
			e.mu.Unlock()
		})
	}
}

func (e *emitter) emit(ev call.Event) {
	name := ev.EventName()
	e.mu.Lock()
	hs := make([]func(call.Event), 0, len(e.handlers[name]))
	for _, h := range e.handlers[name] {
		hs = append(hs, h)
	}
	e.mu.Unlock()
	for _, h := range hs {
		h(ev)
	}
}

func (e *emitter) count() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, hs := range e.handlers {
		n += len(hs)
	}
	return n
}
