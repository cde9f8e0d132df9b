package engine

import (
	"sync"
	"sync/atomic"
	"time"

	"github.com/BadgerOps/dsmanager/internal/download"
)

// EventType identifies a lifecycle event.
type EventType string

const (
	EventStarted  EventType = "started"
	EventProgress EventType = "progress"
	EventFinished EventType = "finished"
)

// Outcome is the terminal result carried by a finished event. The numeric
// values are part of the event contract.
type Outcome int

const (
	OutcomeSuccess   Outcome = 0
	OutcomeFailure   Outcome = 1
	OutcomeCancelled Outcome = 2
)

func (o Outcome) String() string {
	switch o {
	case OutcomeSuccess:
		return "success"
	case OutcomeFailure:
		return "failure"
	case OutcomeCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// FailureKind classifies why a job did not succeed.
type FailureKind string

const (
	KindNone       FailureKind = ""
	KindTransport  FailureKind = "transport"
	KindIntegrity  FailureKind = "integrity"
	KindExtraction FailureKind = "extraction"
	KindCancelled  FailureKind = "cancelled"
	KindAdmission  FailureKind = "admission"
)

// Stage is the pipeline stage a progress event refers to.
type Stage string

const (
	StageDownloading Stage = "downloading"
	StageVerifying   Stage = "verifying"
	StageInstalling  Stage = "installing"
)

// Event is published for every job transition. Fields not relevant to the
// event type are left zero.
type Event struct {
	Type  EventType `json:"type"`
	Key   string    `json:"key"`
	JobID string    `json:"jobId"`
	Time  time.Time `json:"time"`

	// Started
	Handle *download.Handle `json:"-"`

	// Progress
	Stage    Stage   `json:"stage,omitempty"`
	Percent  float64 `json:"percent,omitempty"`
	Progress string  `json:"progress,omitempty"`
	Speed    string  `json:"speed,omitempty"`

	// Finished
	Outcome Outcome     `json:"outcome"`
	Kind    FailureKind `json:"kind,omitempty"`
	Error   string      `json:"error,omitempty"`
	Err     error       `json:"-"`
}

// Listener receives events on the orchestrator's publish goroutine. Calls
// never overlap. A listener may call Orchestrator.Close; that Close cancels
// active jobs and returns without waiting for them.
type Listener interface {
	OnEvent(Event)
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(Event)

func (f ListenerFunc) OnEvent(ev Event) { f(ev) }

// busBuffer sizes the publish queue. Progress events are dropped rather
// than block a transfer when it is full.
const busBuffer = 1024

// bus serializes event delivery onto one goroutine.
type bus struct {
	in   chan Event
	done chan struct{}

	mu        sync.Mutex
	listeners []Listener
	subs      map[int]*subscriber
	nextID    int

	// delivering is set while a listener runs on the bus goroutine.
	delivering atomic.Bool
}

type subscriber struct {
	ch     chan Event
	closed chan struct{}
}

func newBus() *bus {
	b := &bus{
		in:   make(chan Event, busBuffer),
		done: make(chan struct{}),
		subs: make(map[int]*subscriber),
	}
	go b.run()
	return b
}

func (b *bus) run() {
	defer close(b.done)
	for ev := range b.in {
		b.mu.Lock()
		listeners := make([]Listener, len(b.listeners))
		copy(listeners, b.listeners)
		subs := make([]*subscriber, 0, len(b.subs))
		for _, s := range b.subs {
			subs = append(subs, s)
		}
		b.mu.Unlock()

		b.delivering.Store(true)
		for _, l := range listeners {
			l.OnEvent(ev)
		}
		b.delivering.Store(false)
		for _, s := range subs {
			if ev.Type == EventProgress {
				select {
				case s.ch <- ev:
				default:
				}
				continue
			}
			select {
			case s.ch <- ev:
			case <-s.closed:
			}
		}
	}

	b.mu.Lock()
	for id, s := range b.subs {
		close(s.ch)
		delete(b.subs, id)
	}
	b.mu.Unlock()
}

func (b *bus) publish(ev Event) {
	if ev.Time.IsZero() {
		ev.Time = time.Now()
	}
	if ev.Type == EventProgress {
		select {
		case b.in <- ev:
		default:
		}
		return
	}
	b.in <- ev
}

func (b *bus) addListener(l Listener) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.listeners = append(b.listeners, l)
}

func (b *bus) subscribe(buffer int) (<-chan Event, func()) {
	if buffer <= 0 {
		buffer = 64
	}
	s := &subscriber{ch: make(chan Event, buffer), closed: make(chan struct{})}

	b.mu.Lock()
	id := b.nextID
	b.nextID++
	b.subs[id] = s
	b.mu.Unlock()

	var once sync.Once
	return s.ch, func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
			close(s.closed)
		})
	}
}

// close stops accepting events and waits for queued ones to be delivered.
func (b *bus) close() {
	close(b.in)
	<-b.done
}

// inListener reports whether a listener is running on the bus goroutine.
func (b *bus) inListener() bool {
	return b.delivering.Load()
}
