package realtime

import (
	"encoding/json"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/markb/buildboard/internal/log"
)

// Event is one change notification delivered to subscribers. Payload is
// forwarded from the provider untouched; see DecodeChange.
type Event struct {
	Key        ChannelKey
	Payload    json.RawMessage
	ReceivedAt time.Time
}

// ChangeHandler receives change events. A panic is recovered and logged
// and does not affect other subscribers.
type ChangeHandler func(Event)

// StateObserver receives every state transition of the subscribed
// channel, starting with its state at registration. err is set for
// StateError and for a StateClosed caused by exhausted retries.
type StateObserver func(state State, err error)

// delivery is one queued item: either a change event or a state change.
type delivery struct {
	event *Event
	state State
	err   error
}

// subscriber runs one consumer's callbacks on its own goroutine so a slow
// or failing consumer never stalls the channel or its peers.
type subscriber struct {
	token   string
	key     ChannelKey
	handler ChangeHandler
	onState StateObserver
	reg     *Registry

	queue     chan delivery
	done      chan struct{}
	closed    atomic.Bool
	closeOnce sync.Once
}

func newSubscriber(reg *Registry, key ChannelKey, handler ChangeHandler, onState StateObserver) *subscriber {
	s := &subscriber{
		token:   uuid.NewString(),
		key:     key,
		handler: handler,
		onState: onState,
		reg:     reg,
		queue:   make(chan delivery, reg.cfg.QueueSize),
		done:    make(chan struct{}),
	}
	go s.run()
	return s
}

func (s *subscriber) deliver(ev Event) {
	s.enqueue(delivery{event: &ev})
}

func (s *subscriber) notifyState(state State, err error) {
	if s.onState == nil {
		return
	}
	s.enqueue(delivery{state: state, err: err})
}

// enqueue never blocks. A full queue drops the item.
func (s *subscriber) enqueue(d delivery) {
	if s.closed.Load() {
		return
	}
	select {
	case s.queue <- d:
	case <-s.done:
	default:
		s.reg.droppedDeliveries.Add(1)
		log.Warn("realtime: subscriber queue full, dropping delivery",
			"key", s.key.String(), "subscriber", s.token)
	}
}

func (s *subscriber) run() {
	for {
		select {
		case <-s.done:
			return
		case d := <-s.queue:
			if s.closed.Load() {
				return
			}
			s.invoke(d)
		}
	}
}

func (s *subscriber) invoke(d delivery) {
	defer func() {
		if rec := recover(); rec != nil {
			s.reg.callbackFailures.Add(1)
			err := fmt.Errorf("%w: %v", ErrCallbackFailure, rec)
			log.Error("realtime: subscriber callback panicked",
				"key", s.key.String(), "subscriber", s.token, "error", err.Error())
		}
	}()

	if d.event != nil {
		s.handler(*d.event)
		return
	}
	s.onState(d.state, d.err)
}

// close stops further deliveries without waiting for the worker, so it
// may be called from inside a callback. A delivery dequeued before close
// may still be invoked. Safe to call more than once.
func (s *subscriber) close() {
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.done)
	})
}
