package engine

import (
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"

	"github.com/muurk/rbfhub/internal/protocol"
)

// EventKind is the closed set of events the engine dispatches.
type EventKind int

const (
	EventRegisterResponse EventKind = iota
	EventHubSync
	EventHubEvent
	EventRegisterInfo
	EventHubVersion
	EventHubNoise
	EventHubPANID
	EventHubVolRes
	EventJamming
	EventHeartbeat
	EventInputStatus
	EventInputEvent
	EventKeyPress
	EventKeypadInput
	EventKeypadAlarm
	EventOutputStatus
	EventHubOTA
	EventSubdevOTA
	EventTransportFault

	numEventKinds
)

var eventKindNames = [numEventKinds]string{
	EventRegisterResponse: "register_response",
	EventHubSync:          "hub_sync",
	EventHubEvent:         "hub_event",
	EventRegisterInfo:     "register_info",
	EventHubVersion:       "hub_version",
	EventHubNoise:         "hub_noise",
	EventHubPANID:         "hub_panid",
	EventHubVolRes:        "hub_volres",
	EventJamming:          "jamming",
	EventHeartbeat:        "heartbeat",
	EventInputStatus:      "input_status",
	EventInputEvent:       "input_event",
	EventKeyPress:         "key_press",
	EventKeypadInput:      "keypad_input",
	EventKeypadAlarm:      "keypad_alarm",
	EventOutputStatus:     "output_status",
	EventHubOTA:           "hub_ota",
	EventSubdevOTA:        "subdev_ota",
	EventTransportFault:   "transport_fault",
}

func (k EventKind) String() string {
	if k >= 0 && k < numEventKinds {
		return eventKindNames[k]
	}
	return fmt.Sprintf("event(%d)", int(k))
}

// EventKinds returns every kind in dispatch-table order.
func EventKinds() []EventKind {
	kinds := make([]EventKind, numEventKinds)
	for i := range kinds {
		kinds[i] = EventKind(i)
	}
	return kinds
}

// Event is one dispatched occurrence. Only the fields relevant to Kind are set.
type Event struct {
	Kind   EventKind
	Time   time.Time
	Device protocol.DeviceID

	// Message is the decoded unsolicited frame for device and hub events.
	Message protocol.Message

	Records []protocol.Record // EventRegisterInfo
	Version string            // EventHubVersion
	Noise   protocol.Noise    // EventHubNoise
	PANID   uint32            // EventHubPANID
	Power   protocol.PowerReading

	HubOTA    *HubOTAEvent
	SubdevOTA *SubdevOTAEvent

	// Err is set when an asynchronous query failed or the link faulted.
	Err error
}

func (e Event) String() string {
	switch {
	case e.Err != nil:
		return fmt.Sprintf("%s: %v", e.Kind, e.Err)
	case e.Message != nil:
		return fmt.Sprintf("%s: %s", e.Kind, e.Message)
	case e.HubOTA != nil:
		return fmt.Sprintf("%s: %s", e.Kind, e.HubOTA)
	case e.SubdevOTA != nil:
		return fmt.Sprintf("%s: %s", e.Kind, e.SubdevOTA)
	}
	switch e.Kind {
	case EventRegisterInfo:
		return fmt.Sprintf("%s: %d devices", e.Kind, len(e.Records))
	case EventHubVersion:
		return fmt.Sprintf("%s: %s", e.Kind, e.Version)
	case EventHubNoise:
		return fmt.Sprintf("%s: avg=%d cur=%d dBm", e.Kind, e.Noise.Average, e.Noise.Current)
	case EventHubPANID:
		return fmt.Sprintf("%s: %#08x", e.Kind, e.PANID)
	case EventHubVolRes:
		return fmt.Sprintf("%s: %dmV %dohm", e.Kind, e.Power.Voltage, e.Power.Resistance)
	}
	return e.Kind.String()
}

// Handler consumes one event kind. It runs on the worker goroutine and must
// return promptly. A returned error is logged and counted; it never changes
// protocol state.
type Handler func(Event) error

// dispatcher is the single dispatch table: one handler per kind plus any
// number of observers that see every event (the HTTP bridge, the monitor UI).
type dispatcher struct {
	log *zap.Logger

	mu        sync.RWMutex
	handlers  [numEventKinds]Handler
	observers map[int]func(Event)
	nextID    int

	dispatched atomic.Uint64
	failures   atomic.Uint64
}

func newDispatcher(log *zap.Logger) *dispatcher {
	return &dispatcher{log: log, observers: make(map[int]func(Event))}
}

func (d *dispatcher) handle(kind EventKind, h Handler) error {
	if kind < 0 || kind >= numEventKinds {
		return NewValidationError(fmt.Sprintf("unknown event kind %d", int(kind)), nil)
	}
	d.mu.Lock()
	d.handlers[kind] = h
	d.mu.Unlock()
	return nil
}

func (d *dispatcher) observe(fn func(Event)) func() {
	d.mu.Lock()
	id := d.nextID
	d.nextID++
	d.observers[id] = fn
	d.mu.Unlock()
	return func() {
		d.mu.Lock()
		delete(d.observers, id)
		d.mu.Unlock()
	}
}

func (d *dispatcher) dispatch(ev Event) {
	d.mu.RLock()
	h := d.handlers[ev.Kind]
	obs := make([]func(Event), 0, len(d.observers))
	for _, fn := range d.observers {
		obs = append(obs, fn)
	}
	d.mu.RUnlock()

	d.dispatched.Add(1)
	if h != nil {
		if err := h(ev); err != nil {
			d.failures.Add(1)
			d.log.Warn("Event handler failed",
				zap.String("kind", ev.Kind.String()),
				zap.Error(err),
			)
		}
	}
	for _, fn := range obs {
		fn(ev)
	}
}
