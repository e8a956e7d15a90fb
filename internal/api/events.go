package api

import (
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"go.uber.org/zap"

	"github.com/muurk/rbfhub/internal/engine"
	"github.com/muurk/rbfhub/internal/protocol"
)

const (
	writeWait  = 10 * time.Second
	pongWait   = 60 * time.Second
	pingPeriod = pongWait * 9 / 10
)

// EventMessage is the JSON form of an engine event on /events.
type EventMessage struct {
	Type      string        `json:"type"`
	Kind      string        `json:"kind,omitempty"`
	Time      time.Time     `json:"time"`
	Device    string        `json:"device,omitempty"`
	Message   string        `json:"message,omitempty"`
	Devices   []Device      `json:"devices,omitempty"`
	Version   string        `json:"version,omitempty"`
	PANID     *uint32       `json:"panid,omitempty"`
	HubOTA    *otaEventJSON `json:"hub_ota,omitempty"`
	SubdevOTA *otaEventJSON `json:"subdev_ota,omitempty"`
	Error     string        `json:"error,omitempty"`
}

type otaEventJSON struct {
	Session   string                 `json:"session,omitempty"`
	Phase     string                 `json:"phase"`
	Percent   int                    `json:"percent"`
	Succeeded []uint8                `json:"succeeded,omitempty"`
	Failures  []engine.SubdevFailure `json:"failures,omitempty"`
	Error     string                 `json:"error,omitempty"`
}

func eventJSON(ev engine.Event) EventMessage {
	m := EventMessage{
		Type: "event",
		Kind: ev.Kind.String(),
		Time: ev.Time,
	}
	if ev.Device != protocol.HubID {
		m.Device = ev.Device.String()
	}
	if ev.Message != nil {
		m.Message = ev.Message.String()
	}
	if ev.Err != nil {
		m.Error = ev.Err.Error()
	}
	switch ev.Kind {
	case engine.EventRegisterInfo:
		m.Devices = devicesJSON(ev.Records)
	case engine.EventHubVersion:
		m.Version = ev.Version
	case engine.EventHubPANID:
		p := ev.PANID
		m.PANID = &p
	case engine.EventHubNoise, engine.EventHubVolRes:
		if m.Message == "" && ev.Err == nil {
			m.Message = ev.String()
		}
	}
	if o := ev.HubOTA; o != nil {
		m.HubOTA = &otaEventJSON{Phase: o.Phase.String(), Percent: o.Status.Percent}
		if o.Err != nil {
			m.HubOTA.Error = o.Err.Error()
		}
	}
	if o := ev.SubdevOTA; o != nil {
		m.SubdevOTA = &otaEventJSON{
			Session:   o.Session,
			Phase:     o.Phase.String(),
			Percent:   o.Percent,
			Succeeded: o.Succeeded,
			Failures:  o.Failures,
		}
		if o.Err != nil {
			m.SubdevOTA.Error = o.Err.Error()
		}
	}
	return m
}

type subscriber struct {
	id    uuid.UUID
	ch    chan []byte
	kinds map[string]bool // nil means every kind
}

func (s *subscriber) wants(kind string) bool {
	return s.kinds == nil || s.kinds[kind]
}

// broadcaster fans engine events out to WebSocket subscribers. A subscriber
// whose queue is full misses the event rather than stalling the engine.
type broadcaster struct {
	log    *zap.Logger
	buffer int

	mu     sync.Mutex
	subs   map[uuid.UUID]*subscriber
	closed bool

	unsubscribe func()
	dropped     atomic.Uint64
}

func newBroadcaster(log *zap.Logger, buffer int) *broadcaster {
	return &broadcaster{
		log:    log,
		buffer: buffer,
		subs:   make(map[uuid.UUID]*subscriber),
	}
}

// publish runs on the engine worker and never blocks.
func (b *broadcaster) publish(ev engine.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if len(b.subs) == 0 {
		return
	}
	kind := ev.Kind.String()
	var payload []byte
	for _, s := range b.subs {
		if !s.wants(kind) {
			continue
		}
		if payload == nil {
			var err error
			if payload, err = json.Marshal(eventJSON(ev)); err != nil {
				b.log.Error("Failed to encode event", zap.String("kind", kind), zap.Error(err))
				return
			}
		}
		select {
		case s.ch <- payload:
		default:
			b.dropped.Add(1)
			b.log.Debug("Subscriber queue full, event dropped",
				zap.String("subscriber", s.id.String()), zap.String("kind", kind))
		}
	}
}

func (b *broadcaster) add(kinds map[string]bool) (*subscriber, bool) {
	s := &subscriber{id: uuid.New(), ch: make(chan []byte, b.buffer), kinds: kinds}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.closed {
		return nil, false
	}
	b.subs[s.id] = s
	return s, true
}

func (b *broadcaster) remove(id uuid.UUID) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if s, ok := b.subs[id]; ok {
		delete(b.subs, id)
		close(s.ch)
	}
}

func (b *broadcaster) close() {
	if b.unsubscribe != nil {
		b.unsubscribe()
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.closed = true
	for id, s := range b.subs {
		delete(b.subs, id)
		close(s.ch)
	}
}

func (b *broadcaster) count() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.subs)
}

// parseKinds reads the ?kinds= filter. Unknown names are rejected.
func parseKinds(raw string) (map[string]bool, error) {
	if raw == "" {
		return nil, nil
	}
	known := make(map[string]bool)
	for _, k := range engine.EventKinds() {
		known[k.String()] = true
	}
	kinds := make(map[string]bool)
	for _, name := range strings.Split(raw, ",") {
		name = strings.TrimSpace(name)
		if name == "" {
			continue
		}
		if !known[name] {
			return nil, fmt.Errorf("unknown event kind %q", name)
		}
		kinds[name] = true
	}
	return kinds, nil
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	kinds, err := parseKinds(r.URL.Query().Get("kinds"))
	if err != nil {
		errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written the HTTP error.
		s.log.Warn("WebSocket upgrade failed", zap.String("remote_addr", r.RemoteAddr), zap.Error(err))
		return
	}
	defer conn.Close()

	sub, ok := s.events.add(kinds)
	if !ok {
		_ = conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"), time.Now().Add(writeWait))
		return
	}
	defer s.events.remove(sub.id)

	log := s.log.With(zap.String("subscriber", sub.id.String()), zap.String("remote_addr", r.RemoteAddr))
	log.Info("Event subscriber connected")
	defer log.Info("Event subscriber disconnected")

	hello, _ := json.Marshal(map[string]string{"type": "hello", "subscriber": sub.id.String()})
	_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
	if err := conn.WriteMessage(websocket.TextMessage, hello); err != nil {
		return
	}

	// The reader only watches for the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		_ = conn.SetReadDeadline(time.Now().Add(pongWait))
		conn.SetPongHandler(func(string) error {
			return conn.SetReadDeadline(time.Now().Add(pongWait))
		})
		for {
			if _, _, err := conn.ReadMessage(); err != nil {
				return
			}
		}
	}()

	ping := time.NewTicker(pingPeriod)
	defer ping.Stop()
	for {
		select {
		case msg, ok := <-sub.ch:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if !ok {
				_ = conn.WriteMessage(websocket.CloseMessage,
					websocket.FormatCloseMessage(websocket.CloseGoingAway, "shutting down"))
				return
			}
			if err := conn.WriteMessage(websocket.TextMessage, msg); err != nil {
				log.Debug("Event write failed", zap.Error(err))
				return
			}
		case <-ping.C:
			_ = conn.SetWriteDeadline(time.Now().Add(writeWait))
			if err := conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		case <-gone:
			return
		}
	}
}
