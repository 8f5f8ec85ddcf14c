// Package channel implements the 256-slot local channel table: one
// abstract-namespace Unix domain socket listener per logical channel,
// exclusive to a single connected client at a time (spec §4.5, §6).
package channel

import (
	"fmt"
	"net"
	"sync"

	"github.com/charmbracelet/log"
	"github.com/google/uuid"
)

// NumChannels is the number of channel slots (spec §3).
const NumChannels = 256

// EndpointName returns the abstract-namespace socket name for a channel
// (spec §6: "@rethos/<n>").
func EndpointName(channel int) string {
	return fmt.Sprintf("@rethos/%d", channel)
}

// Connected is emitted when a client connects to a channel's socket. Only
// one client may hold a channel at a time; the listener is closed while a
// client is attached (spec §4.5).
type Connected struct {
	Channel byte
	Conn    net.Conn
	ID      uuid.UUID
}

// Message is emitted for each length-prefixed message read from a
// connected client.
type Message struct {
	Channel byte
	Payload []byte
	ID      uuid.UUID
}

// Disconnected is emitted when a connected client's socket closes or
// errors, freeing the channel for the next client.
type Disconnected struct {
	Channel byte
	ID      uuid.UUID
}

// Event is the union of channel-table events. The dispatcher type-switches
// on the concrete type.
type Event interface{}

// actor owns one channel's listen/accept/serve loop. It never stores
// connection state beyond its own goroutine stack; all delivery bookkeeping
// lives in the dispatcher, which alone consumes Events (spec §5). The
// listener handle itself is mutex-guarded only so Stop (process/test
// teardown) can interrupt a pending Accept; this is lifecycle plumbing, not
// part of the link/stats state the single-owner contract protects.
type actor struct {
	channel byte
	mtu     int
	events  chan<- Event
	logger  *log.Logger

	mu      sync.Mutex
	ln      net.Listener
	stopped bool
}

func (a *actor) run() {
	name := EndpointName(int(a.channel))
	for {
		a.mu.Lock()
		if a.stopped {
			a.mu.Unlock()
			return
		}
		ln, err := net.Listen("unix", name)
		if err != nil {
			a.mu.Unlock()
			a.logger.Error("listen failed", "channel", a.channel, "addr", name, "err", err)
			return
		}
		a.ln = ln
		a.mu.Unlock()

		conn, err := ln.Accept()
		ln.Close() // exclusivity: no further clients until this one disconnects
		if err != nil {
			return // either a real accept error or Stop() closing the listener
		}

		id := uuid.New()
		a.events <- Connected{Channel: a.channel, Conn: conn, ID: id}
		a.readLoop(conn, id)
	}
}

func (a *actor) stop() {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.stopped = true
	if a.ln != nil {
		a.ln.Close()
	}
}

func (a *actor) readLoop(conn net.Conn, id uuid.UUID) {
	for {
		payload, err := ReadMessage(conn, a.mtu)
		if err == ErrOverflow {
			a.logger.Warn("oversize local message dropped", "channel", a.channel)
			continue
		}
		if err != nil {
			conn.Close()
			a.events <- Disconnected{Channel: a.channel, ID: id}
			return
		}
		a.events <- Message{Channel: a.channel, Payload: payload, ID: id}
	}
}

// Table owns the 256 channel actors and the shared event stream the
// dispatcher drains.
type Table struct {
	Events chan Event
	mtu    int
	logger *log.Logger
	actors [NumChannels]*actor
}

// NewTable returns a Table ready to Start. mtu bounds local message size
// (spec §6, matches the wire MTU).
func NewTable(mtu int, logger *log.Logger) *Table {
	return &Table{
		Events: make(chan Event, NumChannels),
		mtu:    mtu,
		logger: logger,
	}
}

// Start spawns one actor goroutine per channel slot.
func (t *Table) Start() {
	for ch := 0; ch < NumChannels; ch++ {
		a := &actor{channel: byte(ch), mtu: t.mtu, events: t.Events, logger: t.logger}
		t.actors[ch] = a
		go a.run()
	}
}

// Stop closes every channel's listener, releasing its abstract-namespace
// socket name. It does not forcibly close already-connected clients.
func (t *Table) Stop() {
	for _, a := range t.actors {
		if a != nil {
			a.stop()
		}
	}
}
