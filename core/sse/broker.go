// Package sse streams server-sent events over chunked HTTP/1.1 responses.
package sse

import (
	"crypto/rand"
	"errors"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/puzpuzpuz/xsync/v3"
)

var (
	ErrTooManyClients = errors.New("sse: max clients reached")
	ErrBrokerClosed   = errors.New("sse: broker closed")
	ErrUnknownClient  = errors.New("sse: client not found or buffer full")
	ErrDuplicateID    = errors.New("sse: client id already subscribed")
)

// Event represents a Server-Sent Event
type Event struct {
	ID    string
	Event string
	Data  string
	Retry int // milliseconds
}

// AppendEvent appends the wire form of ev. Multi-line data becomes one
// data field per line.
func AppendEvent(dst []byte, ev *Event) []byte {
	if ev.ID != "" {
		dst = appendField(dst, "id", ev.ID)
	}
	if ev.Event != "" {
		dst = appendField(dst, "event", ev.Event)
	}
	if ev.Retry > 0 {
		dst = appendField(dst, "retry", strconv.Itoa(ev.Retry))
	}
	if ev.Data != "" {
		for _, line := range strings.Split(strings.ReplaceAll(ev.Data, "\r\n", "\n"), "\n") {
			dst = appendField(dst, "data", line)
		}
	}
	return append(dst, '\n')
}

func appendField(dst []byte, name, value string) []byte {
	dst = append(dst, name...)
	dst = append(dst, ": "...)
	// Field values end at the first line break.
	if i := strings.IndexAny(value, "\r\n"); i >= 0 {
		value = value[:i]
	}
	dst = append(dst, value...)
	return append(dst, '\n')
}

// Client is one subscribed stream.
type Client struct {
	ID      string
	events  chan *Event
	closeCh chan struct{}
	once    sync.Once
}

func newClient(id string, buffer int) *Client {
	return &Client{
		ID:      id,
		events:  make(chan *Event, buffer),
		closeCh: make(chan struct{}),
	}
}

// Send queues ev without blocking. It reports false when the client is
// gone or its buffer is full.
func (c *Client) Send(ev *Event) bool {
	select {
	case <-c.closeCh:
		return false
	default:
	}
	select {
	case c.events <- ev:
		return true
	default:
		return false
	}
}

func (c *Client) close() {
	c.once.Do(func() { close(c.closeCh) })
}

// Config sizes a Broker.
type Config struct {
	Namespace  string
	MaxClients int
	Buffer     int
	Keepalive  time.Duration
}

// Broker fans events out to subscribed clients.
type Broker struct {
	cfg     Config
	clients *xsync.MapOf[string, *Client]
	count   atomic.Int64
	eventID atomic.Uint64
	done    chan struct{}
	once    sync.Once

	total   atomic.Int64
	sent    atomic.Int64
	dropped atomic.Int64
}

// BrokerStats is a snapshot of broker counters.
type BrokerStats struct {
	Clients      int64  `json:"clients"`
	TotalClients int64  `json:"total_clients"`
	Sent         int64  `json:"messages_sent"`
	Dropped      int64  `json:"messages_dropped"`
	LastEventID  uint64 `json:"last_event_id"`
}

// NewBroker creates a new SSE broker
func NewBroker(cfg Config) *Broker {
	if cfg.MaxClients <= 0 {
		cfg.MaxClients = 10000
	}
	if cfg.Buffer <= 0 {
		cfg.Buffer = 100
	}
	if cfg.Keepalive <= 0 {
		cfg.Keepalive = 30 * time.Second
	}
	return &Broker{
		cfg:     cfg,
		clients: xsync.NewMapOf[string, *Client](),
		done:    make(chan struct{}),
	}
}

// Subscribe registers a client under id. An id already in use is refused;
// the live subscriber keeps it.
func (b *Broker) Subscribe(id string) (*Client, error) {
	select {
	case <-b.done:
		return nil, ErrBrokerClosed
	default:
	}
	if b.count.Add(1) > int64(b.cfg.MaxClients) {
		b.count.Add(-1)
		return nil, ErrTooManyClients
	}
	c := newClient(id, b.cfg.Buffer)
	if _, loaded := b.clients.LoadOrStore(id, c); loaded {
		b.count.Add(-1)
		return nil, ErrDuplicateID
	}
	b.total.Add(1)
	return c, nil
}

// Unsubscribe removes c. Safe to call more than once.
func (b *Broker) Unsubscribe(c *Client) {
	c.close()
	removed := false
	b.clients.Compute(c.ID, func(cur *Client, loaded bool) (*Client, bool) {
		if loaded && cur == c {
			removed = true
			return nil, true
		}
		return cur, !loaded
	})
	if removed {
		b.count.Add(-1)
	}
}

func (b *Broker) nextID() string {
	id := strconv.FormatUint(b.eventID.Add(1), 10)
	if b.cfg.Namespace != "" {
		return b.cfg.Namespace + "-" + id
	}
	return id
}

// Send broadcasts data as an event of the given type, with a fresh ID.
func (b *Broker) Send(eventType, data string) {
	b.Publish(&Event{ID: b.nextID(), Event: eventType, Data: data})
}

// SendTo delivers an event to one client.
func (b *Broker) SendTo(clientID, eventType, data string) error {
	c, ok := b.clients.Load(clientID)
	if !ok || !c.Send(&Event{ID: b.nextID(), Event: eventType, Data: data}) {
		return ErrUnknownClient
	}
	b.sent.Add(1)
	return nil
}

// Publish broadcasts ev as is. Clients whose buffers are full miss it.
func (b *Broker) Publish(ev *Event) {
	b.clients.Range(func(_ string, c *Client) bool {
		if c.Send(ev) {
			b.sent.Add(1)
		} else {
			b.dropped.Add(1)
		}
		return true
	})
}

func (b *Broker) ClientCount() int { return int(b.count.Load()) }

// Close ends every stream and refuses new subscribers.
func (b *Broker) Close() {
	b.once.Do(func() {
		close(b.done)
		b.clients.Range(func(_ string, c *Client) bool {
			b.Unsubscribe(c)
			return true
		})
	})
}

func (b *Broker) Stats() BrokerStats {
	return BrokerStats{
		Clients:      b.count.Load(),
		TotalClients: b.total.Load(),
		Sent:         b.sent.Load(),
		Dropped:      b.dropped.Load(),
		LastEventID:  b.eventID.Load(),
	}
}

// NewClientID returns an unguessable subscriber ID.
func NewClientID() string {
	return rand.Text()
}
