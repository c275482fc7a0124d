// Package plug defines the contract every network adapter honours: a
// non-blocking inbound buffer, a send lock, and the echo-matching
// bookkeeping that ties a network's reflection of our own sends back to
// the logical message that produced them.
package plug

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/chatloom/chatloom/internal/message"
)

var (
	// ErrClosed is returned by Next once an orderly shutdown has drained
	// the inbound buffer.
	ErrClosed = errors.New("plug: stream closed")
	// ErrNotActive is returned by Send while the plug is not running.
	ErrNotActive = errors.New("plug: not active")
)

// Event is one delivery from a plug's stream: the observed message, the
// logical message it originated from, and whether it is the first of the
// physical messages representing that logical message.
type Event struct {
	Sent    *message.SentMessage
	Source  *message.Message
	Primary bool
}

// Own reports whether the event is the network's echo of a message this
// process sent itself. Externally originated events carry the observed
// message as their own source.
func (ev Event) Own() bool {
	return ev.Source != &ev.Sent.Message
}

// Transport is the network-specific side of a plug. The core never
// implements network protocols itself; it only calls these.
type Transport interface {
	// Put performs the actual network send. One logical message may come
	// back as several physical receipts, in send order.
	Put(ctx context.Context, ch message.Channel, msg *message.Message) ([]message.Receipt, error)
	// ChannelMembers lists the channel's members, or (nil, nil) when the
	// network cannot say.
	ChannelMembers(ctx context.Context, ch message.Channel) ([]*message.User, error)
	// ChannelIsPrivate reports whether the channel is a direct
	// conversation; known is false when the network cannot say.
	ChannelIsPrivate(ctx context.Context, ch message.Channel) (private, known bool, err error)
	// UserFromID resolves a network user id, or (nil, nil) when unknown.
	UserFromID(ctx context.Context, id string) (*message.User, error)
	// Start runs the network connection until ctx is cancelled.
	Start(ctx context.Context) error
	// Stop releases any connection state.
	Stop() error
}

// Plug is the full adapter surface consumed by the multiplexer and host.
type Plug interface {
	Transport
	message.Origin
	Queue(sent *message.SentMessage)
	Next(ctx context.Context) (Event, error)
	Send(ctx context.Context, ch message.Channel, msg *message.Message) ([]message.Receipt, error)
	Active() bool
	AttachHost(h Host)
}

// Host is the slice of the dispatch host a plug needs for outbound sends:
// running the pre-send hook chain and re-dispatching redirected sends.
type Host interface {
	// BeforeSend runs the hook chain; a nil message means suppressed.
	BeforeSend(ctx context.Context, ch message.Channel, msg *message.Message) (message.Channel, *message.Message, error)
	// Send dispatches to whichever plug owns the channel.
	Send(ctx context.Context, ch message.Channel, msg *message.Message) ([]message.Receipt, error)
}

// echo table entries are pruned oldest-first past this size.
const sentTableCap = 4096

type echoKey struct {
	source string
	id     string
}

type sentRecord struct {
	msg *message.Message
	seq int // position within the physical messages of one send
}

// Base carries the shared send/receive machinery. Concrete plugs embed a
// *Base and pass themselves in as the Transport.
type Base struct {
	name      string
	network   string
	networkID string
	transport Transport
	host      Host

	active atomic.Bool

	mu     sync.Mutex
	queue  []*message.SentMessage
	ready  chan struct{}
	closed bool

	// sendMu is the per-plug send lock: held across Put and receipt
	// registration, and briefly acquired by the stream side as a barrier
	// so echoes are never observed before their send is recorded.
	sendMu    sync.Mutex
	sent      map[echoKey]sentRecord
	sentOrder []echoKey
}

// NewBase creates the shared plug state. transport is usually the
// embedding plug itself.
func NewBase(name, network, networkID string, transport Transport) *Base {
	return &Base{
		name:      name,
		network:   network,
		networkID: networkID,
		transport: transport,
		ready:     make(chan struct{}, 1),
		sent:      make(map[echoKey]sentRecord),
	}
}

func (b *Base) Name() string      { return b.name }
func (b *Base) Network() string   { return b.network }
func (b *Base) NetworkID() string { return b.networkID }

// SetNetworkID updates the network id once the connected account is known.
func (b *Base) SetNetworkID(id string) { b.networkID = id }

// AttachHost wires the dispatch host in; until then sends skip the hook
// chain (useful for tests and standalone use).
func (b *Base) AttachHost(h Host) { b.host = h }

// Active reports whether the plug accepts sends.
func (b *Base) Active() bool { return b.active.Load() }

// Open marks the plug active and its stream live. Called by the concrete
// plug once its network connection is up.
func (b *Base) Open() {
	b.mu.Lock()
	b.closed = false
	b.mu.Unlock()
	b.active.Store(true)
}

// Close marks the plug inactive and closes the stream. Messages already
// buffered remain retrievable until Next reports ErrClosed.
func (b *Base) Close() {
	b.active.Store(false)
	b.mu.Lock()
	b.closed = true
	b.mu.Unlock()
	b.signal()
}

// Queue appends an observed message to the inbound buffer. Non-blocking;
// called by the plug's own network-listening logic.
func (b *Base) Queue(sent *message.SentMessage) {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.queue = append(b.queue, sent)
	b.mu.Unlock()
	b.signal()
}

func (b *Base) signal() {
	select {
	case b.ready <- struct{}{}:
	default:
	}
}

// Next dequeues the next buffered message and matches it against recently
// sent ids. Context cancellation aborts immediately without draining;
// after Close the remaining buffer is drained, then ErrClosed is
// returned.
func (b *Base) Next(ctx context.Context) (Event, error) {
	for {
		if err := ctx.Err(); err != nil {
			return Event{}, err
		}
		b.mu.Lock()
		if len(b.queue) > 0 {
			sent := b.queue[0]
			b.queue = b.queue[1:]
			b.mu.Unlock()
			return b.match(sent), nil
		}
		closed := b.closed
		b.mu.Unlock()
		if closed {
			return Event{}, fmt.Errorf("%s: %w", b.name, ErrClosed)
		}
		select {
		case <-ctx.Done():
			return Event{}, ctx.Err()
		case <-b.ready:
		}
	}
}

// match resolves a dequeued message to its logical source. The send lock
// rendezvous here closes the race where a network echoes our own send
// before Send finished registering its receipt ids.
func (b *Base) match(sent *message.SentMessage) Event {
	b.sendMu.Lock()
	rec, ok := b.sent[echoKey{source: sent.Channel.Source, id: sent.ID}]
	b.sendMu.Unlock()
	if ok {
		return Event{Sent: sent, Source: rec.msg, Primary: rec.seq == 0}
	}
	// Externally originated: the message is its own source.
	return Event{Sent: sent, Source: &sent.Message, Primary: true}
}

// Send runs the pre-send hook chain, then performs the network send under
// the send lock, registering every returned receipt id before the lock is
// released. The caller therefore always holds the receipt ids before any
// echo of them can be observed via Next.
func (b *Base) Send(ctx context.Context, ch message.Channel, msg *message.Message) ([]message.Receipt, error) {
	if !b.active.Load() {
		return nil, fmt.Errorf("%s: %w", b.name, ErrNotActive)
	}
	if b.host != nil {
		for {
			outCh, outMsg, err := b.host.BeforeSend(ctx, ch, msg)
			if err != nil {
				return nil, err
			}
			if outMsg == nil {
				// Suppressed: no receipts, Put never runs.
				return nil, nil
			}
			if !outCh.Equal(ch) {
				if outCh.Plug != nil && outCh.Plug.NetworkID() != b.networkID {
					// Redirected onto another plug: restart there, with
					// its own fresh round of pre-send hooks.
					return b.host.Send(ctx, outCh, outMsg)
				}
				ch, msg = outCh, outMsg
				continue
			}
			ch, msg = outCh, outMsg
			break
		}
	}

	b.sendMu.Lock()
	defer b.sendMu.Unlock()
	receipts, err := b.transport.Put(ctx, ch, msg)
	if err != nil {
		return nil, fmt.Errorf("%s: put: %w", b.name, err)
	}
	for i, r := range receipts {
		source := r.Channel.Source
		if source == "" {
			source = ch.Source
		}
		b.register(echoKey{source: source, id: r.ID}, sentRecord{msg: msg, seq: i})
	}
	return receipts, nil
}

func (b *Base) register(key echoKey, rec sentRecord) {
	if _, exists := b.sent[key]; !exists {
		b.sentOrder = append(b.sentOrder, key)
	}
	b.sent[key] = rec
	for len(b.sentOrder) > sentTableCap {
		delete(b.sent, b.sentOrder[0])
		b.sentOrder = b.sentOrder[1:]
	}
}
