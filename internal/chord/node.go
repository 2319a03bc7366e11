package chord

import (
	"context"
	"fmt"
	"net/netip"
	"sync"
	"time"

	"github.com/zde37/ringkv/internal/config"
	"github.com/zde37/ringkv/pkg"
	"github.com/zde37/ringkv/pkg/hash"
)

// Sender delivers ring protocol messages. Sends are fire-and-forget.
type Sender interface {
	Send(to netip.AddrPort, msg Message) error
}

// RouteKind is the outcome of a routing decision for one key.
type RouteKind int

const (
	// RouteLocal means this peer is responsible for the key.
	RouteLocal RouteKind = iota
	// RouteRedirect means Route.Peer is responsible.
	RouteRedirect
	// RouteDefer means the responsible peer is not known yet.
	RouteDefer
)

func (k RouteKind) String() string {
	switch k {
	case RouteLocal:
		return "local"
	case RouteRedirect:
		return "redirect"
	case RouteDefer:
		return "defer"
	default:
		return fmt.Sprintf("route(%d)", int(k))
	}
}

// Route is a routing decision.
type Route struct {
	Kind       RouteKind
	Key        uint16
	Peer       *Peer // set for RouteRedirect
	Pending    bool  // a lookup for the key is in flight
	LookupSent bool  // a lookup message went out for this decision
}

// outbound is a message computed under the ring lock and sent after releasing it.
type outbound struct {
	to  netip.AddrPort
	msg Message
}

// Node is a single peer of the ring. All ring state (neighbors, join status,
// pending lookups) is guarded by one mutex, so the UDP loop, the stabilization
// timer and HTTP handlers always observe predecessor and successor together.
type Node struct {
	self   Peer
	config *config.Config

	storage     *ChordStorage
	logger      *pkg.Logger
	sender      Sender
	broadcaster RingUpdateBroadcaster

	mu          sync.Mutex
	predecessor *Peer
	successor   *Peer
	anchor      netip.AddrPort
	joining     bool
	pending     *PendingLookups

	// Lifecycle management
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	shutdown   bool
	shutdownMu sync.Mutex
}

// NewNode creates a ring peer from cfg. Static neighbors and the anchor are
// taken from cfg; without either the peer starts as a singleton ring.
func NewNode(cfg *config.Config, logger *pkg.Logger) (*Node, error) {
	if cfg == nil {
		return nil, fmt.Errorf("config cannot be nil")
	}
	if logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	id := cfg.ID
	if !cfg.IDSet {
		id = hash.Address(cfg.Host, cfg.Port)
	}

	self, err := NewPeer(id, cfg.Host, cfg.Port)
	if err != nil {
		return nil, err
	}

	pred, err := peerFromNeighbor(cfg.Predecessor)
	if err != nil {
		return nil, fmt.Errorf("invalid predecessor: %w", err)
	}
	succ, err := peerFromNeighbor(cfg.Successor)
	if err != nil {
		return nil, fmt.Errorf("invalid successor: %w", err)
	}

	ctx, cancel := context.WithCancel(context.Background())

	n := &Node{
		self:        self,
		config:      cfg,
		storage:     NewDefaultChordStorage(cfg.LookupCacheTTL),
		logger:      logger.WithFields(pkg.Fields{"component": "chord", "peer_id": fmt.Sprintf("%#06x", id)}),
		predecessor: pred,
		successor:   succ,
		pending:     NewPendingLookups(cfg.LookupTimeout),
		ctx:         ctx,
		cancel:      cancel,
	}

	if cfg.Anchor != "" {
		n.anchor = netip.MustParseAddrPort(cfg.Anchor)
		n.joining = true
	}

	n.logger.Info().
		Str("address", self.Address()).
		Str("predecessor", peerID(pred)).
		Str("successor", peerID(succ)).
		Bool("joining", n.joining).
		Msg("Peer created")

	return n, nil
}

// Self returns this peer's identity.
func (n *Node) Self() Peer {
	return n.self
}

// Storage returns the local item store and lookup cache.
func (n *Node) Storage() *ChordStorage {
	return n.storage
}

// SetSender sets the transport used for outgoing ring messages.
func (n *Node) SetSender(s Sender) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sender = s
}

// SetBroadcaster sets the sink for neighbor change events.
func (n *Node) SetBroadcaster(b RingUpdateBroadcaster) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.broadcaster = b
}

// State returns a consistent snapshot of the ring state.
func (n *Node) State() RingState {
	n.mu.Lock()
	defer n.mu.Unlock()

	return RingState{
		Self:        n.self,
		Predecessor: copyPeer(n.predecessor),
		Successor:   copyPeer(n.successor),
		Joining:     n.joining,
		Pending:     n.pending.Keys(),
	}
}

// Start sends the initial join (when an anchor is configured) and starts the
// stabilization timer unless it is disabled.
func (n *Node) Start() error {
	n.mu.Lock()
	if n.sender == nil {
		n.mu.Unlock()
		return fmt.Errorf("sender not set - call SetSender() before Start()")
	}
	var out []outbound
	if n.joining {
		out = append(out, n.joinMessage())
	}
	n.mu.Unlock()

	if len(out) > 0 {
		n.logger.Info().Str("anchor", n.anchor.String()).Msg("Joining ring through anchor")
	}
	n.dispatch(out)

	if !n.config.NoStabilize {
		n.wg.Add(1)
		go n.stabilizeLoop()
	}

	n.logger.Debug().Msg("Background tasks started")
	return nil
}

// stabilizeLoop periodically runs the stabilization protocol.
func (n *Node) stabilizeLoop() {
	defer n.wg.Done()

	ticker := time.NewTicker(n.config.StabilizeInterval)
	defer ticker.Stop()

	for {
		select {
		case <-n.ctx.Done():
			n.logger.Debug().Msg("Stabilize loop stopped")
			return
		case <-ticker.C:
			n.Stabilize()
		}
	}
}

// Stabilize runs one timer tick: announce ourselves to the successor, or, while
// still joining, re-send the join to the anchor.
func (n *Node) Stabilize() {
	n.mu.Lock()
	var out []outbound
	switch {
	case n.successor != nil:
		out = append(out, outbound{
			to:  n.successor.AddrPort(),
			msg: Message{Kind: KindStabilize, Subject: n.self},
		})
	case n.joining:
		out = append(out, n.joinMessage())
	}
	n.mu.Unlock()

	n.dispatch(out)
}

func (n *Node) joinMessage() outbound {
	return outbound{to: n.anchor, msg: Message{Kind: KindJoin, Subject: n.self}}
}

// HandleMessage processes one inbound datagram to completion.
func (n *Node) HandleMessage(msg Message) {
	n.logger.Debug().Str("message", msg.String()).Msg("Message received")

	n.mu.Lock()
	var (
		out    []outbound
		events []RingUpdateEvent
	)
	switch msg.Kind {
	case KindLookup:
		out = n.handleLookup(msg)
	case KindReply:
		n.handleReply(msg)
	case KindStabilize:
		out, events = n.handleStabilize(msg)
	case KindNotify:
		events = n.handleNotify(msg)
	case KindJoin:
		out, events = n.handleJoin(msg)
	default:
		n.logger.Debug().Uint8("kind", uint8(msg.Kind)).Msg("Dropping message of unknown kind")
	}
	broadcaster := n.broadcaster
	n.mu.Unlock()

	n.dispatch(out)
	if broadcaster != nil {
		for _, ev := range events {
			if err := broadcaster.BroadcastRingUpdate(ev); err != nil {
				n.logger.Debug().Err(err).Msg("Failed to broadcast ring update")
			}
		}
	}
}

// handleLookup answers a lookup for key K originating at O, or relays it to the
// successor unchanged. Must hold n.mu.
func (n *Node) handleLookup(msg Message) []outbound {
	key, origin := msg.Correlator, msg.Subject

	reply := func(correlator uint16, responsible Peer) []outbound {
		return []outbound{{
			to:  origin.AddrPort(),
			msg: Message{Kind: KindReply, Correlator: correlator, Subject: responsible},
		}}
	}

	switch {
	case n.predecessor != nil && hash.InRange(key, n.predecessor.ID, n.self.ID):
		return reply(n.predecessor.ID, n.self)
	case n.successor != nil && hash.InRange(key, n.self.ID, n.successor.ID):
		return reply(n.self.ID, *n.successor)
	case n.successor != nil:
		if origin == n.self {
			n.logger.Debug().Uint16("key", key).Msg("Own lookup came back unanswered, dropping")
			return nil
		}
		return []outbound{{to: n.successor.AddrPort(), msg: msg}}
	case n.predecessor == nil && !n.joining:
		return reply(n.self.ID, n.self)
	default:
		n.logger.Debug().Uint16("key", key).Msg("No successor to route lookup")
		return nil
	}
}

// handleReply resolves a pending lookup and caches the responsible peer so the
// client's retry is redirected. Must hold n.mu.
func (n *Node) handleReply(msg Message) {
	key, ok := n.pending.Resolve(msg.Correlator, msg.Subject)
	if !ok {
		n.logger.Debug().Str("subject", msg.Subject.String()).Msg("Reply without pending lookup, ignoring")
		return
	}

	if !hash.InRange(key, msg.Correlator, msg.Subject.ID) {
		n.logger.Warn().
			Uint16("key", key).
			Uint16("correlator", msg.Correlator).
			Uint16("subject_id", msg.Subject.ID).
			Msg("Reply window does not cover the resolved key")
	}

	if err := n.storage.CacheResponsible(n.ctx, key, msg.Subject); err != nil {
		n.logger.Warn().Err(err).Uint16("key", key).Msg("Failed to cache lookup answer")
		return
	}

	n.logger.Debug().
		Uint16("key", key).
		Str("responsible", msg.Subject.Address()).
		Msg("Lookup resolved")
}

// handleStabilize answers with our predecessor (or the sender itself when we
// know none) and adopts the sender as predecessor when it is closer.
// Must hold n.mu.
func (n *Node) handleStabilize(msg Message) ([]outbound, []RingUpdateEvent) {
	sender := msg.Subject
	if sender.ID == n.self.ID {
		return nil, nil
	}

	subject := sender
	if n.predecessor != nil {
		subject = *n.predecessor
	}
	out := []outbound{{
		to:  sender.AddrPort(),
		msg: Message{Kind: KindNotify, Subject: subject},
	}}

	var events []RingUpdateEvent
	if n.predecessor == nil || hash.Between(sender.ID, n.predecessor.ID, n.self.ID) {
		events = append(events, n.setPredecessor(sender))
	}
	return out, events
}

// handleNotify adopts the candidate as successor if it lies in (self, successor].
// Must hold n.mu.
func (n *Node) handleNotify(msg Message) []RingUpdateEvent {
	candidate := msg.Subject
	if candidate.ID == n.self.ID {
		return nil
	}
	if n.successor != nil && *n.successor == candidate {
		return nil
	}
	if n.successor != nil && !hash.InRange(candidate.ID, n.self.ID, n.successor.ID) {
		return nil
	}

	events := []RingUpdateEvent{n.setSuccessor(candidate)}
	if n.joining {
		n.joining = false
		events = append(events, n.event(EventJoined, &candidate, "joined ring"))
		n.logger.Info().Str("successor", candidate.Address()).Msg("Joined ring")
	}
	return events
}

// handleJoin accepts a joining peer when it falls into our window, tells it its
// successor when it falls right behind us, and relays it otherwise.
// Must hold n.mu.
func (n *Node) handleJoin(msg Message) ([]outbound, []RingUpdateEvent) {
	joiner := msg.Subject
	if joiner.ID == n.self.ID {
		if joiner != n.self {
			n.logger.Warn().Str("joiner", joiner.Address()).Msg("Joining peer has our ID, ignoring")
		}
		return nil, nil
	}

	notify := func(subject Peer) outbound {
		return outbound{to: joiner.AddrPort(), msg: Message{Kind: KindNotify, Subject: subject}}
	}

	sole := n.predecessor == nil && n.successor == nil && !n.joining
	switch {
	case sole || (n.predecessor != nil && hash.InRange(joiner.ID, n.predecessor.ID, n.self.ID)):
		events := []RingUpdateEvent{n.setPredecessor(joiner)}
		if n.successor == nil {
			events = append(events, n.setSuccessor(joiner))
		}
		return []outbound{notify(n.self)}, events
	case n.successor != nil && hash.InRange(joiner.ID, n.self.ID, n.successor.ID):
		return []outbound{notify(*n.successor)}, nil
	case n.successor != nil:
		return []outbound{{to: n.successor.AddrPort(), msg: msg}}, nil
	default:
		n.logger.Debug().Str("joiner", joiner.Address()).Msg("No successor to relay join")
		return nil, nil
	}
}

// Route decides who answers a request for key. On RouteDefer it registers a
// pending lookup and sends a lookup message to the successor when none for the
// key is in flight. It never blocks on the network.
func (n *Node) Route(key uint16) Route {
	n.mu.Lock()
	route, out := n.route(key, true)
	n.mu.Unlock()

	n.dispatch(out)
	return route
}

// Explain returns the decision Route would make for key without registering a
// pending lookup or sending anything.
func (n *Node) Explain(key uint16) Route {
	n.mu.Lock()
	defer n.mu.Unlock()

	route, _ := n.route(key, false)
	return route
}

// route computes the decision for key. Only with commit set does it touch the
// pending registry and return messages to send. Must hold n.mu.
func (n *Node) route(key uint16, commit bool) (Route, []outbound) {
	if n.predecessor == nil && n.successor == nil {
		if n.joining {
			return Route{Kind: RouteDefer, Key: key}, nil
		}
		return Route{Kind: RouteLocal, Key: key}, nil
	}

	if n.predecessor != nil && hash.InRange(key, n.predecessor.ID, n.self.ID) {
		return Route{Kind: RouteLocal, Key: key}, nil
	}

	if n.successor != nil && hash.InRange(key, n.self.ID, n.successor.ID) {
		return Route{Kind: RouteRedirect, Key: key, Peer: copyPeer(n.successor)}, nil
	}

	cached, err := n.storage.CachedResponsible(n.ctx, key)
	if err != nil {
		n.logger.Warn().Err(err).Uint16("key", key).Msg("Lookup cache unavailable")
	}
	if cached != nil && cached.ID != n.self.ID {
		return Route{Kind: RouteRedirect, Key: key, Peer: cached}, nil
	}

	if n.successor == nil {
		return Route{Kind: RouteDefer, Key: key}, nil
	}

	if !commit {
		return Route{Kind: RouteDefer, Key: key, Pending: n.pending.Has(key)}, nil
	}
	if !n.pending.Register(key) {
		return Route{Kind: RouteDefer, Key: key, Pending: true}, nil
	}

	return Route{Kind: RouteDefer, Key: key, Pending: true, LookupSent: true}, []outbound{{
		to:  n.successor.AddrPort(),
		msg: Message{Kind: KindLookup, Correlator: key, Subject: n.self},
	}}
}

// setPredecessor must hold n.mu.
func (n *Node) setPredecessor(p Peer) RingUpdateEvent {
	n.predecessor = &p
	n.logger.Debug().Str("predecessor", p.Address()).Uint16("predecessor_id", p.ID).Msg("Predecessor updated")
	return n.event(EventPredecessorChanged, &p, "predecessor updated")
}

// setSuccessor must hold n.mu.
func (n *Node) setSuccessor(p Peer) RingUpdateEvent {
	n.successor = &p
	n.logger.Debug().Str("successor", p.Address()).Uint16("successor_id", p.ID).Msg("Successor updated")
	return n.event(EventSuccessorChanged, &p, "successor updated")
}

func (n *Node) event(kind string, neighbor *Peer, message string) RingUpdateEvent {
	ev := RingUpdateEvent{
		Type:      kind,
		PeerID:    n.self.ID,
		Timestamp: time.Now().Unix(),
		Message:   message,
	}
	if neighbor != nil {
		ev.Neighbor = neighbor.Address()
	}
	return ev
}

// dispatch sends messages outside the ring lock.
func (n *Node) dispatch(out []outbound) {
	if len(out) == 0 {
		return
	}

	n.mu.Lock()
	sender := n.sender
	n.mu.Unlock()
	if sender == nil {
		n.logger.Debug().Int("messages", len(out)).Msg("No sender set, dropping outgoing messages")
		return
	}

	for _, o := range out {
		if err := sender.Send(o.to, o.msg); err != nil {
			n.logger.Warn().
				Err(err).
				Str("to", o.to.String()).
				Str("kind", o.msg.Kind.String()).
				Msg("Failed to send message")
			continue
		}
		n.logger.Debug().Str("to", o.to.String()).Str("message", o.msg.String()).Msg("Message sent")
	}
}

// Shutdown stops the stabilization timer and releases storage.
func (n *Node) Shutdown() error {
	n.shutdownMu.Lock()
	if n.shutdown {
		n.shutdownMu.Unlock()
		return nil
	}
	n.shutdown = true
	n.shutdownMu.Unlock()

	n.logger.Info().Msg("Shutting down peer")

	n.cancel()
	n.wg.Wait()

	if err := n.storage.Close(); err != nil {
		n.logger.Error().Err(err).Msg("Failed to close storage")
	}

	n.logger.Info().Msg("Peer shutdown complete")
	return nil
}

// IsShutdown returns whether the node has been shut down.
func (n *Node) IsShutdown() bool {
	n.shutdownMu.Lock()
	defer n.shutdownMu.Unlock()
	return n.shutdown
}
