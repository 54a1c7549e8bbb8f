// Package discovery implements the WS-Discovery UDP multicast node:
// Hello/Bye/Probe/Resolve on a single bound adapter, with
// separate send/receive goroutines so an outbound Bye can drain before the
// socket closes.
package discovery

import (
	"context"
	"fmt"
	"math/rand"
	"net"
	"sync"
	"time"

	"golang.org/x/net/ipv4"

	"github.com/sdcgo/sdc11073/config"
	"github.com/sdcgo/sdc11073/internal/logging"
	"github.com/sdcgo/sdc11073/internal/observability"
)

// Message is a decoded WS-Discovery message. Wire
// encoding/decoding lives in wire.go.
type Message struct {
	Type            string // Hello, Bye, Probe, ProbeMatches, Resolve, ResolveMatches
	EprAddress      string
	Scopes          []string
	Types           []string
	XAddrs          []string
	MetadataVersion uint64
	RelatesTo       string // MessageID of the request this answers, for Probe/ResolveMatches
	MessageID       string
}

// RemoteObserver receives every accepted remote announcement (Hello,
// ProbeMatches, ResolveMatches that isn't stale by MetadataVersion).
type RemoteObserver func(epr string, types, scopes, xaddrs []string, metadataVersion uint64)

// ScopeMatcher decides whether a remote device's advertised scopes satisfy a
// probe's requested scopes. The standard defines "ldap" (RFC 3986 prefix
// matching) and "strcmp0" (exact match); "ldap" is the default.
type ScopeMatcher interface {
	Matches(probeScopes, deviceScopes []string) bool
}

// remoteInfo tracks the highest MetadataVersion seen for a known remote
// device, so a stale re-announcement is never applied over fresher data.
type remoteInfo struct {
	epr             string
	metadataVersion uint64
	lastSeen        time.Time
}

// Node is one participant in WS-Discovery: it can announce itself (Hello on
// join, Bye on leave) and answer Probe/Resolve requests targeting it, and it
// can observe other nodes' announcements.
type Node struct {
	cfg     config.DiscoveryConfig
	epr     string
	scopes  []string
	types   []string
	xaddrs  []string
	matcher ScopeMatcher
	logger  logging.Logger

	conn   *net.UDPConn
	pconn  *ipv4.PacketConn
	group  *net.UDPAddr
	outbox chan []byte

	onMessage func(Message, *net.UDPAddr)
	observer  RemoteObserver

	mu      sync.RWMutex
	remotes map[string]*remoteInfo

	metadataVersion uint64

	stopRecv chan struct{}
	stopSend chan struct{}
	wg       sync.WaitGroup
}

// New constructs a discovery node for one local device identity. Call
// Start to bind the socket and begin the send/receive loops.
func New(cfg config.DiscoveryConfig, epr string, scopes, types, xaddrs []string, logger logging.Logger) (*Node, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	matcher := resolveMatcher(cfg.ScopeMatcher)
	return &Node{
		cfg:     cfg,
		epr:     epr,
		scopes:  scopes,
		types:   types,
		xaddrs:  xaddrs,
		matcher: matcher,
		logger:  logging.OrDefault(logger),
		outbox:  make(chan []byte, 64),
		remotes: make(map[string]*remoteInfo),
	}, nil
}

func resolveMatcher(name string) ScopeMatcher {
	switch name {
	case "strcmp0":
		return strcmp0Matcher{}
	default:
		return ldapMatcher{}
	}
}

// Start binds the multicast socket on the configured adapter and launches
// the receive and send loops. Sending Hello here is the caller's
// responsibility (via Announce), so construction and join are decoupled for
// testability.
func (n *Node) Start(ctx context.Context) error {
	iface, err := net.InterfaceByName(n.cfg.AdapterName)
	if err != nil {
		return fmt.Errorf("discovery: resolving adapter %q: %w", n.cfg.AdapterName, err)
	}

	group, err := net.ResolveUDPAddr("udp4", n.cfg.MulticastAddr)
	if err != nil {
		return fmt.Errorf("discovery: resolving multicast addr: %w", err)
	}
	n.group = group

	conn, err := net.ListenUDP("udp4", &net.UDPAddr{IP: net.IPv4zero, Port: group.Port})
	if err != nil {
		return fmt.Errorf("discovery: listening: %w", err)
	}
	pconn := ipv4.NewPacketConn(conn)
	if err := pconn.JoinGroup(iface, group); err != nil {
		conn.Close()
		return fmt.Errorf("discovery: joining multicast group on %q: %w", n.cfg.AdapterName, err)
	}
	if err := pconn.SetMulticastInterface(iface); err != nil {
		conn.Close()
		return fmt.Errorf("discovery: setting multicast interface: %w", err)
	}

	n.conn = conn
	n.pconn = pconn
	n.stopRecv = make(chan struct{})
	n.stopSend = make(chan struct{})

	n.wg.Add(2)
	logging.SafeGo(n.logger, "discovery-recv", n.recvLoop, nil)
	logging.SafeGo(n.logger, "discovery-send", n.sendLoop, nil)

	return nil
}

// recvLoop reads and dispatches inbound messages. It runs independently of
// sendLoop so an inbound flood never blocks an outbound Bye.
func (n *Node) recvLoop() {
	defer n.wg.Done()
	buf := make([]byte, 65535)
	for {
		select {
		case <-n.stopRecv:
			return
		default:
		}
		n.conn.SetReadDeadline(time.Now().Add(500 * time.Millisecond))
		nBytes, addr, err := n.conn.ReadFromUDP(buf)
		if err != nil {
			continue
		}
		msg, err := decodeMessage(buf[:nBytes])
		if err != nil {
			n.logger.Debug("discovery: failed to decode inbound message", "error", err)
			continue
		}
		observability.RecordDiscoveryMessage("recv", msg.Type)
		n.handleInbound(msg, addr)
	}
}

// sendLoop drains the bounded outbound channel. Separating it from recvLoop
// guarantees a Bye queued at shutdown is flushed before the socket closes.
func (n *Node) sendLoop() {
	defer n.wg.Done()
	for {
		select {
		case pkt := <-n.outbox:
			n.conn.WriteToUDP(pkt, n.group)
		case <-n.stopSend:
			// Drain whatever is already queued before exiting.
			for {
				select {
				case pkt := <-n.outbox:
					n.conn.WriteToUDP(pkt, n.group)
				default:
					return
				}
			}
		}
	}
}

func (n *Node) handleInbound(msg Message, addr *net.UDPAddr) {
	// Snapshot the handler/observer under the lock: Probe/Resolve swap the
	// message handler from their caller's goroutine while this runs on the
	// receive loop.
	n.mu.RLock()
	onMessage := n.onMessage
	observer := n.observer
	n.mu.RUnlock()

	switch msg.Type {
	case "Hello", "ProbeMatches", "ResolveMatches":
		if n.recordRemote(msg) && observer != nil {
			observer(msg.EprAddress, msg.Types, msg.Scopes, msg.XAddrs, msg.MetadataVersion)
		}
	case "Bye":
		n.mu.Lock()
		delete(n.remotes, msg.EprAddress)
		n.mu.Unlock()
	case "Probe":
		// A ProbeMatch requires both: our types contain every probed type
		// and our scopes satisfy the probe's scopes under the selected
		// matcher.
		if n.typesMatch(msg.Types) && n.matcher.Matches(msg.Scopes, n.scopes) {
			n.enqueue(n.buildProbeMatches(msg.MessageID))
		}
	case "Resolve":
		if msg.EprAddress == n.epr {
			n.enqueue(n.buildResolveMatches(msg.MessageID))
		}
	}
	if onMessage != nil {
		onMessage(msg, addr)
	}
}

// typesMatch reports whether every probed type is among this node's
// advertised types. An empty probe matches every device.
func (n *Node) typesMatch(probeTypes []string) bool {
	if len(probeTypes) == 0 {
		return true
	}
	have := make(map[string]bool, len(n.types))
	for _, t := range n.types {
		have[t] = true
	}
	for _, want := range probeTypes {
		if !have[want] {
			return false
		}
	}
	return true
}

// SetRemoteObserver registers the observer callback for accepted remote
// announcements.
func (n *Node) SetRemoteObserver(fn RemoteObserver) {
	n.mu.Lock()
	n.observer = fn
	n.mu.Unlock()
}

// recordRemote applies monotonic-max metadata version tracking: a message
// carrying a MetadataVersion lower than what's already recorded for that
// remote is discarded, so a stale re-announcement never overrides fresher
// metadata. Returns whether the message was accepted.
func (n *Node) recordRemote(msg Message) bool {
	n.mu.Lock()
	defer n.mu.Unlock()
	existing, ok := n.remotes[msg.EprAddress]
	if ok && msg.MetadataVersion < existing.metadataVersion {
		return false
	}
	n.remotes[msg.EprAddress] = &remoteInfo{
		epr:             msg.EprAddress,
		metadataVersion: msg.MetadataVersion,
		lastSeen:        time.Now(),
	}
	return true
}

// Announce sends Hello with repetition per the configured repeat algorithm.
func (n *Node) Announce(ctx context.Context) {
	n.metadataVersion++
	msg := Message{Type: "Hello", EprAddress: n.epr, Scopes: n.scopes, Types: n.types, XAddrs: n.xaddrs, MetadataVersion: n.metadataVersion}
	n.repeatSend(ctx, msg, n.cfg.MulticastRepeat)
}

// Bye sends Bye with repetition, used on graceful shutdown.
func (n *Node) Bye(ctx context.Context) {
	msg := Message{Type: "Bye", EprAddress: n.epr}
	n.repeatSend(ctx, msg, n.cfg.MulticastRepeat)
}

// Probe sends a Probe for the given types/scopes and collects ProbeMatches
// for up to MatchTimeout.
func (n *Node) Probe(ctx context.Context, types, scopes []string) ([]Message, error) {
	msgID := newMessageID()
	msg := Message{Type: "Probe", Types: types, Scopes: scopes, MessageID: msgID}

	var mu sync.Mutex
	var matches []Message
	n.mu.Lock()
	prevHandler := n.onMessage
	n.onMessage = func(m Message, _ *net.UDPAddr) {
		if prevHandler != nil {
			prevHandler(m, nil)
		}
		if m.Type == "ProbeMatches" && m.RelatesTo == msgID {
			mu.Lock()
			matches = append(matches, m)
			mu.Unlock()
		}
	}
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		n.onMessage = prevHandler
		n.mu.Unlock()
	}()

	n.repeatSend(ctx, msg, n.cfg.UnicastRepeat)

	timer := time.NewTimer(n.cfg.MatchTimeout)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()
	return matches, nil
}

// Resolve asks the network for the transport addresses of one endpoint
// reference and collects ResolveMatches for up to MatchTimeout.
func (n *Node) Resolve(ctx context.Context, epr string) ([]Message, error) {
	msgID := newMessageID()
	msg := Message{Type: "Resolve", EprAddress: epr, MessageID: msgID}

	var mu sync.Mutex
	var matches []Message
	n.mu.Lock()
	prevHandler := n.onMessage
	n.onMessage = func(m Message, _ *net.UDPAddr) {
		if prevHandler != nil {
			prevHandler(m, nil)
		}
		if m.Type == "ResolveMatches" && m.RelatesTo == msgID {
			mu.Lock()
			matches = append(matches, m)
			mu.Unlock()
		}
	}
	n.mu.Unlock()
	defer func() {
		n.mu.Lock()
		n.onMessage = prevHandler
		n.mu.Unlock()
	}()

	n.repeatSend(ctx, msg, n.cfg.UnicastRepeat)

	timer := time.NewTimer(n.cfg.MatchTimeout)
	defer timer.Stop()
	select {
	case <-timer.C:
	case <-ctx.Done():
	}

	mu.Lock()
	defer mu.Unlock()
	return matches, nil
}

// repeatSend implements the WS-Discovery repeat algorithm: send, then wait
// an exponentially growing interval (bounded by RepeatUpperBound) before
// each resend, jittered by AppMaxDelay on the first send.
func (n *Node) repeatSend(ctx context.Context, msg Message, times int) {
	if times <= 0 {
		times = 1
	}
	if n.cfg.AppMaxDelay > 0 {
		jitter := time.Duration(rand.Int63n(int64(n.cfg.AppMaxDelay) + 1))
		select {
		case <-time.After(jitter):
		case <-ctx.Done():
			return
		}
	}
	interval := n.cfg.RepeatMinInterval
	for i := 0; i < times; i++ {
		n.enqueue(encodeMessage(msg))
		observability.RecordDiscoveryMessage("send", msg.Type)
		if i == times-1 {
			break
		}
		select {
		case <-time.After(interval):
		case <-ctx.Done():
			return
		}
		interval *= 2
		if interval > n.cfg.RepeatUpperBound {
			interval = n.cfg.RepeatUpperBound
		}
	}
}

func (n *Node) enqueue(pkt []byte) {
	select {
	case n.outbox <- pkt:
	default:
		n.logger.Warn("discovery outbox full, dropping message")
	}
}

func (n *Node) buildProbeMatches(relatesTo string) []byte {
	n.mu.RLock()
	mv := n.metadataVersion
	n.mu.RUnlock()
	return encodeMessage(Message{
		Type: "ProbeMatches", EprAddress: n.epr, Scopes: n.scopes, Types: n.types,
		XAddrs: n.xaddrs, MetadataVersion: mv, RelatesTo: relatesTo,
	})
}

func (n *Node) buildResolveMatches(relatesTo string) []byte {
	n.mu.RLock()
	mv := n.metadataVersion
	n.mu.RUnlock()
	return encodeMessage(Message{
		Type: "ResolveMatches", EprAddress: n.epr, Scopes: n.scopes, Types: n.types,
		XAddrs: n.xaddrs, MetadataVersion: mv, RelatesTo: relatesTo,
	})
}

// Stop sends Bye, then tears down the send/receive loops and closes the
// socket, guaranteeing the Bye is flushed before the conn closes.
func (n *Node) Stop(ctx context.Context) {
	n.Bye(ctx)
	close(n.stopRecv)
	time.Sleep(10 * time.Millisecond) // let recvLoop observe the close before we tear down the conn
	close(n.stopSend)
	n.wg.Wait()
	if n.conn != nil {
		n.conn.Close()
	}
}

// KnownRemotes returns the epr addresses of every remote device this node
// has observed, for test/diagnostic use.
func (n *Node) KnownRemotes() []string {
	n.mu.RLock()
	defer n.mu.RUnlock()
	out := make([]string, 0, len(n.remotes))
	for epr := range n.remotes {
		out = append(out, epr)
	}
	return out
}
