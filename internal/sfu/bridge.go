package sfu

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"github.com/observer/syncroom/internal/metrics"
)

// Event names the bridge emits through its Emitter.
const (
	EventExistingProducers = "existing-producers"
	EventVoiceNewProducer  = "voice-new-producer"
	EventNewProducer       = "new_producer"
	EventProducerClosed    = "producer_closed"
)

// Emitter delivers bridge events outward. The session gateway implements it.
type Emitter interface {
	Emit(sessionID, event string, payload any)
	Broadcast(roomCode, event string, payload any, excludeSessionID string)
}

// Peer holds every WebRTC resource a session owns inside one room.
type Peer struct {
	transports map[string]Transport
	producers  map[string]Producer
	consumers  map[string]Consumer
}

func newPeer() *Peer {
	return &Peer{
		transports: make(map[string]Transport),
		producers:  make(map[string]Producer),
		consumers:  make(map[string]Consumer),
	}
}

// producerEntry is the room-level producer record.
type producerEntry struct {
	producer  Producer
	sessionID string
	identity  string
	mediaType string // AppData "type"; "voice" uses a dedicated discovery path
}

// roomMedia is the per-room router plus peer and producer tables.
// Router creation is serialized under the bridge mutex; the room's own mutex
// guards its tables afterwards.
type roomMedia struct {
	mu        sync.Mutex
	worker    Worker
	router    Router
	peers     map[string]*Peer // sessionID -> peer
	producers map[string]*producerEntry
}

// Bridge owns the worker pool and routes each room's router onto a worker
// round-robin. All client-facing RPCs go through here.
type Bridge struct {
	mu      sync.Mutex
	workers []Worker
	next    int
	rooms   map[string]*roomMedia
	closed  bool

	iceServers []ICEServer
	emitter    Emitter
	logger     *slog.Logger

	// Worker death handling; exitFn is swappable for tests.
	exitDelay time.Duration
	exitFn    func(code int)
}

// NewBridge creates a bridge over the given workers.
func NewBridge(workers []Worker, iceServers []ICEServer, emitter Emitter, logger *slog.Logger) *Bridge {
	return &Bridge{
		workers:    workers,
		rooms:      make(map[string]*roomMedia),
		iceServers: iceServers,
		emitter:    emitter,
		logger:     logger.With("component", "sfu"),
		exitDelay:  2 * time.Second,
		exitFn:     os.Exit,
	}
}

// WatchWorkers exits the process when any worker dies. The delay gives the
// orchestrator's log shipper a chance to flush before restart.
func (b *Bridge) WatchWorkers(ctx context.Context) {
	for _, w := range b.workers {
		go func(w Worker) {
			select {
			case <-ctx.Done():
			case <-w.Died():
				b.logger.Error("media worker died, exiting", "worker_id", w.ID())
				time.Sleep(b.exitDelay)
				b.exitFn(1)
			}
		}(w)
	}
}

// roomFor returns the media state for a room, creating the router lazily on
// the next worker in the rotation.
func (b *Bridge) roomFor(ctx context.Context, roomCode string) (*roomMedia, error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.closed {
		return nil, ErrClosed
	}
	if rm, ok := b.rooms[roomCode]; ok {
		return rm, nil
	}

	worker := b.workers[b.next%len(b.workers)]
	b.next++

	router, err := worker.CreateRouter(ctx)
	if err != nil {
		return nil, fmt.Errorf("create router: %w", err)
	}

	rm := &roomMedia{
		worker:    worker,
		router:    router,
		peers:     make(map[string]*Peer),
		producers: make(map[string]*producerEntry),
	}
	b.rooms[roomCode] = rm
	b.logger.Info("router created", "room", roomCode, "worker_id", worker.ID())
	return rm, nil
}

func (b *Bridge) room(roomCode string) (*roomMedia, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	rm, ok := b.rooms[roomCode]
	if !ok {
		return nil, ErrNotFound
	}
	return rm, nil
}

// peerFor returns the session's peer in the room, creating it if needed.
// Caller must hold rm.mu.
func (rm *roomMedia) peerFor(sessionID string) *Peer {
	p, ok := rm.peers[sessionID]
	if !ok {
		p = newPeer()
		rm.peers[sessionID] = p
	}
	return p
}

// RouterCapabilities returns the room router's RTP capabilities, creating the
// router on first use, and tells the caller about current non-voice producers
// so it can start consuming them.
func (b *Bridge) RouterCapabilities(ctx context.Context, roomCode, sessionID string) (json.RawMessage, error) {
	rm, err := b.roomFor(ctx, roomCode)
	if err != nil {
		return nil, err
	}

	rm.mu.Lock()
	existing := make([]ProducerInfo, 0)
	for id, entry := range rm.producers {
		if entry.sessionID == sessionID || entry.mediaType == "voice" {
			continue
		}
		existing = append(existing, ProducerInfo{
			ProducerID: id,
			Kind:       entry.producer.Kind(),
			Type:       entry.mediaType,
		})
	}
	caps := rm.router.RTPCapabilities()
	rm.mu.Unlock()

	b.emitter.Emit(sessionID, EventExistingProducers, existing)
	return caps, nil
}

// CreateTransport creates a send or receive transport for the session.
func (b *Bridge) CreateTransport(ctx context.Context, roomCode, sessionID string, direction Direction) (TransportParams, error) {
	if direction != DirectionSend && direction != DirectionRecv {
		return TransportParams{}, fmt.Errorf("%w: unknown direction %q", ErrBadRequest, direction)
	}

	rm, err := b.roomFor(ctx, roomCode)
	if err != nil {
		return TransportParams{}, err
	}

	transport, err := rm.router.CreateTransport(ctx, direction)
	if err != nil {
		return TransportParams{}, fmt.Errorf("create transport: %w", err)
	}

	rm.mu.Lock()
	rm.peerFor(sessionID).transports[transport.ID()] = transport
	rm.mu.Unlock()

	params := transport.Params()
	params.ICEServers = b.iceServers
	return params, nil
}

// ConnectTransport completes the DTLS/ICE handshake for a transport.
func (b *Bridge) ConnectTransport(ctx context.Context, roomCode, sessionID, transportID string, dtlsParameters json.RawMessage) error {
	transport, err := b.transport(roomCode, sessionID, transportID)
	if err != nil {
		return err
	}
	return transport.Connect(ctx, dtlsParameters)
}

// Produce registers a new inbound track and announces it to the room.
func (b *Bridge) Produce(ctx context.Context, roomCode, sessionID, identity, transportID string, kind Kind, rtpParameters json.RawMessage, appData AppData) (string, error) {
	rm, err := b.room(roomCode)
	if err != nil {
		return "", err
	}
	transport, err := b.transport(roomCode, sessionID, transportID)
	if err != nil {
		return "", err
	}

	producer, err := transport.Produce(ctx, kind, rtpParameters, appData)
	if err != nil {
		return "", fmt.Errorf("produce: %w", err)
	}

	mediaType := appData.MediaType()
	rm.mu.Lock()
	rm.peerFor(sessionID).producers[producer.ID()] = producer
	rm.producers[producer.ID()] = &producerEntry{
		producer:  producer,
		sessionID: sessionID,
		identity:  identity,
		mediaType: mediaType,
	}
	rm.mu.Unlock()
	metrics.ActiveProducers.Inc()

	event := EventNewProducer
	if mediaType == "voice" {
		event = EventVoiceNewProducer
	}
	b.emitter.Broadcast(roomCode, event, map[string]any{
		"producerId": producer.ID(),
		"kind":       producer.Kind(),
		"type":       mediaType,
		"identity":   identity,
	}, sessionID)

	b.logger.Info("producer created", "room", roomCode, "session_id", sessionID, "producer_id", producer.ID(), "kind", kind, "type", mediaType)
	return producer.ID(), nil
}

// Consume creates a paused consumer for the given producer.
func (b *Bridge) Consume(ctx context.Context, roomCode, sessionID, transportID, producerID string, rtpCapabilities json.RawMessage) (ConsumerParams, error) {
	rm, err := b.room(roomCode)
	if err != nil {
		return ConsumerParams{}, err
	}

	rm.mu.Lock()
	entry, ok := rm.producers[producerID]
	rm.mu.Unlock()
	if !ok {
		return ConsumerParams{}, ErrNotFound
	}

	if !rm.router.CanConsume(producerID, rtpCapabilities) {
		return ConsumerParams{}, ErrCannotConsume
	}

	transport, err := b.transport(roomCode, sessionID, transportID)
	if err != nil {
		return ConsumerParams{}, err
	}

	consumer, err := transport.Consume(ctx, producerID, rtpCapabilities)
	if err != nil {
		return ConsumerParams{}, fmt.Errorf("consume: %w", err)
	}

	rm.mu.Lock()
	rm.peerFor(sessionID).consumers[consumer.ID()] = consumer
	rm.mu.Unlock()

	params := ConsumerParams{
		ID:            consumer.ID(),
		ProducerID:    producerID,
		Kind:          consumer.Kind(),
		RTPParameters: consumer.RTPParameters(),
		AppData:       AppData{"type": entry.mediaType},
	}
	if negotiator, ok := consumer.(interface{ RenegotiationSDP() string }); ok {
		params.RenegotiationSDP = negotiator.RenegotiationSDP()
	}
	return params, nil
}

// ResumeConsumer starts a paused consumer.
func (b *Bridge) ResumeConsumer(ctx context.Context, roomCode, sessionID, consumerID string) error {
	rm, err := b.room(roomCode)
	if err != nil {
		return err
	}

	rm.mu.Lock()
	peer, ok := rm.peers[sessionID]
	var consumer Consumer
	if ok {
		consumer = peer.consumers[consumerID]
	}
	rm.mu.Unlock()

	if consumer == nil {
		return ErrNotFound
	}
	return consumer.Resume()
}

// Producers lists the room's producers excluding the caller's own. With an
// empty typeFilter, voice producers are excluded; they are discovered through
// voice-new-producer instead.
func (b *Bridge) Producers(roomCode, sessionID, typeFilter string) ([]ProducerInfo, error) {
	rm, err := b.room(roomCode)
	if err != nil {
		return nil, err
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	out := make([]ProducerInfo, 0)
	for id, entry := range rm.producers {
		if entry.sessionID == sessionID {
			continue
		}
		if typeFilter == "" && entry.mediaType == "voice" {
			continue
		}
		if typeFilter != "" && entry.mediaType != typeFilter {
			continue
		}
		out = append(out, ProducerInfo{
			ProducerID: id,
			Kind:       entry.producer.Kind(),
			Type:       entry.mediaType,
		})
	}
	return out, nil
}

// CleanupSession force-closes every resource the session owns, in every room,
// and tells each room which producers went away.
func (b *Bridge) CleanupSession(sessionID string) {
	b.mu.Lock()
	rooms := make(map[string]*roomMedia, len(b.rooms))
	for code, rm := range b.rooms {
		rooms[code] = rm
	}
	b.mu.Unlock()

	for code, rm := range rooms {
		rm.mu.Lock()
		peer, ok := rm.peers[sessionID]
		if !ok {
			rm.mu.Unlock()
			continue
		}
		delete(rm.peers, sessionID)

		closedProducers := make([]string, 0, len(peer.producers))
		for id := range peer.producers {
			delete(rm.producers, id)
			closedProducers = append(closedProducers, id)
		}
		rm.mu.Unlock()

		for _, consumer := range peer.consumers {
			_ = consumer.Close()
		}
		for _, producer := range peer.producers {
			_ = producer.Close()
			metrics.ActiveProducers.Dec()
		}
		for _, transport := range peer.transports {
			_ = transport.Close()
		}

		for _, producerID := range closedProducers {
			b.emitter.Broadcast(code, EventProducerClosed, map[string]any{
				"producerId": producerID,
			}, sessionID)
		}
		if len(closedProducers) > 0 || len(peer.consumers) > 0 {
			b.logger.Info("session media cleaned up", "room", code, "session_id", sessionID, "producers_closed", len(closedProducers))
		}
	}
}

// CloseRoom tears down the room's router. Called when the room itself is
// destroyed.
func (b *Bridge) CloseRoom(roomCode string) {
	b.mu.Lock()
	rm, ok := b.rooms[roomCode]
	if ok {
		delete(b.rooms, roomCode)
	}
	b.mu.Unlock()
	if !ok {
		return
	}

	rm.mu.Lock()
	peers := rm.peers
	producerCount := len(rm.producers)
	rm.peers = make(map[string]*Peer)
	rm.producers = make(map[string]*producerEntry)
	rm.mu.Unlock()

	for _, peer := range peers {
		for _, c := range peer.consumers {
			_ = c.Close()
		}
		for _, p := range peer.producers {
			_ = p.Close()
		}
		for _, t := range peer.transports {
			_ = t.Close()
		}
	}
	for i := 0; i < producerCount; i++ {
		metrics.ActiveProducers.Dec()
	}
	_ = rm.router.Close()
	b.logger.Info("router closed", "room", roomCode)
}

// HasPeers reports whether any session still holds media in the room.
func (b *Bridge) HasPeers(roomCode string) bool {
	b.mu.Lock()
	rm, ok := b.rooms[roomCode]
	b.mu.Unlock()
	if !ok {
		return false
	}
	rm.mu.Lock()
	defer rm.mu.Unlock()
	return len(rm.producers) > 0
}

// Close shuts down every router and worker.
func (b *Bridge) Close() {
	b.mu.Lock()
	if b.closed {
		b.mu.Unlock()
		return
	}
	b.closed = true
	codes := make([]string, 0, len(b.rooms))
	for code := range b.rooms {
		codes = append(codes, code)
	}
	b.mu.Unlock()

	for _, code := range codes {
		b.CloseRoom(code)
	}
	for _, w := range b.workers {
		_ = w.Close()
	}
}

func (b *Bridge) transport(roomCode, sessionID, transportID string) (Transport, error) {
	rm, err := b.room(roomCode)
	if err != nil {
		return nil, err
	}

	rm.mu.Lock()
	defer rm.mu.Unlock()

	peer, ok := rm.peers[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	transport, ok := peer.transports[transportID]
	if !ok {
		return nil, ErrNotFound
	}
	return transport, nil
}
