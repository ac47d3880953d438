// Package pionworker implements the media worker on top of pion/webrtc.
// One peer connection per transport; the server is the offerer. Clients
// connect transports by returning an SDP answer, and renegotiation after a
// consume hands the client a fresh offer the same way.
package pionworker

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"

	"github.com/google/uuid"
	"github.com/pion/rtcp"
	"github.com/pion/webrtc/v3"

	"github.com/observer/syncroom/internal/sfu"
)

// Config holds the worker-level transport settings.
type Config struct {
	AnnouncedIP string
	RTPMinPort  uint16
	RTPMaxPort  uint16

	// ICETCPPort, when non-zero, enables ICE-TCP candidates on that port so
	// clients behind UDP-blocking networks can still connect. Each worker
	// needs its own port; Pool assigns consecutive ones.
	ICETCPPort int

	ICEServers []sfu.ICEServer
	Logger     *slog.Logger
}

// Worker is an in-process pion media worker.
type Worker struct {
	id     string
	api    *webrtc.API
	cfg    Config
	logger *slog.Logger

	// died is closed only on unexpected failure, never by Close.
	died     chan struct{}
	diedOnce sync.Once

	tcpLn net.Listener

	mu      sync.Mutex
	routers map[string]*router
	closed  bool
}

// New builds a worker with VP8 and Opus enforced, the ephemeral UDP port
// range restricted, and the announced IP substituted into host candidates.
func New(id string, cfg Config) (*Worker, error) {
	m := &webrtc.MediaEngine{}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeVP8, ClockRate: 90000},
		PayloadType:        96,
	}, webrtc.RTPCodecTypeVideo); err != nil {
		return nil, fmt.Errorf("register vp8: %w", err)
	}
	if err := m.RegisterCodec(webrtc.RTPCodecParameters{
		RTPCodecCapability: webrtc.RTPCodecCapability{MimeType: webrtc.MimeTypeOpus, ClockRate: 48000, Channels: 2},
		PayloadType:        111,
	}, webrtc.RTPCodecTypeAudio); err != nil {
		return nil, fmt.Errorf("register opus: %w", err)
	}

	se := webrtc.SettingEngine{}
	if cfg.RTPMinPort != 0 || cfg.RTPMaxPort != 0 {
		if err := se.SetEphemeralUDPPortRange(cfg.RTPMinPort, cfg.RTPMaxPort); err != nil {
			return nil, fmt.Errorf("set port range: %w", err)
		}
	}
	if cfg.AnnouncedIP != "" {
		se.SetNAT1To1IPs([]string{cfg.AnnouncedIP}, webrtc.ICECandidateTypeHost)
	}

	var tcpLn net.Listener
	if cfg.ICETCPPort > 0 {
		ln, err := net.ListenTCP("tcp4", &net.TCPAddr{IP: net.IPv4zero, Port: cfg.ICETCPPort})
		if err != nil {
			return nil, fmt.Errorf("listen ice-tcp: %w", err)
		}
		tcpLn = ln
		se.SetICETCPMux(webrtc.NewICETCPMux(nil, ln, 8))
		se.SetNetworkTypes([]webrtc.NetworkType{webrtc.NetworkTypeUDP4, webrtc.NetworkTypeTCP4})
	}

	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	return &Worker{
		id:      id,
		api:     webrtc.NewAPI(webrtc.WithMediaEngine(m), webrtc.WithSettingEngine(se)),
		cfg:     cfg,
		logger:  logger.With("worker_id", id),
		died:    make(chan struct{}),
		tcpLn:   tcpLn,
		routers: make(map[string]*router),
	}, nil
}

func (w *Worker) ID() string            { return w.id }
func (w *Worker) Died() <-chan struct{} { return w.died }

func (w *Worker) CreateRouter(ctx context.Context) (sfu.Router, error) {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.closed {
		return nil, sfu.ErrClosed
	}
	r := &router{
		id:         uuid.NewString(),
		worker:     w,
		transports: make(map[string]*transport),
		producers:  make(map[string]*producer),
	}
	w.routers[r.id] = r
	return r, nil
}

func (w *Worker) removeRouter(id string) {
	w.mu.Lock()
	delete(w.routers, id)
	w.mu.Unlock()
}

func (w *Worker) Close() error {
	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		return nil
	}
	w.closed = true
	routers := make([]*router, 0, len(w.routers))
	for _, r := range w.routers {
		routers = append(routers, r)
	}
	w.mu.Unlock()

	for _, r := range routers {
		_ = r.Close()
	}
	if w.tcpLn != nil {
		_ = w.tcpLn.Close()
	}
	return nil
}

func (w *Worker) markDied() {
	w.diedOnce.Do(func() { close(w.died) })
}

// routerCapabilities is the codec set every router on this worker supports.
var routerCapabilities = json.RawMessage(`{
	"codecs": [
		{"mimeType": "audio/opus", "clockRate": 48000, "channels": 2, "payloadType": 111},
		{"mimeType": "video/VP8", "clockRate": 90000, "payloadType": 96}
	]
}`)

type router struct {
	id     string
	worker *Worker

	mu         sync.Mutex
	transports map[string]*transport
	producers  map[string]*producer
	closed     bool
}

func (r *router) RTPCapabilities() json.RawMessage { return routerCapabilities }

func (r *router) CreateTransport(ctx context.Context, direction sfu.Direction) (sfu.Transport, error) {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, sfu.ErrClosed
	}
	r.mu.Unlock()

	iceServers := make([]webrtc.ICEServer, 0, len(r.worker.cfg.ICEServers))
	for _, s := range r.worker.cfg.ICEServers {
		urls := make([]string, len(s.URLs))
		copy(urls, s.URLs)
		iceServers = append(iceServers, webrtc.ICEServer{
			URLs:       urls,
			Username:   s.Username,
			Credential: s.Credential,
		})
	}

	pc, err := r.worker.api.NewPeerConnection(webrtc.Configuration{ICEServers: iceServers})
	if err != nil {
		// A worker that cannot build peer connections anymore is dead.
		r.worker.markDied()
		return nil, fmt.Errorf("new peer connection: %w", err)
	}

	t := &transport{
		id:        uuid.NewString(),
		direction: direction,
		router:    r,
		pc:        pc,
		incoming: map[sfu.Kind]chan *incomingTrack{
			sfu.KindAudio: make(chan *incomingTrack, 4),
			sfu.KindVideo: make(chan *incomingTrack, 4),
		},
	}
	t.logger = r.worker.logger.With("transport_id", t.id, "direction", direction)

	if direction == sfu.DirectionSend {
		// Send transport from the client's point of view: we only receive.
		for _, kind := range []webrtc.RTPCodecType{webrtc.RTPCodecTypeAudio, webrtc.RTPCodecTypeVideo} {
			if _, err := pc.AddTransceiverFromKind(kind, webrtc.RTPTransceiverInit{
				Direction: webrtc.RTPTransceiverDirectionRecvonly,
			}); err != nil {
				pc.Close()
				return nil, fmt.Errorf("add transceiver: %w", err)
			}
		}
		pc.OnTrack(func(remote *webrtc.TrackRemote, receiver *webrtc.RTPReceiver) {
			t.handleIncomingTrack(remote)
		})
	}

	pc.OnConnectionStateChange(func(state webrtc.PeerConnectionState) {
		if state == webrtc.PeerConnectionStateFailed || state == webrtc.PeerConnectionStateClosed {
			t.logger.Debug("transport connection ended", "state", state.String())
		}
	})

	offer, err := t.localOffer(ctx)
	if err != nil {
		pc.Close()
		return nil, err
	}
	t.offerSDP = offer

	r.mu.Lock()
	r.transports[t.id] = t
	r.mu.Unlock()
	return t, nil
}

func (r *router) CanConsume(producerID string, rtpCapabilities json.RawMessage) bool {
	r.mu.Lock()
	p, ok := r.producers[producerID]
	r.mu.Unlock()
	if !ok {
		return false
	}

	// The router only speaks VP8 and Opus; the client must list the matching
	// codec for the producer's kind.
	var caps struct {
		Codecs []struct {
			MimeType string `json:"mimeType"`
		} `json:"codecs"`
	}
	if err := json.Unmarshal(rtpCapabilities, &caps); err != nil {
		return false
	}
	want := webrtc.MimeTypeOpus
	if p.kind == sfu.KindVideo {
		want = webrtc.MimeTypeVP8
	}
	for _, c := range caps.Codecs {
		if equalMime(c.MimeType, want) {
			return true
		}
	}
	return false
}

func equalMime(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := 0; i < len(a); i++ {
		ca, cb := a[i], b[i]
		if 'A' <= ca && ca <= 'Z' {
			ca += 'a' - 'A'
		}
		if 'A' <= cb && cb <= 'Z' {
			cb += 'a' - 'A'
		}
		if ca != cb {
			return false
		}
	}
	return true
}

func (r *router) removeProducer(id string) {
	r.mu.Lock()
	delete(r.producers, id)
	r.mu.Unlock()
}

func (r *router) Close() error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	transports := make([]*transport, 0, len(r.transports))
	for _, t := range r.transports {
		transports = append(transports, t)
	}
	r.transports = make(map[string]*transport)
	r.producers = make(map[string]*producer)
	r.mu.Unlock()

	for _, t := range transports {
		_ = t.Close()
	}
	r.worker.removeRouter(r.id)
	return nil
}

type incomingTrack struct {
	remote *webrtc.TrackRemote
}

type transport struct {
	id        string
	direction sfu.Direction
	router    *router
	pc        *webrtc.PeerConnection
	logger    *slog.Logger

	mu       sync.Mutex
	offerSDP string
	closed   bool

	// Remote tracks that arrived before their Produce call, keyed by kind.
	incoming map[sfu.Kind]chan *incomingTrack
}

func (t *transport) ID() string { return t.id }

func (t *transport) Params() sfu.TransportParams {
	t.mu.Lock()
	defer t.mu.Unlock()
	return sfu.TransportParams{ID: t.id, SDP: t.offerSDP}
}

// localOffer creates an offer and waits for ICE gathering so the SDP carries
// all candidates. Trickle would need a candidate side channel per transport.
func (t *transport) localOffer(ctx context.Context) (string, error) {
	offer, err := t.pc.CreateOffer(nil)
	if err != nil {
		return "", fmt.Errorf("create offer: %w", err)
	}
	gathered := webrtc.GatheringCompletePromise(t.pc)
	if err := t.pc.SetLocalDescription(offer); err != nil {
		return "", fmt.Errorf("set local description: %w", err)
	}
	select {
	case <-gathered:
	case <-ctx.Done():
		return "", ctx.Err()
	}
	return t.pc.LocalDescription().SDP, nil
}

// Connect applies the client's answer. Called again after each renegotiation
// offer the server hands out.
func (t *transport) Connect(ctx context.Context, dtlsParameters json.RawMessage) error {
	var params struct {
		SDP string `json:"sdp"`
	}
	if err := json.Unmarshal(dtlsParameters, &params); err != nil {
		return fmt.Errorf("parse connect parameters: %w", err)
	}
	if params.SDP == "" {
		return errors.New("connect parameters missing sdp")
	}
	answer := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: params.SDP}
	if err := t.pc.SetRemoteDescription(answer); err != nil {
		return fmt.Errorf("set remote description: %w", err)
	}
	return nil
}

func (t *transport) handleIncomingTrack(remote *webrtc.TrackRemote) {
	kind := sfu.KindAudio
	if remote.Kind() == webrtc.RTPCodecTypeVideo {
		kind = sfu.KindVideo
	}
	select {
	case t.incoming[kind] <- &incomingTrack{remote: remote}:
	default:
		t.logger.Warn("dropping unexpected incoming track", "kind", kind)
	}
}

// Produce waits for the client's track of the requested kind to arrive over
// the transport and wraps it as a producer.
func (t *transport) Produce(ctx context.Context, kind sfu.Kind, rtpParameters json.RawMessage, appData sfu.AppData) (sfu.Producer, error) {
	if t.direction != sfu.DirectionSend {
		return nil, errors.New("produce on a recv transport")
	}
	ch, ok := t.incoming[kind]
	if !ok {
		return nil, fmt.Errorf("unknown kind %q", kind)
	}

	var track *incomingTrack
	select {
	case track = <-ch:
	case <-ctx.Done():
		return nil, fmt.Errorf("waiting for %s track: %w", kind, ctx.Err())
	}

	pctx, cancel := context.WithCancel(context.Background())
	p := &producer{
		id:        uuid.NewString(),
		kind:      kind,
		remote:    track.remote,
		transport: t,
		consumers: make(map[string]*consumer),
		ctx:       pctx,
		cancel:    cancel,
		logger:    t.logger.With("kind", kind),
	}
	p.logger = p.logger.With("producer_id", p.id)

	t.router.mu.Lock()
	t.router.producers[p.id] = p
	t.router.mu.Unlock()

	go p.forward()
	return p, nil
}

// Consume subscribes this transport to a producer's track. The consumer
// starts paused; packets flow after Resume.
func (t *transport) Consume(ctx context.Context, producerID string, rtpCapabilities json.RawMessage) (sfu.Consumer, error) {
	t.router.mu.Lock()
	p, ok := t.router.producers[producerID]
	t.router.mu.Unlock()
	if !ok {
		return nil, sfu.ErrNotFound
	}

	local, err := webrtc.NewTrackLocalStaticRTP(
		p.remote.Codec().RTPCodecCapability,
		p.remote.ID(),
		p.remote.StreamID(),
	)
	if err != nil {
		return nil, fmt.Errorf("new local track: %w", err)
	}

	sender, err := t.pc.AddTrack(local)
	if err != nil {
		return nil, fmt.Errorf("add track: %w", err)
	}

	c := &consumer{
		id:       uuid.NewString(),
		producer: p,
		local:    local,
		sender:   sender,
	}

	// Relay downstream keyframe requests to the original sender.
	go c.relayRTCP()

	p.mu.Lock()
	p.consumers[c.id] = c
	p.mu.Unlock()

	// The added track needs a fresh offer; the client answers through
	// another connect on this transport.
	offer, err := t.localOffer(ctx)
	if err != nil {
		_ = t.pc.RemoveTrack(sender)
		p.mu.Lock()
		delete(p.consumers, c.id)
		p.mu.Unlock()
		return nil, err
	}
	c.renegotiationSDP = offer
	return c, nil
}

func (t *transport) Close() error {
	t.mu.Lock()
	if t.closed {
		t.mu.Unlock()
		return nil
	}
	t.closed = true
	t.mu.Unlock()

	t.router.mu.Lock()
	delete(t.router.transports, t.id)
	t.router.mu.Unlock()
	return t.pc.Close()
}

type producer struct {
	id        string
	kind      sfu.Kind
	remote    *webrtc.TrackRemote
	transport *transport
	logger    *slog.Logger

	mu        sync.Mutex
	consumers map[string]*consumer

	ctx    context.Context
	cancel context.CancelFunc
}

func (p *producer) ID() string     { return p.id }
func (p *producer) Kind() sfu.Kind { return p.kind }

// forward copies RTP from the remote track to every resumed consumer.
func (p *producer) forward() {
	for {
		select {
		case <-p.ctx.Done():
			return
		default:
		}

		pkt, _, err := p.remote.ReadRTP()
		if err != nil {
			return
		}

		p.mu.Lock()
		targets := make([]*consumer, 0, len(p.consumers))
		for _, c := range p.consumers {
			if c.resumed.Load() {
				targets = append(targets, c)
			}
		}
		p.mu.Unlock()

		for _, c := range targets {
			// Copy so SSRC rewriting in WriteRTP does not race across
			// consumers sharing the packet.
			pktCopy := *pkt
			if err := c.local.WriteRTP(&pktCopy); err != nil {
				if errors.Is(err, io.ErrClosedPipe) {
					p.removeConsumer(c.id)
				}
			}
		}
	}
}

// requestKeyframe sends a PLI upstream toward the producing client.
func (p *producer) requestKeyframe() {
	if p.kind != sfu.KindVideo {
		return
	}
	_ = p.transport.pc.WriteRTCP([]rtcp.Packet{
		&rtcp.PictureLossIndication{MediaSSRC: uint32(p.remote.SSRC())},
	})
}

func (p *producer) removeConsumer(id string) {
	p.mu.Lock()
	delete(p.consumers, id)
	p.mu.Unlock()
}

func (p *producer) Close() error {
	p.cancel()
	p.mu.Lock()
	p.consumers = make(map[string]*consumer)
	p.mu.Unlock()
	p.transport.router.removeProducer(p.id)
	return nil
}

type consumer struct {
	id               string
	producer         *producer
	local            *webrtc.TrackLocalStaticRTP
	sender           *webrtc.RTPSender
	renegotiationSDP string
	resumed          atomic.Bool
	closed           atomic.Bool
}

func (c *consumer) ID() string             { return c.id }
func (c *consumer) ProducerID() string     { return c.producer.id }
func (c *consumer) Kind() sfu.Kind         { return c.producer.kind }
func (c *consumer) RenegotiationSDP() string { return c.renegotiationSDP }

func (c *consumer) RTPParameters() json.RawMessage {
	codec := c.producer.remote.Codec()
	params, _ := json.Marshal(map[string]any{
		"codecs": []map[string]any{{
			"mimeType":    codec.MimeType,
			"clockRate":   codec.ClockRate,
			"channels":    codec.Channels,
			"payloadType": codec.PayloadType,
		}},
	})
	return params
}

func (c *consumer) Resume() error {
	if c.closed.Load() {
		return sfu.ErrClosed
	}
	if c.resumed.CompareAndSwap(false, true) {
		// Ask for a keyframe so the new viewer gets an image immediately.
		c.producer.requestKeyframe()
	}
	return nil
}

// relayRTCP reads feedback from the downstream sender and relays keyframe
// requests upstream.
func (c *consumer) relayRTCP() {
	buf := make([]byte, 1500)
	for {
		n, _, err := c.sender.Read(buf)
		if err != nil {
			return
		}
		pkts, err := rtcp.Unmarshal(buf[:n])
		if err != nil {
			continue
		}
		for _, pkt := range pkts {
			switch pkt.(type) {
			case *rtcp.PictureLossIndication, *rtcp.FullIntraRequest:
				c.producer.requestKeyframe()
			}
		}
	}
}

func (c *consumer) Close() error {
	if !c.closed.CompareAndSwap(false, true) {
		return nil
	}
	c.resumed.Store(false)
	c.producer.removeConsumer(c.id)
	return nil
}

// Pool builds n workers. Worker startup is cheap, so failures abort the whole
// pool.
func Pool(n int, cfg Config) ([]sfu.Worker, error) {
	if n < 1 {
		n = 1
	}
	workers := make([]sfu.Worker, 0, n)
	for i := 0; i < n; i++ {
		wcfg := cfg
		if cfg.ICETCPPort > 0 {
			wcfg.ICETCPPort = cfg.ICETCPPort + i
		}
		w, err := New(fmt.Sprintf("worker-%d", i), wcfg)
		if err != nil {
			for _, prev := range workers {
				_ = prev.Close()
			}
			return nil, err
		}
		workers = append(workers, w)
	}
	return workers, nil
}

