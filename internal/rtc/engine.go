// Package rtc owns one peer-to-peer media connection for a call: session
// description exchange, trickle ICE, outbound tracks and recovery.
package rtc

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mossy-p/webrtc-calls/internal/media"
	"github.com/mossy-p/webrtc-calls/internal/models"
	"github.com/mossy-p/webrtc-calls/internal/signaling"
	"github.com/pion/webrtc/v4"
)

const defaultRestartTimeout = 15 * time.Second

// Config describes one engine's place in a call.
type Config struct {
	RoomID    string
	Initiator bool
	// RestartTimeout bounds the wait for the connection to come back after
	// it failed.
	RestartTimeout time.Duration
}

// Engine drives one peer connection and the signaling channel for its room.
// All state transitions are reported on a single ordered Events stream.
type Engine struct {
	cfg       Config
	peers     PeerFactory
	transport *signaling.Transport
	provider  *media.Provider

	ctx    context.Context
	cancel context.CancelFunc
	events *eventQueue
	wg     sync.WaitGroup

	// ready holds back remote messages until local media is attached.
	ready     chan struct{}
	readyOnce sync.Once

	mu         sync.Mutex
	pc         PeerConnection
	channel    *signaling.Channel
	stream     *media.Stream
	senders    map[media.Kind]Sender
	pending    []webrtc.ICECandidateInit
	remoteSet  bool
	lastOffer  string
	lastAnswer string
	offerSent  bool
	restarted  bool
	failedOnce bool
	terminal   bool
	timer      *time.Timer
	connState  webrtc.PeerConnectionState
	iceState   webrtc.ICEConnectionState
	closed     bool

	// Local candidates gathered before their description went out.
	holdLocal bool
	held      []webrtc.ICECandidateInit
}

func New(cfg Config, peers PeerFactory, transport *signaling.Transport, provider *media.Provider) *Engine {
	if cfg.RestartTimeout <= 0 {
		cfg.RestartTimeout = defaultRestartTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Engine{
		cfg:       cfg,
		peers:     peers,
		transport: transport,
		provider:  provider,
		ctx:       ctx,
		cancel:    cancel,
		events:    newEventQueue(),
		ready:     make(chan struct{}),
		senders:   make(map[media.Kind]Sender),
		connState: webrtc.PeerConnectionStateNew,
		iceState:  webrtc.ICEConnectionStateNew,
	}
}

// Events returns the engine's event stream. It is closed after Cleanup.
func (e *Engine) Events() <-chan Event { return e.events.out }

func (e *Engine) RoomID() string    { return e.cfg.RoomID }
func (e *Engine) IsInitiator() bool { return e.cfg.Initiator }

func (e *Engine) ConnectionState() webrtc.PeerConnectionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.connState
}

func (e *Engine) ICEState() webrtc.ICEConnectionState {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.iceState
}

// Stream returns the local stream currently attached, or nil.
func (e *Engine) Stream() *media.Stream {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stream
}

// Initialize opens the signaling channel for the room and builds the peer
// connection. On failure nothing is left open.
func (e *Engine) Initialize(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.pc != nil {
		e.mu.Unlock()
		return errors.New("engine already initialized")
	}
	e.mu.Unlock()

	ch, err := e.transport.Open(ctx, e.cfg.RoomID)
	if err != nil {
		return wrap(KindSignaling, "open channel", err)
	}
	pc, err := e.peers.NewPeerConnection()
	if err != nil {
		ch.Close()
		if iceConfigError(err) {
			return &Error{Kind: KindConnectivity, Op: "initialize", Err: err}
		}
		return wrap(KindNegotiation, "new peer connection", err)
	}

	pc.OnICECandidate(e.onLocalCandidate)
	pc.OnConnectionStateChange(e.onConnectionState)
	pc.OnICEConnectionStateChange(e.onICEState)
	pc.OnTrack(func(track *webrtc.TrackRemote, _ *webrtc.RTPReceiver) {
		kind := media.KindAudio
		if track.Kind() == webrtc.RTPCodecTypeVideo {
			kind = media.KindVideo
		}
		log.Printf("RTC [%s]: remote %s track %s", e.cfg.RoomID, kind, track.ID())
		e.events.push(RemoteTrackEvent{TrackID: track.ID(), StreamID: track.StreamID(), Kind: kind, Track: track})
	})

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		pc.Close()
		ch.Close()
		return ErrClosed
	}
	e.pc = pc
	e.channel = ch
	e.wg.Add(1)
	e.mu.Unlock()

	go e.listen(ch)
	log.Printf("RTC [%s]: initialized (initiator=%v)", e.cfg.RoomID, e.cfg.Initiator)
	return nil
}

// AddLocalStream makes stream the outbound media. Existing senders get their
// track swapped, new kinds are added and kinds absent from stream are
// removed. A previously attached stream is released.
func (e *Engine) AddLocalStream(stream *media.Stream) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.pc == nil {
		e.mu.Unlock()
		return ErrNotInitialized
	}

	for _, kind := range []media.Kind{media.KindAudio, media.KindVideo} {
		track := stream.Track(kind)
		sender, has := e.senders[kind]
		switch {
		case track != nil && has:
			if err := sender.ReplaceTrack(track.Local()); err != nil {
				e.mu.Unlock()
				return wrap(KindMedia, "replace "+string(kind)+" track", err)
			}
		case track != nil:
			s, err := e.pc.AddTrack(track.Local())
			if err != nil {
				e.mu.Unlock()
				return wrap(KindMedia, "add "+string(kind)+" track", err)
			}
			e.senders[kind] = s
		case has:
			if err := e.pc.RemoveTrack(sender); err != nil {
				log.Printf("RTC [%s]: remove %s sender: %v", e.cfg.RoomID, kind, err)
			}
			delete(e.senders, kind)
		}
	}
	old := e.stream
	e.stream = stream
	e.mu.Unlock()

	if old != nil && old != stream {
		e.provider.Release(old)
	}
	e.events.push(LocalStreamEvent{Stream: stream})
	e.Ready()
	return nil
}

// Ready starts processing remote messages. A callee also announces itself
// with a Join so the initiator can repeat an offer it sent too early.
// AddLocalStream calls it; it only needs calling directly for calls without
// local media. Later calls are no-ops.
func (e *Engine) Ready() {
	e.readyOnce.Do(func() {
		close(e.ready)
		if e.cfg.Initiator {
			return
		}
		e.mu.Lock()
		ch := e.channel
		e.mu.Unlock()
		if ch == nil {
			return
		}
		if err := ch.Send(e.ctx, models.Join{}); err != nil && e.ctx.Err() == nil {
			log.Printf("RTC [%s]: send join: %v", e.cfg.RoomID, err)
		}
	})
}

// CreateOffer sends the initial offer. Only the initiator may call it.
func (e *Engine) CreateOffer(ctx context.Context) error {
	if !e.cfg.Initiator {
		return &Error{Kind: KindNegotiation, Op: "create offer", Err: ErrNotInitiator}
	}
	return e.offer(ctx, false)
}

func (e *Engine) offer(ctx context.Context, iceRestart bool) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.pc == nil {
		e.mu.Unlock()
		return ErrNotInitialized
	}
	offer, err := e.pc.CreateOffer(&webrtc.OfferOptions{ICERestart: iceRestart})
	if err != nil {
		e.mu.Unlock()
		return wrap(KindNegotiation, "create offer", err)
	}
	e.holdLocal = true
	if err := e.pc.SetLocalDescription(offer); err != nil {
		e.holdLocal = false
		e.mu.Unlock()
		return wrap(KindNegotiation, "set local offer", err)
	}
	if iceRestart {
		// Remote candidates belong to the new answer from here on.
		e.remoteSet = false
	}
	e.offerSent = true
	ch := e.channel
	e.mu.Unlock()

	err = ch.Send(ctx, models.Offer{SDP: offer.SDP})
	e.releaseLocal()
	if err != nil {
		return wrap(KindSignaling, "send offer", err)
	}
	return nil
}

// HandleOffer applies a remote offer and answers it. Re-offers from an ICE
// restart take the same path.
func (e *Engine) HandleOffer(ctx context.Context, sdp string) error {
	if e.cfg.Initiator {
		return &Error{Kind: KindNegotiation, Op: "handle offer", Err: ErrUnexpectedOffer}
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	if e.pc == nil {
		e.mu.Unlock()
		return ErrNotInitialized
	}
	if sdp == e.lastOffer && e.lastAnswer != "" {
		// Repeated offer: answer again without renegotiating.
		answer, ch := e.lastAnswer, e.channel
		e.mu.Unlock()
		return e.sendAnswer(ctx, ch, answer)
	}

	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeOffer, SDP: sdp}
	if err := e.pc.SetRemoteDescription(desc); err != nil {
		e.mu.Unlock()
		return wrap(KindNegotiation, "set remote offer", err)
	}
	e.remoteSet = true
	e.flushCandidates()

	answer, err := e.pc.CreateAnswer(nil)
	if err != nil {
		e.mu.Unlock()
		return wrap(KindNegotiation, "create answer", err)
	}
	e.holdLocal = true
	if err := e.pc.SetLocalDescription(answer); err != nil {
		e.holdLocal = false
		e.mu.Unlock()
		return wrap(KindNegotiation, "set local answer", err)
	}
	e.lastOffer, e.lastAnswer = sdp, answer.SDP
	ch := e.channel
	e.mu.Unlock()

	err = e.sendAnswer(ctx, ch, answer.SDP)
	e.releaseLocal()
	return err
}

func (e *Engine) sendAnswer(ctx context.Context, ch *signaling.Channel, sdp string) error {
	if err := ch.Send(ctx, models.Answer{SDP: sdp}); err != nil {
		return wrap(KindSignaling, "send answer", err)
	}
	return nil
}

// resendOffer repeats the pending offer for a callee that joined late.
func (e *Engine) resendOffer(ctx context.Context) error {
	e.mu.Lock()
	if e.closed || e.pc == nil || !e.offerSent || e.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		e.mu.Unlock()
		return nil
	}
	desc := e.pc.LocalDescription()
	ch := e.channel
	e.mu.Unlock()
	if desc == nil {
		return nil
	}

	log.Printf("RTC [%s]: callee joined, repeating offer", e.cfg.RoomID)
	if err := ch.Send(ctx, models.Offer{SDP: desc.SDP}); err != nil {
		return wrap(KindSignaling, "resend offer", err)
	}
	return nil
}

// HandleAnswer applies the remote answer to our pending offer.
func (e *Engine) HandleAnswer(ctx context.Context, sdp string) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.pc == nil {
		return ErrNotInitialized
	}
	if !e.offerSent {
		return &Error{Kind: KindNegotiation, Op: "handle answer", Err: ErrUnexpectedAnswer}
	}
	if e.pc.SignalingState() != webrtc.SignalingStateHaveLocalOffer {
		log.Printf("RTC [%s]: ignoring answer in signaling state %s", e.cfg.RoomID, e.pc.SignalingState())
		return nil
	}

	desc := webrtc.SessionDescription{Type: webrtc.SDPTypeAnswer, SDP: sdp}
	if err := e.pc.SetRemoteDescription(desc); err != nil {
		return wrap(KindNegotiation, "set remote answer", err)
	}
	e.remoteSet = true
	e.flushCandidates()
	return nil
}

// HandleICECandidate applies a remote candidate, or buffers it until a
// remote description is set.
func (e *Engine) HandleICECandidate(c webrtc.ICECandidateInit) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.closed {
		return ErrClosed
	}
	if e.pc == nil || !e.remoteSet {
		e.pending = append(e.pending, c)
		return nil
	}
	if err := e.pc.AddICECandidate(c); err != nil {
		return wrap(KindNegotiation, "add ice candidate", err)
	}
	return nil
}

// flushCandidates applies buffered candidates in arrival order. e.mu is held.
func (e *Engine) flushCandidates() {
	pending := e.pending
	e.pending = nil
	for _, c := range pending {
		if err := e.pc.AddICECandidate(c); err != nil {
			log.Printf("RTC [%s]: buffered candidate rejected: %v", e.cfg.RoomID, err)
		}
	}
	if len(pending) > 0 {
		log.Printf("RTC [%s]: applied %d buffered candidates", e.cfg.RoomID, len(pending))
	}
}

// SwitchCamera captures the opposite-facing camera and swaps it into the
// outbound video sender without renegotiation.
func (e *Engine) SwitchCamera(ctx context.Context) error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return ErrClosed
	}
	stream := e.stream
	sender := e.senders[media.KindVideo]
	e.mu.Unlock()

	if stream == nil || sender == nil || stream.Track(media.KindVideo) == nil {
		return &Error{Kind: KindMedia, Op: "switch camera", Err: ErrNoVideo}
	}
	cur := stream.Track(media.KindVideo)

	next, err := e.provider.Acquire(ctx, media.Request{Video: true, Facing: cur.Facing().Opposite()})
	if err != nil {
		return wrap(KindMedia, "switch camera", err)
	}
	track := next.Track(media.KindVideo)
	if track == nil {
		e.provider.Release(next)
		return &Error{Kind: KindMedia, Op: "switch camera", Err: ErrNoVideo}
	}

	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		e.provider.Release(next)
		return ErrClosed
	}
	if err := sender.ReplaceTrack(track.Local()); err != nil {
		e.mu.Unlock()
		e.provider.Release(next)
		return wrap(KindMedia, "replace video track", err)
	}
	track.SetEnabled(cur.Enabled())
	old := stream.ReplaceTrack(track)
	e.mu.Unlock()

	if old != nil {
		old.Stop()
	}
	log.Printf("RTC [%s]: switched camera to %s", e.cfg.RoomID, track.Facing())
	e.events.push(LocalStreamEvent{Stream: stream})
	return nil
}

// Hangup tells the remote side the call is over. Best effort.
func (e *Engine) Hangup(ctx context.Context) error {
	e.mu.Lock()
	ch := e.channel
	closed := e.closed
	e.mu.Unlock()
	if ch == nil || closed {
		return nil
	}
	if err := ch.Send(ctx, models.CallEnd{Reason: "hangup"}); err != nil {
		return wrap(KindSignaling, "send call end", err)
	}
	return nil
}

// Cleanup stops local tracks, closes the peer connection and the signaling
// channel and ends the event stream. Safe from any state and more than once.
func (e *Engine) Cleanup() error {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return nil
	}
	e.closed = true
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	pc, ch, stream := e.pc, e.channel, e.stream
	e.pending, e.held = nil, nil
	e.connState = webrtc.PeerConnectionStateClosed
	e.iceState = webrtc.ICEConnectionStateClosed
	e.mu.Unlock()

	e.cancel()
	var errs []error
	if err := e.provider.Release(stream); err != nil {
		errs = append(errs, err)
	}
	if pc != nil {
		if err := pc.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close peer connection: %w", err))
		}
	}
	if ch != nil {
		if err := ch.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close signaling channel: %w", err))
		}
	}
	e.wg.Wait()

	e.events.push(ConnectionStateEvent{State: webrtc.PeerConnectionStateClosed})
	e.events.close()
	log.Printf("RTC [%s]: cleaned up", e.cfg.RoomID)
	return errors.Join(errs...)
}

func (e *Engine) listen(ch *signaling.Channel) {
	defer e.wg.Done()
	select {
	case <-e.ready:
	case <-e.ctx.Done():
		return
	}
	for env := range ch.Messages() {
		e.dispatch(env)
	}

	e.mu.Lock()
	closed := e.closed
	e.mu.Unlock()
	if !closed {
		e.events.push(ErrorEvent{Err: &Error{Kind: KindSignaling, Op: "receive", Err: signaling.ErrChannelClosed}})
	}
}

func (e *Engine) dispatch(env models.Envelope) {
	var err error
	switch m := env.Message.(type) {
	case models.Offer:
		err = e.HandleOffer(e.ctx, m.SDP)
	case models.Answer:
		err = e.HandleAnswer(e.ctx, m.SDP)
	case models.ICECandidate:
		if err := e.HandleICECandidate(m.Candidate); err != nil && !errors.Is(err, ErrClosed) {
			log.Printf("RTC [%s]: candidate from %s: %v", e.cfg.RoomID, env.From, err)
		}
		return
	case models.CallEnd:
		log.Printf("RTC [%s]: %s ended the call", e.cfg.RoomID, env.From)
		e.events.push(RemoteHangupEvent{Reason: m.Reason})
		return
	case models.Join:
		if !e.cfg.Initiator {
			return
		}
		err = e.resendOffer(e.ctx)
	}
	if err != nil && !errors.Is(err, ErrClosed) {
		log.Printf("RTC [%s]: %s from %s: %v", e.cfg.RoomID, env.Message.Type(), env.From, err)
		e.fail(asError(string(env.Message.Type()), err))
	}
}

func (e *Engine) onLocalCandidate(c *webrtc.ICECandidate) {
	if c == nil {
		return
	}
	init := c.ToJSON()
	e.mu.Lock()
	ch, closed := e.channel, e.closed
	if e.holdLocal && !closed {
		e.held = append(e.held, init)
		e.mu.Unlock()
		return
	}
	e.mu.Unlock()
	if ch == nil || closed {
		return
	}
	e.sendCandidate(ch, init)
}

// releaseLocal publishes the candidates held back while a description was
// on its way, then lets new ones through directly.
func (e *Engine) releaseLocal() {
	e.mu.Lock()
	held := e.held
	e.held, e.holdLocal = nil, false
	ch, closed := e.channel, e.closed
	e.mu.Unlock()
	if ch == nil || closed {
		return
	}
	for _, c := range held {
		e.sendCandidate(ch, c)
	}
}

func (e *Engine) sendCandidate(ch *signaling.Channel, c webrtc.ICECandidateInit) {
	if err := ch.Send(e.ctx, models.ICECandidate{Candidate: c}); err != nil && e.ctx.Err() == nil {
		log.Printf("RTC [%s]: send candidate: %v", e.cfg.RoomID, err)
	}
}

func (e *Engine) onICEState(s webrtc.ICEConnectionState) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.iceState = s
	e.mu.Unlock()
	e.events.push(ICEStateEvent{State: s})
}

func (e *Engine) onConnectionState(s webrtc.PeerConnectionState) {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.connState = s
	restart, terminal := false, false
	switch s {
	case webrtc.PeerConnectionStateConnected:
		if e.timer != nil {
			e.timer.Stop()
			e.timer = nil
			log.Printf("RTC [%s]: connection recovered", e.cfg.RoomID)
		}
	case webrtc.PeerConnectionStateFailed:
		if e.failedOnce {
			terminal = true
			break
		}
		e.failedOnce = true
		e.timer = time.AfterFunc(e.cfg.RestartTimeout, e.restartExpired)
		if e.cfg.Initiator && !e.restarted {
			e.restarted = true
			restart = true
			e.wg.Add(1)
		}
	}
	e.mu.Unlock()

	e.events.push(ConnectionStateEvent{State: s})
	switch {
	case terminal:
		e.fail(&Error{Kind: KindConnectivity, Op: "connection", Err: errors.New("connection failed after recovery attempt")})
	case restart:
		log.Printf("RTC [%s]: connection failed, attempting ice restart", e.cfg.RoomID)
		go func() {
			defer e.wg.Done()
			if err := e.offer(e.ctx, true); err != nil && !errors.Is(err, ErrClosed) {
				e.fail(asError("ice restart", err))
			}
		}()
	case s == webrtc.PeerConnectionStateFailed:
		log.Printf("RTC [%s]: connection failed, waiting for remote ice restart", e.cfg.RoomID)
	}
}

func (e *Engine) restartExpired() {
	e.mu.Lock()
	recovered := e.connState == webrtc.PeerConnectionStateConnected
	e.timer = nil
	e.mu.Unlock()
	if recovered {
		return
	}
	e.fail(&Error{Kind: KindConnectivity, Op: "ice restart", Err: fmt.Errorf("no connection within %s", e.cfg.RestartTimeout)})
}

// fail reports a terminal error once; later failures are only logged.
func (e *Engine) fail(err *Error) {
	e.mu.Lock()
	if e.closed || e.terminal {
		e.mu.Unlock()
		log.Printf("RTC [%s]: suppressed error after terminal failure: %v", e.cfg.RoomID, err)
		return
	}
	e.terminal = true
	if e.timer != nil {
		e.timer.Stop()
		e.timer = nil
	}
	e.mu.Unlock()
	log.Printf("RTC [%s]: terminal failure: %v", e.cfg.RoomID, err)
	e.events.push(ErrorEvent{Err: err, Terminal: true})
}
