// Package call sequences a 1:1 call: media acquisition, engine setup,
// connection tracking and teardown, and the controls a UI binds to.
package call

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/mossy-p/webrtc-calls/internal/media"
	"github.com/mossy-p/webrtc-calls/internal/models"
	"github.com/mossy-p/webrtc-calls/internal/rtc"
	"github.com/mossy-p/webrtc-calls/internal/signaling"
	"github.com/pion/webrtc/v4"
)

var (
	ErrCallInProgress = errors.New("a call is already in progress")
	ErrNoActiveCall   = errors.New("no active call")
	ErrCallAborted    = errors.New("call ended during setup")
	ErrShutdown       = errors.New("controller shut down")
)

// Engine is the peer connection engine as the controller drives it.
type Engine interface {
	Initialize(ctx context.Context) error
	AddLocalStream(stream *media.Stream) error
	CreateOffer(ctx context.Context) error
	SwitchCamera(ctx context.Context) error
	Hangup(ctx context.Context) error
	Cleanup() error
	Events() <-chan rtc.Event
	Stream() *media.Stream
}

var _ Engine = (*rtc.Engine)(nil)

// EngineFactory builds one engine per call.
type EngineFactory func(cfg rtc.Config) Engine

// Engines returns an EngineFactory producing rtc engines.
func Engines(peers rtc.PeerFactory, transport *signaling.Transport, provider *media.Provider) EngineFactory {
	return func(cfg rtc.Config) Engine {
		return rtc.New(cfg, peers, transport, provider)
	}
}

// Directory is the call directory as the controller updates it.
type Directory interface {
	StartCall(ctx context.Context, callType models.CallType, roomID string, participants []models.CallParticipant) (*models.CallDirectoryEntry, error)
	JoinCall(ctx context.Context, callID string, self models.CallParticipant) (*models.CallDirectoryEntry, error)
	UpdateParticipantStatus(ctx context.Context, callID, userID string, status models.ParticipantStatus) error
	EndCall(ctx context.Context) error
}

// Request describes a call to start.
type Request struct {
	Type         models.CallType
	Participants []models.CallParticipant
	// Incoming marks the answering side, which waits for the remote offer.
	Incoming bool
	// CallID is the directory entry an incoming call joins.
	CallID string
	// ConversationID, when set, picks the room instead of the participants.
	ConversationID string
	// OnEnd is called once when the call ends or fails.
	OnEnd func(Session)
}

type Options struct {
	SelfID         string
	RestartTimeout time.Duration
	Now            func() time.Time
}

// Controller owns the session state machine for one local user. It never
// holds more than one engine.
type Controller struct {
	opts      Options
	newEngine EngineFactory
	provider  *media.Provider
	directory Directory
	now       func() time.Time

	notices *noticeQueue
	loops   sync.WaitGroup

	mu           sync.Mutex
	session      Session
	gen          int
	initializing bool
	shutdown     bool
	engine       Engine
	cancelStart  context.CancelFunc
	inDirectory  bool
	connectedAt  time.Time
	duration     time.Duration
	clockStop    chan struct{}
	onEnd        func(Session)
}

func NewController(opts Options, newEngine EngineFactory, provider *media.Provider, directory Directory) *Controller {
	now := opts.Now
	if now == nil {
		now = time.Now
	}
	return &Controller{
		opts:      opts,
		newEngine: newEngine,
		provider:  provider,
		directory: directory,
		now:       now,
		notices:   newNoticeQueue(),
		session:   Session{Status: StatusIdle},
	}
}

// Notices delivers user-facing notifications. It is closed by Shutdown.
func (c *Controller) Notices() <-chan Notice { return c.notices.out }

// Snapshot returns the current session state.
func (c *Controller) Snapshot() Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *Controller) snapshotLocked() Session {
	s := c.session
	s.Duration = c.durationLocked()
	return s
}

// durationLocked is whole seconds since the first connect, frozen once the
// session left connected.
func (c *Controller) durationLocked() time.Duration {
	if c.session.Status != StatusConnected || c.connectedAt.IsZero() {
		return c.duration
	}
	d := c.now().Sub(c.connectedAt).Truncate(time.Second)
	if d > c.duration {
		c.duration = d
	}
	return c.duration
}

// StartCall acquires media, builds the engine and, for outgoing calls,
// sends the offer. A second start while a call is initializing or active is
// rejected with ErrCallInProgress.
func (c *Controller) StartCall(ctx context.Context, req Request) error {
	if req.Type != models.CallTypeAudio && req.Type != models.CallTypeVideo {
		return fmt.Errorf("unknown call type %q", req.Type)
	}
	roomID := c.roomFor(req)

	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return ErrShutdown
	}
	if c.initializing || c.session.Status.Active() {
		c.mu.Unlock()
		return ErrCallInProgress
	}
	c.initializing = true
	c.gen++
	gen := c.gen
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	c.cancelStart = cancel
	c.session = Session{
		Status:       StatusConnecting,
		Type:         req.Type,
		RoomID:       roomID,
		AudioEnabled: true,
		VideoEnabled: req.Type == models.CallTypeVideo,
	}
	c.connectedAt = time.Time{}
	c.duration = 0
	c.inDirectory = false
	c.onEnd = req.OnEnd
	sess := c.snapshotLocked()
	c.mu.Unlock()

	log.Printf("CALL [%s]: starting %s call (incoming=%v)", roomID, req.Type, req.Incoming)
	c.notify(Notice{Kind: NoticeStatus, Session: sess})

	stream, err := c.provider.Acquire(ctx, media.Request{Audio: true, Video: req.Type == models.CallTypeVideo})
	if err != nil {
		return c.abortStart(gen, nil, nil, err)
	}

	c.mu.Lock()
	if gen != c.gen || c.shutdown || c.session.Status != StatusConnecting {
		c.mu.Unlock()
		return c.abortStart(gen, nil, stream, ErrCallAborted)
	}
	eng := c.newEngine(rtc.Config{
		RoomID:         roomID,
		Initiator:      !req.Incoming,
		RestartTimeout: c.opts.RestartTimeout,
	})
	c.engine = eng
	c.loops.Add(1)
	c.mu.Unlock()
	go c.loop(eng)

	if err := eng.Initialize(ctx); err != nil {
		return c.abortStart(gen, eng, stream, err)
	}
	if err := eng.AddLocalStream(stream); err != nil {
		return c.abortStart(gen, eng, stream, err)
	}
	c.register(ctx, gen, req, roomID)
	if !req.Incoming {
		if err := eng.CreateOffer(ctx); err != nil {
			return c.abortStart(gen, eng, nil, err)
		}
	}

	c.mu.Lock()
	if gen == c.gen {
		c.initializing = false
		c.cancelStart = nil
	}
	c.mu.Unlock()
	return nil
}

func (c *Controller) roomFor(req Request) string {
	if req.ConversationID != "" {
		return models.RoomForConversation(req.ConversationID)
	}
	ids := []string{c.opts.SelfID}
	for _, p := range req.Participants {
		ids = append(ids, p.UserID)
	}
	return models.RoomForParticipants(ids...)
}

// register records the call in the directory. The directory is advisory, so
// failures are logged only.
func (c *Controller) register(ctx context.Context, gen int, req Request, roomID string) {
	if c.directory == nil {
		return
	}
	var (
		entry *models.CallDirectoryEntry
		err   error
	)
	if req.Incoming && req.CallID != "" {
		var self models.CallParticipant
		for _, p := range req.Participants {
			if p.UserID == c.opts.SelfID {
				self = p
			}
		}
		entry, err = c.directory.JoinCall(ctx, req.CallID, self)
	} else if !req.Incoming {
		entry, err = c.directory.StartCall(ctx, req.Type, roomID, req.Participants)
	}
	if err != nil {
		log.Printf("CALL [%s]: directory: %v", roomID, err)
		return
	}
	if entry == nil {
		return
	}
	c.mu.Lock()
	if gen == c.gen {
		c.session.CallID = entry.CallID
		c.inDirectory = true
	}
	c.mu.Unlock()
}

// abortStart releases everything a failed StartCall acquired. If the call
// was ended meanwhile the failure is not reported again.
func (c *Controller) abortStart(gen int, eng Engine, stream *media.Stream, cause error) error {
	if eng != nil {
		if err := eng.Cleanup(); err != nil {
			log.Printf("CALL: cleanup after failed start: %v", err)
		}
	}
	c.provider.Release(stream)

	c.mu.Lock()
	if gen != c.gen {
		c.mu.Unlock()
		return cause
	}
	c.initializing = false
	c.cancelStart = nil
	if c.session.Status != StatusConnecting {
		c.mu.Unlock()
		return fmt.Errorf("%w: %v", ErrCallAborted, cause)
	}
	if c.engine == eng {
		c.engine = nil
	}
	msg := userMessage(cause)
	c.session.Status = StatusFailed
	c.session.Error = msg
	sess := c.snapshotLocked()
	c.mu.Unlock()

	log.Printf("CALL [%s]: setup failed: %v", sess.RoomID, cause)
	c.leaveDirectory(context.Background(), sess)
	c.notify(Notice{Kind: NoticeError, Message: msg, Session: sess})
	c.finish(sess)
	return cause
}

// EndCall hangs up, releases the engine and moves the session to ended.
// Calling it again, or with no call, is a no-op.
func (c *Controller) EndCall(ctx context.Context) error {
	return c.end(ctx, true)
}

func (c *Controller) end(ctx context.Context, local bool) error {
	c.mu.Lock()
	if !c.session.Status.Active() {
		c.mu.Unlock()
		return nil
	}
	if c.cancelStart != nil {
		c.cancelStart()
		c.cancelStart = nil
	}
	eng := c.engine
	c.engine = nil
	c.stopClockLocked()
	c.session.Status = StatusEnded
	c.session.Error = ""
	sess := c.snapshotLocked()
	c.mu.Unlock()

	if eng != nil {
		if local {
			if err := eng.Hangup(ctx); err != nil {
				log.Printf("CALL [%s]: hangup: %v", sess.RoomID, err)
			}
		}
		if err := eng.Cleanup(); err != nil {
			log.Printf("CALL [%s]: cleanup: %v", sess.RoomID, err)
		}
	}
	c.leaveDirectory(ctx, sess)
	log.Printf("CALL [%s]: ended after %s", sess.RoomID, sess.Duration)
	c.notify(Notice{Kind: NoticeStatus, Session: sess})
	c.finish(sess)
	return nil
}

// fail tears down after a terminal engine error. Cleanup happens before the
// notice goes out.
func (c *Controller) fail(eng Engine, cause *rtc.Error) {
	c.mu.Lock()
	if c.engine != eng || !c.session.Status.Active() {
		c.mu.Unlock()
		return
	}
	c.engine = nil
	c.stopClockLocked()
	msg := cause.UserMessage()
	c.session.Status = StatusFailed
	c.session.Error = msg
	sess := c.snapshotLocked()
	c.mu.Unlock()

	log.Printf("CALL [%s]: failed: %v", sess.RoomID, cause)
	if err := eng.Cleanup(); err != nil {
		log.Printf("CALL [%s]: cleanup: %v", sess.RoomID, err)
	}
	c.leaveDirectory(context.Background(), sess)
	c.notify(Notice{Kind: NoticeError, Message: msg, Session: sess})
	c.finish(sess)
}

func (c *Controller) leaveDirectory(ctx context.Context, sess Session) {
	c.mu.Lock()
	registered := c.inDirectory
	c.inDirectory = false
	c.mu.Unlock()
	if !registered || c.directory == nil {
		return
	}
	if err := c.directory.EndCall(ctx); err != nil {
		log.Printf("CALL [%s]: directory end: %v", sess.RoomID, err)
	}
}

// finish runs the completion callback of the current call, once.
func (c *Controller) finish(sess Session) {
	c.mu.Lock()
	onEnd := c.onEnd
	c.onEnd = nil
	c.mu.Unlock()
	if onEnd != nil {
		onEnd(sess)
	}
}

func (c *Controller) loop(eng Engine) {
	defer c.loops.Done()
	for ev := range eng.Events() {
		c.handle(eng, ev)
	}
}

func (c *Controller) handle(eng Engine, ev rtc.Event) {
	switch ev := ev.(type) {
	case rtc.ConnectionStateEvent:
		if ev.State == webrtc.PeerConnectionStateConnected {
			c.connected(eng)
		}
	case rtc.ICEStateEvent:
		if ev.State == webrtc.ICEConnectionStateDisconnected {
			c.advise(eng, msgReconnecting)
		}
	case rtc.ErrorEvent:
		if ev.Terminal {
			c.fail(eng, ev.Err)
			return
		}
		msg := msgSignalingLost
		if ev.Err.Kind != rtc.KindSignaling {
			msg = ev.Err.UserMessage()
		}
		c.advise(eng, msg)
	case rtc.RemoteHangupEvent:
		c.mu.Lock()
		current := c.engine == eng
		c.mu.Unlock()
		if current {
			c.end(context.Background(), false)
		}
	case rtc.LocalStreamEvent:
		c.mu.Lock()
		if c.engine == eng {
			ev.Stream.SetEnabled(media.KindAudio, c.session.AudioEnabled)
			ev.Stream.SetEnabled(media.KindVideo, c.session.VideoEnabled)
		}
		c.mu.Unlock()
	case rtc.RemoteTrackEvent:
		c.notify(Notice{Kind: NoticeRemoteTrack, Session: c.Snapshot(), Track: &ev})
	}
}

func (c *Controller) connected(eng Engine) {
	c.mu.Lock()
	if c.engine != eng || !c.session.Status.Active() {
		c.mu.Unlock()
		return
	}
	first := c.connectedAt.IsZero()
	c.session.Status = StatusConnected
	c.session.Error = ""
	if first {
		c.connectedAt = c.now()
		c.clockStop = make(chan struct{})
		go c.runClock(c.clockStop)
	}
	callID, registered := c.session.CallID, c.inDirectory
	sess := c.snapshotLocked()
	c.mu.Unlock()

	log.Printf("CALL [%s]: connected", sess.RoomID)
	c.notify(Notice{Kind: NoticeStatus, Session: sess})
	if registered && first {
		if err := c.directory.UpdateParticipantStatus(context.Background(), callID, c.opts.SelfID, models.ParticipantConnected); err != nil {
			log.Printf("CALL [%s]: directory status: %v", sess.RoomID, err)
		}
	}
}

func (c *Controller) advise(eng Engine, msg string) {
	c.mu.Lock()
	if c.engine != eng || !c.session.Status.Active() {
		c.mu.Unlock()
		return
	}
	sess := c.snapshotLocked()
	c.mu.Unlock()
	c.notify(Notice{Kind: NoticeAdvisory, Message: msg, Session: sess})
}

// runClock publishes the call duration once a second until stop closes.
func (c *Controller) runClock(stop chan struct{}) {
	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			c.notify(Notice{Kind: NoticeDuration, Session: c.Snapshot()})
		case <-stop:
			return
		}
	}
}

// stopClockLocked freezes the duration. c.mu is held.
func (c *Controller) stopClockLocked() {
	c.durationLocked()
	if c.clockStop != nil {
		close(c.clockStop)
		c.clockStop = nil
	}
}

// ToggleAudio flips the microphone and returns the new state.
func (c *Controller) ToggleAudio() (bool, error) {
	c.mu.Lock()
	if !c.session.Status.Active() {
		c.mu.Unlock()
		return false, ErrNoActiveCall
	}
	on := !c.session.AudioEnabled
	c.session.AudioEnabled = on
	eng := c.engine
	c.mu.Unlock()

	if eng != nil {
		if s := eng.Stream(); s != nil {
			s.SetEnabled(media.KindAudio, on)
		}
	}
	return on, nil
}

// ToggleVideo flips the camera and returns the new state. On an audio call
// it changes nothing and posts a notice instead.
func (c *Controller) ToggleVideo() (bool, error) {
	c.mu.Lock()
	if !c.session.Status.Active() {
		c.mu.Unlock()
		return false, ErrNoActiveCall
	}
	if c.session.Type != models.CallTypeVideo {
		sess := c.snapshotLocked()
		c.mu.Unlock()
		c.notify(Notice{Kind: NoticeInfo, Message: msgVideoUnavailable, Session: sess})
		return sess.VideoEnabled, nil
	}
	on := !c.session.VideoEnabled
	c.session.VideoEnabled = on
	eng := c.engine
	c.mu.Unlock()

	if eng != nil {
		if s := eng.Stream(); s != nil {
			s.SetEnabled(media.KindVideo, on)
		}
	}
	return on, nil
}

// SwitchCamera swaps between front and back cameras on a video call.
func (c *Controller) SwitchCamera(ctx context.Context) error {
	c.mu.Lock()
	if !c.session.Status.Active() || c.engine == nil {
		c.mu.Unlock()
		return ErrNoActiveCall
	}
	if c.session.Type != models.CallTypeVideo {
		sess := c.snapshotLocked()
		c.mu.Unlock()
		c.notify(Notice{Kind: NoticeInfo, Message: msgVideoUnavailable, Session: sess})
		return nil
	}
	eng := c.engine
	c.mu.Unlock()
	return eng.SwitchCamera(ctx)
}

// Shutdown ends any call, waits for the engine to drain and closes Notices.
// The controller cannot start calls afterwards.
func (c *Controller) Shutdown(ctx context.Context) error {
	c.mu.Lock()
	if c.shutdown {
		c.mu.Unlock()
		return nil
	}
	c.shutdown = true
	c.mu.Unlock()

	err := c.EndCall(ctx)

	done := make(chan struct{})
	go func() {
		c.loops.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		err = errors.Join(err, ctx.Err())
	}

	c.notices.close()
	return err
}

func (c *Controller) notify(n Notice) {
	c.notices.push(n)
}

func userMessage(err error) string {
	var re *rtc.Error
	if errors.As(err, &re) {
		return re.UserMessage()
	}
	var me *media.Error
	if errors.As(err, &me) {
		return me.UserMessage()
	}
	return msgSetupFailed
}
