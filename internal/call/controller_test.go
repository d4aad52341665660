package call

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/mossy-p/webrtc-calls/internal/directory"
	"github.com/mossy-p/webrtc-calls/internal/media"
	"github.com/mossy-p/webrtc-calls/internal/media/mediatest"
	"github.com/mossy-p/webrtc-calls/internal/models"
	"github.com/mossy-p/webrtc-calls/internal/rtc"
	"github.com/pion/webrtc/v4"
)

type fakeEngine struct {
	cfg    rtc.Config
	events chan rtc.Event

	mu       sync.Mutex
	stream   *media.Stream
	offers   int
	hangups  int
	cleanups int
	switches int
	closed   bool
}

func newFakeEngine(cfg rtc.Config) *fakeEngine {
	return &fakeEngine{cfg: cfg, events: make(chan rtc.Event, 64)}
}

func (f *fakeEngine) Initialize(context.Context) error { return nil }

func (f *fakeEngine) AddLocalStream(s *media.Stream) error {
	f.mu.Lock()
	f.stream = s
	f.mu.Unlock()
	f.emit(rtc.LocalStreamEvent{Stream: s})
	return nil
}

func (f *fakeEngine) CreateOffer(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.offers++
	return nil
}

func (f *fakeEngine) SwitchCamera(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.switches++
	return nil
}

func (f *fakeEngine) Hangup(context.Context) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.hangups++
	return nil
}

func (f *fakeEngine) Cleanup() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cleanups++
	if f.closed {
		return nil
	}
	f.closed = true
	if f.stream != nil {
		f.stream.Stop()
	}
	close(f.events)
	return nil
}

func (f *fakeEngine) Events() <-chan rtc.Event { return f.events }

func (f *fakeEngine) Stream() *media.Stream {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.stream
}

func (f *fakeEngine) emit(ev rtc.Event) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if !f.closed {
		f.events <- ev
	}
}

func (f *fakeEngine) counts() (offers, hangups, cleanups int) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.offers, f.hangups, f.cleanups
}

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.now = c.now.Add(d)
	c.mu.Unlock()
}

type harness struct {
	t          *testing.T
	ctrl       *Controller
	capturer   *mediatest.Capturer
	store      *directory.MemoryStore
	dir        *directory.Service
	clock      *fakeClock
	mu         sync.Mutex
	engines    []*fakeEngine
	ended      chan Session
	endedCount int
}

func newHarness(t *testing.T, selfID string, store *directory.MemoryStore) *harness {
	t.Helper()
	if store == nil {
		store = directory.NewMemoryStore()
	}
	h := &harness{
		t:        t,
		capturer: &mediatest.Capturer{},
		store:    store,
		dir:      directory.NewService(store, selfID),
		clock:    &fakeClock{now: time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)},
		ended:    make(chan Session, 4),
	}
	newEngine := func(cfg rtc.Config) Engine {
		e := newFakeEngine(cfg)
		h.mu.Lock()
		h.engines = append(h.engines, e)
		h.mu.Unlock()
		return e
	}
	h.ctrl = NewController(Options{SelfID: selfID, Now: h.clock.Now}, newEngine, media.NewProvider(h.capturer), h.dir)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		h.ctrl.Shutdown(ctx)
	})
	return h
}

func (h *harness) request(callType models.CallType) Request {
	return Request{
		Type: callType,
		Participants: []models.CallParticipant{
			{UserID: "bob", DisplayName: "Bob"},
		},
		OnEnd: func(s Session) {
			h.mu.Lock()
			h.endedCount++
			h.mu.Unlock()
			h.ended <- s
		},
	}
}

func (h *harness) start(callType models.CallType) *fakeEngine {
	h.t.Helper()
	if err := h.ctrl.StartCall(context.Background(), h.request(callType)); err != nil {
		h.t.Fatalf("StartCall: %v", err)
	}
	return h.engine(0)
}

func (h *harness) engine(i int) *fakeEngine {
	h.t.Helper()
	h.mu.Lock()
	defer h.mu.Unlock()
	if i >= len(h.engines) {
		h.t.Fatalf("Engine %d was never created", i)
	}
	return h.engines[i]
}

func (h *harness) engineCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.engines)
}

func (h *harness) endCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.endedCount
}

func (h *harness) waitEnded() Session {
	h.t.Helper()
	select {
	case s := <-h.ended:
		return s
	case <-time.After(2 * time.Second):
		h.t.Fatal("Call never ended")
		return Session{}
	}
}

func (h *harness) waitStatus(want Status) Session {
	h.t.Helper()
	var s Session
	eventually(h.t, func() bool {
		s = h.ctrl.Snapshot()
		return s.Status == want
	})
	return s
}

func (h *harness) waitNotice(kind NoticeKind) Notice {
	h.t.Helper()
	timeout := time.After(2 * time.Second)
	for {
		select {
		case n := <-h.ctrl.Notices():
			if n.Kind == kind {
				return n
			}
		case <-timeout:
			h.t.Fatalf("No %s notice", kind)
			return Notice{}
		}
	}
}

func eventually(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatal("Condition not met in time")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func TestStartOutgoingCall(t *testing.T) {
	h := newHarness(t, "alice", nil)
	eng := h.start(models.CallTypeVideo)

	s := h.ctrl.Snapshot()
	if s.Status != StatusConnecting || !s.AudioEnabled || !s.VideoEnabled {
		t.Errorf("Unexpected session %+v", s)
	}
	if s.RoomID != "call:alice_bob" || eng.cfg.RoomID != s.RoomID {
		t.Errorf("Unexpected room %q (engine %q)", s.RoomID, eng.cfg.RoomID)
	}
	if !eng.cfg.Initiator {
		t.Error("Outgoing call engine is not the initiator")
	}
	if offers, _, _ := eng.counts(); offers != 1 {
		t.Errorf("Expected 1 offer, got %d", offers)
	}
	cur := h.dir.GetCurrentCall()
	if cur == nil || cur.CallID != s.CallID || cur.RoomID != s.RoomID {
		t.Fatalf("Directory entry %+v does not match session %+v", cur, s)
	}
	if calls := h.capturer.Calls(); len(calls) != 1 || calls[0].Video == nil || calls[0].Audio == nil {
		t.Errorf("Unexpected capture constraints %+v", calls)
	}
}

func TestConversationRoom(t *testing.T) {
	h := newHarness(t, "alice", nil)
	req := h.request(models.CallTypeAudio)
	req.ConversationID = "c42"
	if err := h.ctrl.StartCall(context.Background(), req); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	if got := h.ctrl.Snapshot().RoomID; got != models.RoomForConversation("c42") {
		t.Errorf("Expected conversation room, got %q", got)
	}
}

func TestConcurrentStartRejected(t *testing.T) {
	h := newHarness(t, "alice", nil)
	h.capturer.Block = make(chan struct{})

	first := make(chan error, 1)
	go func() {
		first <- h.ctrl.StartCall(context.Background(), h.request(models.CallTypeVideo))
	}()
	eventually(t, func() bool { return len(h.capturer.Calls()) == 1 })

	if err := h.ctrl.StartCall(context.Background(), h.request(models.CallTypeAudio)); !errors.Is(err, ErrCallInProgress) {
		t.Errorf("Expected ErrCallInProgress, got %v", err)
	}
	close(h.capturer.Block)
	if err := <-first; err != nil {
		t.Fatalf("First StartCall: %v", err)
	}
	if err := h.ctrl.StartCall(context.Background(), h.request(models.CallTypeAudio)); !errors.Is(err, ErrCallInProgress) {
		t.Errorf("Expected ErrCallInProgress while active, got %v", err)
	}
	if n := h.engineCount(); n != 1 {
		t.Errorf("Expected 1 engine, got %d", n)
	}
	if n := len(h.capturer.Calls()); n != 1 {
		t.Errorf("Expected 1 capture, got %d", n)
	}
}

func TestEndCallIdempotent(t *testing.T) {
	h := newHarness(t, "alice", nil)
	eng := h.start(models.CallTypeVideo)
	ctx := context.Background()

	if err := h.ctrl.EndCall(ctx); err != nil {
		t.Fatalf("EndCall: %v", err)
	}
	if err := h.ctrl.EndCall(ctx); err != nil {
		t.Fatalf("Second EndCall: %v", err)
	}

	s := h.waitEnded()
	if s.Status != StatusEnded {
		t.Errorf("Expected ended, got %s", s.Status)
	}
	if n := h.endCount(); n != 1 {
		t.Errorf("Completion callback ran %d times", n)
	}
	if _, hangups, cleanups := eng.counts(); hangups != 1 || cleanups != 1 {
		t.Errorf("Expected 1 hangup and 1 cleanup, got %d and %d", hangups, cleanups)
	}
	if n := h.capturer.OpenSources(); n != 0 {
		t.Errorf("%d sources left open", n)
	}
	if h.dir.GetCurrentCall() != nil {
		t.Error("Directory still has a current call")
	}
}

func TestEndCallWithoutCall(t *testing.T) {
	h := newHarness(t, "alice", nil)
	if err := h.ctrl.EndCall(context.Background()); err != nil {
		t.Errorf("EndCall with no call: %v", err)
	}
	if s := h.ctrl.Snapshot(); s.Status != StatusIdle {
		t.Errorf("Expected idle, got %s", s.Status)
	}
}

func TestDurationCountsFromConnect(t *testing.T) {
	h := newHarness(t, "alice", nil)
	eng := h.start(models.CallTypeAudio)

	h.clock.Advance(5 * time.Second)
	if d := h.ctrl.Snapshot().Duration; d != 0 {
		t.Errorf("Duration %s before connect", d)
	}

	eng.emit(rtc.ConnectionStateEvent{State: webrtc.PeerConnectionStateConnected})
	s := h.waitStatus(StatusConnected)
	if s.Error != "" {
		t.Errorf("Error set while connected: %q", s.Error)
	}

	h.clock.Advance(time.Second)
	if d := h.ctrl.Snapshot().Duration; d != time.Second {
		t.Errorf("Expected 1s, got %s", d)
	}
	h.clock.Advance(1500 * time.Millisecond)
	if d := h.ctrl.Snapshot().Duration; d != 2*time.Second {
		t.Errorf("Expected 2s, got %s", d)
	}

	if err := h.ctrl.EndCall(context.Background()); err != nil {
		t.Fatalf("EndCall: %v", err)
	}
	h.clock.Advance(10 * time.Second)
	if d := h.ctrl.Snapshot().Duration; d != 2*time.Second {
		t.Errorf("Duration kept running after end: %s", d)
	}
}

func TestConnectUpdatesDirectory(t *testing.T) {
	h := newHarness(t, "alice", nil)
	eng := h.start(models.CallTypeAudio)
	eng.emit(rtc.ConnectionStateEvent{State: webrtc.PeerConnectionStateConnected})
	s := h.waitStatus(StatusConnected)

	eventually(t, func() bool {
		entry, err := h.store.Get(context.Background(), s.CallID)
		if err != nil {
			return false
		}
		return entry.Participants[entry.Participant("alice")].Status == models.ParticipantConnected
	})
}

func TestToggleVideoOnAudioCall(t *testing.T) {
	h := newHarness(t, "alice", nil)
	h.start(models.CallTypeAudio)

	on, err := h.ctrl.ToggleVideo()
	if err != nil {
		t.Fatalf("ToggleVideo: %v", err)
	}
	if on || h.ctrl.Snapshot().VideoEnabled {
		t.Error("Video enabled on an audio call")
	}
	if n := h.waitNotice(NoticeInfo); n.Message != msgVideoUnavailable {
		t.Errorf("Unexpected notice %q", n.Message)
	}

	if err := h.ctrl.SwitchCamera(context.Background()); err != nil {
		t.Errorf("SwitchCamera on audio call: %v", err)
	}
	if n := h.waitNotice(NoticeInfo); n.Message != msgVideoUnavailable {
		t.Errorf("Unexpected notice %q", n.Message)
	}
}

func TestToggles(t *testing.T) {
	h := newHarness(t, "alice", nil)
	eng := h.start(models.CallTypeVideo)
	stream := eng.Stream()

	on, err := h.ctrl.ToggleAudio()
	if err != nil || on {
		t.Fatalf("ToggleAudio = %v, %v", on, err)
	}
	if stream.Track(media.KindAudio).Enabled() || h.ctrl.Snapshot().AudioEnabled {
		t.Error("Audio still enabled")
	}
	on, err = h.ctrl.ToggleVideo()
	if err != nil || on {
		t.Fatalf("ToggleVideo = %v, %v", on, err)
	}
	if stream.Track(media.KindVideo).Enabled() {
		t.Error("Video still enabled")
	}
	if on, _ := h.ctrl.ToggleAudio(); !on || !stream.Track(media.KindAudio).Enabled() {
		t.Error("Audio not re-enabled")
	}

	if err := h.ctrl.SwitchCamera(context.Background()); err != nil {
		t.Fatalf("SwitchCamera: %v", err)
	}
	eng.mu.Lock()
	switches := eng.switches
	eng.mu.Unlock()
	if switches != 1 {
		t.Errorf("Expected 1 camera switch, got %d", switches)
	}
}

func TestTogglesWithoutCall(t *testing.T) {
	h := newHarness(t, "alice", nil)
	if _, err := h.ctrl.ToggleAudio(); !errors.Is(err, ErrNoActiveCall) {
		t.Errorf("Expected ErrNoActiveCall, got %v", err)
	}
	if err := h.ctrl.SwitchCamera(context.Background()); !errors.Is(err, ErrNoActiveCall) {
		t.Errorf("Expected ErrNoActiveCall, got %v", err)
	}
}

func TestTerminalErrorFailsOnce(t *testing.T) {
	h := newHarness(t, "alice", nil)
	eng := h.start(models.CallTypeVideo)
	eng.emit(rtc.ConnectionStateEvent{State: webrtc.PeerConnectionStateConnected})
	h.waitStatus(StatusConnected)

	cause := &rtc.Error{Kind: rtc.KindConnectivity, Op: "restart", Err: errors.New("ice failed")}
	eng.emit(rtc.ErrorEvent{Err: cause, Terminal: true})

	n := h.waitNotice(NoticeError)
	if _, _, cleanups := eng.counts(); cleanups != 1 {
		t.Errorf("Engine not cleaned up before the error notice, cleanups=%d", cleanups)
	}
	if n.Message != cause.UserMessage() || n.Session.Status != StatusFailed {
		t.Errorf("Unexpected error notice %+v", n)
	}

	s := h.waitEnded()
	if s.Status != StatusFailed || s.Error != cause.UserMessage() {
		t.Errorf("Unexpected final session %+v", s)
	}
	if err := h.ctrl.EndCall(context.Background()); err != nil {
		t.Errorf("EndCall after failure: %v", err)
	}
	if n := h.endCount(); n != 1 {
		t.Errorf("Completion callback ran %d times", n)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.ctrl.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	for n := range h.ctrl.Notices() {
		if n.Kind == NoticeError {
			t.Errorf("Second error notice %+v", n)
		}
	}
}

func TestNonTerminalErrorIsAdvisory(t *testing.T) {
	h := newHarness(t, "alice", nil)
	eng := h.start(models.CallTypeAudio)
	eng.emit(rtc.ErrorEvent{Err: &rtc.Error{Kind: rtc.KindSignaling, Op: "listen", Err: errors.New("closed")}})

	if n := h.waitNotice(NoticeAdvisory); n.Message != msgSignalingLost {
		t.Errorf("Unexpected advisory %q", n.Message)
	}
	if s := h.ctrl.Snapshot(); s.Status != StatusConnecting || s.Error != "" {
		t.Errorf("Advisory changed the session: %+v", s)
	}
}

func TestErrorNoticeWithSlowReader(t *testing.T) {
	h := newHarness(t, "alice", nil)
	eng := h.start(models.CallTypeAudio)

	// Nobody reads notices while the advisories pile up.
	const advisories = 200
	for i := 0; i < advisories; i++ {
		eng.emit(rtc.ErrorEvent{Err: &rtc.Error{Kind: rtc.KindSignaling, Op: "listen", Err: errors.New("closed")}})
	}
	cause := &rtc.Error{Kind: rtc.KindConnectivity, Op: "restart", Err: errors.New("ice failed")}
	eng.emit(rtc.ErrorEvent{Err: cause, Terminal: true})
	h.waitEnded()

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.ctrl.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown: %v", err)
	}
	var errs, advs int
	for n := range h.ctrl.Notices() {
		switch n.Kind {
		case NoticeError:
			errs++
		case NoticeAdvisory:
			advs++
		}
	}
	if errs != 1 || advs != advisories {
		t.Errorf("Expected 1 error and %d advisories, got %d and %d", advisories, errs, advs)
	}
}

func TestMediaFailureAllowsRetry(t *testing.T) {
	h := newHarness(t, "alice", nil)
	h.capturer.Errs = []error{media.ErrPermissionDenied}

	err := h.ctrl.StartCall(context.Background(), h.request(models.CallTypeVideo))
	if !media.IsKind(err, media.KindPermissionDenied) {
		t.Fatalf("Expected permission error, got %v", err)
	}
	s := h.waitEnded()
	if s.Status != StatusFailed || s.Error != (&media.Error{Kind: media.KindPermissionDenied}).UserMessage() {
		t.Errorf("Unexpected session %+v", s)
	}
	if n := h.engineCount(); n != 0 {
		t.Errorf("Engine created for failed acquisition")
	}
	if h.dir.GetCurrentCall() != nil {
		t.Error("Failed call registered in directory")
	}

	if err := h.ctrl.StartCall(context.Background(), h.request(models.CallTypeVideo)); err != nil {
		t.Fatalf("Retry StartCall: %v", err)
	}
	if s := h.ctrl.Snapshot(); s.Status != StatusConnecting || s.Error != "" {
		t.Errorf("Unexpected session after retry %+v", s)
	}
}

func TestEndCallDuringAcquire(t *testing.T) {
	h := newHarness(t, "alice", nil)
	h.capturer.Block = make(chan struct{})

	result := make(chan error, 1)
	go func() {
		result <- h.ctrl.StartCall(context.Background(), h.request(models.CallTypeVideo))
	}()
	eventually(t, func() bool { return len(h.capturer.Calls()) == 1 })

	if err := h.ctrl.EndCall(context.Background()); err != nil {
		t.Fatalf("EndCall: %v", err)
	}
	if s := h.waitEnded(); s.Status != StatusEnded {
		t.Errorf("Expected ended, got %s", s.Status)
	}
	close(h.capturer.Block)

	if err := <-result; !errors.Is(err, ErrCallAborted) {
		t.Errorf("Expected ErrCallAborted, got %v", err)
	}
	eventually(t, func() bool { return h.capturer.OpenSources() == 0 })
	if n := h.engineCount(); n != 0 {
		t.Errorf("Engine created after EndCall")
	}
	if s := h.ctrl.Snapshot(); s.Status != StatusEnded {
		t.Errorf("Aborted start changed status to %s", s.Status)
	}
	if n := h.endCount(); n != 1 {
		t.Errorf("Completion callback ran %d times", n)
	}
}

func TestRemoteHangupEndsCall(t *testing.T) {
	h := newHarness(t, "alice", nil)
	eng := h.start(models.CallTypeAudio)
	eng.emit(rtc.RemoteHangupEvent{Reason: "hangup"})

	if s := h.waitEnded(); s.Status != StatusEnded {
		t.Errorf("Expected ended, got %s", s.Status)
	}
	if _, hangups, cleanups := eng.counts(); hangups != 0 || cleanups != 1 {
		t.Errorf("Expected no hangup and 1 cleanup, got %d and %d", hangups, cleanups)
	}
}

func TestIncomingCallJoins(t *testing.T) {
	store := directory.NewMemoryStore()
	caller := directory.NewService(store, "alice")
	entry, err := caller.StartCall(context.Background(), models.CallTypeAudio, "call:alice_bob", []models.CallParticipant{{UserID: "bob"}})
	if err != nil {
		t.Fatalf("Caller StartCall: %v", err)
	}

	h := newHarness(t, "bob", store)
	req := Request{
		Type:         models.CallTypeAudio,
		Participants: []models.CallParticipant{{UserID: "alice"}, {UserID: "bob", DisplayName: "Bob"}},
		Incoming:     true,
		CallID:       entry.CallID,
	}
	if err := h.ctrl.StartCall(context.Background(), req); err != nil {
		t.Fatalf("StartCall: %v", err)
	}
	eng := h.engine(0)
	if eng.cfg.Initiator {
		t.Error("Incoming call engine is the initiator")
	}
	if offers, _, _ := eng.counts(); offers != 0 {
		t.Errorf("Incoming call sent %d offers", offers)
	}
	if s := h.ctrl.Snapshot(); s.CallID != entry.CallID || s.RoomID != entry.RoomID {
		t.Errorf("Session %+v does not match entry %+v", s, entry)
	}

	got, err := store.Get(context.Background(), entry.CallID)
	if err != nil {
		t.Fatalf("Get: %v", err)
	}
	if p := got.Participants[got.Participant("bob")]; p.Status != models.ParticipantConnecting || p.DisplayName != "Bob" {
		t.Errorf("Unexpected callee entry %+v", p)
	}
}
