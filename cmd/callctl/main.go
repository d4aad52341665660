// Command callctl places or answers a 1:1 call from the terminal using the
// local camera and microphone.
package main

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/mossy-p/webrtc-calls/config"
	"github.com/mossy-p/webrtc-calls/internal/call"
	"github.com/mossy-p/webrtc-calls/internal/directory"
	"github.com/mossy-p/webrtc-calls/internal/media"
	"github.com/mossy-p/webrtc-calls/internal/models"
	"github.com/mossy-p/webrtc-calls/internal/redis"
	"github.com/mossy-p/webrtc-calls/internal/rtc"
	"github.com/mossy-p/webrtc-calls/internal/signaling"
	"github.com/spf13/cobra"
)

type options struct {
	user         string
	token        string
	video        bool
	conversation string
	callID       string
}

func main() {
	var opts options

	root := &cobra.Command{
		Use:           "callctl",
		Short:         "Place and answer WebRTC calls",
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringVarP(&opts.user, "user", "u", "", "your user id")
	root.PersistentFlags().StringVar(&opts.token, "token", "", "relay token (defaults to RELAY_TOKEN)")
	root.PersistentFlags().BoolVar(&opts.video, "video", false, "make a video call")
	root.MarkPersistentFlagRequired("user")

	dial := &cobra.Command{
		Use:   "dial <peer>",
		Short: "Call a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts, args[0], false)
		},
	}
	dial.Flags().StringVar(&opts.conversation, "conversation", "", "place the call in a conversation room")

	answer := &cobra.Command{
		Use:   "answer <peer>",
		Short: "Answer a call from a peer",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return run(cmd.Context(), opts, args[0], true)
		},
	}
	answer.Flags().StringVar(&opts.callID, "call-id", "", "directory entry to join")
	answer.Flags().StringVar(&opts.conversation, "conversation", "", "answer in a conversation room")

	root.AddCommand(dial, answer)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	if err := root.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "callctl:", err)
		os.Exit(1)
	}
}

// stack is everything one call needs, built from config.
// shared is false when the directory only lives in this process, so entries
// created elsewhere cannot be joined.
type stack struct {
	relay  signaling.Relay
	dir    call.Directory
	shared bool
	close  func()
}

func buildStack(ctx context.Context, cfg *config.Config, user, token string) (*stack, error) {
	s := &stack{dir: directory.NewService(directory.NewMemoryStore(), user), close: func() {}}
	switch cfg.Relay.Kind {
	case "websocket":
		s.relay = signaling.NewWebSocketRelay(cfg.Relay.URL, token)
		s.dir = directory.NewClient(cfg.Relay.URL, token, user)
		s.shared = true
	case "redis":
		client, err := redis.Connect(ctx, cfg.Redis)
		if err != nil {
			return nil, err
		}
		s.relay = signaling.NewRedisRelay(client)
		s.dir = directory.NewService(directory.NewRedisStore(client, cfg.Call.CallTTL), user)
		s.shared = true
		s.close = func() { client.Close() }
	case "mqtt":
		relay, err := signaling.NewMQTTRelay(ctx, cfg.Relay.MQTTBroker, user+"-"+uuid.NewString()[:8])
		if err != nil {
			return nil, err
		}
		s.relay = relay
		s.close = relay.Disconnect
	case "gossip":
		relay, err := signaling.NewGossipRelay(ctx, signaling.GossipConfig{
			ListenAddrs: cfg.Relay.Gossip.ListenAddrs,
			Peers:       cfg.Relay.Gossip.Peers,
			MDNSTag:     cfg.Relay.Gossip.MDNSTag,
			LogLevel:    cfg.Relay.Gossip.LogLevel,
		})
		if err != nil {
			return nil, err
		}
		s.relay = relay
		s.close = func() { relay.Close() }
	case "memory":
		s.relay = signaling.NewMemoryRelay()
	default:
		return nil, fmt.Errorf("unknown relay kind %q", cfg.Relay.Kind)
	}
	return s, nil
}

func run(ctx context.Context, opts options, peer string, incoming bool) error {
	cfg := config.Load()
	token := opts.token
	if token == "" {
		token = cfg.Relay.Token
	}

	st, err := buildStack(ctx, cfg, opts.user, token)
	if err != nil {
		return err
	}
	defer st.close()
	if opts.callID != "" && !st.shared {
		return fmt.Errorf("--call-id needs a shared directory; use the websocket or redis relay, not %s", cfg.Relay.Kind)
	}

	capturer, err := media.NewDeviceCapturer()
	if err != nil {
		return err
	}
	factory, err := rtc.NewFactory(rtc.FactoryConfig{ICE: cfg.ICE, Codecs: capturer})
	if err != nil {
		return err
	}
	provider := media.NewProvider(capturer)
	transport := signaling.NewTransport(st.relay, opts.user)

	ctrl := call.NewController(
		call.Options{SelfID: opts.user, RestartTimeout: cfg.Call.RestartTimeout},
		call.Engines(factory, transport, provider),
		provider,
		st.dir,
	)

	callType := models.CallTypeAudio
	if opts.video {
		callType = models.CallTypeVideo
	}
	done := make(chan call.Session, 1)
	req := call.Request{
		Type:           callType,
		Participants:   []models.CallParticipant{{UserID: opts.user}, {UserID: peer}},
		Incoming:       incoming,
		CallID:         opts.callID,
		ConversationID: opts.conversation,
		OnEnd:          func(s call.Session) { done <- s },
	}

	go printNotices(ctrl.Notices())
	if err := ctrl.StartCall(ctx, req); err != nil {
		shutdown(ctrl)
		return err
	}
	s := ctrl.Snapshot()
	log.Printf("CALL [%s]: waiting for %s (call id %q)", s.RoomID, peer, s.CallID)

	var final call.Session
	select {
	case final = <-done:
	case <-ctx.Done():
		ctrl.EndCall(context.Background())
		final = <-done
	}
	shutdown(ctrl)

	if final.Status == call.StatusFailed {
		return fmt.Errorf("call failed: %s", final.Error)
	}
	fmt.Printf("Call ended after %s\n", final.Duration)
	return nil
}

func shutdown(ctrl *call.Controller) {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := ctrl.Shutdown(ctx); err != nil {
		log.Printf("CALL: shutdown: %v", err)
	}
}

func printNotices(notices <-chan call.Notice) {
	for n := range notices {
		switch n.Kind {
		case call.NoticeStatus:
			fmt.Printf("[%s]\n", n.Session.Status)
		case call.NoticeDuration:
			fmt.Printf("\r%s", n.Session.Duration)
		case call.NoticeRemoteTrack:
			fmt.Printf("receiving %s from %s\n", n.Track.Kind, n.Track.StreamID)
			if n.Track.Track != nil {
				go receive(n.Track.Track)
			}
		default:
			fmt.Printf("%s: %s\n", n.Kind, n.Message)
		}
	}
}
