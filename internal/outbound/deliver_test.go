package outbound

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"sync"
	"testing"

	"github.com/nextlevelbuilder/clawroute/internal/bus"
	"github.com/nextlevelbuilder/clawroute/internal/channels"
	"github.com/nextlevelbuilder/clawroute/internal/config"
	"github.com/nextlevelbuilder/clawroute/internal/outbound/queue"
	"github.com/nextlevelbuilder/clawroute/internal/routing"
	"github.com/nextlevelbuilder/clawroute/internal/sessions"
)

// sendLog records adapter calls so tests can assert on ordering and purity.
type sendLog struct {
	mu    sync.Mutex
	texts []channels.SendTextRequest
	media []channels.SendMediaRequest
	// failOnText fails the nth text send (1-based); 0 disables.
	failOnText int
}

func (l *sendLog) textCount() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.texts)
}

func testPlugin(log *sendLog) *channels.Plugin {
	return &channels.Plugin{
		ID: "telegram",
		Capabilities: channels.Capabilities{
			TextChunkLimit: 50,
			ChunkerMode:    channels.ChunkerText,
		},
		Outbound: &channels.OutboundAdapter{
			ResolveTarget: func(ctx context.Context, req channels.ResolveTargetRequest) (channels.ResolvedTarget, error) {
				return channels.ResolvedTarget{To: req.To, Kind: routing.PeerDirect}, nil
			},
			SendText: func(ctx context.Context, req channels.SendTextRequest) (channels.SendResult, error) {
				log.mu.Lock()
				defer log.mu.Unlock()
				log.texts = append(log.texts, req)
				if log.failOnText > 0 && len(log.texts) == log.failOnText {
					return channels.SendResult{}, fmt.Errorf("wire rejected")
				}
				return channels.SendResult{MessageID: fmt.Sprintf("m%d", len(log.texts))}, nil
			},
			SendMedia: func(ctx context.Context, req channels.SendMediaRequest) (channels.SendResult, error) {
				log.mu.Lock()
				defer log.mu.Unlock()
				log.media = append(log.media, req)
				return channels.SendResult{MessageID: fmt.Sprintf("media%d", len(log.media))}, nil
			},
		},
		Actions: &channels.MessageActions{
			ListActions: func() []string { return []string{"react", "delete", "pin"} },
			HandleAction: func(ctx context.Context, req channels.ActionRequest) (channels.ActionResult, error) {
				return channels.ActionResult{MessageID: "acted"}, nil
			},
		},
	}
}

type testEnv struct {
	dispatcher *Dispatcher
	queue      *queue.Queue
	store      sessions.Store
	log        *sendLog
}

func newTestEnv(t *testing.T, cfg *config.Config) *testEnv {
	t.Helper()
	if cfg == nil {
		cfg = &config.Config{}
	}

	log := &sendLog{}
	reg := channels.NewRegistry()
	if err := reg.Register(testPlugin(log)); err != nil {
		t.Fatalf("Register: %v", err)
	}

	q, err := queue.Open(filepath.Join(t.TempDir(), "deliveries.db"))
	if err != nil {
		t.Fatalf("queue.Open: %v", err)
	}
	t.Cleanup(func() { q.Close() })

	store := sessions.NewFileStore(filepath.Join(t.TempDir(), "sessions.json"))
	d := NewDispatcher(cfg, reg, q, DispatcherOptions{
		Sessions: store,
		Hooks:    NewHooks(),
		Bus:      bus.New(),
	})
	return &testEnv{dispatcher: d, queue: q, store: store, log: log}
}

func TestDeliverSingleChunk(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	results, err := env.dispatcher.Deliver(ctx, DeliverRequest{
		Channel:  "telegram",
		To:       "12345",
		Payloads: []Payload{{Text: "hello"}},
	})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(results) != 1 {
		t.Fatalf("results = %d, want 1", len(results))
	}
	if results[0].Chunks != 1 || len(results[0].MessageIDs) != 1 {
		t.Errorf("result = %+v", results[0])
	}
	if results[0].SessionKey != "agent:main:main" {
		t.Errorf("SessionKey = %q, want %q", results[0].SessionKey, "agent:main:main")
	}
	if env.log.textCount() != 1 {
		t.Errorf("adapter calls = %d, want 1", env.log.textCount())
	}

	pending, err := env.queue.Pending(ctx)
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 0 {
		t.Errorf("pending after success = %d, want 0", len(pending))
	}
}

func TestDeliverChunkOrdering(t *testing.T) {
	env := newTestEnv(t, nil)

	text := ""
	for i := 0; i < 10; i++ {
		text += fmt.Sprintf("sentence number %d goes right here. ", i)
	}
	results, err := env.dispatcher.Deliver(context.Background(), DeliverRequest{
		Channel:  "telegram",
		To:       "12345",
		Payloads: []Payload{{Text: text}},
	})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if results[0].Chunks < 2 {
		t.Fatalf("expected multiple chunks, got %d", results[0].Chunks)
	}

	// Adapter must have seen the chunks in order; reassembly proves it.
	var rebuilt string
	for _, req := range env.log.texts {
		rebuilt += req.Text
	}
	if rebuilt != text {
		t.Errorf("chunks arrived out of order or mangled:\ngot  %q\nwant %q", rebuilt, text)
	}
}

func TestDeliverAdapterFailureIsStructured(t *testing.T) {
	env := newTestEnv(t, nil)
	env.log.failOnText = 2

	text := "first chunk text goes here padding padding. second chunk text over the limit here."
	_, err := env.dispatcher.Deliver(context.Background(), DeliverRequest{
		Channel:  "telegram",
		To:       "12345",
		Payloads: []Payload{{Text: text}},
	})
	if err == nil {
		t.Fatal("expected error")
	}

	var de *DeliveryError
	if !errors.As(err, &de) {
		t.Fatalf("error type = %T, want *DeliveryError", err)
	}
	if de.Kind != KindAdapter {
		t.Errorf("Kind = %q, want %q", de.Kind, KindAdapter)
	}
	if de.Step != StepSendChunk {
		t.Errorf("Step = %q, want %q", de.Step, StepSendChunk)
	}
	if de.Chunk != 2 {
		t.Errorf("Chunk = %d, want 2", de.Chunk)
	}

	// Chunk 1 stays acked, chunk 2 is failed; nothing rolls back.
	pending, err := env.queue.Pending(context.Background())
	if err != nil {
		t.Fatalf("Pending: %v", err)
	}
	if len(pending) != 1 {
		t.Fatalf("pending = %d, want 1", len(pending))
	}
	if pending[0].Status != queue.StatusFailed {
		t.Errorf("Status = %q, want %q", pending[0].Status, queue.StatusFailed)
	}
	if pending[0].Error == "" {
		t.Error("failed record should carry the cause")
	}
}

func TestDeliverUnknownChannel(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.dispatcher.Deliver(context.Background(), DeliverRequest{
		Channel:  "matrix",
		To:       "room",
		Payloads: []Payload{{Text: "hi"}},
	})
	var de *DeliveryError
	if !errors.As(err, &de) || de.Kind != KindResolution {
		t.Errorf("err = %v, want resolution error", err)
	}
}

func TestDeliverNoContent(t *testing.T) {
	env := newTestEnv(t, nil)
	_, err := env.dispatcher.Deliver(context.Background(), DeliverRequest{
		Channel:  "telegram",
		To:       "12345",
		Payloads: []Payload{{Text: "   "}},
	})
	var de *DeliveryError
	if !errors.As(err, &de) || de.Kind != KindValidation {
		t.Errorf("err = %v, want validation error", err)
	}
	if env.log.textCount() != 0 {
		t.Error("validation failure must not reach the adapter")
	}
}

func TestDeliverCancelledContextFailsFast(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := env.dispatcher.Deliver(ctx, DeliverRequest{
		Channel:  "telegram",
		To:       "12345",
		Payloads: []Payload{{Text: "hi"}},
	})
	if !IsAborted(err) {
		t.Errorf("err = %v, want abort", err)
	}
	if env.log.textCount() != 0 {
		t.Error("cancelled delivery must not reach the adapter")
	}
}

func TestDeliverRecordsSessionMeta(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx := context.Background()

	if _, err := env.dispatcher.Deliver(ctx, DeliverRequest{
		Channel:  "telegram",
		To:       "12345",
		Payloads: []Payload{{Text: "hello"}},
	}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	entry, ok, err := env.store.Get(ctx, "agent:main:main")
	if err != nil || !ok {
		t.Fatalf("session entry missing: ok=%v err=%v", ok, err)
	}
	if entry.LastRoute == nil || entry.LastRoute.Channel != "telegram" || entry.LastRoute.To != "12345" {
		t.Errorf("LastRoute = %+v", entry.LastRoute)
	}
}

func TestDeliverAbortMarksSession(t *testing.T) {
	env := newTestEnv(t, nil)
	ctx, cancel := context.WithCancel(context.Background())

	// The adapter simulates a send cut off mid-flight.
	plugin, _ := env.dispatcher.registry.Get("telegram")
	plugin.Outbound.SendText = func(sctx context.Context, req channels.SendTextRequest) (channels.SendResult, error) {
		cancel()
		return channels.SendResult{}, context.Canceled
	}

	_, err := env.dispatcher.Deliver(ctx, DeliverRequest{
		Channel:  "telegram",
		To:       "12345",
		Payloads: []Payload{{Text: "hello"}},
	})
	if !IsAborted(err) {
		t.Fatalf("err = %v, want abort", err)
	}

	entry, ok, err := env.store.Get(context.Background(), "agent:main:main")
	if err != nil || !ok {
		t.Fatalf("session entry missing: ok=%v err=%v", ok, err)
	}
	if !entry.AbortedLastRun {
		t.Error("aborted delivery should flag the session")
	}

	// A clean delivery clears the flag.
	plugin.Outbound.SendText = func(sctx context.Context, req channels.SendTextRequest) (channels.SendResult, error) {
		return channels.SendResult{MessageID: "m1"}, nil
	}
	if _, err := env.dispatcher.Deliver(context.Background(), DeliverRequest{
		Channel:  "telegram",
		To:       "12345",
		Payloads: []Payload{{Text: "hello again"}},
	}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	entry, _, _ = env.store.Get(context.Background(), "agent:main:main")
	if entry.AbortedLastRun {
		t.Error("successful delivery should clear the aborted flag")
	}
}

func TestDeliverRejectsUnknownAccount(t *testing.T) {
	env := newTestEnv(t, nil)
	plugin, _ := env.dispatcher.registry.Get("telegram")
	plugin.Config = &channels.ConfigAdapter{
		ResolveAccount: func(cfg *config.Config, accountID string) (channels.ResolvedAccount, error) {
			if accountID != "work" {
				return channels.ResolvedAccount{}, fmt.Errorf("unknown account %q", accountID)
			}
			return channels.ResolvedAccount{ID: accountID}, nil
		},
	}

	_, err := env.dispatcher.Deliver(context.Background(), DeliverRequest{
		Channel:   "telegram",
		To:        "12345",
		AccountID: "personal",
		Payloads:  []Payload{{Text: "hi"}},
	})
	var de *DeliveryError
	if !errors.As(err, &de) || de.Kind != KindResolution || de.Step != StepResolveAccount {
		t.Errorf("err = %v, want resolution error at account step", err)
	}
	if env.log.textCount() != 0 {
		t.Error("account rejection must not reach the adapter")
	}

	if _, err := env.dispatcher.Deliver(context.Background(), DeliverRequest{
		Channel:   "telegram",
		To:        "12345",
		AccountID: "work",
		Payloads:  []Payload{{Text: "hi"}},
	}); err != nil {
		t.Fatalf("known account: %v", err)
	}
}

func TestDeliverMediaPayload(t *testing.T) {
	env := newTestEnv(t, nil)

	results, err := env.dispatcher.Deliver(context.Background(), DeliverRequest{
		Channel:  "telegram",
		To:       "12345",
		Payloads: []Payload{{Text: "MEDIA:https://x/a.jpg"}},
	})
	if err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if len(env.log.media) != 1 || env.log.media[0].MediaURL != "https://x/a.jpg" {
		t.Errorf("media calls = %+v", env.log.media)
	}
	if env.log.textCount() != 0 {
		t.Error("media-only payload should not produce text sends")
	}
	if len(results[0].MessageIDs) != 1 {
		t.Errorf("MessageIDs = %v", results[0].MessageIDs)
	}
}

func TestCrossContextDecoration(t *testing.T) {
	env := newTestEnv(t, nil)
	plugin, _ := env.dispatcher.registry.Get("telegram")
	plugin.Message = &channels.MessageAdapter{
		BuildCrossContextPrefix: func(from string) string {
			return "[from " + from + "] "
		},
	}

	// Forwarded send gets the prefix.
	if _, err := env.dispatcher.Deliver(context.Background(), DeliverRequest{
		Channel:        "telegram",
		To:             "12345",
		Payloads:       []Payload{{Text: "hello"}},
		FromSessionKey: "agent:other:main",
	}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if got := env.log.texts[0].Text; got != "[from agent:other:main] hello" {
		t.Errorf("decorated text = %q", got)
	}

	// Direct tool invocation suppresses it.
	if _, err := env.dispatcher.Deliver(context.Background(), DeliverRequest{
		Channel:                    "telegram",
		To:                         "12345",
		Payloads:                   []Payload{{Text: "hello"}},
		FromSessionKey:             "agent:other:main",
		SkipCrossContextDecoration: true,
	}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if got := env.log.texts[1].Text; got != "hello" {
		t.Errorf("suppressed text = %q, want undecorated", got)
	}

	// A media-only delivery has no text to frame; the prefix must not
	// become a message of its own.
	if _, err := env.dispatcher.Deliver(context.Background(), DeliverRequest{
		Channel:        "telegram",
		To:             "12345",
		Payloads:       []Payload{{Text: "MEDIA:https://x/a.jpg"}},
		FromSessionKey: "agent:other:main",
	}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if env.log.textCount() != 2 {
		t.Errorf("text sends = %d, media-only delivery must not add one", env.log.textCount())
	}
	if len(env.log.media) != 1 {
		t.Errorf("media sends = %d, want 1", len(env.log.media))
	}
}

func TestDeliverFailureFiresBusEvent(t *testing.T) {
	env := newTestEnv(t, nil)
	env.log.failOnText = 1

	var events []bus.Event
	env.dispatcher.bus.Subscribe("test", func(e bus.Event) { events = append(events, e) })

	_, err := env.dispatcher.Deliver(context.Background(), DeliverRequest{
		Channel:  "telegram",
		To:       "12345",
		Payloads: []Payload{{Text: "hello"}},
	})
	if err == nil {
		t.Fatal("expected error")
	}

	if len(events) != 1 || events[0].Name != bus.EventMessageFailed {
		t.Fatalf("events = %+v, want one message.failed", events)
	}
	payload, ok := events[0].Payload.(bus.MessageFailedPayload)
	if !ok {
		t.Fatalf("payload type = %T", events[0].Payload)
	}
	if payload.Step != StepSendChunk {
		t.Errorf("Step = %q, want %q", payload.Step, StepSendChunk)
	}
	if payload.Channel != "telegram" || payload.Error == "" {
		t.Errorf("payload = %+v", payload)
	}
}

func TestDeliverFiresHooksAndBusEvent(t *testing.T) {
	env := newTestEnv(t, nil)

	var hooked []MessageSent
	env.dispatcher.hooks.Register("telegram", func(ctx context.Context, evt MessageSent) error {
		hooked = append(hooked, evt)
		return nil
	})

	var events []bus.Event
	env.dispatcher.bus.Subscribe("test", func(e bus.Event) { events = append(events, e) })

	if _, err := env.dispatcher.Deliver(context.Background(), DeliverRequest{
		Channel:  "telegram",
		To:       "12345",
		Payloads: []Payload{{Text: "hello"}},
	}); err != nil {
		t.Fatalf("Deliver: %v", err)
	}

	if len(hooked) != 1 || hooked[0].Text != "hello" {
		t.Errorf("hooks = %+v", hooked)
	}
	if len(events) != 1 || events[0].Name != bus.EventMessageSent {
		t.Errorf("events = %+v", events)
	}
}

func TestOutboundPeerInference(t *testing.T) {
	tests := []struct {
		name   string
		target channels.ResolvedTarget
		want   routing.RoutePeer
	}{
		{"bare id defaults to direct", channels.ResolvedTarget{To: "123"}, routing.RoutePeer{Kind: routing.PeerDirect, ID: "123"}},
		{"adapter kind respected", channels.ResolvedTarget{To: "-100", Kind: routing.PeerGroup}, routing.RoutePeer{Kind: routing.PeerGroup, ID: "-100"}},
		{"group prefix wins", channels.ResolvedTarget{To: "group:-100"}, routing.RoutePeer{Kind: routing.PeerGroup, ID: "-100"}},
		{"channel prefix", channels.ResolvedTarget{To: "channel:news"}, routing.RoutePeer{Kind: routing.PeerChannel, ID: "news"}},
		{"user prefix is direct", channels.ResolvedTarget{To: "user:42"}, routing.RoutePeer{Kind: routing.PeerDirect, ID: "42"}},
		{"dm prefix is direct", channels.ResolvedTarget{To: "dm:42"}, routing.RoutePeer{Kind: routing.PeerDirect, ID: "42"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := OutboundPeer(tt.target); got != tt.want {
				t.Errorf("OutboundPeer = %+v, want %+v", got, tt.want)
			}
		})
	}
}
