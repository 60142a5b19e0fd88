package channels

import (
	"testing"

	"github.com/nextlevelbuilder/clawroute/internal/config"
)

func TestRegistryOrderIsDeterministic(t *testing.T) {
	r := NewRegistry()
	for _, id := range []string{"telegram", "discord", "slack", "whatsapp"} {
		if err := r.Register(&Plugin{ID: id}); err != nil {
			t.Fatalf("Register(%q): %v", id, err)
		}
	}

	want := []string{"telegram", "discord", "slack", "whatsapp"}
	for i := 0; i < 5; i++ {
		got := r.IDs()
		if len(got) != len(want) {
			t.Fatalf("IDs() len = %d, want %d", len(got), len(want))
		}
		for j := range want {
			if got[j] != want[j] {
				t.Fatalf("IDs()[%d] = %q, want %q", j, got[j], want[j])
			}
		}
	}
}

func TestRegistryRejectsDuplicates(t *testing.T) {
	r := NewRegistry()
	if err := r.Register(&Plugin{ID: "telegram"}); err != nil {
		t.Fatalf("first Register: %v", err)
	}
	if err := r.Register(&Plugin{ID: "telegram"}); err == nil {
		t.Error("duplicate Register should fail")
	}
	if err := r.Register(&Plugin{}); err == nil {
		t.Error("empty id should fail")
	}
	if r.Len() != 1 {
		t.Errorf("Len() = %d, want 1", r.Len())
	}
}

func TestPluginTextChunkLimit(t *testing.T) {
	p := &Plugin{ID: "telegram", Capabilities: Capabilities{TextChunkLimit: 4096}}

	if got := p.TextChunkLimit(nil); got != 4096 {
		t.Errorf("declared limit = %d, want 4096", got)
	}

	cfg := &config.Config{Channels: map[string]*config.ChannelConfig{
		"telegram": {TextChunkLimit: 1000},
	}}
	if got := p.TextChunkLimit(cfg); got != 1000 {
		t.Errorf("config override = %d, want 1000", got)
	}

	bare := &Plugin{ID: "irc"}
	if got := bare.TextChunkLimit(nil); got != DefaultTextChunkLimit {
		t.Errorf("default limit = %d, want %d", got, DefaultTextChunkLimit)
	}
}

func TestPluginSupportsAction(t *testing.T) {
	p := &Plugin{
		ID: "telegram",
		Actions: &MessageActions{
			ListActions: func() []string { return []string{"react", "Delete", "pin"} },
		},
	}

	if !p.SupportsAction("react") {
		t.Error("react should be supported")
	}
	if !p.SupportsAction(" DELETE ") {
		t.Error("action matching should be case-insensitive and trimmed")
	}
	if p.SupportsAction("poll") {
		t.Error("poll should not be supported")
	}

	none := &Plugin{ID: "irc"}
	if none.SupportsAction("react") {
		t.Error("plugin without actions supports nothing")
	}
}

func TestPluginBuildToolContext(t *testing.T) {
	bare := &Plugin{ID: "irc"}
	got := bare.BuildToolContext(ThreadContextRequest{
		ChatID:    "#ops",
		AccountID: "work",
		MessageID: "m-7",
		ReplyToID: "m-3",
	})
	want := ToolContext{ChannelID: "irc", AccountID: "work", To: "#ops", MessageID: "m-7"}
	if got != want {
		t.Errorf("fallback context = %+v, want %+v", got, want)
	}
	if got.ThreadID != "" {
		t.Error("reply-to id must never become a thread id")
	}

	threaded := &Plugin{
		ID: "slack",
		Threading: &ThreadingAdapter{
			BuildToolContext: func(req ThreadContextRequest) ToolContext {
				// Slack-style: a reply-to anchors its own thread.
				tid := req.ThreadID
				if tid == "" {
					tid = req.ReplyToID
				}
				return ToolContext{ChannelID: "slack", To: req.ChatID, ThreadID: tid, MessageID: req.MessageID}
			},
		},
	}
	got = threaded.BuildToolContext(ThreadContextRequest{ChatID: "C1", ReplyToID: "171.2"})
	if got.ThreadID != "171.2" {
		t.Errorf("threading adapter not used, ThreadID = %q", got.ThreadID)
	}
}

func TestPluginDefaultAccountID(t *testing.T) {
	adapterBacked := &Plugin{
		ID: "telegram",
		Config: &ConfigAdapter{
			DefaultAccountID: func(*config.Config) string { return "Work" },
		},
	}
	if got := adapterBacked.DefaultAccountID(nil); got != "work" {
		t.Errorf("adapter default = %q, want %q", got, "work")
	}

	cfgBacked := &Plugin{ID: "telegram"}
	cfg := &config.Config{Channels: map[string]*config.ChannelConfig{
		"telegram": {DefaultAccount: "tasks"},
	}}
	if got := cfgBacked.DefaultAccountID(cfg); got != "tasks" {
		t.Errorf("config default = %q, want %q", got, "tasks")
	}

	bare := &Plugin{ID: "irc"}
	if got := bare.DefaultAccountID(nil); got != "default" {
		t.Errorf("fallback default = %q, want %q", got, "default")
	}
}
