package sessions

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"
)

// TranscriptEntry is one mirrored line of conversation.
type TranscriptEntry struct {
	Role      string    `json:"role"`
	Text      string    `json:"text,omitempty"`
	MediaURLs []string  `json:"mediaUrls,omitempty"`
	Channel   string    `json:"channel,omitempty"`
	At        time.Time `json:"at"`
}

// TranscriptWriter appends delivered messages to per-session JSONL files.
// Mirroring is best-effort at the call site; the writer itself reports
// errors honestly and lets the caller decide to swallow them.
type TranscriptWriter struct {
	dir   string
	locks *keyedLocks
}

// NewTranscriptWriter creates a writer rooted at dir.
func NewTranscriptWriter(dir string) *TranscriptWriter {
	return &TranscriptWriter{dir: dir, locks: newKeyedLocks()}
}

// Append writes one entry to the session's transcript file.
func (w *TranscriptWriter) Append(ctx context.Context, sessionID string, entry TranscriptEntry) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if sessionID == "" {
		return fmt.Errorf("transcript: empty session id")
	}
	if entry.At.IsZero() {
		entry.At = time.Now().UTC()
	}

	line, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("transcript: marshal entry: %w", err)
	}

	unlock := w.locks.Lock(sessionID)
	defer unlock()

	if err := os.MkdirAll(w.dir, 0755); err != nil {
		return fmt.Errorf("transcript: %w", err)
	}
	path := filepath.Join(w.dir, sessionID+".jsonl")
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0600)
	if err != nil {
		return fmt.Errorf("transcript: %w", err)
	}
	defer f.Close()

	if _, err := f.Write(append(line, '\n')); err != nil {
		return fmt.Errorf("transcript: append: %w", err)
	}
	return nil
}
