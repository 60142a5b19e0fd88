// Package outbound is the delivery pipeline: payload normalization,
// chunking, the dispatcher, and the message action runner.
package outbound

import "strings"

// MediaPrefix marks payload text that is really a media reference.
const MediaPrefix = "MEDIA:"

// Payload is one outbound reply unit as produced by agent/reply logic.
type Payload struct {
	Text      string   `json:"text"`
	MediaURL  string   `json:"mediaUrl,omitempty"`
	MediaURLs []string `json:"mediaUrls"`
	ReplyToID string   `json:"replyToId,omitempty"`
	ThreadID  string   `json:"threadId,omitempty"`
	Silent    bool     `json:"silent,omitempty"`
}

// HasMedia reports whether the payload carries any media reference.
func (p Payload) HasMedia() bool {
	return p.MediaURL != "" || len(p.MediaURLs) > 0
}

// NormalizePayloads canonicalizes reply payloads into a minimal non-empty
// form: whitespace-only text becomes empty, a MEDIA:<url> text prefix moves
// into the media list, the singular mediaUrl field folds into mediaUrls,
// and a payload with no text and no media is dropped. Order is preserved
// and the result always carries a non-nil mediaUrls slice. Idempotent:
// normalizing an already-normalized list returns an identical list.
func NormalizePayloads(payloads []Payload) []Payload {
	out := make([]Payload, 0, len(payloads))
	for _, p := range payloads {
		media := make([]string, 0, len(p.MediaURLs)+1)
		if p.MediaURL != "" {
			media = append(media, p.MediaURL)
		}
		media = append(media, p.MediaURLs...)

		text := p.Text
		trimmed := strings.TrimSpace(text)
		if url, ok := strings.CutPrefix(trimmed, MediaPrefix); ok {
			if u := strings.TrimSpace(url); u != "" {
				media = append(media, u)
			}
			text = ""
		} else if trimmed == "" {
			text = ""
		}

		if text == "" && len(media) == 0 {
			continue
		}

		out = append(out, Payload{
			Text:      text,
			MediaURLs: media,
			ReplyToID: p.ReplyToID,
			ThreadID:  p.ThreadID,
			Silent:    p.Silent,
		})
	}
	return out
}
