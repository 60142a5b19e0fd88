package outbound

import (
	"strings"
	"unicode/utf8"

	"github.com/nextlevelbuilder/clawroute/internal/channels"
)

// Chunk is one send-sized piece of a payload's text. ReplyToID and ThreadID
// are carried on every chunk of the source payload, not just the first, so
// a multi-chunk reply stays attached to its thread throughout.
type Chunk struct {
	Text      string
	ReplyToID string
	ThreadID  string
	Silent    bool
	Index     int
	Total     int
	Oversized bool
}

// ChunkPayload splits a payload's text against the channel's declared limit
// and chunker mode. Limits are rune counts. The chunk sequence is a strict
// partition: concatenating all chunk texts reproduces the input exactly.
func ChunkPayload(p Payload, limit int, mode channels.ChunkerMode) []Chunk {
	if limit <= 0 {
		limit = channels.DefaultTextChunkLimit
	}

	var pieces []string
	if mode == channels.ChunkerMarkdown {
		pieces = splitMarkdown(p.Text, limit)
	} else {
		pieces = splitText(p.Text, limit)
	}

	chunks := make([]Chunk, len(pieces))
	for i, text := range pieces {
		chunks[i] = Chunk{
			Text:      text,
			ReplyToID: p.ReplyToID,
			ThreadID:  p.ThreadID,
			Silent:    p.Silent,
			Index:     i + 1,
			Total:     len(pieces),
			Oversized: utf8.RuneCountInString(text) > limit,
		}
	}
	return chunks
}

// splitText partitions text into pieces of at most limit runes, preferring
// to break after a newline, then after a space, inside the window. The
// break character stays at the end of the earlier piece so the partition
// is exact.
func splitText(text string, limit int) []string {
	runes := []rune(text)
	if len(runes) <= limit {
		return []string{text}
	}

	var pieces []string
	for len(runes) > limit {
		cut := limit
		window := runes[:limit]
		if i := lastRune(window, '\n'); i > 0 {
			cut = i + 1
		} else if i := lastRune(window, ' '); i > 0 {
			cut = i + 1
		}
		pieces = append(pieces, string(runes[:cut]))
		runes = runes[cut:]
	}
	if len(runes) > 0 {
		pieces = append(pieces, string(runes))
	}
	return pieces
}

func lastRune(rs []rune, r rune) int {
	for i := len(rs) - 1; i >= 0; i-- {
		if rs[i] == r {
			return i
		}
	}
	return -1
}

// mdUnit is a contiguous substring of the source text. Atomic units (code
// fences) are never split; an atomic unit over the limit is emitted as its
// own oversized piece rather than corrupted.
type mdUnit struct {
	text   string
	atomic bool
}

// splitMarkdown partitions markdown text without breaking inside a code
// fence. Fence blocks run from the opening ``` line through the closing
// one; an unterminated fence extends to end of input.
func splitMarkdown(text string, limit int) []string {
	units := markdownUnits(text)

	var pieces []string
	var cur strings.Builder
	curLen := 0
	flush := func() {
		if curLen > 0 {
			pieces = append(pieces, cur.String())
			cur.Reset()
			curLen = 0
		}
	}

	for _, u := range units {
		ul := utf8.RuneCountInString(u.text)
		if curLen+ul <= limit {
			cur.WriteString(u.text)
			curLen += ul
			continue
		}
		flush()
		if u.atomic || ul <= limit {
			if ul <= limit {
				cur.WriteString(u.text)
				curLen = ul
			} else {
				pieces = append(pieces, u.text)
			}
			continue
		}
		// Breakable unit over the limit: split it, keep the tail as the
		// open piece so following units can pack onto it.
		sub := splitText(u.text, limit)
		for _, s := range sub[:len(sub)-1] {
			pieces = append(pieces, s)
		}
		tail := sub[len(sub)-1]
		cur.WriteString(tail)
		curLen = utf8.RuneCountInString(tail)
	}
	flush()

	if len(pieces) == 0 {
		return []string{text}
	}
	return pieces
}

// markdownUnits splits text into line-based units, grouping code-fence
// blocks into single atomic units. The units concatenate back to the input.
func markdownUnits(text string) []mdUnit {
	var units []mdUnit
	var fence strings.Builder
	inFence := false

	rest := text
	for len(rest) > 0 {
		line := rest
		if i := strings.IndexByte(rest, '\n'); i >= 0 {
			line = rest[:i+1]
			rest = rest[i+1:]
		} else {
			rest = ""
		}

		isFenceMarker := strings.HasPrefix(strings.TrimSpace(line), "```")
		switch {
		case inFence:
			fence.WriteString(line)
			if isFenceMarker {
				units = append(units, mdUnit{text: fence.String(), atomic: true})
				fence.Reset()
				inFence = false
			}
		case isFenceMarker:
			inFence = true
			fence.WriteString(line)
		default:
			units = append(units, mdUnit{text: line})
		}
	}
	if fence.Len() > 0 {
		units = append(units, mdUnit{text: fence.String(), atomic: true})
	}
	return units
}
