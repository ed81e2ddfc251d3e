package input

import (
	"strings"

	"github.com/agext/levenshtein"

	"github.com/fact-memory-kernel/internal/facts"
)

// NearDuplicateSimilarity is the similarity above which two message texts in
// the same window are treated as repeats.
const NearDuplicateSimilarity = 0.95

// Chunk splits messages into overlapping windows of at most size messages,
// each starting size-overlap after the previous one. The final window always
// reaches the last message.
func Chunk(msgs []facts.Message, size, overlap int) [][]facts.Message {
	if len(msgs) == 0 {
		return nil
	}
	if size <= 0 {
		return [][]facts.Message{msgs}
	}
	step := size - overlap
	if step <= 0 {
		step = size
	}
	var out [][]facts.Message
	for i := 0; i < len(msgs); i += step {
		end := i + size
		if end > len(msgs) {
			end = len(msgs)
		}
		out = append(out, msgs[i:end])
		if end == len(msgs) {
			break
		}
	}
	return out
}

// SuppressNearDuplicates drops empty messages and messages whose normalized
// text is a near repeat of an earlier one in the same slice.
func SuppressNearDuplicates(msgs []facts.Message) []facts.Message {
	var seen []string
	out := make([]facts.Message, 0, len(msgs))
	for _, m := range msgs {
		text := strings.ToLower(strings.TrimSpace(m.Text))
		if text == "" {
			continue
		}
		dup := false
		for _, s := range seen {
			if s == text || levenshtein.Similarity(s, text, nil) >= NearDuplicateSimilarity {
				dup = true
				break
			}
		}
		if dup {
			continue
		}
		seen = append(seen, text)
		out = append(out, m)
	}
	return out
}

// Around returns the messages referenced by ids plus up to radius neighbours
// on each side, in input order. Unknown ids are ignored.
func Around(msgs []facts.Message, ids []string, radius int) []facts.Message {
	pos := make(map[string]int, len(msgs))
	for i, m := range msgs {
		pos[m.ID] = i
	}
	keep := make([]bool, len(msgs))
	for _, id := range ids {
		i, ok := pos[id]
		if !ok {
			continue
		}
		lo, hi := i-radius, i+radius
		if lo < 0 {
			lo = 0
		}
		if hi > len(msgs)-1 {
			hi = len(msgs) - 1
		}
		for j := lo; j <= hi; j++ {
			keep[j] = true
		}
	}
	var out []facts.Message
	for i, k := range keep {
		if k {
			out = append(out, msgs[i])
		}
	}
	return out
}
