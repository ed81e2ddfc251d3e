package input

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fact-memory-kernel/internal/facts"
)

const sample = `[
  {
    "user_queries": [
      {"message_id": "q1", "message": "my number is +91-9876543210", "timestamp": "2025-09-13 10:00:00"},
      {"message_id": "q2", "message": "I am allergic to peanuts", "timestamp": "2025-09-13T10:05:00Z"}
    ],
    "team_replies": [
      {"message_id": "r1", "message": "Noted, thanks!", "timestamp": "2025-09-13 10:01:00"}
    ]
  },
  {
    "user_queries": [{"message": "book a table at Toit"}],
    "team_replies": []
  }
]`

func TestParseFlattensInOrder(t *testing.T) {
	in, err := Parse("RahulSingh", "test", []byte(sample))
	require.NoError(t, err)

	assert.Equal(t, "RahulSingh", in.UserID)
	assert.Equal(t, "Rahul Singh", in.DisplayName)
	require.Len(t, in.Messages, 4)

	ids := []string{}
	for _, m := range in.Messages {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"q1", "q2", "r1", "user_1_0"}, ids)
	assert.Equal(t, SenderUser, in.Messages[0].Sender)
	assert.Equal(t, SenderTeam, in.Messages[2].Sender)
	assert.Equal(t, 2025, in.Messages[0].Timestamp.Year())
	assert.Len(t, in.Fingerprint, 64)
	assert.Equal(t, 2, in.Index()["r1"])
}

func TestParseRejectsMalformed(t *testing.T) {
	_, err := Parse("u1", "test", []byte(`{"not": "a list"`))
	var ingErr *facts.IngestionError
	require.True(t, errors.As(err, &ingErr))
	assert.Equal(t, "u1", ingErr.UserID)

	_, err = Parse("u1", "test", []byte(`[{"user_queries":[{"message_id":"a","message":"x"},{"message_id":"a","message":"y"}]}]`))
	require.True(t, errors.As(err, &ingErr))
}

func TestFingerprintTracksContent(t *testing.T) {
	a, err := Parse("u1", "a", []byte(sample))
	require.NoError(t, err)

	reformatted := `[{"team_replies":[{"message_id":"r1","message":"Noted, thanks!","timestamp":"2025-09-13 10:01:00"}],
	"user_queries":[{"message_id":"q1","message":"my number is +91-9876543210","timestamp":"2025-09-13 10:00:00"},
	{"message_id":"q2","message":"I am allergic to peanuts","timestamp":"2025-09-13T10:05:00Z"}]},
	{"user_queries":[{"message":"book a table at Toit"}]}]`
	b, err := Parse("u1", "b", []byte(reformatted))
	require.NoError(t, err)
	assert.Equal(t, a.Fingerprint, b.Fingerprint)

	b.Messages[0].Text = "my number is +91-9876543211"
	assert.NotEqual(t, a.Fingerprint, Fingerprint(b.Messages))
}

func msgs(n int) []facts.Message {
	out := make([]facts.Message, n)
	for i := range out {
		out[i] = facts.Message{ID: fmt.Sprintf("m%d", i), Text: fmt.Sprintf("message number %d about topic %d", i, i*7)}
	}
	return out
}

func TestChunk(t *testing.T) {
	assert.Nil(t, Chunk(nil, 100, 20))

	chunks := Chunk(msgs(50), 100, 20)
	require.Len(t, chunks, 1)
	assert.Len(t, chunks[0], 50)

	chunks = Chunk(msgs(250), 100, 20)
	require.Len(t, chunks, 3)
	assert.Equal(t, "m0", chunks[0][0].ID)
	assert.Equal(t, "m80", chunks[1][0].ID)
	assert.Equal(t, "m160", chunks[2][0].ID)
	assert.Equal(t, "m249", chunks[2][len(chunks[2])-1].ID)

	// every message lands in at least one window
	seen := map[string]bool{}
	for _, c := range chunks {
		for _, m := range c {
			seen[m.ID] = true
		}
	}
	assert.Len(t, seen, 250)
}

func TestSuppressNearDuplicates(t *testing.T) {
	in := []facts.Message{
		{ID: "1", Text: "My email is asha@example.com"},
		{ID: "2", Text: "my email is asha@example.com "},
		{ID: "3", Text: "   "},
		{ID: "4", Text: "My email is asha@example.co"},
		{ID: "5", Text: "Please book a cab"},
	}
	out := SuppressNearDuplicates(in)
	ids := []string{}
	for _, m := range out {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"1", "5"}, ids)
}

func TestAround(t *testing.T) {
	all := msgs(20)
	out := Around(all, []string{"m1", "m15", "missing"}, 2)
	ids := []string{}
	for _, m := range out {
		ids = append(ids, m.ID)
	}
	assert.Equal(t, []string{"m0", "m1", "m2", "m3", "m13", "m14", "m15", "m16", "m17"}, ids)
}

func TestDisplayName(t *testing.T) {
	assert.Equal(t, "Monark Moolchandani", DisplayName("MonarkMoolchandani"))
	assert.Equal(t, "Gaurav Sherlocksai", DisplayName("Gaurav-Sherlocksai"))
	assert.Equal(t, "Anurag", DisplayName("anurag"))
}

func TestDirSource(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Anurag.json"), []byte(sample), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "Broken.json"), []byte(`[`), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "notes.txt"), []byte(`x`), 0o644))

	src := NewDirSource(dir)
	ids, err := src.UserIDs(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{"Anurag", "Broken"}, ids)

	in, err := src.Load(context.Background(), "Anurag")
	require.NoError(t, err)
	assert.Len(t, in.Messages, 4)

	_, err = src.Load(context.Background(), "Broken")
	var ingErr *facts.IngestionError
	assert.True(t, errors.As(err, &ingErr))

	_, err = src.Load(context.Background(), "Nobody")
	assert.True(t, facts.IsNotFound(err))

	_, err = src.Load(context.Background(), "../etc/passwd")
	assert.True(t, errors.As(err, &ingErr))
}
