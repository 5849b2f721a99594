package fallback

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aura-interview/voice-engine/config"
)

func testCatalogue() *config.Interview {
	iv := config.DefaultInterview()
	iv.Roles = map[string]map[string][]string{
		"Software Engineer": {"mid": {"Q1?", "Q2?"}},
	}
	return iv
}

func TestResponderAsksInOrderAndCloses(t *testing.T) {
	r := New(testCatalogue(), "software engineer", "mid")

	open := r.Open()
	require.Len(t, open, 2)
	assert.Contains(t, open[0], "software engineer")
	assert.Equal(t, "Q1?", open[1])
	assert.Nil(t, r.Open(), "open only once")

	lines, done := r.Reply("I build backend systems")
	assert.False(t, done)
	assert.Equal(t, []string{"Thanks. Q2?"}, lines)

	lines, done = r.Reply("  ")
	assert.False(t, done, "blank answers are not recorded")
	assert.Len(t, lines, 1)

	lines, done = r.Reply("I once rewrote a scheduler")
	assert.True(t, done)
	assert.Equal(t, testCatalogue().Closing, lines[len(lines)-1])
	assert.True(t, r.Done())

	lines, done = r.Reply("anything else")
	assert.True(t, done)
	assert.Nil(t, lines)
}

func TestResponderFeedback(t *testing.T) {
	r := New(testCatalogue(), "Software Engineer", "mid")
	r.Open()
	r.Reply("one two three")
	r.Reply("four")

	var fb Feedback
	require.NoError(t, json.Unmarshal(r.Feedback(), &fb))
	assert.Equal(t, "text", fb.Mode)
	assert.Equal(t, 2, fb.Questions)
	assert.Equal(t, 2, fb.Answers)
	assert.InDelta(t, 2.0, fb.AverageLength, 0.001)
	assert.Equal(t, "All questions were answered in text mode.", fb.Summary)
}

func TestResponderUnknownRoleUsesGeneric(t *testing.T) {
	r := New(nil, "Chef", "senior")
	open := r.Open()
	require.Len(t, open, 2)
	assert.Equal(t, config.DefaultInterview().Generic["senior"][0], open[1])

	var fb Feedback
	require.NoError(t, json.Unmarshal(r.Feedback(), &fb))
	assert.Equal(t, 0, fb.Answers)
	assert.Equal(t, "No answers were given.", fb.Summary)
}
