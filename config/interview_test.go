package config

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const catalogue = `
roles:
  Software Engineer:
    senior:
      - Design a rate limiter.
      - How would you shard a session store?
closing: Bye.
`

func TestParseInterview(t *testing.T) {
	iv, err := ParseInterview([]byte(catalogue))
	require.NoError(t, err)

	assert.Equal(t, []string{"Design a rate limiter.", "How would you shard a session store?"},
		iv.Questions("software engineer", "senior"))
	// unknown level for a known role falls through to the generic list
	assert.Equal(t, iv.Generic["entry"], iv.Questions("Software Engineer", "entry"))
	assert.Equal(t, iv.Generic["mid"], iv.Questions("Chef", "unknown"))
	assert.Equal(t, "Bye.", iv.Closing)
	assert.NotEmpty(t, iv.Greeting)
}

func TestInstructionRendersRole(t *testing.T) {
	iv := DefaultInterview()
	text := iv.Instruction("Data Analyst", "entry")
	assert.Contains(t, text, "entry-level interview for the role of Data Analyst")
	assert.Contains(t, text, "asked 3 questions")
}

func TestParseInterviewRejectsBadTemplate(t *testing.T) {
	_, err := ParseInterview([]byte("instruction: \"{{.Role\"\n"))
	require.Error(t, err)
}
