package llm

import (
	"strings"
	"testing"

	"github.com/RichardoC/chatpad/internal/models"
	"github.com/stretchr/testify/assert"
)

// wordCounter charges one token per word.
type wordCounter struct{}

func (wordCounter) Count(text string) int { return len(strings.Fields(text)) }

func msgs(roles string, contents ...string) []models.Message {
	out := make([]models.Message, len(contents))
	for i, c := range contents {
		role := models.RoleUser
		if roles[i] == 'a' {
			role = models.RoleAssistant
		}
		out[i] = models.Message{Role: role, Content: c}
	}
	return out
}

func TestWindow(t *testing.T) {
	history := msgs("uaua", "one two", "three four five", "six", "seven eight")

	tests := []struct {
		name   string
		budget int
		want   []string
	}{
		{"zero keeps everything", 0, []string{"one two", "three four five", "six", "seven eight"}},
		{"large budget keeps everything", 100, []string{"one two", "three four five", "six", "seven eight"}},
		// with overhead the last two cost 6+5=11; one more would make 18
		{"trims oldest first", 12, []string{"six", "seven eight"}},
		{"always keeps the last message", 1, []string{"seven eight"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Window(history, tt.budget, wordCounter{})
			contents := make([]string, len(got))
			for i, m := range got {
				contents[i] = m.Content
			}
			assert.Equal(t, tt.want, contents)
		})
	}
}

func TestWindowSkipsLeadingReply(t *testing.T) {
	// budget admits "b c" (assistant) and "d" but not "a"
	history := msgs("uau", "a a a a a a", "b c", "d")
	got := Window(history, 11, wordCounter{})
	assert.Len(t, got, 1)
	assert.Equal(t, "d", got[0].Content)
}

func TestApproxCounter(t *testing.T) {
	assert.Equal(t, 0, ApproxCounter{}.Count(""))
	assert.Equal(t, 1, ApproxCounter{}.Count("abcd"))
	assert.Equal(t, 2, ApproxCounter{}.Count("abcde"))
}
