package llm

import (
	"unicode/utf8"

	"github.com/RichardoC/chatpad/internal/models"
	"github.com/pkg/errors"
	"github.com/pkoukk/tiktoken-go"
)

// TokenCounter estimates how many tokens a piece of text costs.
type TokenCounter interface {
	Count(text string) int
}

type tiktokenCounter struct {
	enc *tiktoken.Tiktoken
}

// NewTiktokenCounter loads a BPE encoding such as "cl100k_base". Loading may
// download the encoding on first use.
func NewTiktokenCounter(encoding string) (TokenCounter, error) {
	enc, err := tiktoken.GetEncoding(encoding)
	if err != nil {
		return nil, errors.Wrapf(err, "load %s encoding", encoding)
	}
	return &tiktokenCounter{enc: enc}, nil
}

func (t *tiktokenCounter) Count(text string) int {
	return len(t.enc.Encode(text, nil, nil))
}

// ApproxCounter assumes four characters per token.
type ApproxCounter struct{}

func (ApproxCounter) Count(text string) int {
	n := utf8.RuneCountInString(text)
	return (n + 3) / 4
}

// perMessageOverhead covers role markers and separators.
const perMessageOverhead = 4

// Window returns the newest suffix of history whose token cost fits budget.
// The last message is always kept, even alone over budget. A budget of zero
// or less keeps the full history.
func Window(history []models.Message, budget int, counter TokenCounter) []models.Message {
	if budget <= 0 || len(history) == 0 {
		return history
	}
	if counter == nil {
		counter = ApproxCounter{}
	}

	used := 0
	start := len(history)
	for i := len(history) - 1; i >= 0; i-- {
		cost := counter.Count(history[i].Content) + perMessageOverhead
		if used+cost > budget && start < len(history) {
			break
		}
		used += cost
		start = i
	}
	// Never open the window on a reply whose prompt was cut off.
	for start < len(history)-1 && history[start].Role == models.RoleAssistant {
		start++
	}
	return history[start:]
}
