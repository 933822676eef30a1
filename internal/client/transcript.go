package client

import (
	"html"
	"strings"
	"time"

	"github.com/RichardoC/chatpad/internal/format"
	"github.com/RichardoC/chatpad/internal/models"
)

// TranscriptHTML renders messages as an HTML fragment, one element per
// message, with bodies passed through the formatter.
func TranscriptHTML(messages []models.Message, now time.Time) string {
	var b strings.Builder
	b.WriteString(`<div class="transcript">` + "\n")
	for _, m := range messages {
		b.WriteString(`<div class="message ` + html.EscapeString(string(m.Role)) + `">`)
		b.WriteString(`<div class="content">` + format.Format(m.Content) + `</div>`)
		if !m.Timestamp.IsZero() {
			b.WriteString(`<div class="timestamp">` + FormatTimestamp(m.Timestamp, now) + `</div>`)
		}
		b.WriteString("</div>\n")
	}
	b.WriteString("</div>\n")
	return b.String()
}
