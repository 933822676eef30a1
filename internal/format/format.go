// Package format renders message text as HTML using a small pseudo-markdown:
// **bold**, *italic*, `code` and line breaks. Input is escaped first, so model
// output can never inject markup of its own.
package format

import (
	"html"
	"time"

	"github.com/dlclark/regexp2"
)

type rule struct {
	re   *regexp2.Regexp
	repl string
}

func mustRule(pattern, repl string) rule {
	re := regexp2.MustCompile(pattern, regexp2.None)
	re.MatchTimeout = 100 * time.Millisecond
	return rule{re: re, repl: repl}
}

// insideCode rejects a position within an already rendered code span. Input
// is escaped before any rule runs, so every '<' belongs to a tag we emitted.
const insideCode = `(?![^<]*</code>)`

// Applied in order: code spans first so emphasis never reaches into them,
// then bold before italic so "**" is already consumed. Emphasis needs a
// non-space character just inside each delimiter, so "2 * 3 * 4" stays as typed.
var rules = []rule{
	mustRule("`([^`]+)`", "<code>$1</code>"),
	mustRule(`\*\*(?!\s)`+insideCode+`(.+?)(?<!\s)\*\*`+insideCode, "<strong>$1</strong>"),
	mustRule(`(?<!\*)\*(?![\s*])`+insideCode+`(.+?)(?<![\s*])\*(?!\*)`+insideCode, "<em>$1</em>"),
	mustRule(`\r?\n`, "<br>"),
}

// Format returns text as safe HTML.
func Format(text string) string {
	out := html.EscapeString(text)
	for _, r := range rules {
		replaced, err := r.re.Replace(out, r.repl, -1, -1)
		if err != nil {
			// only a match timeout gets here; leave the rest unformatted
			return out
		}
		out = replaced
	}
	return out
}
