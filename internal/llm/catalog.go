package llm

import "strings"

// ModelInfo describes a selectable model.
type ModelInfo struct {
	Name              string `json:"name"`
	Description       string `json:"description"`
	ContextWindow     int    `json:"context_window"`
	SupportsStreaming bool   `json:"supports_streaming"`
}

// Catalog is the ordered set of models offered to clients. The first entry
// is the default.
type Catalog struct {
	models []ModelInfo
}

var fallbackModels = []string{"gemini-1.5-pro", "gemini-1.5-flash", "gemini-pro"}

var knownDescriptions = map[string]string{
	"gemini-1.5-pro":   "Best for complex reasoning, coding, and analysis",
	"gemini-1.5-flash": "Fast, efficient, good for everyday conversations",
	"gemini-pro":       "Legacy pro model",
}

// NewCatalog builds a catalog from model names, falling back to the Gemini
// defaults when names is empty.
func NewCatalog(names []string) *Catalog {
	if len(names) == 0 {
		names = fallbackModels
	}
	c := &Catalog{}
	seen := make(map[string]bool)
	for _, n := range names {
		n = strings.TrimSpace(n)
		if n == "" || seen[n] {
			continue
		}
		seen[n] = true
		c.models = append(c.models, describe(n))
	}
	return c
}

func describe(name string) ModelInfo {
	desc, ok := knownDescriptions[name]
	if !ok {
		desc = "Model: " + name
	}
	window := 30000
	if strings.Contains(name, "1.5") || strings.Contains(name, "2.") {
		window = 1000000
	}
	return ModelInfo{
		Name:              name,
		Description:       desc,
		ContextWindow:     window,
		SupportsStreaming: true,
	}
}

func (c *Catalog) Default() string {
	if len(c.models) == 0 {
		return ""
	}
	return c.models[0].Name
}

func (c *Catalog) Names() []string {
	out := make([]string, len(c.models))
	for i, m := range c.models {
		out[i] = m.Name
	}
	return out
}

func (c *Catalog) Has(name string) bool {
	for _, m := range c.models {
		if m.Name == name {
			return true
		}
	}
	return false
}

// ByName returns the catalog keyed by model name.
func (c *Catalog) ByName() map[string]ModelInfo {
	out := make(map[string]ModelInfo, len(c.models))
	for _, m := range c.models {
		out[m.Name] = m
	}
	return out
}
