package session

import (
	"sync"

	"carapace/internal/llm"
)

// ModelUsage accumulates token counters for one model or category.
type ModelUsage struct {
	InputTokens      int `json:"input_tokens"`
	OutputTokens     int `json:"output_tokens"`
	CacheReadTokens  int `json:"cache_read_tokens"`
	CacheWriteTokens int `json:"cache_write_tokens"`
	Requests         int `json:"requests"`
}

func (m *ModelUsage) add(u llm.TokenUsage) {
	m.InputTokens += u.InputTokens
	m.OutputTokens += u.OutputTokens
	m.CacheReadTokens += u.CacheReadTokens
	m.CacheWriteTokens += u.CacheWriteTokens
	m.Requests++
}

// UsageSnapshot is the serialized form of a tracker (usage.json).
type UsageSnapshot struct {
	Models     map[string]ModelUsage `json:"models"`
	Categories map[string]ModelUsage `json:"categories"`
}

// UsageTracker accumulates per-model and per-category token usage for one
// session. Safe for concurrent use.
type UsageTracker struct {
	mu         sync.Mutex
	models     map[string]*ModelUsage
	categories map[string]*ModelUsage
}

// NewUsageTracker returns an empty tracker.
func NewUsageTracker() *UsageTracker {
	return &UsageTracker{
		models:     make(map[string]*ModelUsage),
		categories: make(map[string]*ModelUsage),
	}
}

// FromUsageSnapshot rebuilds a tracker from its persisted form.
func FromUsageSnapshot(s UsageSnapshot) *UsageTracker {
	t := NewUsageTracker()
	for model, u := range s.Models {
		copied := u
		t.models[model] = &copied
	}
	for category, u := range s.Categories {
		copied := u
		t.categories[category] = &copied
	}
	return t
}

// Record adds one request's usage under both the model and the category.
func (t *UsageTracker) Record(model, category string, usage llm.TokenUsage) {
	t.mu.Lock()
	defer t.mu.Unlock()

	for _, bucket := range []*ModelUsage{t.bucket(t.models, model), t.bucket(t.categories, category)} {
		bucket.add(usage)
	}
}

func (t *UsageTracker) bucket(m map[string]*ModelUsage, key string) *ModelUsage {
	if b, ok := m[key]; ok {
		return b
	}
	b := &ModelUsage{}
	m[key] = b
	return b
}

// Snapshot returns a copy suitable for serialization or display.
func (t *UsageTracker) Snapshot() UsageSnapshot {
	t.mu.Lock()
	defer t.mu.Unlock()

	out := UsageSnapshot{
		Models:     make(map[string]ModelUsage, len(t.models)),
		Categories: make(map[string]ModelUsage, len(t.categories)),
	}
	for model, u := range t.models {
		out.Models[model] = *u
	}
	for category, u := range t.categories {
		out.Categories[category] = *u
	}
	return out
}

// TotalInput sums input tokens across all models.
func (t *UsageTracker) TotalInput() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := 0
	for _, u := range t.models {
		total += u.InputTokens
	}
	return total
}

// TotalOutput sums output tokens across all models.
func (t *UsageTracker) TotalOutput() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	total := 0
	for _, u := range t.models {
		total += u.OutputTokens
	}
	return total
}
