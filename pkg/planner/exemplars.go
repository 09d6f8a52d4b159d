package planner

import (
	"context"
	"encoding/json"
	"sort"
	"strings"
	"sync"

	"github.com/pkoukk/tiktoken-go"

	"github.com/maghams62/auto-mac/internal/utils"
)

// Exemplar is one worked request → plan pair shown to the model.
type Exemplar struct {
	ID      string          `json:"id"`
	Request string          `json:"request"`
	Plan    json.RawMessage `json:"plan"`
}

// Render returns the exemplar as it appears inside the prompt.
func (e *Exemplar) Render() string {
	var b strings.Builder
	b.WriteString("Request: ")
	b.WriteString(e.Request)
	b.WriteString("\nPlan:\n")
	b.Write(e.Plan)
	b.WriteString("\n")
	return b.String()
}

// Index retrieves exemplars ranked by relevance to a request, best first.
type Index interface {
	Search(ctx context.Context, request string, limit int) ([]*Exemplar, error)
}

// defaultExemplarBudget caps the token cost of the exemplar block. The rest
// of the prompt (rules, catalog, trace digest) is not budgeted; only
// exemplars are droppable.
const defaultExemplarBudget = 2000

// tokenEncoding is the cl100k_base BPE shared by the models we target.
const tokenEncoding = "cl100k_base"

var (
	encodingOnce sync.Once
	encoding     *tiktoken.Tiktoken
)

// countTokens measures text with tiktoken, falling back to a bytes/4
// estimate when the encoding tables are unavailable offline.
func countTokens(text string) int {
	encodingOnce.Do(func() {
		enc, err := tiktoken.GetEncoding(tokenEncoding)
		if err == nil {
			encoding = enc
		}
	})
	if encoding == nil {
		return len(text) / 4
	}
	return len(encoding.Encode(text, nil, nil))
}

// selectWithinBudget keeps the best-ranked prefix of exemplars whose rendered
// token cost fits the budget. Dropping always happens from the tail, so the
// same ranking yields the same prompt.
func selectWithinBudget(exemplars []*Exemplar, budget int, logger utils.ExtendedLogger) []*Exemplar {
	if budget <= 0 {
		budget = defaultExemplarBudget
	}
	var kept []*Exemplar
	used := 0
	for _, e := range exemplars {
		cost := countTokens(e.Render())
		if used+cost > budget {
			logger.Debugf("exemplar budget reached: kept %d of %d (%d tokens used)", len(kept), len(exemplars), used)
			break
		}
		kept = append(kept, e)
		used += cost
	}
	return kept
}

// StaticIndex ranks a fixed exemplar set by keyword overlap with the
// request. It backs deployments without a vector store and all tests.
type StaticIndex struct {
	exemplars []*Exemplar
}

// NewStaticIndex creates an index over a fixed set.
func NewStaticIndex(exemplars []*Exemplar) *StaticIndex {
	return &StaticIndex{exemplars: exemplars}
}

// Search implements Index.
func (idx *StaticIndex) Search(_ context.Context, request string, limit int) ([]*Exemplar, error) {
	requestWords := tokenize(request)

	type scored struct {
		exemplar *Exemplar
		score    int
	}
	ranked := make([]scored, 0, len(idx.exemplars))
	for _, e := range idx.exemplars {
		score := 0
		for word := range tokenize(e.Request) {
			if requestWords[word] {
				score++
			}
		}
		ranked = append(ranked, scored{exemplar: e, score: score})
	}
	// Stable order: score descending, then id, so equal requests always see
	// the same exemplars.
	sort.SliceStable(ranked, func(i, j int) bool {
		if ranked[i].score != ranked[j].score {
			return ranked[i].score > ranked[j].score
		}
		return ranked[i].exemplar.ID < ranked[j].exemplar.ID
	})

	if limit > len(ranked) {
		limit = len(ranked)
	}
	out := make([]*Exemplar, 0, limit)
	for _, s := range ranked[:limit] {
		out = append(out, s.exemplar)
	}
	return out, nil
}

var stopWords = map[string]bool{
	"a": true, "an": true, "and": true, "the": true, "to": true, "of": true,
	"my": true, "me": true, "it": true, "for": true, "on": true, "in": true,
	"is": true, "are": true, "with": true, "that": true, "this": true,
}

func tokenize(text string) map[string]bool {
	words := make(map[string]bool)
	for _, field := range strings.Fields(strings.ToLower(text)) {
		word := strings.Trim(field, ".,!?\"'()")
		if len(word) < 2 || stopWords[word] {
			continue
		}
		words[word] = true
	}
	return words
}
