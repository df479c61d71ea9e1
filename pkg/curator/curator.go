package curator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"reploid/pkg/artifact"
	"reploid/pkg/cycle"
	"reploid/pkg/logx"
)

const (
	// DefaultTokenBudget bounds how much artifact content a single plan
	// prompt may carry. Roughly half of an 16k context window, leaving
	// room for the system prompt, tool schemas, and the response.
	DefaultTokenBudget = 8000

	// DefaultMaxArtifacts caps selection breadth even when the budget
	// would admit more. Plans degrade when the prompt sprawls.
	DefaultMaxArtifacts = 12

	// entryOverheadTokens approximates the per-artifact framing cost in
	// the rendered prompt (heading, kind, version line).
	entryOverheadTokens = 12
)

// Curator selects the artifacts most relevant to a goal, under a token
// budget. Relevance is keyword overlap between the goal and an artifact's
// name and content, with a recency boost so fresh work stays in view even
// when the goal words miss it. It implements cycle.ContextCurator.
type Curator struct {
	store        *artifact.Store
	counter      *TokenCounter
	logger       *logx.Logger
	budget       int
	maxArtifacts int
}

// NewCurator creates a curator over the given store. A budget <= 0 uses
// DefaultTokenBudget.
func NewCurator(store *artifact.Store, budget int, logger *logx.Logger) *Curator {
	if budget <= 0 {
		budget = DefaultTokenBudget
	}
	if logger == nil {
		logger = logx.NewLogger("curator")
	}
	return &Curator{
		store:        store,
		counter:      NewTokenCounter(),
		logger:       logger,
		budget:       budget,
		maxArtifacts: DefaultMaxArtifacts,
	}
}

// candidate pairs a loaded artifact with its relevance score and token
// cost, so packing never recounts.
type candidate struct {
	art    artifact.Artifact
	score  float64
	tokens int
}

// Curate scores every indexed artifact against the goal and greedily
// packs the best ones under the token budget. Artifacts that alone exceed
// the remaining budget are skipped, not truncated; the agent can always
// read them through a tool instead.
func (c *Curator) Curate(ctx context.Context, goal string, index []artifact.IndexEntry) (cycle.SelectedContext, error) {
	if err := ctx.Err(); err != nil {
		return cycle.SelectedContext{}, err
	}

	keywords := extractKeywords(goal)
	now := time.Now().UTC()

	candidates := make([]candidate, 0, len(index))
	for _, entry := range index {
		if err := ctx.Err(); err != nil {
			return cycle.SelectedContext{}, err
		}
		art, err := c.store.Get(entry.Name)
		if err != nil {
			if errors.Is(err, artifact.ErrNotFound) {
				// Deleted between index and fetch. Skip it.
				continue
			}
			return cycle.SelectedContext{}, fmt.Errorf("failed to load artifact %s: %w", entry.Name, err)
		}
		candidates = append(candidates, candidate{
			art:    art,
			score:  scoreArtifact(art, keywords, now),
			tokens: c.counter.Count(art.Content) + entryOverheadTokens,
		})
	}

	// Deterministic order: score, then recency, then name.
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].score != candidates[j].score {
			return candidates[i].score > candidates[j].score
		}
		if !candidates[i].art.UpdatedAt.Equal(candidates[j].art.UpdatedAt) {
			return candidates[i].art.UpdatedAt.After(candidates[j].art.UpdatedAt)
		}
		return candidates[i].art.Name < candidates[j].art.Name
	})

	selected := make([]artifact.Artifact, 0, c.maxArtifacts)
	total := 0
	skipped := 0
	for _, cand := range candidates {
		if len(selected) >= c.maxArtifacts {
			break
		}
		if total+cand.tokens > c.budget {
			skipped++
			continue
		}
		selected = append(selected, cand.art)
		total += cand.tokens
	}

	rationale := fmt.Sprintf("selected %d of %d artifacts (%d tokens of %d budget, %d keywords)",
		len(selected), len(index), total, c.budget, len(keywords))
	if skipped > 0 {
		rationale += fmt.Sprintf(", %d over budget", skipped)
	}
	c.logger.Debug("Curated context for goal %q: %s", goal, rationale)

	return cycle.SelectedContext{
		Artifacts:  selected,
		Rationale:  rationale,
		TokenCount: total,
	}, nil
}

// kindWeight biases selection toward the content the agent edits and the
// prompts that shape it, over loose notes and data blobs.
var kindWeight = map[artifact.Kind]float64{
	artifact.KindModule: 1.5,
	artifact.KindPrompt: 1.2,
	artifact.KindNote:   1.0,
	artifact.KindData:   0.8,
}

// scoreArtifact combines keyword overlap with a recency boost. Name hits
// weigh more than content hits, and content hits are capped per keyword
// so one repetitive artifact cannot swamp the ranking. Recency gives
// every artifact a nonzero floor, which keeps small fresh stores fully
// in context when the goal words miss them.
func scoreArtifact(art artifact.Artifact, keywords []string, now time.Time) float64 {
	lowerName := strings.ToLower(art.Name)
	lowerContent := strings.ToLower(art.Content)

	var keywordScore float64
	for _, kw := range keywords {
		if strings.Contains(lowerName, kw) {
			keywordScore += 3
		}
		hits := strings.Count(lowerContent, kw)
		if hits > 5 {
			hits = 5
		}
		keywordScore += float64(hits)
	}

	ageHours := now.Sub(art.UpdatedAt).Hours()
	if ageHours < 0 {
		ageHours = 0
	}
	recency := 2.0 / (1.0 + ageHours/24.0)

	weight, ok := kindWeight[art.Kind]
	if !ok {
		weight = 1.0
	}
	return keywordScore*weight + recency
}

// stopwords are goal words too common to discriminate between artifacts.
var stopwords = map[string]struct{}{
	"the": {}, "and": {}, "for": {}, "with": {}, "that": {}, "this": {},
	"from": {}, "into": {}, "are": {}, "was": {}, "has": {}, "have": {},
	"all": {}, "not": {}, "its": {}, "our": {}, "your": {}, "when": {},
	"then": {}, "than": {}, "them": {}, "should": {}, "would": {},
}

// extractKeywords lowercases the goal, splits on non-alphanumeric runs,
// and drops short words, stopwords, and duplicates. Order follows first
// appearance in the goal.
func extractKeywords(goal string) []string {
	fields := strings.FieldsFunc(strings.ToLower(goal), func(r rune) bool {
		return !(r >= 'a' && r <= 'z' || r >= '0' && r <= '9')
	})
	seen := make(map[string]struct{}, len(fields))
	keywords := make([]string, 0, len(fields))
	for _, f := range fields {
		if len(f) < 3 {
			continue
		}
		if _, stop := stopwords[f]; stop {
			continue
		}
		if _, dup := seen[f]; dup {
			continue
		}
		seen[f] = struct{}{}
		keywords = append(keywords, f)
	}
	return keywords
}
