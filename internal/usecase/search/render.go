package search

import (
	"context"
	"fmt"
	"strings"

	"go.uber.org/zap"

	"github.com/kailas-cloud/rulesearch/internal/domain"
)

// Agent-facing answer texts.
const (
	headerText    = "Here are the most relevant rules:\n\n"
	noMatchText   = "No matching rules found."
	errorPrefix   = "Error searching rules: "
	degradedNotes = "(Semantic search is unavailable; results are ranked by keyword match only.)\n\n"
)

// SearchRules answers query for a calling agent. It never fails: errors and
// panics are rendered into the returned text.
func (e *Engine) SearchRules(ctx context.Context, query string) (answer string) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("Panic while searching rules",
				zap.Any("panic", r),
				zap.Stack("stack"),
			)
			answer = errorPrefix + fmt.Sprint(r)
		}
	}()

	results, err := e.Search(ctx, query, e.cfg.DefaultK)
	if err != nil {
		e.logger.Error("Rule search failed", zap.String("query", query), zap.Error(err))
		return errorPrefix + err.Error()
	}
	return Render(results)
}

// Render formats results as numbered rules with their fused and
// per-ranking scores.
func Render(results []domain.RankedResult) string {
	if len(results) == 0 {
		return noMatchText
	}

	var b strings.Builder
	b.WriteString(headerText)
	if results[0].Degraded {
		b.WriteString(degradedNotes)
	}

	for i, r := range results {
		fmt.Fprintf(&b, "%d. %s\n", i+1, r.Text)

		semantic := "semantic: unavailable"
		if !r.Degraded {
			semantic = component("semantic", r.Semantic)
		}
		fmt.Fprintf(&b, "   (Score: %.3f; %s; %s)\n\n", r.FusedScore, component("lexical", r.Lexical), semantic)
	}
	return b.String()
}

func component(name string, c domain.Component) string {
	if !c.Present {
		return name + ": not ranked"
	}
	return fmt.Sprintf("%s: %.3f, rank %d", name, c.Score, c.Rank+1)
}
