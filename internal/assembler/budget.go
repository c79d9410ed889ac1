package assembler

import (
	"strings"
	"unicode/utf8"

	"loom/internal/task"
)

// budgetSpec is the resolved budget for one assembly. Zero or negative
// caps are inactive.
type budgetSpec struct {
	maxChars int
	perMax   int
	strategy string
}

func (s budgetSpec) active() bool { return s.maxChars > 0 || s.perMax > 0 }

const sentenceBoundaries = ".!?。！？\n"

// Truncation reasons recorded per section.
const (
	ReasonNone       = "none"
	ReasonPerSection = "per_section"
	ReasonTotal      = "total"
	ReasonBoth       = "both"
)

// applyBudget cuts non-pinned sections to the budget in priority order,
// attaching a budget record to each. Pinned sections are never trimmed
// and never consume the total. Returns nil when no cap is active.
func applyBudget(sections task.SectionList, spec budgetSpec) *BudgetInfo {
	if !spec.active() {
		return nil
	}
	info := &BudgetInfo{
		MaxChars:      spec.maxChars,
		PerSectionMax: spec.perMax,
		Strategy:      spec.strategy,
	}

	remaining := spec.maxChars
	for i := range sections {
		s := &sections[i]
		length := utf8.RuneCountInString(s.Content)
		info.OriginalChars += length
		if s.Pinned {
			info.PinnedChars += length
			info.FinalChars += length
			continue
		}

		budget := &task.SectionBudget{
			OriginalLen: length,
			Strategy:    spec.strategy,
		}
		allowed := length
		if spec.perMax > 0 {
			budget.AllowedByPerSection = spec.perMax
			if spec.perMax < allowed {
				allowed = spec.perMax
			}
		}
		if spec.maxChars > 0 {
			budget.AllowedByTotal = remaining
			if remaining < allowed {
				allowed = remaining
			}
		}
		budget.Allowed = allowed

		if allowed < length {
			s.Content = summarize(s.Content, allowed, spec.strategy)
		}
		newLen := utf8.RuneCountInString(s.Content)
		budget.NewLen = newLen
		budget.Truncated = newLen < length
		budget.TruncatedReason = truncatedReason(budget.Truncated,
			spec.perMax > 0 && allowed == spec.perMax,
			spec.maxChars > 0 && allowed == remaining)
		if budget.Truncated {
			info.SectionsTrimmed++
		}
		if spec.maxChars > 0 {
			remaining -= newLen
		}
		info.FinalChars += newLen
		s.Budget = budget
	}
	return info
}

func truncatedReason(truncated, perBinds, totalBinds bool) string {
	switch {
	case !truncated:
		return ReasonNone
	case perBinds && totalBinds:
		return ReasonBoth
	case perBinds:
		return ReasonPerSection
	case totalBinds:
		return ReasonTotal
	default:
		return ReasonNone
	}
}

// summarize cuts content to at most max runes. The sentence strategy
// backs up to the last sentence boundary within the cap when one exists;
// otherwise, and for truncate, the cut is raw.
func summarize(content string, max int, strategy string) string {
	if max <= 0 {
		return ""
	}
	runes := []rune(content)
	if len(runes) <= max {
		return content
	}
	if strategy == StrategySentence {
		if cut := lastBoundary(runes[:max]); cut > 0 {
			return string(runes[:cut])
		}
	}
	return string(runes[:max])
}

func lastBoundary(runes []rune) int {
	for i := len(runes) - 1; i >= 0; i-- {
		if strings.ContainsRune(sentenceBoundaries, runes[i]) {
			return i + 1
		}
	}
	return 0
}
