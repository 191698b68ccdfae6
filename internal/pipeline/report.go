package pipeline

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"
)

// transcriptCap bounds each stage input/output excerpt in the report.
const transcriptCap = 1200

// NeutralScore is reported when the validator output carries no
// parseable score.
const NeutralScore = 70

// findingsCap bounds each derived findings list.
const findingsCap = 10

var scoreRe = regexp.MustCompile(`(?i)quality\s+score:?\s*(\d{1,3})`)

// extractQualityScore pulls the validator's numeric verdict out of its
// free-text output. Absent or malformed scores read as NeutralScore.
func extractQualityScore(text string) int {
	m := scoreRe.FindStringSubmatch(text)
	if m == nil {
		return NeutralScore
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return NeutralScore
	}
	if n > 100 {
		return 100
	}
	return n
}

// isApproved reports whether reviewer output begins with the approval
// marker, case-insensitively.
func isApproved(text string) bool {
	t := strings.TrimSpace(text)
	return len(t) >= 8 && strings.EqualFold(t[:8], "APPROVED")
}

// truncateTranscript caps a transcript excerpt, appending an explicit
// notice of how much was cut.
func truncateTranscript(s string) string {
	if len(s) <= transcriptCap {
		return s
	}
	return fmt.Sprintf("%s\n... [%d characters truncated]", s[:transcriptCap], len(s)-transcriptCap)
}

// deriveFindings scans reviewer feedback, validator output, and the
// known-issue snapshot for bullet lines describing gaps and suggested
// improvements. Classification is keyword-based; explicit "Missing:"
// and "Improve:" prefixes win over keywords.
func deriveFindings(texts ...string) (missing, improvements []string) {
	seen := make(map[string]bool)
	add := func(list *[]string, item string) {
		item = strings.TrimSpace(item)
		if item == "" || seen[strings.ToLower(item)] || len(*list) >= findingsCap {
			return
		}
		seen[strings.ToLower(item)] = true
		*list = append(*list, item)
	}

	for _, text := range texts {
		for _, line := range strings.Split(text, "\n") {
			item, ok := bulletText(line)
			if !ok {
				continue
			}
			lower := strings.ToLower(item)
			switch {
			case strings.HasPrefix(lower, "missing:"):
				add(&missing, item[len("missing:"):])
			case strings.HasPrefix(lower, "improve:"):
				add(&improvements, item[len("improve:"):])
			case containsAny(lower, "missing", "not implemented", "unimplemented", "lacks", "no support for"):
				add(&missing, item)
			case containsAny(lower, "improve", "consider", "recommend", "should", "could be"):
				add(&improvements, item)
			}
		}
	}
	return missing, improvements
}

// bulletText strips a leading list marker and returns the item text.
func bulletText(line string) (string, bool) {
	t := strings.TrimSpace(line)
	for _, prefix := range []string{"- ", "* ", "• "} {
		if strings.HasPrefix(t, prefix) {
			return strings.TrimSpace(t[len(prefix):]), true
		}
	}
	// Numbered items: "1. do the thing"
	if i := strings.Index(t, ". "); i > 0 && i <= 3 {
		if _, err := strconv.Atoi(t[:i]); err == nil {
			return strings.TrimSpace(t[i+2:]), true
		}
	}
	return "", false
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}

// buildReport renders the human-readable run report: analysis summary,
// every quality attempt, the hardened and validated outputs, derived
// findings, and per-stage transcripts with truncation notices.
func buildReport(res *Result, req RunRequest, contextSummary string) string {
	var b strings.Builder

	b.WriteString("# Pipeline Report\n\n")
	fmt.Fprintf(&b, "Run: %s\n", res.RunID)
	if res.Success {
		fmt.Fprintf(&b, "Status: success\n")
	} else {
		fmt.Fprintf(&b, "Status: failed (%s)\n", res.FailureType)
	}
	fmt.Fprintf(&b, "Quality score: %d\n", res.QualityScore)
	if res.Error != "" {
		fmt.Fprintf(&b, "Error: %s\n", res.Error)
	}

	if contextSummary != "" {
		b.WriteString("\n## Context\n")
		b.WriteString(contextSummary)
		if !strings.HasSuffix(contextSummary, "\n") {
			b.WriteString("\n")
		}
	}

	if analysis := stageOutput(res.Stages, RoleAnalyzer); analysis != "" {
		b.WriteString("\n## Analysis\n")
		b.WriteString(truncateTranscript(analysis))
		b.WriteString("\n")
	}

	if len(res.QualityAttempts) > 0 {
		b.WriteString("\n## Quality Gate\n")
		for _, a := range res.QualityAttempts {
			fmt.Fprintf(&b, "\n### Attempt %d: %s\n", a.Attempt, a.Status)
			fmt.Fprintf(&b, "Generator: %s, reviewer: %s\n", a.GeneratorModel, a.QualityModel)
			if a.ReviewerFeedback != "" {
				b.WriteString("Feedback:\n")
				b.WriteString(truncateTranscript(a.ReviewerFeedback))
				b.WriteString("\n")
			}
		}
	}

	if len(res.FileChanges) > 0 {
		b.WriteString("\n## File Changes\n")
		for _, c := range res.FileChanges {
			marker := ""
			if c.IsNewFile {
				marker = " (new file)"
			}
			fmt.Fprintf(&b, "- %s%s", c.Path, marker)
			if c.ChangeSummary != "" {
				fmt.Fprintf(&b, ": %s", c.ChangeSummary)
			}
			b.WriteString("\n")
		}
	}

	if validation := stageOutput(res.Stages, RoleValidator); validation != "" {
		b.WriteString("\n## Validation\n")
		b.WriteString(truncateTranscript(validation))
		b.WriteString("\n")
	}

	if len(res.Warnings) > 0 {
		b.WriteString("\n## Warnings\n")
		for _, w := range res.Warnings {
			fmt.Fprintf(&b, "- %s\n", w)
		}
	}

	missing, improvements := deriveFindings(
		lastFeedback(res.QualityAttempts),
		stageOutput(res.Stages, RoleValidator),
		req.KnownIssues,
	)
	b.WriteString("\n## Missing Features\n")
	if len(missing) == 0 {
		b.WriteString("None identified.\n")
	}
	for _, m := range missing {
		fmt.Fprintf(&b, "- %s\n", m)
	}
	b.WriteString("\n## Recommended Improvements\n")
	if len(improvements) == 0 {
		b.WriteString("None identified.\n")
	}
	for _, m := range improvements {
		fmt.Fprintf(&b, "- %s\n", m)
	}

	b.WriteString("\n## Stage Transcripts\n")
	for _, st := range res.Stages {
		fmt.Fprintf(&b, "\n### %d. %s (%s%s)\n", st.ID, st.Name, st.Status, stageDurationSuffix(st))
		if st.ModelUsed != "" {
			fmt.Fprintf(&b, "Model: %s\n", st.ModelUsed)
		}
		if st.Error != "" {
			fmt.Fprintf(&b, "Error: %s\n", st.Error)
		}
		if st.Input != "" {
			b.WriteString("Input:\n")
			b.WriteString(truncateTranscript(st.Input))
			b.WriteString("\n")
		}
		if st.Output != "" {
			b.WriteString("Output:\n")
			b.WriteString(truncateTranscript(st.Output))
			b.WriteString("\n")
		}
	}

	return b.String()
}

func stageOutput(stages []*Stage, role AgentRole) string {
	for _, st := range stages {
		if st.Agent.Role == role {
			return st.Output
		}
	}
	return ""
}

func lastFeedback(attempts []QualityAttempt) string {
	if len(attempts) == 0 {
		return ""
	}
	return attempts[len(attempts)-1].ReviewerFeedback
}

func stageDurationSuffix(st *Stage) string {
	if st.StartTime == nil || st.EndTime == nil {
		return ""
	}
	return ", " + st.EndTime.Sub(*st.StartTime).Round(time.Millisecond).String()
}
