// Package assembler packs project files into a bounded text payload for the
// pipeline's model calls. Output is deterministic: same inputs, same text.
package assembler

import (
	"fmt"
	"strings"
)

// Mode selects which files enter the context payload.
type Mode string

const (
	ModePromptOnly    Mode = "prompt_only"
	ModeActiveFile    Mode = "active_file"
	ModeSelectedFiles Mode = "selected_files"
	ModeFullProject   Mode = "full_project"
)

// MinBudget is the floor on the character budget regardless of what the
// caller asks for.
const MinBudget = 10000

const truncationMarker = "\n// ... TRUNCATED ...\n"

// File is one context file supplied by the caller.
type File struct {
	Path    string `json:"path"`
	Content string `json:"content"`
}

// Payload is the assembled context. FileMap always holds the full original
// contents, even for a file whose packed text was truncated, so later diffing
// sees what the caller actually has.
type Payload struct {
	AggregatedText string            `json:"aggregated_text"`
	Summary        string            `json:"summary"`
	FileMap        map[string]string `json:"-"`
	ActiveFilePath string            `json:"active_file_path,omitempty"`
	IncludedFiles  []string          `json:"included_files"`
	Truncated      bool              `json:"truncated"`
}

// EffectiveBudget applies the floor to a caller-supplied budget.
func EffectiveBudget(maxCharacters int) int {
	if maxCharacters < MinBudget {
		return MinBudget
	}
	return maxCharacters
}

// Assemble builds the bounded payload for a run. The active file always packs
// first; remaining files keep their supplied order, de-duplicated by path.
// Once a file fails to fit, nothing further is added.
func Assemble(mode Mode, files []File, activeFile *File, maxCharacters int) Payload {
	budget := EffectiveBudget(maxCharacters)

	payload := Payload{FileMap: make(map[string]string)}

	var warnings []string
	var ordered []File

	switch mode {
	case ModePromptOnly:
		// No file context at all.
	case ModeActiveFile:
		if activeFile != nil {
			ordered = []File{*activeFile}
			payload.ActiveFilePath = activeFile.Path
		} else {
			warnings = append(warnings, "Warning: active_file mode selected but no active file was provided.")
		}
	case ModeSelectedFiles, ModeFullProject:
		ordered = dedupe(files, activeFile)
		if activeFile != nil {
			payload.ActiveFilePath = activeFile.Path
		}
	default:
		warnings = append(warnings, fmt.Sprintf("Warning: unknown context mode %q, no files included.", mode))
	}

	var b strings.Builder
	remaining := budget
	supplied := len(ordered)

	for _, f := range ordered {
		header := fmt.Sprintf("// FILE: %s\n", f.Path)
		block := header + f.Content + "\n\n"

		if len(block) <= remaining {
			b.WriteString(block)
			remaining -= len(block)
			payload.FileMap[f.Path] = f.Content
			payload.IncludedFiles = append(payload.IncludedFiles, f.Path)
			continue
		}

		// The file does not fit whole. Pack what fits with a marker, then
		// stop; appending more files would reorder content around the cut.
		room := remaining - len(header) - len(truncationMarker)
		if room > 0 {
			b.WriteString(header)
			b.WriteString(f.Content[:min(room, len(f.Content))])
			b.WriteString(truncationMarker)
			payload.FileMap[f.Path] = f.Content
			payload.IncludedFiles = append(payload.IncludedFiles, f.Path)
		}
		payload.Truncated = true
		break
	}

	payload.AggregatedText = b.String()
	payload.Summary = buildSummary(mode, payload, supplied, warnings)
	return payload
}

func buildSummary(mode Mode, p Payload, supplied int, warnings []string) string {
	lines := []string{
		fmt.Sprintf("Context mode: %s", mode),
		fmt.Sprintf("Files included: %d of %d", len(p.IncludedFiles), supplied),
		fmt.Sprintf("Characters: %d", len(p.AggregatedText)),
	}
	if p.ActiveFilePath != "" {
		lines = append(lines, fmt.Sprintf("Active file: %s", p.ActiveFilePath))
	}
	if p.Truncated {
		lines = append(lines, "Content was truncated to fit the character budget.")
	}
	lines = append(lines, warnings...)
	return strings.Join(lines, "\n")
}

// dedupe keeps the first occurrence of each path, with the active file moved
// to the front.
func dedupe(files []File, activeFile *File) []File {
	seen := make(map[string]bool, len(files)+1)
	var out []File

	if activeFile != nil {
		out = append(out, *activeFile)
		seen[activeFile.Path] = true
	}
	for _, f := range files {
		if seen[f.Path] {
			continue
		}
		seen[f.Path] = true
		out = append(out, f)
	}
	return out
}
