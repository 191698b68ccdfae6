// Package parser turns raw model output into typed file changes. It degrades
// through three tiers rather than failing: strict token grammar, fenced
// code-block heuristics, then whole-output-as-one-file. The last tier means
// generated content is never silently dropped.
package parser

import (
	"fmt"
	"regexp"
	"sort"
	"strings"
)

// Tier names which fallback produced a Result.
type Tier string

const (
	TierGrammar     Tier = "token_grammar"
	TierFenced      Tier = "fenced_blocks"
	TierWholeOutput Tier = "whole_output"
)

// FileChange is one file-level edit proposed by the model.
type FileChange struct {
	Path            string `json:"path"`
	ChangeSummary   string `json:"change_summary"`
	UpdatedContent  string `json:"updated_content"`
	OriginalContent string `json:"original_content,omitempty"`
	Diff            string `json:"diff,omitempty"`
	IsNewFile       bool   `json:"is_new_file"`
}

// Result is the parsed output of a stage.
type Result struct {
	Summary string       `json:"summary"`
	Changes []FileChange `json:"changes"`
	Tier    Tier         `json:"parse_tier"`
}

const noChangesSummary = "No changes required."

var (
	summaryRe   = regexp.MustCompile(`(?s)<<SUMMARY>>\s*(.*?)\s*<<END_SUMMARY>>`)
	fileBlockRe = regexp.MustCompile(`(?s)<<FILE:\s*([^>]+?)\s*>>\s*(?:<<FILE_SUMMARY>>\s*(.*?)\s*<<END_FILE_SUMMARY>>\s*)?<<UPDATED_CONTENT>>\n?(.*?)<<END_UPDATED_CONTENT>>\s*<<END_FILE>>`)
)

var languageExtensions = map[string]string{
	"typescript": "ts", "ts": "ts", "tsx": "tsx",
	"javascript": "js", "js": "js", "jsx": "jsx",
	"python": "py", "py": "py",
	"go": "go", "golang": "go",
	"rust": "rs", "java": "java", "kotlin": "kt", "ruby": "rb", "php": "php",
	"c": "c", "cpp": "cpp", "csharp": "cs",
	"html": "html", "css": "css", "scss": "scss",
	"json": "json", "yaml": "yaml", "yml": "yaml", "toml": "toml",
	"sql": "sql", "bash": "sh", "sh": "sh", "shell": "sh",
	"markdown": "md", "md": "md",
}

// Parse extracts a summary and file changes from raw stage output.
// originals maps context file paths to their full contents; it drives both
// similarity matching and per-change diffs.
func Parse(rawOutput string, originals map[string]string) Result {
	summary := ""
	if m := summaryRe.FindStringSubmatch(rawOutput); m != nil {
		summary = m[1]
	}

	if strings.Contains(rawOutput, "<<NO_CHANGES>>") {
		if summary == "" {
			summary = noChangesSummary
		}
		return Result{Summary: summary, Changes: []FileChange{}, Tier: TierGrammar}
	}

	if blocks := fileBlockRe.FindAllStringSubmatch(rawOutput, -1); len(blocks) > 0 {
		changes := make([]FileChange, 0, len(blocks))
		for _, b := range blocks {
			changes = append(changes, finalize(b[1], b[2], strings.TrimRight(b[3], "\n"), originals))
		}
		return Result{Summary: summary, Changes: changes, Tier: TierGrammar}
	}

	if fenced := extractFencedBlocks(rawOutput); len(fenced) > 0 {
		return Result{
			Summary: summary,
			Changes: matchFencedBlocks(fenced, originals),
			Tier:    TierFenced,
		}
	}

	// Last resort: keep everything as one synthetic file.
	content := strings.TrimSpace(rawOutput)
	if summary == "" {
		summary = "Unstructured output captured as a single file."
	}
	change := finalize("generated_1.txt", "Model output captured verbatim.", content, originals)
	return Result{Summary: summary, Changes: []FileChange{change}, Tier: TierWholeOutput}
}

// finalize fills in newness, original content, and the line diff for a change.
func finalize(path, changeSummary, content string, originals map[string]string) FileChange {
	fc := FileChange{
		Path:           strings.TrimSpace(path),
		ChangeSummary:  strings.TrimSpace(changeSummary),
		UpdatedContent: content,
	}

	orig, existed := originals[fc.Path]
	if existed {
		fc.OriginalContent = orig
		fc.Diff = DiffLines(orig, content)
	} else {
		fc.IsNewFile = true
	}
	return fc
}

type fencedBlock struct {
	info    string
	content string
}

// extractFencedBlocks scans for ``` fences. An unterminated final fence still
// yields its buffered content.
func extractFencedBlocks(raw string) []fencedBlock {
	var blocks []fencedBlock
	var buf []string
	info := ""
	inBlock := false

	for _, line := range strings.Split(raw, "\n") {
		trimmed := strings.TrimSpace(line)
		if strings.HasPrefix(trimmed, "```") {
			if !inBlock {
				inBlock = true
				info = strings.TrimSpace(strings.TrimPrefix(trimmed, "```"))
				buf = nil
			} else {
				blocks = append(blocks, fencedBlock{info: info, content: strings.Join(buf, "\n")})
				inBlock = false
			}
			continue
		}
		if inBlock {
			buf = append(buf, line)
		}
	}
	if inBlock && len(buf) > 0 {
		blocks = append(blocks, fencedBlock{info: info, content: strings.Join(buf, "\n")})
	}
	return blocks
}

// matchFencedBlocks assigns each fenced block to a context file via an
// explicit hint or content similarity, falling back to a synthetic path with
// a monotonic counter.
func matchFencedBlocks(blocks []fencedBlock, originals map[string]string) []FileChange {
	changes := make([]FileChange, 0, len(blocks))
	counter := 0

	for _, b := range blocks {
		content := b.content

		path := pathFromInfo(b.info)
		if path == "" {
			path, content = pathHintFromContent(content)
		}

		if path != "" {
			changes = append(changes, finalize(path, "Extracted from a fenced code block with a filename hint.", content, originals))
			continue
		}

		if matched := matchBySimilarity(content, originals); matched != "" {
			changes = append(changes, finalize(matched, "Matched to an existing file by content similarity.", content, originals))
			continue
		}

		counter++
		synthetic := fmt.Sprintf("generated_%d.%s", counter, extensionForLanguage(b.info))
		changes = append(changes, finalize(synthetic, "Unmatched fenced code block.", content, originals))
	}
	return changes
}

// pathFromInfo treats a fence info string as a path when it looks like one
// ("```src/api/routes.ts"); a bare language name is not a path.
func pathFromInfo(info string) string {
	for _, field := range strings.Fields(info) {
		if looksLikePath(field) {
			return field
		}
	}
	return ""
}

// pathHintFromContent checks the first line of a block for a filename
// comment. Explicit "File:" markers and bare path comments are both
// recognized; the hint line is dropped from the content.
func pathHintFromContent(content string) (string, string) {
	first, rest, _ := strings.Cut(content, "\n")
	trimmed := strings.TrimSpace(first)
	lower := strings.ToLower(trimmed)

	for _, prefix := range []string{"// file:", "# file:", "/* file:", "<!-- file:", "-- file:"} {
		if strings.HasPrefix(lower, prefix) {
			path := strings.TrimSpace(trimmed[len(prefix):])
			path = strings.TrimSuffix(path, "*/")
			path = strings.TrimSuffix(path, "-->")
			path = strings.TrimSpace(path)
			if path != "" {
				return path, rest
			}
		}
	}

	for _, prefix := range []string{"//", "#"} {
		if strings.HasPrefix(trimmed, prefix) {
			candidate := strings.TrimSpace(strings.TrimPrefix(trimmed, prefix))
			if looksLikePath(candidate) && !strings.ContainsAny(candidate, " \t") {
				return candidate, rest
			}
		}
	}

	return "", content
}

func looksLikePath(s string) bool {
	if s == "" || strings.HasPrefix(s, "http://") || strings.HasPrefix(s, "https://") {
		return false
	}
	if strings.Contains(s, "/") && !strings.HasPrefix(s, "/*") {
		return true
	}
	dot := strings.LastIndex(s, ".")
	if dot <= 0 || dot == len(s)-1 {
		return false
	}
	ext := strings.ToLower(s[dot+1:])
	for _, known := range languageExtensions {
		if ext == known {
			return true
		}
	}
	return ext == "tsx" || ext == "jsx" || ext == "txt"
}

// matchBySimilarity finds the context file sharing at least 3 non-trivial
// lines with the block, judged against the file's first 10 lines. Paths are
// walked in sorted order so ties resolve deterministically.
func matchBySimilarity(content string, originals map[string]string) string {
	if len(originals) == 0 {
		return ""
	}

	blockLines := make(map[string]bool)
	for _, line := range strings.Split(content, "\n") {
		if t := strings.TrimSpace(line); len(t) > 3 {
			blockLines[t] = true
		}
	}

	paths := make([]string, 0, len(originals))
	for p := range originals {
		paths = append(paths, p)
	}
	sort.Strings(paths)

	bestPath, bestCount := "", 0
	for _, path := range paths {
		head := strings.Split(originals[path], "\n")
		if len(head) > 10 {
			head = head[:10]
		}
		count := 0
		for _, line := range head {
			if t := strings.TrimSpace(line); len(t) > 3 && blockLines[t] {
				count++
			}
		}
		if count > bestCount {
			bestCount, bestPath = count, path
		}
	}

	if bestCount >= 3 {
		return bestPath
	}
	return ""
}

func extensionForLanguage(info string) string {
	lang := strings.ToLower(strings.TrimSpace(info))
	if fields := strings.Fields(lang); len(fields) > 0 {
		lang = fields[0]
	}
	if ext, ok := languageExtensions[lang]; ok {
		return ext
	}
	return "txt"
}
