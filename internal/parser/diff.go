package parser

import "strings"

// diffCellLimit bounds the LCS table; beyond it the diff degrades to a
// whole-file replacement rather than allocating gigabytes.
const diffCellLimit = 4_000_000

// DiffLines produces a line-level diff of two texts. Unchanged lines are
// prefixed "  ", removals "- ", additions "+ ". Identical inputs yield "".
func DiffLines(oldText, newText string) string {
	if oldText == newText {
		return ""
	}

	oldLines := strings.Split(oldText, "\n")
	newLines := strings.Split(newText, "\n")
	n, m := len(oldLines), len(newLines)

	if n*m > diffCellLimit {
		var b strings.Builder
		for _, l := range oldLines {
			b.WriteString("- " + l + "\n")
		}
		for _, l := range newLines {
			b.WriteString("+ " + l + "\n")
		}
		return strings.TrimSuffix(b.String(), "\n")
	}

	lcs := make([][]int, n+1)
	for i := range lcs {
		lcs[i] = make([]int, m+1)
	}
	for i := n - 1; i >= 0; i-- {
		for j := m - 1; j >= 0; j-- {
			switch {
			case oldLines[i] == newLines[j]:
				lcs[i][j] = lcs[i+1][j+1] + 1
			case lcs[i+1][j] >= lcs[i][j+1]:
				lcs[i][j] = lcs[i+1][j]
			default:
				lcs[i][j] = lcs[i][j+1]
			}
		}
	}

	out := make([]string, 0, n+m)
	i, j := 0, 0
	for i < n && j < m {
		switch {
		case oldLines[i] == newLines[j]:
			out = append(out, "  "+oldLines[i])
			i++
			j++
		case lcs[i+1][j] >= lcs[i][j+1]:
			out = append(out, "- "+oldLines[i])
			i++
		default:
			out = append(out, "+ "+newLines[j])
			j++
		}
	}
	for ; i < n; i++ {
		out = append(out, "- "+oldLines[i])
	}
	for ; j < m; j++ {
		out = append(out, "+ "+newLines[j])
	}

	return strings.Join(out, "\n")
}
