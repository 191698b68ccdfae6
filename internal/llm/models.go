package llm

// Model cost tiers
const (
	TierCheap    = "cheap"
	TierStandard = "standard"
	TierPremium  = "premium"
)

// DefaultModel is the workhorse model new agent configs start with.
const DefaultModel = "gemini-2.0-flash-exp"

// ModelInfo describes a known model's cost/speed profile.
type ModelInfo struct {
	ID       string `json:"id"`
	Name     string `json:"name"`
	CostTier string `json:"cost_tier"`
	Speed    string `json:"speed"`
}

// catalog of models the pipeline knows how to pick between. Order within a
// tier matters: earlier entries are preferred fallbacks.
var catalog = []ModelInfo{
	{ID: "gemini-2.0-flash-exp", Name: "Gemini 2.0 Flash", CostTier: TierCheap, Speed: "fast"},
	{ID: "gemini-1.5-flash", Name: "Gemini 1.5 Flash", CostTier: TierCheap, Speed: "fast"},
	{ID: "gemini-1.5-pro", Name: "Gemini 1.5 Pro", CostTier: TierPremium, Speed: "medium"},
}

// KnownModels returns the model catalog.
func KnownModels() []ModelInfo {
	out := make([]ModelInfo, len(catalog))
	copy(out, catalog)
	return out
}

// IsCheap reports whether a model belongs to the cheap tier. Unknown models
// are treated as not cheap.
func IsCheap(model string) bool {
	for _, m := range catalog {
		if m.ID == model {
			return m.CostTier == TierCheap
		}
	}
	return false
}

// CheapestModel returns the first cheap-tier model in the catalog.
func CheapestModel() string {
	for _, m := range catalog {
		if m.CostTier == TierCheap {
			return m.ID
		}
	}
	return DefaultModel
}

// CandidateModels builds the ordered model list a stage execution walks
// through: the configured model first, then up to two known-good fallbacks.
// Under degraded mode the cheapest model leads so a struggling quota buys the
// most completions.
func CandidateModels(configured string, degraded bool) []string {
	if configured == "" {
		configured = DefaultModel
	}

	var order []string
	if degraded && !IsCheap(configured) {
		order = append(order, CheapestModel(), configured)
	} else {
		order = append(order, configured)
	}
	for _, m := range catalog {
		if m.CostTier == TierCheap {
			order = append(order, m.ID)
		}
	}

	// De-duplicate preserving order, cap at three candidates
	seen := make(map[string]bool, len(order))
	var out []string
	for _, id := range order {
		if seen[id] {
			continue
		}
		seen[id] = true
		out = append(out, id)
		if len(out) == 3 {
			break
		}
	}
	return out
}
