package provider

// ModelInfo describes a known model, grounded in unifiedllm/catalog.go's
// ModelInfo, trimmed to the fields this engine's single canonical adapter
// actually uses (no multi-provider Provider field needed).
type ModelInfo struct {
	ID                   string
	DisplayName          string
	ContextWindow         int
	MaxOutputTokens       int
	SupportsTools         bool
	SupportsVision        bool
	SupportsReasoning     bool
	InputCostPerMillion   float64
	OutputCostPerMillion  float64
	CacheReadCostPerMillion float64
	Aliases               []string
}

// Models is the built-in catalog for the canonical Anthropic-shaped
// adapter this engine targets.
var Models = []ModelInfo{
	{
		ID: "claude-opus-4-6", DisplayName: "Claude Opus 4.6",
		ContextWindow: 200_000, MaxOutputTokens: 32_768,
		SupportsTools: true, SupportsVision: true, SupportsReasoning: true,
		InputCostPerMillion: 15.0, OutputCostPerMillion: 75.0, CacheReadCostPerMillion: 1.5,
		Aliases: []string{"opus", "claude-opus"},
	},
	{
		ID: "claude-sonnet-4-5", DisplayName: "Claude Sonnet 4.5",
		ContextWindow: 200_000, MaxOutputTokens: 16_384,
		SupportsTools: true, SupportsVision: true, SupportsReasoning: true,
		InputCostPerMillion: 3.0, OutputCostPerMillion: 15.0, CacheReadCostPerMillion: 0.3,
		Aliases: []string{"sonnet", "claude-sonnet"},
	},
	{
		ID: "claude-haiku-4-5", DisplayName: "Claude Haiku 4.5",
		ContextWindow: 200_000, MaxOutputTokens: 8_192,
		SupportsTools: true, SupportsVision: true, SupportsReasoning: false,
		InputCostPerMillion: 0.8, OutputCostPerMillion: 4.0, CacheReadCostPerMillion: 0.08,
		Aliases: []string{"haiku", "claude-haiku"},
	},
}

// GetModelInfo looks up a model by ID or alias.
func GetModelInfo(idOrAlias string) *ModelInfo {
	for i := range Models {
		m := &Models[i]
		if m.ID == idOrAlias {
			return m
		}
		for _, alias := range m.Aliases {
			if alias == idOrAlias {
				return m
			}
		}
	}
	return nil
}

// ListModels returns every known model.
func ListModels() []ModelInfo {
	return Models
}
