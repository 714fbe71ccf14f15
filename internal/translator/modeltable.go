package translator

import (
	"strings"

	"all2api-go/internal/models"
)

// Per-provider model tables. Keys are the downstream names we accept;
// values are the upstream identifiers. Unknown models fall back to the
// provider default so a stray alias degrades instead of failing.
var kiroModels = map[string]string{
	"claude-sonnet-4-20250514":   "CLAUDE_SONNET_4_20250514_V1_0",
	"claude-sonnet-4-5-20250929": "CLAUDE_SONNET_4_5_20250929_V1_0",
	"claude-3-7-sonnet-20250219": "CLAUDE_3_7_SONNET_20250219_V1_0",
	"claude-3-5-haiku-20241022":  "CLAUDE_3_5_HAIKU_20241022_V1_0",
}

const kiroDefaultModel = "claude-sonnet-4-20250514"

var antigravityModels = map[string]string{
	"gemini-2.5-pro":        "gemini-2.5-pro",
	"gemini-2.5-flash":      "gemini-2.5-flash",
	"gemini-2.5-flash-lite": "gemini-2.5-flash-lite",
	"gemini-3-pro-preview":  "gemini-3-pro-preview",
}

const antigravityDefaultModel = "gemini-2.5-pro"

var orchidsModels = map[string]string{
	"claude-sonnet-4-5":        "claude-sonnet-4-5",
	"claude-opus-4-1-20250805": "claude-opus-4-1",
	"claude-haiku-4-5":         "claude-haiku-4-5",
}

const orchidsDefaultModel = "claude-sonnet-4-5"

var agentModels = map[string]string{
	"claude-sonnet-4-agent": "claude-4-sonnet",
	"claude-opus-4-agent":   "claude-4-opus",
	"auto":                  "auto",
}

const agentDefaultModel = "auto"

// UpstreamModel resolves a downstream model name for one provider,
// defaulting when unknown.
func UpstreamModel(kind models.ProviderKind, model string) string {
	table, def := tableAndDefault(kind)
	if mapped, ok := table[model]; ok {
		return mapped
	}
	// Accept upstream identifiers verbatim (bidirectional aliases).
	for _, v := range table {
		if v == model {
			return model
		}
	}
	return table[def]
}

// DownstreamModel maps an upstream identifier back to the downstream name.
func DownstreamModel(kind models.ProviderKind, upstream string) string {
	table, def := tableAndDefault(kind)
	for name, v := range table {
		if v == upstream {
			return name
		}
	}
	return def
}

// DefaultModel returns the provider's downstream default model name.
func DefaultModel(kind models.ProviderKind) string {
	_, def := tableAndDefault(kind)
	return def
}

func tableAndDefault(kind models.ProviderKind) (map[string]string, string) {
	switch kind {
	case models.ProviderAntigravity:
		return antigravityModels, antigravityDefaultModel
	case models.ProviderOrchids:
		return orchidsModels, orchidsDefaultModel
	case models.ProviderAgent:
		return agentModels, agentDefaultModel
	default:
		return kiroModels, kiroDefaultModel
	}
}

// RouteByModel implements the model-name leg of provider routing: gemini*
// goes to the Gemini provider, models in the WebSocket provider's table go
// there, models in the agent table other than "auto" go to the agent
// provider, everything else defaults to kiro.
func RouteByModel(model string) models.ProviderKind {
	if strings.HasPrefix(model, "gemini") {
		return models.ProviderAntigravity
	}
	if _, ok := orchidsModels[model]; ok {
		return models.ProviderOrchids
	}
	if _, ok := agentModels[model]; ok && model != "auto" {
		return models.ProviderAgent
	}
	return models.ProviderKiro
}

// ListedModels returns every downstream model name for /v1/models.
func ListedModels() []string {
	var out []string
	for _, table := range []map[string]string{kiroModels, antigravityModels, orchidsModels, agentModels} {
		for name := range table {
			out = append(out, name)
		}
	}
	return out
}
