package schedulers

import (
	"github.com/blueberrycongee/relaymux/pkg/account"
	"github.com/blueberrycongee/relaymux/pkg/types"
)

const (
	// ClaudeSessionNamespace keys sticky mappings of the Claude family.
	ClaudeSessionNamespace = "unified_claude_session_mapping"

	// DefaultClaudeModel is assumed when a request names no model.
	DefaultClaudeModel = "claude-3-5-sonnet-20241022"
)

// claudeVariantOrder is the fixed preference order across Claude variants.
var claudeVariantOrder = []account.Variant{
	account.VariantClaudeOfficial,
	account.VariantClaudeConsole,
	account.VariantBedrock,
	account.VariantCCR,
}

// NewClaude creates the scheduler for the Claude family: official, console,
// Bedrock and CCR accounts. A "ccr:" model prefix moves CCR to the front.
func NewClaude(dir account.Directory, store Store, cfg Config, opts ...Option) *Scheduler {
	return newScheduler(profile{
		family:        account.FamilyClaude,
		namespace:     ClaudeSessionNamespace,
		variants:      claudeVariantOrder,
		defaultModel:  DefaultClaudeModel,
		supports:      claudeSupports,
		forcedVariant: claudeForcedVariant,
	}, dir, store, cfg, opts...)
}

func claudeForcedVariant(vendor string) (account.Variant, bool) {
	switch vendor {
	case "ccr":
		return account.VariantCCR, true
	case "bedrock":
		return account.VariantBedrock, true
	}
	return "", false
}

// claudeSupports applies subscription gating to official accounts and the
// allow list to everything else.
func claudeSupports(v account.Variant, acct *account.Account, model string) bool {
	if v == account.VariantClaudeOfficial {
		if !types.IsClaudeModel(model) {
			return false
		}
		// Pro without Max cannot serve Opus.
		if types.IsOpusModel(model) && acct.Subscription.HasClaudePro && !acct.Subscription.HasClaudeMax {
			return false
		}
	}
	return supportsListedModel(acct, model)
}
