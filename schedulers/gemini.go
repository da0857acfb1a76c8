package schedulers

import "github.com/blueberrycongee/relaymux/pkg/account"

// GeminiSessionNamespace keys sticky mappings of the Gemini family.
const GeminiSessionNamespace = "unified_gemini_session_mapping"

// NewGemini creates the single-variant scheduler for Gemini accounts.
func NewGemini(dir account.Directory, store Store, cfg Config, opts ...Option) *Scheduler {
	return newScheduler(profile{
		family:    account.FamilyGemini,
		namespace: GeminiSessionNamespace,
		variants:  []account.Variant{account.VariantGemini},
		supports: func(_ account.Variant, acct *account.Account, model string) bool {
			return supportsListedModel(acct, model)
		},
	}, dir, store, cfg, opts...)
}
