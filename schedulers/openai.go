package schedulers

import "github.com/blueberrycongee/relaymux/pkg/account"

// OpenAISessionNamespace keys sticky mappings of the OpenAI family.
const OpenAISessionNamespace = "unified_openai_session_mapping"

// NewOpenAI creates the scheduler for OpenAI-compatible accounts. Azure
// deployments follow plain OpenAI accounts; an "azure:" prefix forces them first.
func NewOpenAI(dir account.Directory, store Store, cfg Config, opts ...Option) *Scheduler {
	return newScheduler(profile{
		family:    account.FamilyOpenAI,
		namespace: OpenAISessionNamespace,
		variants:  []account.Variant{account.VariantOpenAI, account.VariantAzure},
		supports: func(_ account.Variant, acct *account.Account, model string) bool {
			return supportsListedModel(acct, model)
		},
		forcedVariant: func(vendor string) (account.Variant, bool) {
			if vendor == "azure" {
				return account.VariantAzure, true
			}
			return "", false
		},
	}, dir, store, cfg, opts...)
}
