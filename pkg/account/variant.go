package account

// Variant is the account kind a scheduler selected within a provider family.
type Variant string

const (
	VariantClaudeOfficial Variant = "claude-official"
	VariantClaudeConsole  Variant = "claude-console"
	VariantBedrock        Variant = "bedrock"
	VariantCCR            Variant = "ccr"
	VariantGemini         Variant = "gemini"
	VariantOpenAI         Variant = "openai"
	VariantAzure          Variant = "azure"
)

// Platform returns the directory platform that stores accounts of this variant.
func (v Variant) Platform() Platform {
	switch v {
	case VariantClaudeOfficial:
		return PlatformClaudeOfficial
	case VariantClaudeConsole:
		return PlatformClaudeConsole
	case VariantBedrock:
		return PlatformBedrock
	case VariantCCR:
		return PlatformCCR
	case VariantGemini:
		return PlatformGemini
	case VariantOpenAI:
		return PlatformOpenAI
	case VariantAzure:
		return PlatformAzure
	}
	return Platform(v)
}

// VariantOf maps a platform to its variant.
func VariantOf(p Platform) Variant {
	return Variant(p)
}

// Family groups variants served by one unified scheduler.
type Family string

const (
	FamilyClaude Family = "claude"
	FamilyGemini Family = "gemini"
	FamilyOpenAI Family = "openai"
)

// SelectedAccount is the ephemeral result of a scheduling decision.
type SelectedAccount struct {
	AccountID string
	Variant   Variant
	Account   *Account
}

// SessionMapping binds a session hash to an account.
type SessionMapping struct {
	AccountID string   `json:"account_id"`
	Variant   Variant  `json:"account_variant"`
	Platform  Platform `json:"platform"`
	CreatedAt int64    `json:"created_at"`
	ExpiresAt int64    `json:"expires_at"`
}
