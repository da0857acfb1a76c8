package types

import (
	"fmt"
	"strings"
)

const MaxModelNameLength = 256

// ValidateModelName checks that a model name is within acceptable bounds.
func ValidateModelName(model string) error {
	if len(model) > MaxModelNameLength {
		return fmt.Errorf("model is too long (max %d characters)", MaxModelNameLength)
	}
	return nil
}

// KnownVendors are the prefixes accepted in "vendor:model" names.
var KnownVendors = []string{"ccr", "bedrock", "azure", "custom"}

// SplitVendorModel splits "ccr:claude-3-5-sonnet" style names.
// Returns ("", model) when no known vendor prefix is present.
func SplitVendorModel(model string) (vendor string, modelName string) {
	model = strings.TrimSpace(model)
	idx := strings.Index(model, ":")
	if idx <= 0 {
		return "", model
	}
	prefix := model[:idx]
	for _, v := range KnownVendors {
		if prefix == v {
			return v, model[idx+1:]
		}
	}
	return "", model
}

var bedrockRegionPrefixes = []string{"us.", "eu.", "apac.", "ap-", "ca-"}

// StripRegionPrefix removes a Bedrock cross-region inference prefix.
func StripRegionPrefix(model string) string {
	for _, p := range bedrockRegionPrefixes {
		if strings.HasPrefix(model, p) {
			return model[len(p):]
		}
	}
	return model
}

// IsClaudeModel reports whether model names a Claude model family.
func IsClaudeModel(model string) bool {
	lower := strings.ToLower(model)
	return strings.Contains(lower, "claude") ||
		strings.Contains(lower, "sonnet") ||
		strings.Contains(lower, "opus") ||
		strings.Contains(lower, "haiku")
}

// IsOpusModel reports whether model is Opus-class.
func IsOpusModel(model string) bool {
	return strings.Contains(strings.ToLower(model), "opus")
}

// IsHaikuModel reports whether model is Haiku-class.
func IsHaikuModel(model string) bool {
	return strings.Contains(strings.ToLower(model), "haiku")
}
