package schedulers

import (
	"crypto/sha256"
	"encoding/hex"
	"strings"

	"github.com/google/uuid"

	"github.com/blueberrycongee/relaymux/pkg/types"
)

const sessionHashLen = 32

// SessionHash derives the sticky session key of a request. Sources, in order:
//
//  1. a session_<uuid> marker in metadata.user_id (the uuid is used as is)
//  2. text carrying an ephemeral cache_control breakpoint
//  3. the system prompt
//  4. the first message
//
// It returns "" when none of them yields content.
func SessionHash(req *types.Request) string {
	if req == nil {
		return ""
	}
	if req.Metadata != nil {
		if id := extractSessionID(req.Metadata.UserID); id != "" {
			return id
		}
	}

	if cacheable := cacheableContent(req); cacheable != "" {
		return hashText(cacheable)
	}

	if sys := types.Text(req.System); sys != "" {
		return hashText(sys)
	}

	if len(req.Messages) > 0 {
		if first := types.Text(req.Messages[0].Content); first != "" {
			return hashText(first)
		}
	}
	return ""
}

func extractSessionID(userID string) string {
	idx := strings.Index(userID, "session_")
	if idx < 0 {
		return ""
	}
	rest := userID[idx+len("session_"):]
	if len(rest) < 36 {
		return ""
	}
	candidate := rest[:36]
	if _, err := uuid.Parse(candidate); err != nil {
		return ""
	}
	return candidate
}

// cacheableContent concatenates ephemeral system blocks and, when any message
// carries a breakpoint, the text of the first message.
func cacheableContent(req *types.Request) string {
	var b strings.Builder
	for _, block := range types.Blocks(req.System) {
		if isEphemeral(block) {
			b.WriteString(block.Text)
		}
	}

	for _, msg := range req.Messages {
		if !hasEphemeralBlock(msg) {
			continue
		}
		for _, m := range req.Messages {
			if text := types.Text(m.Content); text != "" {
				b.WriteString(text)
				break
			}
		}
		break
	}
	return b.String()
}

func hasEphemeralBlock(msg types.Message) bool {
	for _, block := range types.Blocks(msg.Content) {
		if isEphemeral(block) {
			return true
		}
	}
	return false
}

func isEphemeral(block types.ContentBlock) bool {
	return block.CacheControl != nil && block.CacheControl.Type == "ephemeral"
}

func hashText(s string) string {
	sum := sha256.Sum256([]byte(s))
	return hex.EncodeToString(sum[:])[:sessionHashLen]
}
