package moderation

import (
	"context"
	"regexp"
	"strings"

	"github.com/mentormesh/core/pkg/models"
)

// blockedPhrases are never delivered.
var blockedPhrases = []string{
	"kill yourself",
	"kys",
	"fuck you",
	"go die",
}

// steeringTerms signal attempts to move payment or contact off the
// platform; matching messages are delivered flagged for review.
var steeringTerms = []string{
	"venmo",
	"paypal",
	"cashapp",
	"zelle",
	"whatsapp",
	"telegram",
	"pay me directly",
	"off the platform",
}

// contactPatterns catch raw contact details in message bodies.
var contactPatterns = []*regexp.Regexp{
	regexp.MustCompile(`[\w.+-]+@[\w-]+\.[\w.-]+`), // email address
	regexp.MustCompile(`\+?\d[\d\s().-]{7,}\d`),    // phone number
	regexp.MustCompile(`(?i)https?://[^\s]+`),      // link
}

// Rules is the local moderation fallback. Stateless and safe for
// concurrent use.
type Rules struct{}

// NewRules returns the rule-based moderator.
func NewRules() *Rules { return &Rules{} }

// ModerateText applies the static rule set: blocked phrases win over
// flags, anything else is approved.
func (r *Rules) ModerateText(_ context.Context, body string) (models.ModerationStatus, error) {
	lowered := strings.ToLower(body)

	for _, phrase := range blockedPhrases {
		if containsWord(lowered, phrase) {
			return models.ModerationBlocked, nil
		}
	}
	for _, term := range steeringTerms {
		if containsWord(lowered, term) {
			return models.ModerationFlagged, nil
		}
	}
	for _, pattern := range contactPatterns {
		if pattern.MatchString(body) {
			return models.ModerationFlagged, nil
		}
	}
	return models.ModerationApproved, nil
}

// containsWord matches phrase at word boundaries so "skys" does not
// trip "kys".
func containsWord(body, phrase string) bool {
	idx := 0
	for {
		i := strings.Index(body[idx:], phrase)
		if i < 0 {
			return false
		}
		start := idx + i
		end := start + len(phrase)
		beforeOK := start == 0 || !isWordByte(body[start-1])
		afterOK := end == len(body) || !isWordByte(body[end])
		if beforeOK && afterOK {
			return true
		}
		idx = start + 1
	}
}

func isWordByte(b byte) bool {
	return b == '_' ||
		(b >= 'a' && b <= 'z') ||
		(b >= 'A' && b <= 'Z') ||
		(b >= '0' && b <= '9')
}
