package provider

import (
	"context"
	"fmt"
	"strings"
)

// SpamProbe decides whether an account is under a provider spam restriction.
type SpamProbe interface {
	Probe(ctx context.Context, client Client) (bool, error)
}

// Phrases of the abuse bot's "all clear" answer. They are checked before the
// restriction markers because the clear answer also mentions limits.
var clearMarkers = []string{
	"no limits are currently applied",
	"good news",
	"free as a bird",
}

var restrictedMarkers = []string{
	"limited",
	"restricted",
	"unfortunately",
	"reported by",
}

// SpamBotProbe asks the provider's abuse bot through the client and reads its
// reply.
type SpamBotProbe struct{}

// NewSpamBotProbe creates a SpamBotProbe.
func NewSpamBotProbe() *SpamBotProbe {
	return &SpamBotProbe{}
}

func (p *SpamBotProbe) Probe(ctx context.Context, client Client) (bool, error) {
	reply, err := client.SpamBotReply(ctx)
	if err != nil {
		return false, fmt.Errorf("failed to query spam bot: %w", err)
	}
	return IsRestrictedReply(reply), nil
}

// IsRestrictedReply reports whether an abuse bot reply says the account is
// restricted.
func IsRestrictedReply(reply string) bool {
	reply = strings.ToLower(reply)
	for _, marker := range clearMarkers {
		if strings.Contains(reply, marker) {
			return false
		}
	}
	for _, marker := range restrictedMarkers {
		if strings.Contains(reply, marker) {
			return true
		}
	}
	return false
}
