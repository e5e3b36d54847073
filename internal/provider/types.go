package provider

import (
	"context"
	"strings"
)

// ChannelRef is the provider-independent reference to a channel. Provider
// payloads are mapped into it as soon as they are received.
type ChannelRef struct {
	ID         int64  `json:"id"`
	AccessHash int64  `json:"access_hash"`
	Username   string `json:"username"`
}

// Credentials identify one provider account.
type Credentials struct {
	Name    string `json:"name"`
	Phone   string `json:"phone,omitempty"`
	APIID   int    `json:"api_id"`
	APIHash string `json:"api_hash"`
	Session string `json:"session"`
}

// Client is an authenticated connection to the provider for one account.
type Client interface {
	Resolve(ctx context.Context, username string) (ChannelRef, error)
	GetRecommendations(ctx context.Context, ref ChannelRef) ([]ChannelRef, error)
	// SpamBotReply asks the provider's abuse bot about the account and returns
	// its raw reply.
	SpamBotReply(ctx context.Context) (string, error)
	Close() error
}

// Factory opens clients. Connect fails when the account cannot authenticate.
type Factory interface {
	Connect(ctx context.Context, creds Credentials) (Client, error)
}

var linkPrefixes = []string{
	"https://t.me/",
	"http://t.me/",
	"https://telegram.me/",
	"http://telegram.me/",
	"t.me/",
	"telegram.me/",
}

// NormalizeUsername reduces a username, @handle or channel link to the
// lowercase key used by the discovery queue. It returns "" for input that
// holds no username.
func NormalizeUsername(s string) string {
	s = strings.ToLower(strings.TrimSpace(s))
	for _, prefix := range linkPrefixes {
		if strings.HasPrefix(s, prefix) {
			s = s[len(prefix):]
			break
		}
	}
	s = strings.TrimPrefix(s, "@")
	if i := strings.IndexAny(s, "/?#"); i >= 0 {
		s = s[:i]
	}
	return strings.TrimSpace(s)
}
