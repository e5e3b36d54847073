// Package accounts owns the pool of provider accounts and their health.
package accounts

import (
	"context"
	"time"

	"github.com/rcong315/channelcrawler/internal/provider"
)

// Account is one set of provider credentials. Accounts are loaded from
// configuration at startup and never persisted.
type Account struct {
	Name    string `mapstructure:"name"`
	Phone   string `mapstructure:"phone"`
	APIID   int    `mapstructure:"api_id"`
	APIHash string `mapstructure:"api_hash"`
	Session string `mapstructure:"session"`
}

func (a Account) Credentials() provider.Credentials {
	return provider.Credentials{
		Name:    a.Name,
		Phone:   a.Phone,
		APIID:   a.APIID,
		APIHash: a.APIHash,
		Session: a.Session,
	}
}

// State is the health state of an account.
type State int

const (
	Active State = iota
	RateLimited
	Revoked
	NoQuota
)

func (s State) String() string {
	switch s {
	case Active:
		return "active"
	case RateLimited:
		return "rate_limited"
	case Revoked:
		return "revoked"
	case NoQuota:
		return "no_quota"
	default:
		return "unknown"
	}
}

// Health is the mutable state of one account. Until is only meaningful for
// RateLimited.
type Health struct {
	State  State
	Until  time.Time
	Reason string
}

// availableAt reports whether the account may be connected at now.
// RateLimited clears itself once now reaches Until.
func (h Health) availableAt(now time.Time) bool {
	switch h.State {
	case Active:
		return true
	case RateLimited:
		return !now.Before(h.Until)
	default:
		return false
	}
}

// Status is a read-only view of an account for operators.
type Status struct {
	Name    string     `json:"name"`
	State   string     `json:"state"`
	Until   *time.Time `json:"until,omitempty"`
	Reason  string     `json:"reason,omitempty"`
	Current bool       `json:"current"`
}

// FloodWait is a durable rate-limit record for one account.
type FloodWait struct {
	Account  string
	UnlockAt time.Time
	Reason   string
}

// FloodWaitStore mirrors rate-limit state so it survives restarts.
type FloodWaitStore interface {
	Upsert(ctx context.Context, account string, unlockAt time.Time, reason string) error
	Delete(ctx context.Context, account string) error
	// Active returns records whose unlock time is after now.
	Active(ctx context.Context, now time.Time) ([]FloodWait, error)
}
