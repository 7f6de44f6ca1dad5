package model

import (
	"fmt"
	"time"
)

// API names a consumer can be granted access to.
const (
	APIGetAgentResult   = "getAgentResult"
	APIGetCommunityNote = "getCommunityNote"
	APIGetEmbedding     = "getEmbedding"
	APIGetNeedsChecking = "getNeedsChecking"
	APIGetCheck         = "getCheck"
	APIPatchCheck       = "patchCheck"
)

// KnownAPIs is the set of grantable API names.
var KnownAPIs = []string{
	APIGetAgentResult,
	APIGetCommunityNote,
	APIGetEmbedding,
	APIGetNeedsChecking,
	APIGetCheck,
	APIPatchCheck,
}

// Default token-bucket parameters for new consumers.
const (
	DefaultMillisecondsPerRequest = 1000
	DefaultBucketCapacity         = 10
	DefaultMillisecondsForUpdates = 10000
)

// Consumer is the admission record for one API key. The raw key is returned
// exactly once at creation; only its prefix and Argon2id hash are stored.
type Consumer struct {
	Name        string   `json:"name"`
	KeyPrefix   string   `json:"-"`
	KeyHash     string   `json:"-"`
	AllowedAPIs []string `json:"allowedAPIs"`

	MillisecondsPerRequest int `json:"millisecondsPerRequest"`
	Capacity               int `json:"capacity"`
	MillisecondsForUpdates int `json:"millisecondsForUpdates"`

	// Tokens is the live bucket level persisted across restarts.
	Tokens       float64   `json:"-"`
	LastRefillAt time.Time `json:"-"`

	// CallCounters holds totalCalls-{api} and totalCalls-{YYYY-MM}-{api}.
	CallCounters map[string]int64 `json:"callCounters,omitempty"`

	IsActive  bool      `json:"isActive"`
	CreatedAt time.Time `json:"createdAt"`
}

// Allowed reports whether the consumer may call the named API.
func (c *Consumer) Allowed(api string) bool {
	for _, a := range c.AllowedAPIs {
		if a == api {
			return true
		}
	}
	return false
}

// CounterKeys returns the lifetime and monthly counter keys for api at t.
func CounterKeys(api string, t time.Time) (lifetime, monthly string) {
	return fmt.Sprintf("totalCalls-%s", api),
		fmt.Sprintf("totalCalls-%s-%s", t.UTC().Format("2006-01"), api)
}
