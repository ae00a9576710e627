package hub

import (
	"time"

	"github.com/NikolaySitnikov/FlashCur-sub003/pkg/models"
)

// TierAuthorizer resolves an API token to a service tier. Unknown tokens
// resolve to the free tier rather than failing the connection.
type TierAuthorizer interface {
	TierFor(token string) models.Tier
}

// StaticAuthorizer maps tokens from configuration. Stand-in for an external
// authorization service.
type StaticAuthorizer struct {
	tokens map[string]models.Tier
}

// NewStaticAuthorizer builds the token table from token -> tier-name pairs.
// Entries with an unknown tier name are dropped.
func NewStaticAuthorizer(raw map[string]string) *StaticAuthorizer {
	tokens := make(map[string]models.Tier, len(raw))
	for token, name := range raw {
		tier, err := models.ParseTier(name)
		if err != nil {
			continue
		}
		tokens[token] = tier
	}
	return &StaticAuthorizer{tokens: tokens}
}

func (a *StaticAuthorizer) TierFor(token string) models.Tier {
	if tier, ok := a.tokens[token]; ok {
		return tier
	}
	return models.TierFree
}

// DeliveryInterval is the minimum spacing between snapshot deliveries for a
// tier. Spike alerts are never throttled.
func DeliveryInterval(t models.Tier) time.Duration {
	switch t {
	case models.TierElite:
		return time.Second
	case models.TierPro:
		return 5 * time.Second
	default:
		return 15 * time.Second
	}
}

// AlertHistoryLimit caps how much of the alert backlog a tier may read.
// Zero means the whole rolling window.
func AlertHistoryLimit(t models.Tier) int {
	switch t {
	case models.TierElite:
		return 0
	case models.TierPro:
		return 30
	default:
		return 10
	}
}
