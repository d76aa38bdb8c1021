package correlation

import (
	"hash/fnv"

	"github.com/yairfalse/whitecat/pkg/domain"
)

// Key prefixes
const (
	causalKeyPrefix = "causal:"
	actorKeyPrefix  = "actor:"
)

// Key derives the correlation key of an event. An explicit causal link wins
// over the actor+host identity, so an event that could join both a causal
// chain and an actor cluster always joins the causal chain.
func Key(e *domain.Event) string {
	if id := e.CausalID(); id != "" {
		return causalKeyPrefix + id
	}
	return actorKeyPrefix + e.Actor + "@" + e.Host
}

// shardFor maps a key onto one of n shards
func shardFor(key string, n int) int {
	h := fnv.New32a()
	_, _ = h.Write([]byte(key))
	return int(h.Sum32() % uint32(n))
}
