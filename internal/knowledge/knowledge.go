// Package knowledge persists per-app, per-screen element behavior so that
// what one session learned informs later decisions. Two backends exist: a
// file store under the data directory and a postgres store for shared use.
package knowledge

import (
	"strings"

	jsoniter "github.com/json-iterator/go"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// normalizeObservation is the dedup key for observation text: near-identical
// observations differing only in case or whitespace collapse to one.
func normalizeObservation(s string) string {
	return strings.ToLower(strings.Join(strings.Fields(s), " "))
}

// mergeObservations appends the new observations that are not near-identical
// duplicates of existing text. Prior documentation is never removed or
// reordered.
func mergeObservations(existing, incoming []string) []string {
	seen := make(map[string]struct{}, len(existing))
	for _, obs := range existing {
		seen[normalizeObservation(obs)] = struct{}{}
	}

	merged := existing
	for _, obs := range incoming {
		obs = strings.TrimSpace(obs)
		if obs == "" {
			continue
		}
		key := normalizeObservation(obs)
		if _, dup := seen[key]; dup {
			continue
		}
		seen[key] = struct{}{}
		merged = append(merged, obs)
	}
	return merged
}
