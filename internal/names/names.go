// Package names derives display names for identities that have none
// configured. Names are a pure function of the address so every restart
// and every process agrees on them.
package names

import "hash/fnv"

// Culture ship name components in the style of Iain M. Banks
var (
	prefixes = []string{
		"Quietly Confident", "Mistake Not", "Only", "Just",
		"So Much For", "Absolutely No", "Very Little", "Zero",
		"Unqualified", "Someone Else's", "No", "The",
	}

	cores = []string{
		"Gravitas", "Ambition", "Patience", "Restraint",
		"Optimism", "Irony", "Context", "Signal",
		"Intention", "Certainty", "Protocol", "Perspective",
		"Margin", "Consequence", "Observation", "Priority",
	}

	suffixes = []string{
		"Shortfall", "Surplus", "Gradient", "Threshold",
		"Horizon", "Vector", "Variable", "Resonance",
		"", "", "", "",
	}
)

// ForAddress returns a deterministic display name for an address.
func ForAddress(address string) string {
	h := fnv.New64a()
	h.Write([]byte(address))
	n := h.Sum64()

	prefix := prefixes[n%uint64(len(prefixes))]
	n /= uint64(len(prefixes))
	core := cores[n%uint64(len(cores))]
	n /= uint64(len(cores))
	suffix := suffixes[n%uint64(len(suffixes))]

	if suffix == "" {
		return prefix + " " + core
	}
	return prefix + " " + core + " " + suffix
}
