package crossval

// TradeNameMatch computes the best pairwise semantic similarity between the
// Places display name and the record's raw name and registry trade name,
// expressed as 0..100. This becomes nomeFantasiaMatch on the record.
func TradeNameMatch(placesDisplayName, nameRaw, tradeName string) int {
	best := bestSimilarity(placesDisplayName, nameRaw, tradeName)
	if best > 100 {
		best = 100
	}
	return int(best)
}
