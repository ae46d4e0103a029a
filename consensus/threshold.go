package consensus

// meetsThreshold reports whether weight/total is at least numerator/denominator,
// computed without floating point (cross-multiplication). This is the single
// inequality spec.md §9's Open Question asks to share between QC formation
// (quorum.go) and TC formation (timeout.go), rather than duplicating it.
func meetsThreshold(weight, total, numerator, denominator uint64) bool {
	if denominator == 0 {
		return false
	}
	return weight*denominator >= total*numerator
}
