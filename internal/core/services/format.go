package services

import "strconv"

// formatAmount renders a job amount the way the marketplace's own
// acceptance message expects: the shortest decimal representation, no
// trailing zeros, no scientific notation.
func formatAmount(amount float64) string {
	return strconv.FormatFloat(amount, 'f', -1, 64)
}

func formatInt64(v int64) string {
	return strconv.FormatInt(v, 10)
}
