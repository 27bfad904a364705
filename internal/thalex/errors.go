package thalex

import (
	"strconv"
	"strings"

	"github.com/marketcraft/quoterd/errs"
)

// Venue error codes observed on the wire. The venue also varies its message
// text, so classification prefers the numeric code and falls back to the
// message only when the code is absent.
const (
	codeOrderNotFound     = 4
	codeInsufficientFunds = 11
	codeRateLimited       = 14
)

// ClassifyVenueError maps a venue error payload onto the structured envelope.
// This is the single site where venue error semantics are decided; callers
// test the result with errs.IsOrderNotFound and friends instead of matching
// message text.
func ClassifyVenueError(code int, message string) *errs.E {
	canonical := errs.CanonicalUnknown
	switch code {
	case codeOrderNotFound:
		canonical = errs.CanonicalOrderNotFound
	case codeInsufficientFunds:
		canonical = errs.CanonicalInsufficientFunds
	case codeRateLimited:
		canonical = errs.CanonicalRateLimited
	default:
		if strings.Contains(strings.ToLower(message), "order not found") {
			canonical = errs.CanonicalOrderNotFound
		}
	}
	return errs.New(venueName, errs.CodeExchange,
		errs.WithRawCode(strconv.Itoa(code)),
		errs.WithRawMessage(message),
		errs.WithMessage(message),
		errs.WithCanonicalCode(canonical),
	)
}
