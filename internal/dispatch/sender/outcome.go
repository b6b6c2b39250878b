package sender

import (
	"unicode/utf8"

	"github.com/arksms/dispatch/internal/dispatch/domain"
	"github.com/arksms/dispatch/internal/dispatch/outbox"
)

// Outcome is the classified result of one carrier exchange.
type Outcome struct {
	Success     bool
	OtherID     *string
	FailureType outbox.FailureType
	Message     string
}

// CheckResponse classifies a carrier response body against the route's
// patterns, in fixed order: success first, then temporary, permanent, daily
// and credit failures. A credit failure is treated as a daily failure since
// both clear at the route level rather than per message. A body matching no
// pattern is a temporary failure so an unrecognized carrier change does not
// destroy messages.
func CheckResponse(route *domain.HTTPRoute, body string) Outcome {
	if route.SuccessRegex != nil {
		if m := route.SuccessRegex.FindStringSubmatch(body); m != nil {
			out := Outcome{Success: true}
			if len(m) > 1 && m[1] != "" {
				out.OtherID = &m[1]
			}
			return out
		}
	}
	// FindStringIndex, not FindString: a pattern may legitimately match the
	// empty string and still count as a match.
	if route.TemporaryFailureRegex != nil {
		if loc := route.TemporaryFailureRegex.FindStringIndex(body); loc != nil {
			return Outcome{FailureType: outbox.FailureTemporary, Message: body[loc[0]:loc[1]]}
		}
	}
	if route.PermanentFailureRegex != nil {
		if loc := route.PermanentFailureRegex.FindStringIndex(body); loc != nil {
			return Outcome{FailureType: outbox.FailurePermanent, Message: body[loc[0]:loc[1]]}
		}
	}
	if route.DailyFailureRegex != nil {
		if loc := route.DailyFailureRegex.FindStringIndex(body); loc != nil {
			return Outcome{FailureType: outbox.FailureDaily, Message: body[loc[0]:loc[1]]}
		}
	}
	if route.CreditFailureRegex != nil {
		if loc := route.CreditFailureRegex.FindStringIndex(body); loc != nil {
			return Outcome{FailureType: outbox.FailureDaily, Message: body[loc[0]:loc[1]]}
		}
	}
	return Outcome{FailureType: outbox.FailureTemporary, Message: "unknown response: " + truncate(body, 200)}
}

// truncate cuts s to at most n bytes without splitting a rune.
func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	for n > 0 && !utf8.RuneStart(s[n]) {
		n--
	}
	return s[:n] + "..."
}
