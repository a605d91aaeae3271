package notify

import (
	"strings"

	"github.com/Pierroll/IPS-CONTROL-V2-sub001/internal/shared"
)

// NormalizePhone canonicalizes a stored phone into the gateway's expected
// form: digits only, Peru country code prefixed. Nine digits get "51"
// prepended, eleven digits must already carry it.
func NormalizePhone(raw string) (string, error) {
	var b strings.Builder
	for _, r := range raw {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()

	switch {
	case len(digits) == 9:
		return "51" + digits, nil
	case len(digits) == 11 && strings.HasPrefix(digits, "51"):
		return digits, nil
	default:
		return "", shared.Validationf("phone", "cannot normalize %q", raw)
	}
}
