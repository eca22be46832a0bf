package venue

import (
	"strings"

	"github.com/google/uuid"
)

// newClientOrderID returns a venue-safe client order id. Having our own
// id on every submission lets fills be matched back even if the venue's
// order id is lost between submit and acknowledge.
func newClientOrderID() string {
	return "fmb-" + strings.ReplaceAll(uuid.NewString(), "-", "")[:24]
}
