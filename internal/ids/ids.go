package ids

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// New returns a lexicographically sortable identifier. Issued tokens carry
// one as their jti so two tokens minted in the same second never collide.
func New() string {
	return ulid.Make().String()
}

// Timestamp extracts the creation time encoded in an identifier from New.
func Timestamp(id string) (time.Time, error) {
	parsed, err := ulid.ParseStrict(id)
	if err != nil {
		return time.Time{}, err
	}
	return ulid.Time(parsed.Time()), nil
}
