package realtime

import (
	"time"

	"github.com/oklog/ulid/v2"
)

// NewSessionID returns a ULID naming a client session. The id is what a
// client presents in hello.session_id to resume.
func NewSessionID(now time.Time) (string, error) {
	return newULID(now)
}

// NewEnvelopeID returns a ULID for an outgoing envelope. Ids from one
// process sort in creation order, even within the same millisecond.
func NewEnvelopeID(now time.Time) (string, error) {
	return newULID(now)
}

func newULID(now time.Time) (string, error) {
	if now.IsZero() {
		now = time.Now()
	}
	// DefaultEntropy is monotonic and safe for concurrent use.
	id, err := ulid.New(ulid.Timestamp(now), ulid.DefaultEntropy())
	if err != nil {
		return "", err
	}
	return id.String(), nil
}
