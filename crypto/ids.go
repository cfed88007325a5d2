package crypto

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
)

// IDSize is the length in bytes of a queue-side opaque identifier
// (recipient id, sender id, notifier id) and of a server-assigned message
// id. Ids are globally unique and carry no relationship to one another:
// knowing one id must not let the holder derive any other.
const IDSize = 24

// ID is an opaque 24-byte identifier used for queue recipient/sender/
// notifier ids and for message ids.
type ID [IDSize]byte

// NewID generates a fresh random ID using a CSPRNG. It never returns the
// zero ID (a zero ID is reserved as the "unset" sentinel).
func NewID() (ID, error) {
	var id ID
	for {
		if _, err := rand.Read(id[:]); err != nil {
			return ID{}, fmt.Errorf("generate id: %w", err)
		}
		if id != (ID{}) {
			return id, nil
		}
	}
}

// IsZero reports whether id is the unset sentinel value.
func (id ID) IsZero() bool { return id == ID{} }

// String renders the id as lowercase hex, used for sharded on-disk paths
// and log fields.
func (id ID) String() string { return hex.EncodeToString(id[:]) }

// ShardPath returns the four two-character path components derived from
// the hex-encoded id, used to lay out the sharded message-journal
// directory tree (queue/<aa>/<bb>/<cc>/<dd>/...).
func (id ID) ShardPath() [4]string {
	h := id.String()
	var parts [4]string
	for i := 0; i < 4; i++ {
		parts[i] = h[i*2 : i*2+2]
	}
	return parts
}

// IDFromHex parses a hex-encoded id, e.g. as stored in a WAL record.
func IDFromHex(s string) (ID, error) {
	b, err := hex.DecodeString(s)
	if err != nil {
		return ID{}, fmt.Errorf("parse id: %w", err)
	}
	if len(b) != IDSize {
		return ID{}, fmt.Errorf("parse id: want %d bytes, got %d", IDSize, len(b))
	}
	var id ID
	copy(id[:], b)
	return id, nil
}
