package event

import (
	"encoding/binary"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
)

// IDSize is the length in bytes of an Event ID.
const IDSize = 32

// ID identifies an Event by its contents.
type ID [IDSize]byte

// idDomainKey separates event identities from any other BLAKE3 use. The
// bytes are the ASCII string "logship.event.id" zero-padded to 32 bytes;
// changing them changes every persisted identity.
var idDomainKey = [32]byte{
	'l', 'o', 'g', 's', 'h', 'i', 'p', '.', 'e', 'v', 'e', 'n', 't', '.', 'i', 'd',
}

// String returns the lowercase hex encoding of the ID.
func (id ID) String() string {
	return hex.EncodeToString(id[:])
}

// Less orders IDs bytewise.
func (id ID) Less(other ID) bool {
	for i := range id {
		if id[i] != other[i] {
			return id[i] < other[i]
		}
	}
	return false
}

// ParseID decodes the hex form produced by ID.String.
func ParseID(s string) (ID, error) {
	var id ID
	b, err := hex.DecodeString(s)
	if err != nil {
		return id, fmt.Errorf("event: parse id: %w", err)
	}
	if len(b) != IDSize {
		return id, fmt.Errorf("event: parse id: got %d bytes, want %d", len(b), IDSize)
	}
	copy(id[:], b)
	return id, nil
}

// Event is one buffered log record. Treat it as a value: Payload must not be
// modified after New returns.
type Event struct {
	Group   string `cbor:"1,keyasint"`
	Payload []byte `cbor:"2,keyasint"`
	ID      ID     `cbor:"3,keyasint"`
}

// ErrIDMismatch is returned by Validate when the stored ID does not match the
// one derived from the group and payload.
var ErrIDMismatch = errors.New("event: id does not match contents")

// New builds an Event for group, deriving its ID from group and payload.
func New(group string, payload []byte) Event {
	p := make([]byte, len(payload))
	copy(p, payload)
	return Event{Group: group, Payload: p, ID: Identify(group, p)}
}

// Identify computes the content ID of (group, payload). Both parts are
// length-prefixed so ("ab", "c") and ("a", "bc") hash differently.
func Identify(group string, payload []byte) ID {
	h, err := blake3.NewKeyed(idDomainKey[:])
	if err != nil {
		// NewKeyed only fails for keys that are not 32 bytes.
		panic("event: blake3 keyed hasher: " + err.Error())
	}
	var n [8]byte
	binary.BigEndian.PutUint64(n[:], uint64(len(group)))
	h.Write(n[:])
	h.Write([]byte(group))
	binary.BigEndian.PutUint64(n[:], uint64(len(payload)))
	h.Write(n[:])
	h.Write(payload)

	var id ID
	copy(id[:], h.Sum(nil))
	return id
}

// Validate reports whether e.ID is the identity of its contents. Decoded
// events that fail validation were tampered with or corrupted on disk.
func (e Event) Validate() error {
	if Identify(e.Group, e.Payload) != e.ID {
		return ErrIDMismatch
	}
	return nil
}

// Equal compares all fields.
func (e Event) Equal(other Event) bool {
	return e.ID == other.ID && e.Group == other.Group && string(e.Payload) == string(other.Payload)
}
