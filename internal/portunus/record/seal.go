// Package record encodes the node's durable values.
//
// A sealed record is laid out as
//
//	[1 byte format version][32 byte BLAKE3 keyed digest][payload]
//
// where the payload is protobuf wire format and the digest key is specific
// to the record kind, so an event can never be read back as a credential.
// Any mismatch surfaces as ErrCorrupt and the caller treats the entry as
// absent.
package record

import (
	"crypto/subtle"
	"errors"
	"fmt"

	"github.com/zeebo/blake3"
)

// ErrCorrupt reports a stored value that fails its integrity check or
// cannot be parsed.
var ErrCorrupt = errors.New("record: corrupt")

const (
	formatVersion = 1
	digestSize    = 32
	headerSize    = 1 + digestSize
)

// Kind selects the digest key for a record.
type Kind uint8

const (
	KindEvent Kind = iota + 1
	KindCredential
	KindCursor
)

// Domain keys are ASCII names zero-padded to 32 bytes.
var domainKeys = map[Kind][32]byte{
	KindEvent:      domainKey("portunus.node.event"),
	KindCredential: domainKey("portunus.node.credential"),
	KindCursor:     domainKey("portunus.node.cursor"),
}

func domainKey(name string) [32]byte {
	var k [32]byte
	copy(k[:], name)
	return k
}

func digest(kind Kind, payload []byte) ([]byte, error) {
	key, ok := domainKeys[kind]
	if !ok {
		return nil, fmt.Errorf("record: unknown kind %d", kind)
	}
	h, err := blake3.NewKeyed(key[:])
	if err != nil {
		return nil, fmt.Errorf("record: keyed hasher: %w", err)
	}
	_, _ = h.Write(payload)
	return h.Sum(nil), nil
}

// Seal wraps payload in the versioned, digested envelope.
func Seal(kind Kind, payload []byte) ([]byte, error) {
	sum, err := digest(kind, payload)
	if err != nil {
		return nil, err
	}
	out := make([]byte, 0, headerSize+len(payload))
	out = append(out, formatVersion)
	out = append(out, sum...)
	out = append(out, payload...)
	return out, nil
}

// Unseal verifies data and returns its payload.
func Unseal(kind Kind, data []byte) ([]byte, error) {
	if len(data) < headerSize {
		return nil, fmt.Errorf("%w: %d bytes is shorter than the header", ErrCorrupt, len(data))
	}
	if data[0] != formatVersion {
		return nil, fmt.Errorf("%w: unknown format version %d", ErrCorrupt, data[0])
	}
	payload := data[headerSize:]
	want, err := digest(kind, payload)
	if err != nil {
		return nil, err
	}
	if subtle.ConstantTimeCompare(want, data[1:headerSize]) != 1 {
		return nil, fmt.Errorf("%w: digest mismatch", ErrCorrupt)
	}
	return payload, nil
}
