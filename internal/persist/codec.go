package persist

import (
	"errors"
	"fmt"

	"github.com/fxamacker/cbor/v2"
)

var (
	errVersionMismatch = errors.New("persist: snapshot schema version mismatch")
	errCorrupt         = errors.New("persist: snapshot undecodable")
)

// Codec encodes snapshots as deterministic CBOR.
type Codec struct {
	em cbor.EncMode
	dm cbor.DecMode
}

// NewCodec builds the snapshot codec.
func NewCodec() (*Codec, error) {
	opts := cbor.CoreDetEncOptions()
	opts.Time = cbor.TimeRFC3339Nano
	em, err := opts.EncMode()
	if err != nil {
		return nil, fmt.Errorf("create CBOR encoder: %w", err)
	}
	dm, err := cbor.DecOptions{
		DupMapKey: cbor.DupMapKeyEnforcedAPF,
	}.DecMode()
	if err != nil {
		return nil, fmt.Errorf("create CBOR decoder: %w", err)
	}
	return &Codec{em: em, dm: dm}, nil
}

// Encode serializes a snapshot.
func (c *Codec) Encode(s *PersistedSnapshot) ([]byte, error) {
	return c.em.Marshal(s)
}

// Decode parses a blob. The version is checked before the body so a
// layout change never surfaces as a decode error.
func (c *Codec) Decode(blob []byte) (*PersistedSnapshot, error) {
	var header struct {
		Version int `cbor:"version"`
	}
	if err := c.dm.Unmarshal(blob, &header); err != nil {
		return nil, fmt.Errorf("%w: %v", errCorrupt, err)
	}
	if header.Version != SchemaVersion {
		return nil, fmt.Errorf("%w: got %d, want %d", errVersionMismatch, header.Version, SchemaVersion)
	}
	var s PersistedSnapshot
	if err := c.dm.Unmarshal(blob, &s); err != nil {
		return nil, fmt.Errorf("%w: %v", errCorrupt, err)
	}
	if s.Entries == nil {
		s.Entries = make(map[string]PersistedEntry)
	}
	return &s, nil
}
