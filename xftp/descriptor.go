package xftp

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"

	"github.com/anoncore/smp-core/crypto"
	"github.com/anoncore/smp-core/errs"
	"gopkg.in/yaml.v3"
)

// ChunkEntry is one replica's record for a single chunk: its number
// (1-based), the id and key it authenticates FGET/FACK requests with on
// that replica's relay, and optionally the chunk's own digest/size when
// the replica wants to let a recipient verify before the full stream is
// in hand. Encoded per §6 as "<n>:<id>:<key>[:<digest>][:<size>]".
type ChunkEntry struct {
	Number    int
	ID        crypto.ID
	Key       [32]byte
	Digest    [32]byte
	HasDigest bool
	Size      int64
	HasSize   bool
}

func (e ChunkEntry) encode() string {
	parts := []string{
		strconv.Itoa(e.Number),
		e.ID.String(),
		hex.EncodeToString(e.Key[:]),
	}
	if e.HasDigest {
		parts = append(parts, hex.EncodeToString(e.Digest[:]))
	}
	if e.HasSize {
		parts = append(parts, strconv.FormatInt(e.Size, 10))
	}
	return strings.Join(parts, ":")
}

// ParseChunkEntry reverses ChunkEntry.encode.
func ParseChunkEntry(s string) (ChunkEntry, error) {
	parts := strings.Split(s, ":")
	if len(parts) < 3 {
		return ChunkEntry{}, errs.New(errs.KindFile, "ParseChunkEntry", "chunk entry has fewer than 3 fields")
	}
	n, err := strconv.Atoi(parts[0])
	if err != nil {
		return ChunkEntry{}, errs.Wrap(errs.KindFile, "ParseChunkEntry", err)
	}
	id, err := crypto.IDFromHex(parts[1])
	if err != nil {
		return ChunkEntry{}, errs.Wrap(errs.KindFile, "ParseChunkEntry", err)
	}
	keyBytes, err := hex.DecodeString(parts[2])
	if err != nil || len(keyBytes) != 32 {
		return ChunkEntry{}, errs.New(errs.KindFile, "ParseChunkEntry", "malformed chunk key")
	}
	e := ChunkEntry{Number: n, ID: id}
	copy(e.Key[:], keyBytes)

	if len(parts) >= 4 && parts[3] != "" {
		digestBytes, err := hex.DecodeString(parts[3])
		if err != nil || len(digestBytes) != 32 {
			return ChunkEntry{}, errs.New(errs.KindFile, "ParseChunkEntry", "malformed chunk digest")
		}
		copy(e.Digest[:], digestBytes)
		e.HasDigest = true
	}
	if len(parts) >= 5 && parts[4] != "" {
		size, err := strconv.ParseInt(parts[4], 10, 64)
		if err != nil {
			return ChunkEntry{}, errs.Wrap(errs.KindFile, "ParseChunkEntry", err)
		}
		e.Size = size
		e.HasSize = true
	}
	return e, nil
}

// Replica is one relay's view of a subset of a file's chunks.
type Replica struct {
	Server string   `yaml:"server"`
	Chunks []string `yaml:"chunks"`
}

// Redirect marks a Description as a stub pointing at a small file whose
// decrypted contents are the real Description's YAML bytes, used when
// the real description would exceed a QR-code-sized budget (§4.5).
type Redirect struct {
	Size   int64  `yaml:"size"`
	Digest string `yaml:"digest"`
}

// Description is the file description from §6: everything a recipient
// needs to fetch, verify and decrypt a file's chunks, or to follow one
// level of redirect to the real description.
type Description struct {
	Size      int64     `yaml:"size"`
	Digest    string    `yaml:"digest"`
	Key       string    `yaml:"key"`
	Nonce     string    `yaml:"nonce"`
	ChunkSize int       `yaml:"chunkSize"`
	Replicas  []Replica `yaml:"replicas"`
	Redirect  *Redirect `yaml:"redirect,omitempty"`
}

// Encode renders d as YAML.
func (d *Description) Encode() ([]byte, error) {
	b, err := yaml.Marshal(d)
	if err != nil {
		return nil, errs.Wrap(errs.KindFile, "Description.Encode", err)
	}
	return b, nil
}

// DecodeDescription parses and validates a YAML file description.
func DecodeDescription(raw []byte) (*Description, error) {
	var d Description
	if err := yaml.Unmarshal(raw, &d); err != nil {
		return nil, errs.Wrap(errs.KindFile, "DecodeDescription", err)
	}
	if err := d.Validate(); err != nil {
		return nil, err
	}
	return &d, nil
}

// Validate checks the chunk numbering and cross-replica digest agreement
// §4.5 requires: chunk numbers across all replicas must be exactly
// 1..max with no gaps, and every entry sharing a chunk number must carry
// the same digest as every other entry for that number that has one.
func (d *Description) Validate() error {
	byNumber := make(map[int][]ChunkEntry)
	max := 0
	for _, r := range d.Replicas {
		for _, raw := range r.Chunks {
			e, err := ParseChunkEntry(raw)
			if err != nil {
				return err
			}
			if e.Number < 1 {
				return errs.New(errs.KindFile, "Description.Validate", "chunk number must be positive")
			}
			byNumber[e.Number] = append(byNumber[e.Number], e)
			if e.Number > max {
				max = e.Number
			}
		}
	}
	if max == 0 {
		return errs.New(errs.KindFile, "Description.Validate", "description has no chunks")
	}
	for n := 1; n <= max; n++ {
		entries, ok := byNumber[n]
		if !ok {
			return errs.New(errs.KindFile, "Description.Validate", fmt.Sprintf("missing chunk number %d: chunk numbers must be sequential", n))
		}
		var want *ChunkEntry
		for i := range entries {
			if !entries[i].HasDigest {
				continue
			}
			if want == nil {
				want = &entries[i]
				continue
			}
			if want.Digest != entries[i].Digest {
				return errs.New(errs.KindFile, "Description.Validate", fmt.Sprintf("chunk %d: replicas disagree on digest", n))
			}
		}
	}
	return nil
}

// ReplicaRef pairs a chunk entry with the relay address that serves it,
// the unit OrderedChunks groups by chunk number: a recipient fetching a
// chunk needs both pieces, which Replica alone doesn't carry per entry.
type ReplicaRef struct {
	Server string
	Entry  ChunkEntry
}

// OrderedChunks returns the description's chunks in ascending number
// order, each with its replicas in the order they appear across the
// Replicas list (the replica that listed a chunk first is primary).
func (d *Description) OrderedChunks() ([][]ReplicaRef, error) {
	byNumber := make(map[int][]ReplicaRef)
	max := 0
	for _, r := range d.Replicas {
		for _, raw := range r.Chunks {
			e, err := ParseChunkEntry(raw)
			if err != nil {
				return nil, err
			}
			byNumber[e.Number] = append(byNumber[e.Number], ReplicaRef{Server: r.Server, Entry: e})
			if e.Number > max {
				max = e.Number
			}
		}
	}
	out := make([][]ReplicaRef, 0, max)
	for n := 1; n <= max; n++ {
		out = append(out, byNumber[n])
	}
	return out, nil
}

func hexKey(key [32]byte) string    { return hex.EncodeToString(key[:]) }
func hexDigest(d [32]byte) string   { return hex.EncodeToString(d[:]) }
func hexNonce(n crypto.Nonce) string { return hex.EncodeToString(n[:]) }

func parseHexKey(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return out, errs.New(errs.KindFile, "parseHexKey", "malformed 32-byte hex field")
	}
	copy(out[:], b)
	return out, nil
}

func parseHexNonce(s string) (crypto.Nonce, error) {
	var out crypto.Nonce
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 24 {
		return out, errs.New(errs.KindFile, "parseHexNonce", "malformed 24-byte hex nonce")
	}
	copy(out[:], b)
	return out, nil
}

func parseHexDigest(s string) ([32]byte, error) {
	var out [32]byte
	b, err := hex.DecodeString(s)
	if err != nil || len(b) != 32 {
		return out, errs.New(errs.KindFile, "parseHexDigest", "malformed 32-byte hex digest")
	}
	copy(out[:], b)
	return out, nil
}
