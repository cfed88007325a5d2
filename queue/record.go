// Package queue implements the relay's per-queue storage: the store-log
// write-ahead journal of queue lifecycle events, the sharded message
// journal each queue appends to, and quota/expiration enforcement.
package queue

import (
	"encoding/hex"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/anoncore/smp-core/crypto"
	"github.com/anoncore/smp-core/errs"
)

// RecordKind identifies one of the store-log's structured record types.
type RecordKind string

const (
	RecordCreate   RecordKind = "CREATE"
	RecordSecure   RecordKind = "SECURE"
	RecordNotifier RecordKind = "NOTIFIER"
	RecordNDelete  RecordKind = "NDELETE"
	RecordSuspend  RecordKind = "SUSPEND"
	RecordDelete   RecordKind = "DELETE"
	RecordTime     RecordKind = "TIME"
)

// Record is one line of the store-log: a lifecycle event for a queue,
// replayed in order on startup to rebuild the active queue set.
type Record struct {
	Kind        RecordKind
	RecipientID crypto.ID
	SenderID    crypto.ID
	RecipientKey [32]byte
	RecipientDH  [32]byte
	ServerDHPriv [32]byte
	SenderKey    [32]byte
	NotifierID   crypto.ID
	NotifierKey  [32]byte
	NotifierDH   [32]byte
	Timestamp    time.Time
}

// Encode renders r as a single store-log line. The format intentionally
// matches field order to RecordKind so replay can dispatch on the first
// token before parsing the rest.
func (r *Record) Encode() string {
	ts := strconv.FormatInt(r.Timestamp.UnixNano(), 10)
	switch r.Kind {
	case RecordCreate:
		return strings.Join([]string{
			string(r.Kind), r.RecipientID.String(), r.SenderID.String(),
			hex.EncodeToString(r.RecipientKey[:]), hex.EncodeToString(r.RecipientDH[:]),
			hex.EncodeToString(r.ServerDHPriv[:]), ts,
		}, " ")
	case RecordSecure:
		return strings.Join([]string{string(r.Kind), r.RecipientID.String(), hex.EncodeToString(r.SenderKey[:]), ts}, " ")
	case RecordNotifier:
		return strings.Join([]string{
			string(r.Kind), r.RecipientID.String(), r.NotifierID.String(),
			hex.EncodeToString(r.NotifierKey[:]), hex.EncodeToString(r.NotifierDH[:]), ts,
		}, " ")
	case RecordNDelete, RecordSuspend, RecordDelete:
		return strings.Join([]string{string(r.Kind), r.RecipientID.String(), ts}, " ")
	case RecordTime:
		return strings.Join([]string{string(r.Kind), r.RecipientID.String(), ts}, " ")
	default:
		return ""
	}
}

// ParseRecord parses one store-log line produced by Encode.
func ParseRecord(line string) (*Record, error) {
	fields := strings.Fields(line)
	if len(fields) < 3 {
		return nil, errs.New(errs.KindStore, "ParseRecord", "too few fields: "+line)
	}
	kind := RecordKind(fields[0])
	rid, err := crypto.IDFromHex(fields[1])
	if err != nil {
		return nil, errs.Wrap(errs.KindStore, "ParseRecord", err)
	}
	r := &Record{Kind: kind, RecipientID: rid}

	switch kind {
	case RecordCreate:
		if len(fields) != 7 {
			return nil, errs.New(errs.KindStore, "ParseRecord", "malformed CREATE: "+line)
		}
		sid, err := crypto.IDFromHex(fields[2])
		if err != nil {
			return nil, errs.Wrap(errs.KindStore, "ParseRecord", err)
		}
		r.SenderID = sid
		if err := decodeFixed(fields[3], r.RecipientKey[:]); err != nil {
			return nil, err
		}
		if err := decodeFixed(fields[4], r.RecipientDH[:]); err != nil {
			return nil, err
		}
		if err := decodeFixed(fields[5], r.ServerDHPriv[:]); err != nil {
			return nil, err
		}
		r.Timestamp, err = parseTimestamp(fields[6])
		if err != nil {
			return nil, err
		}
	case RecordSecure:
		if len(fields) != 4 {
			return nil, errs.New(errs.KindStore, "ParseRecord", "malformed SECURE: "+line)
		}
		if err := decodeFixed(fields[2], r.SenderKey[:]); err != nil {
			return nil, err
		}
		r.Timestamp, err = parseTimestamp(fields[3])
		if err != nil {
			return nil, err
		}
	case RecordNotifier:
		if len(fields) != 6 {
			return nil, errs.New(errs.KindStore, "ParseRecord", "malformed NOTIFIER: "+line)
		}
		nid, err := crypto.IDFromHex(fields[2])
		if err != nil {
			return nil, errs.Wrap(errs.KindStore, "ParseRecord", err)
		}
		r.NotifierID = nid
		if err := decodeFixed(fields[3], r.NotifierKey[:]); err != nil {
			return nil, err
		}
		if err := decodeFixed(fields[4], r.NotifierDH[:]); err != nil {
			return nil, err
		}
		r.Timestamp, err = parseTimestamp(fields[5])
		if err != nil {
			return nil, err
		}
	case RecordNDelete, RecordSuspend, RecordDelete, RecordTime:
		if len(fields) != 3 {
			return nil, errs.New(errs.KindStore, "ParseRecord", fmt.Sprintf("malformed %s: %s", kind, line))
		}
		r.Timestamp, err = parseTimestamp(fields[2])
		if err != nil {
			return nil, err
		}
	default:
		return nil, errs.New(errs.KindStore, "ParseRecord", "unknown record kind: "+string(kind))
	}
	return r, nil
}

func decodeFixed(s string, dst []byte) error {
	b, err := hex.DecodeString(s)
	if err != nil {
		return errs.Wrap(errs.KindStore, "decodeFixed", err)
	}
	if len(b) != len(dst) {
		return errs.New(errs.KindStore, "decodeFixed", fmt.Sprintf("want %d bytes, got %d", len(dst), len(b)))
	}
	copy(dst, b)
	return nil
}

func parseTimestamp(s string) (time.Time, error) {
	n, err := strconv.ParseInt(s, 10, 64)
	if err != nil {
		return time.Time{}, errs.Wrap(errs.KindStore, "parseTimestamp", err)
	}
	return time.Unix(0, n), nil
}
