package agent

import (
	"encoding/base64"
	"fmt"
	"net/url"
	"strconv"
	"strings"

	"github.com/anoncore/smp-core/crypto"
	"github.com/anoncore/smp-core/errs"
	"github.com/anoncore/smp-core/wire"
)

// ReplyMode controls whether join_conn creates its own recipient queue
// (§4.4 "creates its own recipient queue (unless NO_REPLY)").
type ReplyMode int

const (
	ReplyDuplex ReplyMode = iota
	ReplyNone
)

// Invitation is the out-of-band value new_conn returns and join_conn
// consumes: everything a joiner needs to address the initiator's queue
// and agree on a shared secret with it (§4.4 step 1, I_a = (relay_a,
// Qa.sender_id, DHpub_a)). ServerKeyHash is the relay's published
// fingerprint, carried for TOFU-style pinning; it is opaque to this
// package and not otherwise verified here (§1 treats the transport's
// TLS layer as an external collaborator).
type Invitation struct {
	RelayAddr     string
	ServerKeyHash [32]byte
	SenderID      crypto.ID
	PairingDHPub  [32]byte
	MinVersion    wire.Version
	MaxVersion    wire.Version
}

// Encode renders an invitation as the smp:// URI from §6:
// smp://<base64(server_key_hash)>@<host>:<port>/<base64(sender_id)>#<base64(dh_pub)>,
// with the version range carried as a query parameter since the grammar
// in §6 doesn't otherwise reserve a slot for it.
func (inv *Invitation) Encode() string {
	u := url.URL{
		Scheme: "smp",
		User:   url.User(base64.RawURLEncoding.EncodeToString(inv.ServerKeyHash[:])),
		Host:   inv.RelayAddr,
		Path:   "/" + base64.RawURLEncoding.EncodeToString(inv.SenderID[:]),
	}
	q := u.Query()
	q.Set("v", fmt.Sprintf("%d-%d", inv.MinVersion, inv.MaxVersion))
	u.RawQuery = q.Encode()
	u.Fragment = base64.RawURLEncoding.EncodeToString(inv.PairingDHPub[:])
	return u.String()
}

// ParseInvitation reverses Encode.
func ParseInvitation(raw string) (*Invitation, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return nil, errs.Wrap(errs.KindAgent, "ParseInvitation", err)
	}
	if u.Scheme != "smp" {
		return nil, errs.New(errs.KindAgent, "ParseInvitation", fmt.Sprintf("unexpected scheme %q, want smp", u.Scheme))
	}
	if u.User == nil {
		return nil, errs.New(errs.KindAgent, "ParseInvitation", "missing server key hash")
	}

	hashBytes, err := base64.RawURLEncoding.DecodeString(u.User.Username())
	if err != nil || len(hashBytes) != 32 {
		return nil, errs.New(errs.KindAgent, "ParseInvitation", "malformed server key hash")
	}

	senderBytes, err := base64.RawURLEncoding.DecodeString(strings.TrimPrefix(u.Path, "/"))
	if err != nil || len(senderBytes) != crypto.IDSize {
		return nil, errs.New(errs.KindAgent, "ParseInvitation", "malformed sender id")
	}

	dhBytes, err := base64.RawURLEncoding.DecodeString(u.Fragment)
	if err != nil || len(dhBytes) != 32 {
		return nil, errs.New(errs.KindAgent, "ParseInvitation", "malformed dh public key")
	}

	vRange := u.Query().Get("v")
	minV, maxV, err := parseVersionRange(vRange)
	if err != nil {
		return nil, err
	}

	inv := &Invitation{RelayAddr: u.Host, MinVersion: minV, MaxVersion: maxV}
	copy(inv.ServerKeyHash[:], hashBytes)
	copy(inv.SenderID[:], senderBytes)
	copy(inv.PairingDHPub[:], dhBytes)
	return inv, nil
}

func parseVersionRange(s string) (wire.Version, wire.Version, error) {
	parts := strings.SplitN(s, "-", 2)
	if len(parts) != 2 {
		return 0, 0, errs.New(errs.KindAgent, "parseVersionRange", "malformed version range")
	}
	minN, err1 := strconv.Atoi(parts[0])
	maxN, err2 := strconv.Atoi(parts[1])
	if err1 != nil || err2 != nil {
		return 0, 0, errs.New(errs.KindAgent, "parseVersionRange", "non-numeric version range")
	}
	return wire.Version(minN), wire.Version(maxN), nil
}

// pairingConfirm is the body of the one unsigned SEND the protocol
// allows (§4.4 step 2): the joiner's fresh sender verification key plus
// its half of the pairing DH exchange, and a nonce the relay's replay
// guard consumes (relay/auth.go VerifyUnsignedSend).
type pairingConfirm struct {
	SenderVK [32]byte
	DHPub    [32]byte
	Nonce    [32]byte
}

func encodePairingConfirm(c *pairingConfirm) []byte {
	out := make([]byte, 96)
	copy(out[0:32], c.SenderVK[:])
	copy(out[32:64], c.DHPub[:])
	copy(out[64:96], c.Nonce[:])
	return out
}

func decodePairingConfirm(raw []byte) (*pairingConfirm, error) {
	if len(raw) != 96 {
		return nil, errs.New(errs.KindAgent, "decodePairingConfirm", "confirmation payload has unexpected length")
	}
	c := &pairingConfirm{}
	copy(c.SenderVK[:], raw[0:32])
	copy(c.DHPub[:], raw[32:64])
	copy(c.Nonce[:], raw[64:96])
	return c, nil
}
