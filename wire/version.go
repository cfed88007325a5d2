// Package wire implements the fixed-block transport framing and command
// codec shared between the relay server and its clients.
package wire

import (
	"fmt"

	"github.com/anoncore/smp-core/errs"
)

// Version identifies a wire protocol version negotiated during the
// handshake.
type Version uint16

// MinVersion and MaxVersion bound the range this build will negotiate.
// A peer proposing a version outside this range is rejected with VERSION.
const (
	MinVersion Version = 1
	MaxVersion Version = 1
)

// NegotiateVersion picks the highest version both the local build and the
// peer's advertised range support. Mirrors the handshake in
// transport/version_negotiation.go, generalized from a fixed two-value
// enum to an inclusive [min..max] range per the relay's handshake.
func NegotiateVersion(peerMin, peerMax Version) (Version, error) {
	lo, hi := MinVersion, MaxVersion
	if peerMin > lo {
		lo = peerMin
	}
	if peerMax < hi {
		hi = peerMax
	}
	if lo > hi {
		return 0, errs.New(errs.KindBroker, "NegotiateVersion",
			fmt.Sprintf("no overlap: local=[%d..%d] peer=[%d..%d]", MinVersion, MaxVersion, peerMin, peerMax))
	}
	return hi, nil
}
