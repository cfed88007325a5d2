package xftp

import (
	"context"

	"github.com/sirupsen/logrus"

	"github.com/anoncore/smp-core/crypto"
	"github.com/anoncore/smp-core/errs"
	"github.com/anoncore/smp-core/transport"
	"github.com/anoncore/smp-core/wire"
)

// Server accepts connections over a transport.Transport and answers one
// FNEW/FPUT/FGET/FACK/FDEL request at a time per connection. Grounded on
// relay/server.go's Serve/Accept lifecycle, stripped of the subscriber
// registry and push-delivery machinery relay/session.go needs for MSG
// push: xftp has no equivalent of a live subscription, every exchange is
// a plain request/response.
type Server struct {
	trans     transport.Transport
	store     *Store
	dispatch  *Dispatcher
	blockSize int
}

// NewServer builds an xftp Server over trans, dispatching commands
// against store. blockSize should be sized via BlockSizeFor to comfortably
// fit the largest chunk this relay is configured to accept.
func NewServer(trans transport.Transport, store *Store, blockSize int) *Server {
	return &Server{trans: trans, store: store, dispatch: NewDispatcher(store), blockSize: blockSize}
}

// BlockSizeFor returns the wire block size needed to carry one chunk of
// chunkSize bytes plus frame and command encoding overhead, so a caller
// configuring a relay for a given chunk size doesn't have to reason
// about wire.Frame's own header layout.
func BlockSizeFor(chunkSize int) int {
	const overhead = 4096
	return chunkSize + overhead
}

// Serve accepts connections until ctx is cancelled, handling each on its
// own goroutine.
func (s *Server) Serve(ctx context.Context) error {
	log := logrus.WithFields(logrus.Fields{"function": "Server.Serve"})
	for {
		conn, err := s.trans.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			log.WithError(err).Warn("accept failed")
			continue
		}
		go s.handleConn(ctx, conn)
	}
}

func (s *Server) handleConn(ctx context.Context, conn transport.Conn) {
	log := logrus.WithFields(logrus.Fields{"function": "Server.handleConn"})
	defer conn.Close()
	for {
		if ctx.Err() != nil {
			return
		}
		block, err := readBlock(conn, s.blockSize)
		if err != nil {
			log.WithError(err).Debug("xftp connection read ended")
			return
		}
		frame, _, err := wire.DecodeFrame(block)
		if err != nil {
			log.WithError(err).Warn("failed to decode frame")
			return
		}
		cmd, sig, perr := parseSignedCommand(frame.Command)
		var resp *wire.Command
		if perr != nil {
			resp = errResponse(perr)
		} else {
			resp, err = s.dispatch.Dispatch(frame.EntityID, cmd, sig)
			if err != nil {
				resp = errResponse(err)
			}
		}

		respBlock, err := (&wire.Frame{
			SessionID: frame.SessionID, CorrelationID: frame.CorrelationID,
			EntityID: frame.EntityID, Command: mustEncode(resp),
		}).Encode(wire.MaxVersion, s.blockSize)
		if err != nil {
			log.WithError(err).Warn("failed to encode response frame")
			return
		}
		if _, err := conn.Write(respBlock); err != nil {
			log.WithError(err).Debug("failed to write response")
			return
		}
	}
}

func readBlock(conn transport.Conn, blockSize int) ([]byte, error) {
	buf := make([]byte, blockSize)
	n := 0
	for n < len(buf) {
		m, err := conn.Read(buf[n:])
		if err != nil {
			return nil, errs.Wrap(errs.KindBroker, "readBlock", err)
		}
		n += m
	}
	return buf, nil
}

// parseSignedCommand mirrors relay/session.go's helper of the same name:
// the first argument of every xftp command frame is its signature (or an
// empty argument for FNEW, the one command this protocol allows
// unsigned), the remaining arguments are the command's real payload.
func parseSignedCommand(raw []byte) (*wire.Command, *crypto.Signature, error) {
	outer, err := wire.DecodeCommand(raw)
	if err != nil {
		return nil, nil, err
	}
	if len(outer.Args) < 1 {
		return nil, nil, errs.New(errs.KindCommand, "parseSignedCommand", "missing signature slot")
	}
	sigBytes := outer.Args[0]
	inner := &wire.Command{Token: outer.Token, Args: outer.Args[1:]}
	if len(sigBytes) == 0 {
		return inner, nil, nil
	}
	if len(sigBytes) != crypto.SignatureSize {
		return nil, nil, errs.New(errs.KindCommand, "parseSignedCommand", "malformed signature length")
	}
	var sig crypto.Signature
	copy(sig[:], sigBytes)
	return inner, &sig, nil
}

func mustEncode(cmd *wire.Command) []byte {
	b, err := cmd.Encode()
	if err != nil {
		b, _ = (&wire.Command{Token: "ERR", Args: [][]byte{[]byte("internal"), []byte("response encode failed")}}).Encode()
	}
	return b
}
