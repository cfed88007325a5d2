package relay

import (
	"encoding/binary"
	"fmt"
	"time"

	"github.com/anoncore/smp-core/crypto"
	"github.com/anoncore/smp-core/errs"
	"github.com/anoncore/smp-core/queue"
	"github.com/anoncore/smp-core/wire"
)

func nowUnix() int64 { return time.Now().Unix() }

// Dispatcher turns a decoded wire.Command into a queue.Store operation and
// an encoded response command, per the command table in §4.2. New logic;
// the request/response shapes follow wire.Command's token+args encoding.
type Dispatcher struct {
	store *queue.Store
	auth  *Authenticator
	push  *PushSink
}

// NewDispatcher builds a Dispatcher. push may be nil if this relay has no
// push-notification sink configured.
func NewDispatcher(store *queue.Store, auth *Authenticator, push *PushSink) *Dispatcher {
	return &Dispatcher{store: store, auth: auth, push: push}
}

// errResponse renders err as an ERR command carrying its kind and message,
// the catch-all response for failures that don't have a dedicated token.
func errResponse(err error) *wire.Command {
	kind := "internal"
	msg := err.Error()
	var e *errs.Error
	if as, ok := err.(*errs.Error); ok {
		e = as
		kind = string(e.Kind)
		msg = e.Message
	}
	return &wire.Command{Token: "ERR", Args: [][]byte{[]byte(kind), []byte(msg)}}
}

func okResponse() *wire.Command { return &wire.Command{Token: "OK"} }

// Dispatch executes cmd against rid (the entity id from the frame payload,
// zero for NEW) under the session's current subscription state. sub is
// read and written in place so the session can track which queue, if any,
// the caller is now subscribed to. Each command handler selects its own
// required Role per the command table in §4.2; callers don't supply one.
func (d *Dispatcher) Dispatch(rid crypto.ID, cmd *wire.Command, sig *crypto.Signature, sub *crypto.ID) (*wire.Command, *queue.Message, error) {
	switch cmd.Token {
	case "NEW":
		return d.handleNew(cmd)
	case "SUB":
		return d.handleSub(rid, cmd, sig, sub)
	case "KEY":
		return d.handleKey(rid, cmd, sig)
	case "NKEY":
		return d.handleNKey(rid, cmd, sig)
	case "OFF":
		return d.handleOff(rid, cmd, sig)
	case "DEL":
		return d.handleDel(rid, cmd, sig, sub)
	case "SEND":
		return d.handleSend(rid, cmd, sig)
	case "ACK":
		return d.handleAck(rid, cmd, sig)
	case "PING":
		return &wire.Command{Token: "PONG"}, nil, nil
	default:
		return nil, nil, errs.New(errs.KindCommand, "Dispatcher.Dispatch", fmt.Sprintf("unknown command %q", cmd.Token))
	}
}

func (d *Dispatcher) handleNew(cmd *wire.Command) (*wire.Command, *queue.Message, error) {
	if len(cmd.Args) < 2 {
		return nil, nil, errs.New(errs.KindCommand, "Dispatcher.handleNew", "NEW requires rkey and dhkey")
	}
	var rkey, dhkey [32]byte
	if len(cmd.Args[0]) != 32 || len(cmd.Args[1]) != 32 {
		return nil, nil, errs.New(errs.KindCommand, "Dispatcher.handleNew", "rkey/dhkey must be 32 bytes")
	}
	copy(rkey[:], cmd.Args[0])
	copy(dhkey[:], cmd.Args[1])

	q, srvDH, err := d.store.Create(rkey, dhkey)
	if err != nil {
		return nil, nil, err
	}
	return &wire.Command{
		Token: "IDS",
		Args:  [][]byte{idBytes(q.RecipientID), idBytes(q.SenderID), srvDH[:]},
	}, nil, nil
}

func (d *Dispatcher) handleSub(rid crypto.ID, cmd *wire.Command, sig *crypto.Signature, sub *crypto.ID) (*wire.Command, *queue.Message, error) {
	if err := d.checkAuth(rid, RoleRecipient, cmd, sig); err != nil {
		return nil, nil, err
	}
	*sub = rid
	msg, err := d.store.Peek(rid)
	if err != nil {
		if err == queue.ErrNoMessage {
			return okResponse(), nil, nil
		}
		return nil, nil, err
	}
	return messageResponse(msg), msg, nil
}

func (d *Dispatcher) handleKey(rid crypto.ID, cmd *wire.Command, sig *crypto.Signature) (*wire.Command, *queue.Message, error) {
	if err := d.checkAuth(rid, RoleRecipient, cmd, sig); err != nil {
		return nil, nil, err
	}
	if len(cmd.Args) < 1 || len(cmd.Args[0]) != 32 {
		return nil, nil, errs.New(errs.KindCommand, "Dispatcher.handleKey", "KEY requires a 32-byte sender key")
	}
	var skey [32]byte
	copy(skey[:], cmd.Args[0])
	if err := d.store.Secure(rid, skey); err != nil {
		return nil, nil, err
	}
	return okResponse(), nil, nil
}

func (d *Dispatcher) handleNKey(rid crypto.ID, cmd *wire.Command, sig *crypto.Signature) (*wire.Command, *queue.Message, error) {
	if err := d.checkAuth(rid, RoleRecipient, cmd, sig); err != nil {
		return nil, nil, err
	}
	if len(cmd.Args) < 2 || len(cmd.Args[0]) != 32 || len(cmd.Args[1]) != 32 {
		return nil, nil, errs.New(errs.KindCommand, "Dispatcher.handleNKey", "NKEY requires nkey and ndh")
	}
	var nkey, ndh [32]byte
	copy(nkey[:], cmd.Args[0])
	copy(ndh[:], cmd.Args[1])
	nid, srvNDH, err := d.store.AddNotifier(rid, nkey, ndh)
	if err != nil {
		return nil, nil, err
	}
	return &wire.Command{Token: "NID", Args: [][]byte{idBytes(nid), srvNDH[:]}}, nil, nil
}

func (d *Dispatcher) handleOff(rid crypto.ID, cmd *wire.Command, sig *crypto.Signature) (*wire.Command, *queue.Message, error) {
	if err := d.checkAuth(rid, RoleRecipient, cmd, sig); err != nil {
		return nil, nil, err
	}
	if err := d.store.Suspend(rid); err != nil {
		return nil, nil, err
	}
	return okResponse(), nil, nil
}

func (d *Dispatcher) handleDel(rid crypto.ID, cmd *wire.Command, sig *crypto.Signature, sub *crypto.ID) (*wire.Command, *queue.Message, error) {
	if err := d.checkAuth(rid, RoleRecipient, cmd, sig); err != nil {
		return nil, nil, err
	}
	if err := d.store.Delete(rid); err != nil {
		return nil, nil, err
	}
	if *sub == rid {
		*sub = crypto.ID{}
	}
	return okResponse(), nil, nil
}

func (d *Dispatcher) handleSend(rid crypto.ID, cmd *wire.Command, sig *crypto.Signature) (*wire.Command, *queue.Message, error) {
	if len(cmd.Args) < 2 || len(cmd.Args[0]) != 1 {
		return nil, nil, errs.New(errs.KindCommand, "Dispatcher.handleSend", "SEND requires flags and body")
	}
	if err := d.checkAuth(rid, RoleSender, cmd, sig); err != nil {
		return nil, nil, err
	}
	flags := cmd.Args[0][0]
	body := cmd.Args[1]
	_, err := d.store.Send(rid, flags, body)
	if err != nil {
		if err == queue.ErrQuotaExceeded {
			return &wire.Command{Token: "QUOTA"}, nil, nil
		}
		return nil, nil, err
	}
	if flags&queue.FlagNotify != 0 && d.push != nil {
		q, getErr := d.store.Get(rid, RoleSender)
		if getErr == nil && !q.NotifierID.IsZero() {
			d.push.Notify(q)
		}
	}
	return okResponse(), nil, nil
}

func (d *Dispatcher) handleAck(rid crypto.ID, cmd *wire.Command, sig *crypto.Signature) (*wire.Command, *queue.Message, error) {
	if err := d.checkAuth(rid, RoleRecipient, cmd, sig); err != nil {
		return nil, nil, err
	}
	if len(cmd.Args) < 1 || len(cmd.Args[0]) != crypto.IDSize {
		return nil, nil, errs.New(errs.KindCommand, "Dispatcher.handleAck", "ACK requires a message id")
	}
	var mid crypto.ID
	copy(mid[:], cmd.Args[0])
	if err := d.store.Ack(rid, mid); err != nil {
		return &wire.Command{Token: "NO_MSG"}, nil, nil
	}
	return okResponse(), nil, nil
}

// checkAuth verifies cmd's signature for role unless it is the one
// exception the protocol allows: an unsigned SEND before the queue has a
// sender key. The canonical message signed is the command's encoded form
// with the signature field itself excluded, i.e. cmd re-encoded without args
// changed; callers pass the exact bytes the client signed via cmd.Args, so
// here we re-derive that buffer through Encode.
func (d *Dispatcher) checkAuth(rid crypto.ID, role Role, cmd *wire.Command, sig *crypto.Signature) error {
	if sig == nil {
		if role != RoleSender {
			return errs.New(errs.KindAuth, "Dispatcher.checkAuth", "signature required")
		}
		var nonce [32]byte
		if len(cmd.Args) > 2 && len(cmd.Args[2]) == 32 {
			copy(nonce[:], cmd.Args[2])
		}
		return d.auth.VerifyUnsignedSend(rid, nonce, nowUnix())
	}
	encoded, err := cmd.Encode()
	if err != nil {
		return err
	}
	return d.auth.Verify(rid, role, encoded, *sig)
}

func messageResponse(m *queue.Message) *wire.Command {
	var ts [8]byte
	binary.BigEndian.PutUint64(ts[:], uint64(m.Timestamp.Unix()))
	return &wire.Command{
		Token: "MSG",
		Args:  [][]byte{idBytes(m.ID), ts[:], {m.Flags}, m.Body},
	}
}

func idBytes(id crypto.ID) []byte {
	b := make([]byte, crypto.IDSize)
	copy(b, id[:])
	return b
}
