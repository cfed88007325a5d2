package relay

import (
	"github.com/sirupsen/logrus"

	"github.com/anoncore/smp-core/crypto"
	"github.com/anoncore/smp-core/queue"
)

// PushNotifier delivers an encrypted notification token to an external
// push-delivery system (APNs, FCM, a UnifiedPush distributor, ...). The
// relay core never speaks to a push provider directly; it only encrypts
// the token and hands it to whatever PushNotifier the deployment wires in.
type PushNotifier interface {
	Notify(notifierID crypto.ID, encryptedToken []byte) error
}

// PushSink binds a queue store to a PushNotifier, deriving the per-queue
// notification secret and encrypting a token payload on each notify-flagged
// SEND. Grounded on the teacher's external-delivery-callback shape
// (async/client.go hands decrypted messages to a caller-supplied sink
// rather than embedding transport-specific push logic).
type PushSink struct {
	notifier PushNotifier
}

// NewPushSink wraps notifier as the relay's push-notification sink.
func NewPushSink(notifier PushNotifier) *PushSink {
	return &PushSink{notifier: notifier}
}

// Notify builds and delivers a notification token for q, logging but not
// surfacing delivery failures: push notifications are best-effort and
// never block message delivery over the primary queue.
func (p *PushSink) Notify(q *queue.Queue) {
	log := logrus.WithFields(logrus.Fields{"function": "PushSink.Notify", "notifier_id": q.NotifierID.String()})

	secret, err := q.NotificationSecret()
	if err != nil {
		log.WithError(err).Warn("failed to derive notification secret")
		return
	}

	nonce, err := crypto.GenerateNonce()
	if err != nil {
		log.WithError(err).Warn("failed to generate notification nonce")
		return
	}

	token, err := crypto.EncryptSymmetric(q.RecipientID[:], nonce, secret)
	if err != nil {
		log.WithError(err).Warn("failed to encrypt notification token")
		return
	}
	token = append(nonce[:], token...)

	if err := p.notifier.Notify(q.NotifierID, token); err != nil {
		log.WithError(err).Warn("push delivery failed")
	}
}
