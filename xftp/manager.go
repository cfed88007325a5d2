package xftp

import (
	"context"
	"crypto/sha256"
	"math/rand"
	"os"

	"github.com/anoncore/smp-core/crypto"
	"github.com/anoncore/smp-core/errs"
	"github.com/anoncore/smp-core/transport"
	"gopkg.in/yaml.v3"
)

// ProgressFunc reports cumulative ciphertext bytes transferred against the
// total, called once per chunk as it completes upload or download.
type ProgressFunc func(sent, total int64)

// maxInlineDescriptionSize bounds how large an encoded Description may be
// before Manager redirects it through a small uploaded file instead of
// handing it to the caller directly (§4.5): past this size a descriptor
// no longer comfortably fits a QR code or a single pairing message.
const maxInlineDescriptionSize = 2000

const maxRelayAttempts = 3

// Manager coordinates file uploads and downloads across a pool of file
// relays. Grounded on file/manager.go's Manager: a small coordinating
// type holding a transport and a table keyed by the unit of work,
// generalized from a single shared connection's packet-handler
// registration to a fresh xftp.Client dialed per relay in the configured
// pool, since a chunk's relay is chosen per upload/fetch rather than
// fixed for the life of a connection.
type Manager struct {
	trans     transport.Transport
	pool      []string
	blockSize int
}

// NewManager builds a Manager dialing relays in pool through trans.
// blockSize must be sized via BlockSizeFor the largest chunk size this
// manager will use.
func NewManager(trans transport.Transport, pool []string, blockSize int) *Manager {
	return &Manager{trans: trans, pool: pool, blockSize: blockSize}
}

// dialRotating tries relays from the pool starting at a pseudo-random
// offset, so repeated calls spread load across the pool rather than
// hammering its first entry, skipping any address in excluded. It gives
// up after maxRelayAttempts eligible relays have failed to dial.
func (m *Manager) dialRotating(ctx context.Context, excluded map[string]bool) (*Client, string, error) {
	if len(m.pool) == 0 {
		return nil, "", errs.New(errs.KindBroker, "Manager.dialRotating", "relay pool is empty")
	}
	start := rand.Intn(len(m.pool))
	var lastErr error
	attempts := 0
	for i := 0; i < len(m.pool) && attempts < maxRelayAttempts; i++ {
		addr := m.pool[(start+i)%len(m.pool)]
		if excluded[addr] {
			continue
		}
		attempts++
		c, err := Dial(ctx, m.trans, addr, m.blockSize)
		if err == nil {
			return c, addr, nil
		}
		lastErr = err
	}
	if lastErr == nil {
		lastErr = errs.New(errs.KindBroker, "Manager.dialRotating", "no eligible relay in pool")
	}
	return nil, "", lastErr
}

// uploadChunk registers and uploads a single chunk, minting a fresh
// sender credential and one fresh recipient credential per recipient.
// Returns the relay address the chunk landed on, the sender's own entry
// (its private credential, for later FDEL), and one entry per recipient
// (each carrying that recipient's own private credential).
func (m *Manager) uploadChunk(ctx context.Context, number int, body []byte, numRecipients int, excluded map[string]bool) (server string, senderEntry ChunkEntry, recipientEntries []ChunkEntry, err error) {
	senderSeed, err := newSigningSeed()
	if err != nil {
		return "", ChunkEntry{}, nil, err
	}
	senderPub := ed25519PublicFromSeed(senderSeed)

	recipientSeeds := make([][32]byte, numRecipients)
	recipientPubs := make([][32]byte, numRecipients)
	for i := range recipientSeeds {
		recipientSeeds[i], err = newSigningSeed()
		if err != nil {
			return "", ChunkEntry{}, nil, err
		}
		recipientPubs[i] = ed25519PublicFromSeed(recipientSeeds[i])
	}

	c, addr, err := m.dialRotating(ctx, excluded)
	if err != nil {
		return "", ChunkEntry{}, nil, err
	}
	defer c.Close()

	fnewArgs := make([][]byte, 0, 1+numRecipients)
	fnewArgs = append(fnewArgs, append([]byte(nil), senderPub[:]...))
	for _, pub := range recipientPubs {
		fnewArgs = append(fnewArgs, append([]byte(nil), pub[:]...))
	}
	idsResp, err := c.Request(crypto.ID{}, "FNEW", nil, fnewArgs...)
	if err != nil {
		return addr, ChunkEntry{}, nil, err
	}
	if idsResp.Token != "FIDS" || len(idsResp.Args) != 1+numRecipients {
		return addr, ChunkEntry{}, nil, errs.New(errs.KindFile, "Manager.uploadChunk", "FNEW did not return the expected FIDS")
	}
	var sid crypto.ID
	copy(sid[:], idsResp.Args[0])
	rids := make([]crypto.ID, numRecipients)
	for i := range rids {
		copy(rids[i][:], idsResp.Args[1+i])
	}

	putResp, err := c.Request(sid, "FPUT", &senderSeed, body)
	if err != nil {
		return addr, ChunkEntry{}, nil, err
	}
	if putResp.Token != "OK" {
		return addr, ChunkEntry{}, nil, errs.New(errs.KindFile, "Manager.uploadChunk", "FPUT was rejected: "+putResp.Token)
	}

	digest := ChunkDigest(body)
	senderEntry = ChunkEntry{Number: number, ID: sid, Key: senderSeed, Digest: digest, HasDigest: true, Size: int64(len(body)), HasSize: true}
	recipientEntries = make([]ChunkEntry, numRecipients)
	for i := range recipientEntries {
		recipientEntries[i] = ChunkEntry{Number: number, ID: rids[i], Key: recipientSeeds[i], Digest: digest, HasDigest: true, Size: int64(len(body)), HasSize: true}
	}
	return addr, senderEntry, recipientEntries, nil
}

// replicaBuilder accumulates chunk entries grouped by the relay address
// they landed on, preserving first-appearance order so the earliest
// relay for a given chunk set becomes its primary replica.
type replicaBuilder struct {
	order   []string
	entries map[string][]string
}

func newReplicaBuilder() *replicaBuilder {
	return &replicaBuilder{entries: make(map[string][]string)}
}

func (b *replicaBuilder) add(server string, entry ChunkEntry) {
	if _, ok := b.entries[server]; !ok {
		b.order = append(b.order, server)
	}
	b.entries[server] = append(b.entries[server], entry.encode())
}

func (b *replicaBuilder) build() []Replica {
	out := make([]Replica, 0, len(b.order))
	for _, server := range b.order {
		out = append(out, Replica{Server: server, Chunks: b.entries[server]})
	}
	return out
}

// UploadResult carries the sender's own description of an uploaded file
// (used to later FDEL its chunks) alongside one description per
// recipient, each scoped to that recipient's own credentials.
type UploadResult struct {
	SenderDescription     *Description
	RecipientDescriptions []*Description
}

// UploadFile encrypts body under a fresh content key, splits it into
// chunks per PlanChunks, uploads each chunk to a relay from the pool with
// rotation on transient failure, and assembles a Description per
// recipient (and one for the sender). Each recipient description is
// passed through resolveOrRedirect before being returned, so a caller
// never has to reason about the QR-sized budget itself.
func (m *Manager) UploadFile(ctx context.Context, fileName string, body []byte, numRecipients int, defaultChunkSize, smallChunkSize int, progress ProgressFunc) (*UploadResult, error) {
	key, err := randomKey32()
	if err != nil {
		return nil, err
	}
	nonce, err := crypto.GenerateNonce()
	if err != nil {
		return nil, errs.Wrap(errs.KindCrypto, "Manager.UploadFile", err)
	}
	cipher, digest, err := EncryptBody(Header{FileName: fileName}, body, key, nonce)
	if err != nil {
		return nil, err
	}
	chunks := PlanChunks(cipher, defaultChunkSize, smallChunkSize)
	if len(chunks) == 0 {
		return nil, errs.New(errs.KindFile, "Manager.UploadFile", "file produced no chunks")
	}

	var total int64
	for _, c := range chunks {
		total += int64(len(c))
	}

	senderBuilder := newReplicaBuilder()
	recipientBuilders := make([]*replicaBuilder, numRecipients)
	for i := range recipientBuilders {
		recipientBuilders[i] = newReplicaBuilder()
	}

	var sent int64
	for idx, chunkBody := range chunks {
		number := idx + 1
		excluded := map[string]bool{}
		var addr string
		var senderEntry ChunkEntry
		var recipientEntries []ChunkEntry
		var uerr error
		for attempt := 0; attempt < maxRelayAttempts; attempt++ {
			addr, senderEntry, recipientEntries, uerr = m.uploadChunk(ctx, number, chunkBody, numRecipients, excluded)
			if uerr == nil {
				break
			}
			if !errs.Retriable(uerr) {
				return nil, uerr
			}
			if addr != "" {
				excluded[addr] = true
			}
		}
		if uerr != nil {
			return nil, uerr
		}

		senderBuilder.add(addr, senderEntry)
		for ri, entry := range recipientEntries {
			recipientBuilders[ri].add(addr, entry)
		}

		sent += int64(len(chunkBody))
		if progress != nil {
			progress(sent, total)
		}
	}

	base := Description{
		Size:      int64(len(cipher)),
		Digest:    hexDigest(digest),
		Key:       hexKey(key),
		Nonce:     hexNonce(nonce),
		ChunkSize: defaultChunkSize,
	}

	sender := base
	sender.Replicas = senderBuilder.build()

	result := &UploadResult{SenderDescription: &sender, RecipientDescriptions: make([]*Description, numRecipients)}
	for i := range result.RecipientDescriptions {
		d := base
		d.Replicas = recipientBuilders[i].build()
		resolved, err := m.resolveOrRedirect(ctx, &d)
		if err != nil {
			return nil, err
		}
		result.RecipientDescriptions[i] = resolved
	}
	return result, nil
}

// resolveOrRedirect returns d unchanged if its encoded form fits within
// maxInlineDescriptionSize, otherwise uploads d's own YAML bytes as a
// one-recipient file and returns a stub Description pointing at it via
// Redirect, per §4.5's "package full descriptor as a small file" rule.
func (m *Manager) resolveOrRedirect(ctx context.Context, d *Description) (*Description, error) {
	raw, err := d.Encode()
	if err != nil {
		return nil, err
	}
	if len(raw) <= maxInlineDescriptionSize {
		return d, nil
	}
	digest := sha256.Sum256(raw)
	inner, err := m.UploadFile(ctx, "description", raw, 1, len(raw), len(raw), nil)
	if err != nil {
		return nil, err
	}
	stub := inner.RecipientDescriptions[0]
	stub.Redirect = &Redirect{Size: int64(len(raw)), Digest: hexDigest(digest)}
	return stub, nil
}

// fetchAndDecrypt fetches every chunk d describes in order, verifies the
// reassembled stream's size and digest against d, and decrypts it under
// d's key and nonce. It is shared by DownloadFile (on a resolved, non-
// redirect description) and resolveDescriptor (on a redirect stub, whose
// decrypted body is the real Description's YAML bytes rather than a
// caller's file).
func (m *Manager) fetchAndDecrypt(ctx context.Context, d *Description, progress ProgressFunc) (Header, []byte, error) {
	key, err := parseHexKey(d.Key)
	if err != nil {
		return Header{}, nil, err
	}
	nonce, err := parseHexNonce(d.Nonce)
	if err != nil {
		return Header{}, nil, err
	}
	expectedDigest, err := parseHexDigest(d.Digest)
	if err != nil {
		return Header{}, nil, err
	}
	chunks, err := d.OrderedChunks()
	if err != nil {
		return Header{}, nil, err
	}

	cipher := make([]byte, 0, d.Size)
	var got int64
	for _, refs := range chunks {
		body, err := m.fetchChunkWithRetry(ctx, refs)
		if err != nil {
			return Header{}, nil, err
		}
		cipher = append(cipher, body...)
		got += int64(len(body))
		if progress != nil {
			progress(got, d.Size)
		}
	}

	if int64(len(cipher)) != d.Size {
		return Header{}, nil, errs.New(errs.KindFile, "Manager.fetchAndDecrypt", "reassembled stream size does not match description")
	}
	if ChunkDigest(cipher) != expectedDigest {
		return Header{}, nil, errs.New(errs.KindFile, "Manager.fetchAndDecrypt", "reassembled stream digest does not match description")
	}

	return DecryptBody(cipher, key, nonce)
}

// fetchChunkWithRetry tries each replica for a chunk number in order
// (primary first), retrying on the next replica only when the failure is
// transient.
func (m *Manager) fetchChunkWithRetry(ctx context.Context, refs []ReplicaRef) ([]byte, error) {
	if len(refs) == 0 {
		return nil, errs.New(errs.KindFile, "Manager.fetchChunkWithRetry", "chunk has no replicas")
	}
	var lastErr error
	for _, ref := range refs {
		body, err := m.fetchChunk(ctx, ref)
		if err == nil {
			return body, nil
		}
		lastErr = err
		if !errs.Retriable(err) {
			return nil, err
		}
	}
	return nil, lastErr
}

// fetchChunk implements one FGET/FACK round trip against a single
// replica, unwrapping the relay's per-request transport encryption (§4.5)
// before verifying the chunk's own digest.
func (m *Manager) fetchChunk(ctx context.Context, ref ReplicaRef) ([]byte, error) {
	c, err := Dial(ctx, m.trans, ref.Server, m.blockSize)
	if err != nil {
		return nil, err
	}
	defer c.Close()

	recipientDH, err := crypto.GenerateEphemeralDH()
	if err != nil {
		return nil, errs.Wrap(errs.KindCrypto, "Manager.fetchChunk", err)
	}

	key := ref.Entry.Key
	resp, err := c.Request(ref.Entry.ID, "FGET", &key, recipientDH.Public[:])
	if err != nil {
		return nil, err
	}
	if resp.Token == "PENDING" {
		return nil, errs.New(errs.KindBroker, "Manager.fetchChunk", "chunk not yet available")
	}
	if resp.Token != "FCHUNK" || len(resp.Args) != 3 {
		return nil, errs.New(errs.KindFile, "Manager.fetchChunk", "FGET did not return FCHUNK")
	}
	var serverDH [32]byte
	copy(serverDH[:], resp.Args[0])
	var transNonce crypto.Nonce
	copy(transNonce[:], resp.Args[1])
	transCipher := resp.Args[2]

	secret, err := crypto.DeriveSharedSecret(serverDH, recipientDH.Private)
	if err != nil {
		return nil, errs.Wrap(errs.KindCrypto, "Manager.fetchChunk", err)
	}
	body, err := crypto.DecryptSymmetric(transCipher, transNonce, secret)
	if err != nil {
		return nil, errs.Wrap(errs.KindFile, "Manager.fetchChunk", err)
	}

	if ref.Entry.HasDigest && ChunkDigest(body) != ref.Entry.Digest {
		return nil, errs.New(errs.KindFile, "Manager.fetchChunk", "chunk digest mismatch")
	}

	if _, err := c.Request(ref.Entry.ID, "FACK", &key); err != nil {
		return nil, err
	}
	return body, nil
}

// resolveDescriptor follows one level of redirect (§4.5 allows no more):
// it fetches and decrypts the small file a redirect stub points at,
// checks the recovered bytes against the stub's own Redirect.Size/Digest,
// and decodes them as the real Description.
func (m *Manager) resolveDescriptor(ctx context.Context, d *Description) (*Description, error) {
	if d.Redirect == nil {
		return d, nil
	}
	_, raw, err := m.fetchAndDecrypt(ctx, d, nil)
	if err != nil {
		return nil, err
	}
	if int64(len(raw)) != d.Redirect.Size {
		return nil, errs.New(errs.KindFile, "Manager.resolveDescriptor", "redirected description size mismatch")
	}
	if gotDigest := sha256.Sum256(raw); hexDigest(gotDigest) != d.Redirect.Digest {
		return nil, errs.New(errs.KindFile, "Manager.resolveDescriptor", "redirected description digest mismatch")
	}
	var inner Description
	if err := yaml.Unmarshal(raw, &inner); err != nil {
		return nil, errs.Wrap(errs.KindFile, "Manager.resolveDescriptor", err)
	}
	if inner.Redirect != nil {
		return nil, errs.New(errs.KindFile, "Manager.resolveDescriptor", "redirect chains are not supported")
	}
	if err := inner.Validate(); err != nil {
		return nil, err
	}
	return &inner, nil
}

// DownloadFile resolves desc (following one level of redirect), fetches
// and verifies every chunk in order, decrypts the reassembled stream, and
// writes it under destDir. destName overrides the file's own header name
// when non-empty; either way the final path is checked by ValidatePath
// before anything is written.
func (m *Manager) DownloadFile(ctx context.Context, desc *Description, destDir, destName string, progress ProgressFunc) error {
	resolved, err := m.resolveDescriptor(ctx, desc)
	if err != nil {
		return err
	}

	header, body, err := m.fetchAndDecrypt(ctx, resolved, progress)
	if err != nil {
		return err
	}

	name := destName
	if name == "" {
		name = header.FileName
	}
	full, err := ValidatePath(destDir, name)
	if err != nil {
		return err
	}
	if err := os.WriteFile(full, body, 0o600); err != nil {
		return errs.Wrap(errs.KindFile, "Manager.DownloadFile", err)
	}
	return nil
}
