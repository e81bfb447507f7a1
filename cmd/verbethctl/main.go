// Command verbethctl exercises a full local handshake and ratchet
// exchange without touching a real chain: two in-process wallets stand
// in for Alice and Bob, an in-memory executor stands in for the
// contract's submit/emit cycle, and the result is persisted through the
// bbolt-backed storeadapter in a temporary directory that is removed when
// the command exits.
package main

import (
	"crypto/ecdsa"
	"encoding/hex"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/verbeth/verbeth-core/codec"
	"github.com/verbeth/verbeth-core/handshake"
	"github.com/verbeth/verbeth-core/identity"
	"github.com/verbeth/verbeth-core/pending"
	"github.com/verbeth/verbeth-core/session"
	"github.com/verbeth/verbeth-core/storeadapter"
	"github.com/verbeth/verbeth-core/verify"
)

// wallet is a minimal identity.Signer backed by an in-memory ECDSA key,
// standing in for a browser wallet's personal_sign.
type wallet struct {
	priv *ecdsa.PrivateKey
	addr common.Address
}

func newWallet() (*wallet, error) {
	priv, err := crypto.GenerateKey()
	if err != nil {
		return nil, err
	}
	return &wallet{priv: priv, addr: crypto.PubkeyToAddress(priv.PublicKey)}, nil
}

func (w *wallet) Address() common.Address { return w.addr }

func (w *wallet) SignMessage(plaintext []byte) ([]byte, error) {
	msg := fmt.Sprintf("\x19Ethereum Signed Message:\n%d%s", len(plaintext), plaintext)
	digest := crypto.Keccak256Hash([]byte(msg))
	sig, err := crypto.Sign(digest[:], w.priv)
	if err != nil {
		return nil, err
	}
	sig[64] += 27
	return identity.CanonicalizeLowS(sig)
}

// deriveIdentity runs the full §4.3 seed-signature key schedule for w.
func deriveIdentity(w *wallet) (*identity.KeyPair, *identity.Proof, error) {
	seedMsg := identity.SeedMessage(w.addr)
	seedSig, err := w.SignMessage(seedMsg)
	if err != nil {
		return nil, nil, fmt.Errorf("sign seed message: %w", err)
	}
	ikm := identity.AssembleIKM(seedSig, seedMsg, w.addr)
	keys, err := identity.DeriveFromIKM(ikm)
	if err != nil {
		return nil, nil, fmt.Errorf("derive keys: %w", err)
	}
	proof, err := identity.BuildProof(w, w.addr, keys.Ed25519PubBytes(), keys.X25519PubBytes(), nil)
	if err != nil {
		return nil, nil, fmt.Errorf("build binding proof: %w", err)
	}
	return keys, proof, nil
}

// memExecutor stands in for the on-chain MessageSent emitter: Submit
// hands the wire bytes straight to a channel the other party drains.
type memExecutor struct {
	inbox chan []byte
	seq   int
}

func (e *memExecutor) Submit(topic [32]byte, wireMessage []byte) (string, error) {
	e.seq++
	txHash := fmt.Sprintf("0xlocal%d", e.seq)
	e.inbox <- wireMessage
	return txHash, nil
}

func main() {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	slog.SetDefault(slog.New(handler))

	if err := run(); err != nil {
		slog.Error("verbethctl: fatal", slog.Any("error", err))
		os.Exit(1)
	}
}

func run() error {
	now := time.Now()

	alice, err := newWallet()
	if err != nil {
		return err
	}
	bob, err := newWallet()
	if err != nil {
		return err
	}

	aliceKeys, aliceProof, err := deriveIdentity(alice)
	if err != nil {
		return fmt.Errorf("alice identity: %w", err)
	}
	bobKeys, bobProof, err := deriveIdentity(bob)
	if err != nil {
		return fmt.Errorf("bob identity: %w", err)
	}

	slog.Info("identities derived",
		slog.String("alice", alice.Address().Hex()),
		slog.String("bob", bob.Address().Hex()),
	)

	pending1, outgoing, err := handshake.BuildInitiation(aliceKeys, aliceProof, bob.Address(), "hello from alice")
	if err != nil {
		return fmt.Errorf("build initiation: %w", err)
	}

	x25519Pub, kemPub, err := handshake.ParseEphemeralBlob(outgoing.EphemeralBlob)
	if err != nil {
		return fmt.Errorf("parse ephemeral blob: %w", err)
	}
	initiatorUnified, err := codec.DecodeUnifiedPubKeys(outgoing.UnifiedPubKeys)
	if err != nil {
		return fmt.Errorf("decode initiator unified pubkeys: %w", err)
	}
	payload, err := codec.DecodeHandshakePayload(outgoing.PayloadJSON)
	if err != nil {
		return fmt.Errorf("decode handshake payload: %w", err)
	}
	in := &handshake.IncomingHandshake{
		InitiatorAddress: alice.Address(),
		InitiatorX25519:  x25519Pub,
		InitiatorEd25519: initiatorUnified.Ed25519,
		InitiatorKEMPub:  kemPub,
		Payload:          *payload,
	}

	expectedAlice := verify.ExpectedKeys{
		X25519:  aliceKeys.X25519PubBytes(),
		Ed25519: aliceKeys.Ed25519PubBytes(),
	}
	if err := handshake.VerifyInitiation(in, expectedAlice, nil, nil); err != nil {
		return fmt.Errorf("verify initiation: %w", err)
	}
	slog.Info("bob verified alice's binding proof")

	result, err := handshake.BuildResponse(bobKeys, bobProof, in, pending1.TopicOutbound, pending1.TopicInbound, now)
	if err != nil {
		return fmt.Errorf("build response: %w", err)
	}

	envelope, err := codec.DecodeEnvelope(result.Event.EncryptedBody)
	if err != nil {
		return fmt.Errorf("decode response envelope: %w", err)
	}

	expectedBob := verify.ExpectedKeys{
		X25519:  bobKeys.X25519PubBytes(),
		Ed25519: bobKeys.Ed25519PubBytes(),
	}
	aliceSession, _, err := handshake.CompleteInitiation(aliceKeys, pending1, *envelope, expectedBob, nil, nil, now)
	if err != nil {
		return fmt.Errorf("complete initiation: %w", err)
	}
	slog.Info("alice completed handshake", slog.String("conversationId", hex.EncodeToString(aliceSession.ConversationID[:])))

	dbDir, err := os.MkdirTemp("", "verbethctl-*")
	if err != nil {
		return err
	}
	defer os.RemoveAll(dbDir)

	aliceStore, err := storeadapter.Open([]byte("alice-demo-passphrase"), filepath.Join(dbDir, "alice.db"))
	if err != nil {
		return fmt.Errorf("open alice store: %w", err)
	}
	defer aliceStore.Close()
	bobStore, err := storeadapter.Open([]byte("bob-demo-passphrase"), filepath.Join(dbDir, "bob.db"))
	if err != nil {
		return fmt.Errorf("open bob store: %w", err)
	}
	defer bobStore.Close()

	aliceSessions := session.New(aliceStore)
	bobSessions := session.New(bobStore)
	aliceSessions.Track(aliceSession)
	bobSessions.Track(result.Session)
	if err := aliceSessions.Save(aliceSession); err != nil {
		return fmt.Errorf("persist alice session: %w", err)
	}
	if err := bobSessions.Save(result.Session); err != nil {
		return fmt.Errorf("persist bob session: %w", err)
	}

	executor := &memExecutor{inbox: make(chan []byte, 8)}
	alicePending := pending.New(aliceSessions, aliceStore, executor)

	msg, err := alicePending.Send(aliceSession.ConversationID, []byte("first ratchet message"), now)
	if err != nil {
		return fmt.Errorf("send: %w", err)
	}
	if err := alicePending.Confirm(msg.TxHash); err != nil {
		return fmt.Errorf("confirm: %w", err)
	}
	slog.Info("alice sent and confirmed", slog.String("txHash", msg.TxHash))

	wire := <-executor.inbox
	ratchetMsg, err := codec.Decode(wire)
	if err != nil {
		return fmt.Errorf("decode ratchet wire: %w", err)
	}

	bobSession, kind, err := bobSessions.GetByInboundTopic(msg.Topic, now)
	if err != nil {
		return fmt.Errorf("bob route inbound: %w", err)
	}
	slog.Info("bob routed inbound message", slog.String("matchKind", fmt.Sprint(kind)))

	plaintext, err := bobSession.Decrypt(ratchetMsg.Header, ratchetMsg.NonceCiphertext, ratchetMsg.Signature, now)
	if err != nil {
		return fmt.Errorf("bob decrypt: %w", err)
	}
	if err := bobSessions.Save(bobSession); err != nil {
		return fmt.Errorf("persist bob session after decrypt: %w", err)
	}

	slog.Info("bob decrypted message", slog.String("plaintext", string(plaintext)))
	fmt.Println(string(plaintext))
	return nil
}
