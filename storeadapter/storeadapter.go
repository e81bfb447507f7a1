// Package storeadapter is a bbolt-backed reference implementation of
// transport.SessionStore and transport.PendingStore, adapted from the
// teacher's encrypted-bucket pattern in pkg/store: a passphrase unwraps
// a data-encryption key on open, and every key and value written to a
// bucket passes through that key's AEAD before bbolt ever sees it.
package storeadapter

import (
	"bytes"
	"crypto/ecdh"
	"crypto/rand"
	"encoding/gob"
	"errors"
	"fmt"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/verbeth/verbeth-core/internal/enigma"
	"github.com/verbeth/verbeth-core/pending"
	"github.com/verbeth/verbeth-core/ratchet"
)

const (
	sessionsBucket = "sessions"
	pendingBucket  = "pending"
	authBucket     = "auth"

	kek = "key-encryption-key"
	dek = "data-encryption-key"
	dpk = "derived-passphrase-key"

	wrappedSaltKey = "wrapped-salt"
	wrappedKey     = "wrapped-key"
	deriveSaltKey  = "derive-salt"
	secretSaltKey  = "secret-salt"
)

var (
	ErrMissingBucket    = errors.New("storeadapter: bucket not found")
	ErrNotFoundInternal = errors.New("storeadapter: item not found")
)

// Store is a bbolt database whose session and pending-message buckets
// are encrypted at rest with a key derived from a user passphrase. It
// satisfies both transport.SessionStore and transport.PendingStore.
type Store struct {
	db     *bolt.DB
	cipher *enigma.Enigma
}

func open(pass []byte, db *bolt.DB) (*enigma.Enigma, error) {
	var secretSalt, deriveSalt, wrappedSalt, wrapped []byte
	err := db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(authBucket))
		wrapped = bucket.Get([]byte(wrappedKey))
		deriveSalt = bucket.Get([]byte(deriveSaltKey))
		wrappedSalt = bucket.Get([]byte(wrappedSaltKey))
		secretSalt = bucket.Get([]byte(secretSaltKey))
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("get values: %w", err)
	}
	if secretSalt == nil || deriveSalt == nil || wrappedSalt == nil || wrapped == nil {
		return nil, ErrNotFoundInternal
	}
	derivedPass, err := enigma.Derive(pass, deriveSalt, []byte(dpk), 32)
	if err != nil {
		return nil, fmt.Errorf("derive from pass: %w", err)
	}
	keyCipher, err := enigma.NewEnigma(derivedPass, wrappedSalt, []byte(kek))
	if err != nil {
		return nil, fmt.Errorf("key cipher: %w", err)
	}
	secret, err := keyCipher.Decrypt(wrapped)
	if err != nil {
		return nil, fmt.Errorf("decrypt secret: %w", err)
	}
	dataCipher, err := enigma.NewEnigma(secret, secretSalt, []byte(dek))
	if err != nil {
		return nil, fmt.Errorf("data cipher: %w", err)
	}
	return dataCipher, nil
}

func create(pass []byte, db *bolt.DB) (*enigma.Enigma, error) {
	secret, secretSalt := random32(), random32()
	deriveSalt, wrappedSalt := random32(), random32()

	derivedPass, err := enigma.Derive(pass, deriveSalt, []byte(dpk), 32)
	if err != nil {
		return nil, fmt.Errorf("derive from pass: %w", err)
	}
	keyCipher, err := enigma.NewEnigma(derivedPass, wrappedSalt, []byte(kek))
	if err != nil {
		return nil, fmt.Errorf("key cipher: %w", err)
	}
	wrapped := keyCipher.Encrypt(secret)
	dataCipher, err := enigma.NewEnigma(secret, secretSalt, []byte(dek))
	if err != nil {
		return nil, fmt.Errorf("data cipher: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(authBucket))
		if err := bucket.Put([]byte(wrappedKey), wrapped); err != nil {
			return fmt.Errorf("put wrapped key: %w", err)
		}
		if err := bucket.Put([]byte(wrappedSaltKey), wrappedSalt); err != nil {
			return fmt.Errorf("put wrapped salt: %w", err)
		}
		if err := bucket.Put([]byte(deriveSaltKey), deriveSalt); err != nil {
			return fmt.Errorf("put derive salt: %w", err)
		}
		if err := bucket.Put([]byte(secretSaltKey), secretSalt); err != nil {
			return fmt.Errorf("put secret salt: %w", err)
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("update db: %w", err)
	}
	return dataCipher, nil
}

func random32() []byte {
	b := make([]byte, 32)
	if _, err := rand.Read(b); err != nil {
		panic(err)
	}
	return b
}

// Open opens (creating if needed) a bbolt database at path, protected
// by passphrase. The first call against a fresh file provisions the
// auth bucket and a fresh data-encryption key; subsequent calls unwrap
// the existing one.
func Open(passphrase []byte, path string) (*Store, error) {
	db, err := bolt.Open(path, 0600, &bolt.Options{Timeout: 1 * time.Second})
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}

	err = db.Update(func(tx *bolt.Tx) error {
		for _, name := range []string{sessionsBucket, pendingBucket, authBucket} {
			if _, err := tx.CreateBucketIfNotExists([]byte(name)); err != nil {
				return fmt.Errorf("creating %s bucket: %w", name, err)
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	cipher, err := open(passphrase, db)
	if errors.Is(err, ErrNotFoundInternal) {
		cipher, err = create(passphrase, db)
	}
	if err != nil {
		return nil, fmt.Errorf("cipher: %w", err)
	}
	return &Store{db: db, cipher: cipher}, nil
}

func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) put(bucket *bolt.Bucket, key, value []byte) error {
	return bucket.Put(s.cipher.Encrypt(key), s.cipher.Encrypt(value))
}

// get scans the bucket decrypting each stored key, since the
// passphrase-derived cipher is randomized (fresh nonce per Encrypt)
// and cannot be looked up by re-encrypting the query key.
func (s *Store) get(bucket *bolt.Bucket, key []byte) ([]byte, error) {
	var found []byte
	err := bucket.ForEach(func(k, v []byte) error {
		if found != nil {
			return nil
		}
		plainKey, err := s.cipher.Decrypt(k)
		if err != nil {
			return nil
		}
		if bytes.Equal(plainKey, key) {
			plainVal, err := s.cipher.Decrypt(v)
			if err != nil {
				return fmt.Errorf("decrypt value: %w", err)
			}
			found = plainVal
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	if found == nil {
		return nil, ErrNotFoundInternal
	}
	return found, nil
}

func (s *Store) delete(bucket *bolt.Bucket, key []byte) error {
	var target []byte
	err := bucket.ForEach(func(k, v []byte) error {
		if target != nil {
			return nil
		}
		plainKey, err := s.cipher.Decrypt(k)
		if err != nil {
			return nil
		}
		if bytes.Equal(plainKey, key) {
			target = append([]byte{}, k...)
		}
		return nil
	})
	if err != nil {
		return err
	}
	if target == nil {
		return nil
	}
	return bucket.Delete(target)
}

// sessionDTO mirrors ratchet.Session with wire-friendly field types —
// the standard library's crypto/ecdh keys carry unexported state and
// must be round-tripped through their Bytes() encoding instead of gob
// directly.
type sessionDTO struct {
	ConversationID [32]byte

	MyAddress      string
	ContactAddress string
	TopicOutbound  [32]byte
	TopicInbound   [32]byte

	RootKey [32]byte

	DHMySecretBytes    []byte
	DHTheirPublicBytes []byte

	SendingChainKey    *[32]byte
	SendingMsgNumber   uint32
	ReceivingChainKey  *[32]byte
	ReceivingMsgNumber uint32

	PreviousChainLength uint32
	SkippedKeys         []ratchet.SkippedKey

	Topics ratchet.TopicState

	CreatedAt time.Time
	UpdatedAt time.Time
	Epoch     uint32

	SigningPriv       []byte
	ContactSigningPub []byte
}

func toDTO(s *ratchet.Session) *sessionDTO {
	return &sessionDTO{
		ConversationID:      s.ConversationID,
		MyAddress:           s.MyAddress,
		ContactAddress:      s.ContactAddress,
		TopicOutbound:       s.TopicOutbound,
		TopicInbound:        s.TopicInbound,
		RootKey:             s.RootKey,
		DHMySecretBytes:     s.DHMySecret.Bytes(),
		DHTheirPublicBytes:  s.DHTheirPublic.Bytes(),
		SendingChainKey:     s.SendingChainKey,
		SendingMsgNumber:    s.SendingMsgNumber,
		ReceivingChainKey:   s.ReceivingChainKey,
		ReceivingMsgNumber:  s.ReceivingMsgNumber,
		PreviousChainLength: s.PreviousChainLength,
		SkippedKeys:         s.SkippedKeys,
		Topics:              s.Topics,
		CreatedAt:           s.CreatedAt,
		UpdatedAt:           s.UpdatedAt,
		Epoch:               s.Epoch,
		SigningPriv:         []byte(s.SigningPriv),
		ContactSigningPub:   []byte(s.ContactSigningPub),
	}
}

func fromDTO(d *sessionDTO) (*ratchet.Session, error) {
	mySecret, err := ecdh.X25519().NewPrivateKey(d.DHMySecretBytes)
	if err != nil {
		return nil, fmt.Errorf("restore dh secret: %w", err)
	}
	theirPublic, err := ecdh.X25519().NewPublicKey(d.DHTheirPublicBytes)
	if err != nil {
		return nil, fmt.Errorf("restore dh public: %w", err)
	}
	return &ratchet.Session{
		ConversationID:      d.ConversationID,
		MyAddress:           d.MyAddress,
		ContactAddress:      d.ContactAddress,
		TopicOutbound:       d.TopicOutbound,
		TopicInbound:        d.TopicInbound,
		RootKey:             d.RootKey,
		DHMySecret:          mySecret,
		DHMyPublic:          mySecret.PublicKey(),
		DHTheirPublic:       theirPublic,
		SendingChainKey:     d.SendingChainKey,
		SendingMsgNumber:    d.SendingMsgNumber,
		ReceivingChainKey:   d.ReceivingChainKey,
		ReceivingMsgNumber:  d.ReceivingMsgNumber,
		PreviousChainLength: d.PreviousChainLength,
		SkippedKeys:         d.SkippedKeys,
		Topics:              d.Topics,
		CreatedAt:           d.CreatedAt,
		UpdatedAt:           d.UpdatedAt,
		Epoch:               d.Epoch,
		SigningPriv:         d.SigningPriv,
		ContactSigningPub:   d.ContactSigningPub,
	}, nil
}

// LoadSession implements transport.SessionStore.
func (s *Store) LoadSession(conversationID [32]byte) (*ratchet.Session, error) {
	var plain []byte
	err := s.db.View(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(sessionsBucket))
		if bucket == nil {
			return ErrMissingBucket
		}
		v, err := s.get(bucket, conversationID[:])
		if err != nil {
			return err
		}
		plain = v
		return nil
	})
	if err != nil {
		return nil, err
	}
	var dto sessionDTO
	if err := gob.NewDecoder(bytes.NewReader(plain)).Decode(&dto); err != nil {
		return nil, fmt.Errorf("decode session: %w", err)
	}
	return fromDTO(&dto)
}

// SaveSession implements transport.SessionStore.
func (s *Store) SaveSession(session *ratchet.Session) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(toDTO(session)); err != nil {
		return fmt.Errorf("encode session: %w", err)
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(sessionsBucket))
		if bucket == nil {
			return ErrMissingBucket
		}
		if err := s.delete(bucket, session.ConversationID[:]); err != nil {
			return err
		}
		return s.put(bucket, session.ConversationID[:], buf.Bytes())
	})
}

// DeleteSession implements transport.SessionStore.
func (s *Store) DeleteSession(conversationID [32]byte) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(sessionsBucket))
		if bucket == nil {
			return ErrMissingBucket
		}
		return s.delete(bucket, conversationID[:])
	})
}

func init() {
	gob.Register(ratchet.SkippedKey{})
}

// pendingKey is stable across the preparing->submitted->failed lifecycle
// of a single Message (ConversationID and CreatedAt never change), so
// repeated SavePending calls for the same send overwrite in place.
func pendingKey(m *pending.Message) []byte {
	key := make([]byte, 0, 40)
	key = append(key, m.ConversationID[:]...)
	ts := make([]byte, 8)
	nano := m.CreatedAt.UnixNano()
	for i := 7; i >= 0; i-- {
		ts[i] = byte(nano)
		nano >>= 8
	}
	return append(key, ts...)
}

// SavePending implements transport.PendingStore.
func (s *Store) SavePending(m *pending.Message) error {
	var buf bytes.Buffer
	if err := gob.NewEncoder(&buf).Encode(m); err != nil {
		return fmt.Errorf("encode pending message: %w", err)
	}
	key := pendingKey(m)
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(pendingBucket))
		if bucket == nil {
			return ErrMissingBucket
		}
		if err := s.delete(bucket, key); err != nil {
			return err
		}
		return s.put(bucket, key, buf.Bytes())
	})
}

func (s *Store) forEachPending(fn func(key []byte, m *pending.Message) (stop bool, err error)) error {
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(pendingBucket))
		if bucket == nil {
			return ErrMissingBucket
		}
		return bucket.ForEach(func(k, v []byte) error {
			plainKey, err := s.cipher.Decrypt(k)
			if err != nil {
				return nil
			}
			plainVal, err := s.cipher.Decrypt(v)
			if err != nil {
				return nil
			}
			var m pending.Message
			if err := gob.NewDecoder(bytes.NewReader(plainVal)).Decode(&m); err != nil {
				return nil
			}
			_, err = fn(plainKey, &m)
			return err
		})
	})
}

// DeletePendingByTxHash implements transport.PendingStore.
func (s *Store) DeletePendingByTxHash(txHash string) error {
	var target []byte
	err := s.forEachPending(func(key []byte, m *pending.Message) (bool, error) {
		if m.TxHash == txHash {
			target = key
		}
		return false, nil
	})
	if err != nil {
		return err
	}
	if target == nil {
		return nil
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(pendingBucket))
		if bucket == nil {
			return ErrMissingBucket
		}
		return s.delete(bucket, target)
	})
}

// DeletePendingByConversation implements transport.PendingStore.
func (s *Store) DeletePendingByConversation(conversationID [32]byte) error {
	var targets [][]byte
	err := s.forEachPending(func(key []byte, m *pending.Message) (bool, error) {
		if m.ConversationID == conversationID {
			targets = append(targets, key)
		}
		return false, nil
	})
	if err != nil {
		return err
	}
	return s.db.Update(func(tx *bolt.Tx) error {
		bucket := tx.Bucket([]byte(pendingBucket))
		if bucket == nil {
			return ErrMissingBucket
		}
		for _, key := range targets {
			if err := s.delete(bucket, key); err != nil {
				return err
			}
		}
		return nil
	})
}

// ListStale implements transport.PendingStore.
func (s *Store) ListStale(olderThan time.Time) ([]*pending.Message, error) {
	var stale []*pending.Message
	err := s.forEachPending(func(key []byte, m *pending.Message) (bool, error) {
		if m.CreatedAt.Before(olderThan) {
			cp := *m
			stale = append(stale, &cp)
		}
		return false, nil
	})
	if err != nil {
		return nil, err
	}
	return stale, nil
}
