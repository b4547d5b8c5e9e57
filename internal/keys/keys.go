package keys

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"database/sql"
	"encoding/hex"
	"encoding/pem"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"time"
)

/*
Signing key store for the platform's LTI id_tokens.

The platform holds exactly one RSA-2048 keypair. It is created lazily on the
first JWKS or token-issuance request and never regenerated while present.
Provisioning must be a single atomic create-if-absent: a naive read-then-write
under concurrent first-time requests can persist two different kids. The store
therefore serializes generation behind a process mutex and, across processes,
relies on a conditional insert against a single-row table
(INSERT ... ON CONFLICT DO NOTHING) followed by a re-read, so the loser of a
race discards its candidate key and adopts the winner's.
*/

// KeyPair is the platform's active signing keypair.
type KeyPair struct {
	KID       string
	Private   *rsa.PrivateKey
	CreatedAt time.Time
}

// Public returns the public half of the keypair.
func (k KeyPair) Public() *rsa.PublicKey {
	if k.Private == nil {
		return nil
	}
	return &k.Private.PublicKey
}

const rsaKeyBits = 2048

// Store persists the platform keypair in the platform_keys table.
type Store struct {
	DB *sql.DB

	// Clock (for tests)
	Now func() time.Time

	mu sync.Mutex
}

// NewStore returns a Store backed by db.
func NewStore(db *sql.DB) *Store { return &Store{DB: db} }

// GetOrCreate returns the current keypair, generating and persisting a fresh
// RSA-2048 keypair with a random kid if none exists yet.
func (s *Store) GetOrCreate(ctx context.Context) (KeyPair, error) {
	if s.DB == nil {
		return KeyPair{}, errors.New("keys: db not configured")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	if kp, err := s.load(ctx); err == nil {
		return kp, nil
	} else if !errors.Is(err, sql.ErrNoRows) {
		return KeyPair{}, err
	}

	priv, err := rsa.GenerateKey(rand.Reader, rsaKeyBits)
	if err != nil {
		return KeyPair{}, fmt.Errorf("keys: rsa generate: %w", err)
	}
	kid := newKID()
	now := s.now()

	// Conditional write: if another process won the race, the insert is a
	// no-op and the re-read below returns its key instead of ours.
	_, err = s.DB.ExecContext(ctx,
		`INSERT INTO platform_keys (id, kid, private_pem, created_at)
		 VALUES (1, $1, $2, $3)
		 ON CONFLICT (id) DO NOTHING`,
		kid, marshalPEM(priv), now.Unix())
	if err != nil {
		return KeyPair{}, fmt.Errorf("keys: insert: %w", err)
	}

	return s.load(ctx)
}

func (s *Store) load(ctx context.Context) (KeyPair, error) {
	var (
		kid     string
		pemStr  string
		created int64
	)
	err := s.DB.QueryRowContext(ctx,
		`SELECT kid, private_pem, created_at FROM platform_keys WHERE id = 1`).
		Scan(&kid, &pemStr, &created)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return KeyPair{}, err
		}
		return KeyPair{}, fmt.Errorf("keys: load: %w", err)
	}
	priv, err := parsePEM(pemStr)
	if err != nil {
		return KeyPair{}, err
	}
	return KeyPair{KID: kid, Private: priv, CreatedAt: time.Unix(created, 0).UTC()}, nil
}

func (s *Store) now() time.Time {
	if s.Now != nil {
		return s.Now()
	}
	return time.Now().UTC()
}

// JWK projects the keypair's public half into an RFC 7517 JSON Web Key map.
// Pure and side-effect free; only public parameters are returned.
func JWK(kp KeyPair) map[string]any {
	pub := kp.Public()
	if pub == nil || pub.N == nil || pub.E == 0 {
		return nil
	}
	return map[string]any{
		"kty": "RSA",
		"use": "sig",
		"alg": "RS256",
		"kid": kp.KID,
		"n":   bigIntToB64(pub.N),
		"e":   intToB64(pub.E),
	}
}

/* --------------------------------- helpers --------------------------------- */

func newKID() string {
	b := make([]byte, 8)
	_, _ = rand.Read(b)
	return "lti-" + hex.EncodeToString(b)
}

func marshalPEM(priv *rsa.PrivateKey) string {
	return string(pem.EncodeToMemory(&pem.Block{
		Type:  "RSA PRIVATE KEY",
		Bytes: x509.MarshalPKCS1PrivateKey(priv),
	}))
}

func parsePEM(s string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(s))
	if block == nil {
		return nil, errors.New("keys: invalid private key PEM")
	}
	priv, err := x509.ParsePKCS1PrivateKey(block.Bytes)
	if err != nil {
		return nil, fmt.Errorf("keys: parse private key: %w", err)
	}
	return priv, nil
}

func bigIntToB64(n *big.Int) string {
	return b64url(n.FillBytes(make([]byte, (n.BitLen()+7)/8)))
}

func intToB64(e int) string {
	return b64url(big.NewInt(int64(e)).FillBytes(make([]byte, intByteLen(e))))
}

func intByteLen(v int) int {
	switch {
	case v <= 0xff:
		return 1
	case v <= 0xffff:
		return 2
	case v <= 0xffffff:
		return 3
	default:
		return 4
	}
}
