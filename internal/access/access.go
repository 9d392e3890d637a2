// Package access implements the three share models (public; protected,
// password-gated; and private, restricted to an explicit set of user
// identities) and the share-token envelope that wraps a folder key and
// the Core Index's Message-ID references. Every token, whatever its
// access type, is sealed under a version-scoped outer key so observers
// see only a uniform random string: the access-type byte, the index
// references, and the wrapped key material all live inside the
// envelope.
package access

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/binary"
	"fmt"
	"io"
	"time"

	"github.com/usenetsync/usenetsync/internal/crypto"
	"github.com/usenetsync/usenetsync/internal/model"
	"github.com/usenetsync/usenetsync/internal/usenetsyncerr"
)

const (
	tokenVersion byte = 1
	tokenPrefix       = "usenetsync://"
)

// outerWellKnownKey seals the token-wide envelope. It hides the token's
// structure from observers but grants no access by itself: the folder
// key inside is additionally wrapped per access type. Rotating it
// requires bumping tokenVersion and keeping both keys recognized for
// one release cycle (Open Question "public share well-known key",
// resolved per-major-version; see DESIGN.md).
var outerWellKnownKey = crypto.Key{
	'u', 's', 'e', 'n', 'e', 't', 's', 'y', 'n', 'c', '-', 'p', 'u', 'b', 'l', 'i', 'c',
	'-', 's', 'h', 'a', 'r', 'e', '-', 'w', 'e', 'l', 'l', 'k', 'n', 'o', 'w',
}

// Share is the authoring-side description of one token: which folder it
// grants, how access is gated, and where the posted Core Index lives.
type Share struct {
	FolderID  string
	Access    model.AccessType
	IndexRefs []string // Message-IDs of the posted index segments, in order
	ExpiresAt *time.Time

	// FolderKey is wrapped per access type; for private shares ShareID
	// and ShareSeed travel instead and the folder key is recovered
	// through the membership table.
	FolderKey crypto.Key
	Password  string // protected only
	ShareID   string // private only
	ShareSeed crypto.Key
}

// Envelope is the decoded form of a token. For public and protected
// tokens FolderKey is ready to use; for private tokens the caller must
// resolve FolderKey through its membership record using ShareID and
// ShareSeed.
type Envelope struct {
	FolderID  string
	Access    model.AccessType
	IndexRefs []string
	ExpiresAt *time.Time

	FolderKey crypto.Key // zero for private until membership is resolved
	ShareID   string
	ShareSeed crypto.Key
}

// Credentials carries whatever the presenter has: a password for
// protected shares, a user identity for private ones. Either may be
// empty.
type Credentials struct {
	Password string
	UserID   string
}

// Encode builds the share token for sh.
func Encode(sh Share) (string, error) {
	material, err := wrapKeyMaterial(sh)
	if err != nil {
		return "", err
	}

	var payload []byte
	payload = append(payload, tokenVersion, byte(sh.Access))
	payload = appendString8(payload, sh.FolderID)

	if len(sh.IndexRefs) > 0xFFFF {
		return "", usenetsyncerr.New(usenetsyncerr.Usage, "access.Encode", fmt.Errorf("too many index refs: %d", len(sh.IndexRefs)))
	}
	var refCount [2]byte
	binary.LittleEndian.PutUint16(refCount[:], uint16(len(sh.IndexRefs)))
	payload = append(payload, refCount[:]...)
	for _, ref := range sh.IndexRefs {
		payload = appendString8(payload, ref)
	}

	if sh.ExpiresAt != nil {
		payload = append(payload, 1)
		var ts [8]byte
		binary.LittleEndian.PutUint64(ts[:], uint64(sh.ExpiresAt.Unix()))
		payload = append(payload, ts[:]...)
	} else {
		payload = append(payload, 0)
	}

	payload = append(payload, material...)

	sealed, err := crypto.Seal(outerWellKnownKey, payload, nil)
	if err != nil {
		return "", err
	}
	return tokenPrefix + base64.RawURLEncoding.EncodeToString(sealed), nil
}

func wrapKeyMaterial(sh Share) ([]byte, error) {
	switch sh.Access {
	case model.AccessPublic:
		// The outer envelope is the only wrapping a public share needs.
		return append([]byte(nil), sh.FolderKey[:]...), nil
	case model.AccessProtected:
		salt := make([]byte, 16)
		if _, err := io.ReadFull(rand.Reader, salt); err != nil {
			return nil, fmt.Errorf("access: generate salt: %w", err)
		}
		wrapKey := crypto.DeriveKeyFromPassword(sh.Password, salt)
		sealed, err := crypto.Seal(wrapKey, sh.FolderKey[:], nil)
		if err != nil {
			return nil, err
		}
		return append(salt, sealed...), nil
	case model.AccessPrivate:
		out := appendString8(nil, sh.ShareID)
		return append(out, sh.ShareSeed[:]...), nil
	default:
		return nil, usenetsyncerr.New(usenetsyncerr.Usage, "access.wrapKeyMaterial", fmt.Errorf("unknown access type %d", sh.Access))
	}
}

// Open verifies and decodes token, unwrapping the folder key with the
// presented credentials. An envelope that fails authentication, a wrong
// password, and an expired share all surface as Denied; strings that
// are not tokens at all, or carry an unsupported version, surface as
// Usage; an authenticated envelope whose contents are truncated or of
// the wrong length surfaces as Integrity.
func Open(token string, creds Credentials) (Envelope, error) {
	env, material, err := decodeEnvelope(token)
	if err != nil {
		return Envelope{}, err
	}

	switch env.Access {
	case model.AccessPublic:
		if len(material) != crypto.KeySize {
			return Envelope{}, usenetsyncerr.New(usenetsyncerr.Integrity, "access.Open", fmt.Errorf("bad key material length"))
		}
		copy(env.FolderKey[:], material)
	case model.AccessProtected:
		if len(material) < 16 {
			return Envelope{}, usenetsyncerr.New(usenetsyncerr.Integrity, "access.Open", fmt.Errorf("bad key material length"))
		}
		wrapKey := crypto.DeriveKeyFromPassword(creds.Password, material[:16])
		plain, err := crypto.Open(wrapKey, material[16:], nil)
		if err != nil || len(plain) != crypto.KeySize {
			// Wrong password fails here, before any network fetch.
			return Envelope{}, usenetsyncerr.New(usenetsyncerr.Denied, "access.Open", err)
		}
		copy(env.FolderKey[:], plain)
	case model.AccessPrivate:
		shareID, rest, err := readString8(material)
		if err != nil {
			return Envelope{}, usenetsyncerr.New(usenetsyncerr.Integrity, "access.Open", err)
		}
		if len(rest) != crypto.KeySize {
			return Envelope{}, usenetsyncerr.New(usenetsyncerr.Integrity, "access.Open", fmt.Errorf("bad seed length"))
		}
		env.ShareID = shareID
		copy(env.ShareSeed[:], rest)
	default:
		return Envelope{}, usenetsyncerr.New(usenetsyncerr.Integrity, "access.Open", fmt.Errorf("unknown access type %d", env.Access))
	}
	return env, nil
}

func decodeEnvelope(token string) (Envelope, []byte, error) {
	if len(token) < len(tokenPrefix) || token[:len(tokenPrefix)] != tokenPrefix {
		return Envelope{}, nil, usenetsyncerr.New(usenetsyncerr.Usage, "access.decodeEnvelope", fmt.Errorf("missing %q prefix", tokenPrefix))
	}
	raw, err := base64.RawURLEncoding.DecodeString(token[len(tokenPrefix):])
	if err != nil {
		return Envelope{}, nil, usenetsyncerr.New(usenetsyncerr.Usage, "access.decodeEnvelope", err)
	}
	payload, err := crypto.Open(outerWellKnownKey, raw, nil)
	if err != nil {
		return Envelope{}, nil, usenetsyncerr.New(usenetsyncerr.Denied, "access.decodeEnvelope", err)
	}
	if len(payload) < 2 {
		return Envelope{}, nil, usenetsyncerr.New(usenetsyncerr.Integrity, "access.decodeEnvelope", fmt.Errorf("short payload"))
	}
	if payload[0] != tokenVersion {
		return Envelope{}, nil, usenetsyncerr.New(usenetsyncerr.Usage, "access.decodeEnvelope", fmt.Errorf("unsupported token version %d", payload[0]))
	}

	env := Envelope{Access: model.AccessType(payload[1])}
	rest := payload[2:]

	env.FolderID, rest, err = readString8(rest)
	if err != nil {
		return Envelope{}, nil, usenetsyncerr.New(usenetsyncerr.Integrity, "access.decodeEnvelope", err)
	}

	if len(rest) < 2 {
		return Envelope{}, nil, usenetsyncerr.New(usenetsyncerr.Integrity, "access.decodeEnvelope", fmt.Errorf("truncated ref count"))
	}
	refCount := int(binary.LittleEndian.Uint16(rest[:2]))
	rest = rest[2:]
	env.IndexRefs = make([]string, 0, refCount)
	for i := 0; i < refCount; i++ {
		var ref string
		ref, rest, err = readString8(rest)
		if err != nil {
			return Envelope{}, nil, usenetsyncerr.New(usenetsyncerr.Integrity, "access.decodeEnvelope", err)
		}
		env.IndexRefs = append(env.IndexRefs, ref)
	}

	if len(rest) < 1 {
		return Envelope{}, nil, usenetsyncerr.New(usenetsyncerr.Integrity, "access.decodeEnvelope", fmt.Errorf("truncated expiry flag"))
	}
	hasExpiry := rest[0]
	rest = rest[1:]
	if hasExpiry == 1 {
		if len(rest) < 8 {
			return Envelope{}, nil, usenetsyncerr.New(usenetsyncerr.Integrity, "access.decodeEnvelope", fmt.Errorf("truncated expiry"))
		}
		t := time.Unix(int64(binary.LittleEndian.Uint64(rest[:8])), 0).UTC()
		env.ExpiresAt = &t
		rest = rest[8:]
	}
	if env.ExpiresAt != nil && env.ExpiresAt.Before(time.Now()) {
		return Envelope{}, nil, usenetsyncerr.New(usenetsyncerr.Denied, "access.decodeEnvelope", fmt.Errorf("share expired at %s", env.ExpiresAt))
	}
	return env, rest, nil
}

func appendString8(b []byte, s string) []byte {
	b = append(b, byte(len(s)))
	return append(b, s...)
}

func readString8(b []byte) (string, []byte, error) {
	if len(b) < 1 {
		return "", nil, fmt.Errorf("truncated string length")
	}
	n := int(b[0])
	if len(b) < 1+n {
		return "", nil, fmt.Errorf("truncated string body")
	}
	return string(b[1 : 1+n]), b[1+n:], nil
}

// PrivateCommitment derives the non-reversible commitment a private
// share's membership table is keyed on, so store.LookupPrivateMember
// never needs the raw user ID or public key.
func PrivateCommitment(shareSeed crypto.Key, userID string) []byte {
	mac := hmac.New(sha256.New, shareSeed[:])
	mac.Write([]byte(userID))
	return mac.Sum(nil)
}

// WrapForMember derives a per-recipient wrapping key from (shareSeed,
// userID) via HKDF and seals folderKey under it, for storage as that
// member's row in private_share_members.
func WrapForMember(shareSeed crypto.Key, userID string, folderKey crypto.Key) ([]byte, error) {
	memberKey, err := crypto.Subkey(shareSeed, "private_member:"+userID)
	if err != nil {
		return nil, err
	}
	return crypto.Seal(memberKey, folderKey[:], nil)
}

// UnwrapForMember reverses WrapForMember.
func UnwrapForMember(shareSeed crypto.Key, userID string, wrapped []byte) (crypto.Key, error) {
	memberKey, err := crypto.Subkey(shareSeed, "private_member:"+userID)
	if err != nil {
		return crypto.Key{}, err
	}
	plain, err := crypto.Open(memberKey, wrapped, nil)
	if err != nil {
		// Deliberately returned as Denied, not NotFound or a decrypt
		// detail: this path must be indistinguishable from "you were
		// never a member" to anyone probing access.
		return crypto.Key{}, usenetsyncerr.New(usenetsyncerr.Denied, "access.UnwrapForMember", err)
	}
	var k crypto.Key
	copy(k[:], plain)
	return k, nil
}

// NewShareID draws a fresh random identifier for a Share row; kept here
// rather than in model so callers never construct a share ID by hand.
func NewShareID() (string, error) {
	raw := make([]byte, 16)
	if _, err := io.ReadFull(rand.Reader, raw); err != nil {
		return "", fmt.Errorf("access: generate share id: %w", err)
	}
	return base64.RawURLEncoding.EncodeToString(raw), nil
}
