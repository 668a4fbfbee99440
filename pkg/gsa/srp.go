package gsa

import (
	"crypto/hmac"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"io"
	"math/big"
	"strings"

	"golang.org/x/crypto/pbkdf2"
)

// RFC 5054 2048-bit group, the fixed group used by the GSA identity service.
const srpGroupHex = "AC6BDB41324A9A9BF166DE5E1389582FAF72B6651987EE07FC3192943DB56050" +
	"A37329CBB4A099ED8193E0757767A13DD52312AB4B03310DCD7F48A9DA04FD50" +
	"E8083969EDB767B0CF6095179A163AB3661A05FBD5FAAAE82918A9962F0B93B8" +
	"55F97993EC975EEAA80D740ADBF4FF747359D041D5C33EA71D281E446B14773B" +
	"CA97B43A23FB801676BD207A436C6481F1D2B9078717461A5B9D32E688F87748" +
	"544523B524B0D57D5EA77A2775D2ECFA032CFBDBF52FB3786160279004E57AE6" +
	"AF874E7303CE53299CCC041C7BC308D82A5698F3A8D0C38271AE35F8E9DBFBB6" +
	"94B5C803D89F7AE435DE236D525F54759B65E372FCD68EF20FA7111F9E4AFF73"

const srpGroupBytes = 256

var (
	srpN = mustParseBigHex(srpGroupHex)
	srpG = big.NewInt(2)
)

func mustParseBigHex(s string) *big.Int {
	n, ok := new(big.Int).SetString(s, 16)
	if !ok {
		panic("gsa: bad group constant")
	}
	return n
}

var (
	// ErrAlreadyStarted is returned when Start is called twice on the same
	// context. A context performs exactly one handshake.
	ErrAlreadyStarted = errors.New("gsa: handshake already started")

	// ErrHandshakeState is returned when a handshake step is attempted out
	// of order, such as computing M1 before the server challenge is set.
	ErrHandshakeState = errors.New("gsa: invalid handshake state")
)

// Context holds the client state for a single SRP-6a exchange with the GSA
// identity service: SHA-256 digest, RFC 5054 2048-bit group, username
// excluded from the password key derivation.
//
// A context is single-use and single-owner. Each login attempt needs a fresh
// context; the two-factor retry path in particular must not reuse one.
type Context struct {
	Username string
	Password string

	// Salt and ServerPublicKey are set by the caller from the server's
	// first response before MakeVerificationMessage is called.
	Salt            []byte
	ServerPublicKey []byte

	// DSID and SessionKey are populated by the authentication flow from
	// the decrypted server-provided-data envelope. SessionKey keys the GCM
	// envelope and the app-token checksum; it is distinct from the
	// SRP-negotiated key used for the CBC envelope.
	DSID       string
	SessionKey []byte

	clientSecret        *big.Int
	clientPublic        []byte
	derivedPasswordKey  []byte
	verificationMessage []byte
	srpKey              []byte

	// rng overrides the ephemeral source in tests.
	rng io.Reader
}

// NewContext returns a context for one authentication attempt. The username
// is normalized to lowercase, matching what the identity service expects.
func NewContext(username, password string) *Context {
	return &Context{
		Username: strings.ToLower(username),
		Password: password,
	}
}

// Start generates the client ephemeral key pair and returns the public
// ephemeral A. Calling Start a second time on the same context fails with
// ErrAlreadyStarted.
func (c *Context) Start() ([]byte, error) {
	if c.clientPublic != nil {
		return nil, ErrAlreadyStarted
	}

	rng := c.rng
	if rng == nil {
		rng = rand.Reader
	}

	secret := make([]byte, 32)
	if _, err := io.ReadFull(rng, secret); err != nil {
		return nil, err
	}

	c.clientSecret = new(big.Int).SetBytes(secret)
	a := new(big.Int).Exp(srpG, c.clientSecret, srpN)
	c.clientPublic = padGroup(a)
	return c.clientPublic, nil
}

// MakeVerificationMessage derives the password key x and computes the client
// proof M1. Salt and ServerPublicKey must already be set from the server's
// challenge. isHexadecimal selects the s2k_fo key-derivation variant, where
// the password digest is re-encoded as lowercase hex before PBKDF2.
//
// The proof is computed once; calling this again fails.
func (c *Context) MakeVerificationMessage(iterations int, isHexadecimal bool) ([]byte, error) {
	if c.verificationMessage != nil {
		return nil, ErrHandshakeState
	}
	if c.clientPublic == nil || len(c.Salt) == 0 || len(c.ServerPublicKey) == 0 {
		return nil, ErrHandshakeState
	}

	B := new(big.Int).SetBytes(c.ServerPublicKey)
	if new(big.Int).Mod(B, srpN).Sign() == 0 {
		return nil, ErrHandshakeState
	}

	c.derivedPasswordKey = derivePasswordKey(c.Password, c.Salt, iterations, isHexadecimal)

	// x = H(salt || H(":" || P)), username excluded from the inner digest.
	inner := sha256.Sum256(append([]byte(":"), c.derivedPasswordKey...))
	xDigest := sha256.Sum256(append(append([]byte{}, c.Salt...), inner[:]...))
	x := new(big.Int).SetBytes(xDigest[:])

	// k = H(N || pad(g))
	k := new(big.Int).SetBytes(hashConcat(padGroup(srpN), padGroup(srpG)))

	// u = H(pad(A) || pad(B))
	u := new(big.Int).SetBytes(hashConcat(c.clientPublic, padGroup(B)))
	if u.Sign() == 0 {
		return nil, ErrHandshakeState
	}

	// S = (B - k*g^x) ^ (a + u*x) mod N
	gx := new(big.Int).Exp(srpG, x, srpN)
	base := new(big.Int).Sub(B, new(big.Int).Mul(k, gx))
	base.Mod(base, srpN)
	exp := new(big.Int).Add(c.clientSecret, new(big.Int).Mul(u, x))
	S := new(big.Int).Exp(base, exp, srpN)

	// K = H(pad(S))
	key := sha256.Sum256(padGroup(S))
	c.srpKey = key[:]

	// M1 = H((H(N) xor H(pad(g))) || H(username) || salt || pad(A) || pad(B) || K)
	hn := sha256.Sum256(padGroup(srpN))
	hg := sha256.Sum256(padGroup(srpG))
	xor := make([]byte, len(hn))
	for i := range hn {
		xor[i] = hn[i] ^ hg[i]
	}
	hu := sha256.Sum256([]byte(c.Username))

	h := sha256.New()
	h.Write(xor)
	h.Write(hu[:])
	h.Write(c.Salt)
	h.Write(c.clientPublic)
	h.Write(padGroup(B))
	h.Write(c.srpKey)
	c.verificationMessage = h.Sum(nil)

	return c.verificationMessage, nil
}

// VerifyServerVerificationMessage checks the server proof M2 against the
// session transcript. It returns false for empty input, for input of the
// wrong shape, and for any mismatch; a false result means the server has not
// proven possession of the shared key and the session must be abandoned.
func (c *Context) VerifyServerVerificationMessage(serverVerificationMessage []byte) bool {
	if len(serverVerificationMessage) == 0 || c.verificationMessage == nil {
		return false
	}

	// M2 = H(pad(A) || M1 || K)
	h := sha256.New()
	h.Write(c.clientPublic)
	h.Write(c.verificationMessage)
	h.Write(c.srpKey)
	return hmac.Equal(h.Sum(nil), serverVerificationMessage)
}

// MakeChecksum computes the app-token request signature:
// HMAC-SHA256(sessionKey, "apptokens" || dsid || appName).
func (c *Context) MakeChecksum(appName string) ([]byte, error) {
	if len(c.SessionKey) == 0 || c.DSID == "" {
		return nil, ErrHandshakeState
	}
	mac := hmac.New(sha256.New, c.SessionKey)
	mac.Write([]byte("apptokens"))
	mac.Write([]byte(c.DSID))
	mac.Write([]byte(appName))
	return mac.Sum(nil), nil
}

// deriveHMACKey produces a labeled subkey from the SRP-negotiated session
// key. The "extra data key:" and "extra data iv:" labels feed the CBC
// envelope used for the server-provided-data blob.
func (c *Context) deriveHMACKey(label string) []byte {
	mac := hmac.New(sha256.New, c.srpKey)
	mac.Write([]byte(label))
	return mac.Sum(nil)
}

// derivePasswordKey computes PBKDF2-HMAC-SHA256(H(password), salt, iterations).
// For the s2k_fo variant the password digest is re-encoded as lowercase hex
// bytes before stretching.
func derivePasswordKey(password string, salt []byte, iterations int, isHexadecimal bool) []byte {
	digest := sha256.Sum256([]byte(password))
	secret := digest[:]
	if isHexadecimal {
		secret = []byte(hex.EncodeToString(secret))
	}
	return pbkdf2.Key(secret, salt, iterations, sha256.Size, sha256.New)
}

func hashConcat(parts ...[]byte) []byte {
	h := sha256.New()
	for _, p := range parts {
		h.Write(p)
	}
	return h.Sum(nil)
}

// padGroup left-pads a group element to the 256-byte modulus width.
func padGroup(n *big.Int) []byte {
	return n.FillBytes(make([]byte, srpGroupBytes))
}
