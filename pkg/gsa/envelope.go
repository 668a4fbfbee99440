package gsa

import (
	"crypto/aes"
	"crypto/cipher"
	"errors"
)

var (
	// ErrEnvelopeFormat is returned when an encrypted blob is too short or
	// carries an unknown version prefix.
	ErrEnvelopeFormat = errors.New("gsa: malformed encrypted envelope")

	// ErrEnvelopeAuth is returned when GCM tag verification fails.
	ErrEnvelopeAuth = errors.New("gsa: envelope authentication failed")

	// ErrEnvelopePadding is returned when CBC padding is invalid after
	// decryption.
	ErrEnvelopePadding = errors.New("gsa: invalid envelope padding")
)

// decryptCBC decrypts the server-provided-data blob with AES-256-CBC using
// subkeys labeled off the SRP-negotiated session key, then strips PKCS#7
// padding. Any padding irregularity fails closed.
func (c *Context) decryptCBC(data []byte) ([]byte, error) {
	key := c.deriveHMACKey("extra data key:")
	iv := c.deriveHMACKey("extra data iv:")[:aes.BlockSize]

	if len(data) == 0 || len(data)%aes.BlockSize != 0 {
		return nil, ErrEnvelopeFormat
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}

	plaintext := make([]byte, len(data))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, data)
	return stripPKCS7(plaintext)
}

func stripPKCS7(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, ErrEnvelopePadding
	}
	n := int(data[len(data)-1])
	if n == 0 || n > aes.BlockSize || n > len(data) {
		return nil, ErrEnvelopePadding
	}
	for _, b := range data[len(data)-n:] {
		if int(b) != n {
			return nil, ErrEnvelopePadding
		}
	}
	return data[:len(data)-n], nil
}

// decryptGCM opens a versioned AES-256-GCM envelope laid out as
// version(3) || iv(16) || ciphertext || tag(16). The three-byte version
// prefix is authenticated as additional data, so tampering with it fails the
// tag check.
func decryptGCM(key, data []byte) ([]byte, error) {
	const (
		versionLen = 3
		nonceLen   = 16
		tagLen     = 16
	)
	if len(data) <= versionLen+nonceLen+tagLen {
		return nil, ErrEnvelopeFormat
	}
	version := data[:versionLen]

	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCMWithNonceSize(block, nonceLen)
	if err != nil {
		return nil, err
	}

	nonce := data[versionLen : versionLen+nonceLen]
	sealed := data[versionLen+nonceLen:]
	plaintext, err := aead.Open(nil, nonce, sealed, version)
	if err != nil {
		return nil, ErrEnvelopeAuth
	}
	return plaintext, nil
}
