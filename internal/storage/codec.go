package storage

import (
	"bytes"
	"compress/gzip"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"

	"golang.org/x/crypto/pbkdf2"

	"github.com/NikhilSetiya/telemetry-relay/pkg/errors"
)

// codec applies the per-tier payload transforms: gzip compression and
// AES-GCM encryption with a PBKDF2-derived key
type codec struct {
	key []byte
}

func newCodec(passphrase string) *codec {
	c := &codec{}
	if passphrase != "" {
		salt := []byte("telemetry-relay-storage-v1")
		c.key = pbkdf2.Key([]byte(passphrase), salt, 10000, 32, sha256.New)
	}
	return c
}

// checksum returns the hex-encoded hash of the raw payload, computed before
// any transform and verified after reversing them on read
func checksum(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// encode applies compression then encryption as requested
func (c *codec) encode(data []byte, compress, encrypt bool) ([]byte, error) {
	out := data

	if compress {
		var buf bytes.Buffer
		w := gzip.NewWriter(&buf)
		if _, err := w.Write(out); err != nil {
			return nil, errors.NewInternalError("failed to compress payload").WithCause(err)
		}
		if err := w.Close(); err != nil {
			return nil, errors.NewInternalError("failed to compress payload").WithCause(err)
		}
		out = buf.Bytes()
	}

	if encrypt {
		sealed, err := c.seal(out)
		if err != nil {
			return nil, err
		}
		out = sealed
	}

	return out, nil
}

// decode reverses the transforms applied by encode
func (c *codec) decode(data []byte, compressed, encrypted bool) ([]byte, error) {
	out := data

	if encrypted {
		opened, err := c.open(out)
		if err != nil {
			return nil, err
		}
		out = opened
	}

	if compressed {
		r, err := gzip.NewReader(bytes.NewReader(out))
		if err != nil {
			return nil, errors.NewInternalError("failed to decompress payload").WithCause(err)
		}
		decompressed, err := io.ReadAll(r)
		if err != nil {
			return nil, errors.NewInternalError("failed to decompress payload").WithCause(err)
		}
		if err := r.Close(); err != nil {
			return nil, errors.NewInternalError("failed to decompress payload").WithCause(err)
		}
		out = decompressed
	}

	return out, nil
}

func (c *codec) seal(plaintext []byte) ([]byte, error) {
	if c.key == nil {
		return nil, errors.NewInternalError("encryption requested but no key configured")
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, errors.NewInternalError("failed to create cipher").WithCause(err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.NewInternalError("failed to create GCM").WithCause(err)
	}

	nonce := make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, errors.NewInternalError("failed to generate nonce").WithCause(err)
	}

	return gcm.Seal(nonce, nonce, plaintext, nil), nil
}

func (c *codec) open(ciphertext []byte) ([]byte, error) {
	if c.key == nil {
		return nil, errors.NewInternalError("decryption requested but no key configured")
	}

	block, err := aes.NewCipher(c.key)
	if err != nil {
		return nil, errors.NewInternalError("failed to create cipher").WithCause(err)
	}

	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, errors.NewInternalError("failed to create GCM").WithCause(err)
	}

	nonceSize := gcm.NonceSize()
	if len(ciphertext) < nonceSize {
		return nil, errors.NewInternalError(fmt.Sprintf("ciphertext too short: %d bytes", len(ciphertext)))
	}

	nonce, sealed := ciphertext[:nonceSize], ciphertext[nonceSize:]
	plaintext, err := gcm.Open(nil, nonce, sealed, nil)
	if err != nil {
		return nil, errors.NewInternalError("failed to decrypt payload").WithCause(err)
	}
	return plaintext, nil
}
