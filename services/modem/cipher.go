// services/modem/cipher.go
package modem

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/hex"
	"io"

	"rtucode-go/errcode"
)

// Cipher encrypts an upload payload.
type Cipher interface {
	Encrypt(key, iv, plaintext []byte) ([]byte, error)
}

// AESCBC is AES in CBC mode with PKCS#7 padding.
type AESCBC struct{}

func (AESCBC) Encrypt(key, iv, plaintext []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, errcode.Wrap(errcode.InvalidParams, "aes key", err)
	}
	if len(iv) != block.BlockSize() {
		return nil, &errcode.E{C: errcode.InvalidParams, Op: "aes iv", Msg: "iv must be one block"}
	}
	buf := pad(plaintext, block.BlockSize())
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(buf, buf)
	return buf, nil
}

func pad(b []byte, size int) []byte {
	n := size - len(b)%size
	out := make([]byte, len(b), len(b)+n)
	copy(out, b)
	return append(out, bytes.Repeat([]byte{byte(n)}, n)...)
}

// Seal encrypts plaintext under a fresh IV read from rnd and returns
// hex(iv || ciphertext). rnd defaults to crypto/rand.
func Seal(c Cipher, key, plaintext []byte, rnd io.Reader) (string, error) {
	if rnd == nil {
		rnd = rand.Reader
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rnd, iv); err != nil {
		return "", err
	}
	ct, err := c.Encrypt(key, iv, plaintext)
	if err != nil {
		return "", err
	}
	return hex.EncodeToString(append(iv, ct...)), nil
}
