package driver

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/json"
	"errors"
	"io"

	"github.com/kandev/kandev/internal/domain"
)

// ErrInvalidCiphertext is returned by DecryptBundle when the input is
// shorter than one AES block (too short to contain a prepended IV).
var ErrInvalidCiphertext = errors.New("ciphertext shorter than one AES block")

// commandBundleEntry is one command as written into the bundle uploaded
// to a worker; the agent reads these back in order.
type commandBundleEntry struct {
	ID    string `json:"id"`
	Index int    `json:"index"`
	Input string `json:"input"`
	Pause bool   `json:"pause"`
}

// BuildBundle marshals an execution's remaining (non-success) commands as
// a JSON array.
func BuildBundle(commands []*domain.Command) ([]byte, error) {
	entries := make([]commandBundleEntry, 0, len(commands))
	for _, c := range commands {
		if c.Status == domain.CommandStatusSuccess {
			continue
		}
		entries = append(entries, commandBundleEntry{
			ID:    c.ID,
			Index: c.Index,
			Input: c.Input,
			Pause: c.Pause,
		})
	}
	return json.Marshal(entries)
}

// bundleKey derives the AES-128/192/256 key from the first 32 characters
// of the execution's bearer token, matching the source's token[:32]
// convention exactly.
func bundleKey(bearerToken string) []byte {
	key := bearerToken
	if len(key) > 32 {
		key = key[:32]
	}
	return []byte(key)
}

func pkcs7Pad(data []byte, blockSize int) []byte {
	padLen := blockSize - len(data)%blockSize
	padding := bytes.Repeat([]byte{byte(padLen)}, padLen)
	return append(data, padding...)
}

func pkcs7Unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errors.New("cannot unpad empty data")
	}
	padLen := int(data[len(data)-1])
	if padLen == 0 || padLen > len(data) {
		return nil, errors.New("invalid pkcs7 padding")
	}
	return data[:len(data)-padLen], nil
}

// EncryptBundle AES-CBC encrypts data with key = bearerToken[:32],
// PKCS#7 padded, with a random IV prepended to the ciphertext.
func EncryptBundle(data []byte, bearerToken string) ([]byte, error) {
	block, err := aes.NewCipher(bundleKey(bearerToken))
	if err != nil {
		return nil, err
	}

	padded := pkcs7Pad(data, aes.BlockSize)
	iv := make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, err
	}

	ciphertext := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	return append(iv, ciphertext...), nil
}

// DecryptBundle reverses EncryptBundle given the same bearer token.
func DecryptBundle(data []byte, bearerToken string) ([]byte, error) {
	block, err := aes.NewCipher(bundleKey(bearerToken))
	if err != nil {
		return nil, err
	}
	if len(data) < aes.BlockSize {
		return nil, ErrInvalidCiphertext
	}

	iv, ciphertext := data[:aes.BlockSize], data[aes.BlockSize:]
	if len(ciphertext)%aes.BlockSize != 0 {
		return nil, errors.New("ciphertext is not a multiple of the block size")
	}

	plaintext := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(plaintext, ciphertext)

	return pkcs7Unpad(plaintext)
}
