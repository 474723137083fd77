package main

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

var ErrCiphertextTooShort = errors.New("encrypt: ciphertext too short")

// pskKey pads or truncates psk to an AES-256 key.
func pskKey(psk string) []byte {
	key := make([]byte, 32)
	copy(key, psk)
	return key
}

// EncryptPassword encrypts password with AES-256 CFB under psk. The random IV
// is prepended and the result base64 encoded.
func EncryptPassword(password, psk string) (string, error) {
	block, err := aes.NewCipher(pskKey(psk))
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	combined := make([]byte, aes.BlockSize+len(password))
	iv := combined[:aes.BlockSize]
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return "", fmt.Errorf("failed to generate IV: %w", err)
	}
	cipher.NewCFBEncrypter(block, iv).XORKeyStream(combined[aes.BlockSize:], []byte(password))

	return base64.StdEncoding.EncodeToString(combined), nil
}

func DecryptPassword(encryptedBase64, psk string) (string, error) {
	combined, err := base64.StdEncoding.DecodeString(encryptedBase64)
	if err != nil {
		return "", fmt.Errorf("failed to decode base64: %w", err)
	}
	if len(combined) < aes.BlockSize {
		return "", ErrCiphertextTooShort
	}

	block, err := aes.NewCipher(pskKey(psk))
	if err != nil {
		return "", fmt.Errorf("failed to create cipher: %w", err)
	}

	plaintext := make([]byte, len(combined)-aes.BlockSize)
	cipher.NewCFBDecrypter(block, combined[:aes.BlockSize]).XORKeyStream(plaintext, combined[aes.BlockSize:])
	return string(plaintext), nil
}
