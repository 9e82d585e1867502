package api

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

// Private websocket tokens are AES-256-CBC ciphertexts of the public
// endpoint id, encoded as base64url(iv || ciphertext). The cipher key is
// derived from the admin key.

var errBadToken = errors.New("invalid websocket token")

func tokenKey(adminKey string) []byte {
	digest := sha256.Sum256([]byte(adminKey))
	return digest[:]
}

// EncryptToken produces a private websocket token for the given plaintext.
func EncryptToken(adminKey, plaintext string) (string, error) {
	block, err := aes.NewCipher(tokenKey(adminKey))
	if err != nil {
		return "", fmt.Errorf("could not create cipher: %w", err)
	}
	iv := make([]byte, aes.BlockSize)
	if _, err := rand.Read(iv); err != nil {
		return "", fmt.Errorf("could not read iv: %w", err)
	}
	padded := pad([]byte(plaintext))
	encrypted := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(encrypted, padded)
	return base64.RawURLEncoding.EncodeToString(append(iv, encrypted...)), nil
}

// DecryptToken reverses EncryptToken.
func DecryptToken(adminKey, token string) (string, error) {
	raw, err := base64.RawURLEncoding.DecodeString(token)
	if err != nil {
		return "", errBadToken
	}
	if len(raw) < aes.BlockSize*2 || len(raw)%aes.BlockSize != 0 {
		return "", errBadToken
	}
	block, err := aes.NewCipher(tokenKey(adminKey))
	if err != nil {
		return "", fmt.Errorf("could not create cipher: %w", err)
	}
	iv, encrypted := raw[:aes.BlockSize], raw[aes.BlockSize:]
	decrypted := make([]byte, len(encrypted))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(decrypted, encrypted)
	unpadded, err := unpad(decrypted)
	if err != nil {
		return "", err
	}
	return string(unpadded), nil
}

func pad(data []byte) []byte {
	length := aes.BlockSize - len(data)%aes.BlockSize
	return append(data, bytes.Repeat([]byte{byte(length)}, length)...)
}

func unpad(data []byte) ([]byte, error) {
	if len(data) == 0 {
		return nil, errBadToken
	}
	length := int(data[len(data)-1])
	if length == 0 || length > aes.BlockSize || length > len(data) {
		return nil, errBadToken
	}
	return data[:len(data)-length], nil
}
