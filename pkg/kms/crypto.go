package kms

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/hmac"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"strconv"

	"golang.org/x/crypto/hkdf"
)

const (
	masterKeyLen = 32
	gcmKeyLen    = 32
	cbcHMACLen   = 64 // 32 encryption + 32 MAC
)

// deriveKey stretches a version's master material into an
// algorithm-specific subkey. Purpose is part of the HKDF info so
// ciphertext domains stay independent under one key version.
func deriveKey(material []byte, keyID string, version int, purpose string, n int) ([]byte, error) {
	if len(material) == 0 {
		return nil, errors.New("kms: key material unavailable")
	}
	info := []byte(keyID + "|" + strconv.Itoa(version) + "|" + purpose)
	out := make([]byte, n)
	if _, err := io.ReadFull(hkdf.New(sha256.New, material, nil, info), out); err != nil {
		return nil, fmt.Errorf("kms: derive subkey: %w", err)
	}
	return out, nil
}

func subkeyLen(alg Algorithm) int {
	if alg == AlgorithmAESCBCHMAC {
		return cbcHMACLen
	}
	return gcmKeyLen
}

func encryptGCM(rng io.Reader, key, plaintext, aad []byte) (iv, ciphertext, tag []byte, err error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("kms: init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, nil, nil, fmt.Errorf("kms: init gcm: %w", err)
	}
	iv = make([]byte, gcm.NonceSize())
	if _, err := io.ReadFull(rng, iv); err != nil {
		return nil, nil, nil, fmt.Errorf("kms: draw iv: %w", err)
	}
	sealed := gcm.Seal(nil, iv, plaintext, aad)
	split := len(sealed) - gcm.Overhead()
	return iv, sealed[:split], sealed[split:], nil
}

func decryptGCM(key, iv, ciphertext, tag, aad []byte) ([]byte, error) {
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, fmt.Errorf("kms: init cipher: %w", err)
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return nil, fmt.Errorf("kms: init gcm: %w", err)
	}
	if len(iv) != gcm.NonceSize() {
		return nil, fmt.Errorf("kms: iv must be %d bytes, got %d", gcm.NonceSize(), len(iv))
	}
	sealed := make([]byte, 0, len(ciphertext)+len(tag))
	sealed = append(append(sealed, ciphertext...), tag...)
	plaintext, err := gcm.Open(nil, iv, sealed, aad)
	if err != nil {
		return nil, errors.New("kms: ciphertext authentication failed")
	}
	return plaintext, nil
}

// encryptCBCHMAC is encrypt-then-MAC: AES-256-CBC over padded
// plaintext, HMAC-SHA256 over iv, ciphertext and associated data.
func encryptCBCHMAC(rng io.Reader, key, plaintext, aad []byte) (iv, ciphertext, tag []byte, err error) {
	if len(key) != cbcHMACLen {
		return nil, nil, nil, fmt.Errorf("kms: cbc-hmac subkey must be %d bytes", cbcHMACLen)
	}
	block, err := aes.NewCipher(key[:32])
	if err != nil {
		return nil, nil, nil, fmt.Errorf("kms: init cipher: %w", err)
	}
	iv = make([]byte, aes.BlockSize)
	if _, err := io.ReadFull(rng, iv); err != nil {
		return nil, nil, nil, fmt.Errorf("kms: draw iv: %w", err)
	}
	padded := pkcs7Pad(plaintext, aes.BlockSize)
	ciphertext = make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, padded)

	mac := hmac.New(sha256.New, key[32:])
	mac.Write(iv)
	mac.Write(ciphertext)
	mac.Write(aad)
	return iv, ciphertext, mac.Sum(nil), nil
}

func decryptCBCHMAC(key, iv, ciphertext, tag, aad []byte) ([]byte, error) {
	if len(key) != cbcHMACLen {
		return nil, fmt.Errorf("kms: cbc-hmac subkey must be %d bytes", cbcHMACLen)
	}
	mac := hmac.New(sha256.New, key[32:])
	mac.Write(iv)
	mac.Write(ciphertext)
	mac.Write(aad)
	if !hmac.Equal(mac.Sum(nil), tag) {
		return nil, errors.New("kms: ciphertext authentication failed")
	}

	if len(iv) != aes.BlockSize {
		return nil, fmt.Errorf("kms: iv must be %d bytes, got %d", aes.BlockSize, len(iv))
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, errors.New("kms: ciphertext is not block aligned")
	}
	block, err := aes.NewCipher(key[:32])
	if err != nil {
		return nil, fmt.Errorf("kms: init cipher: %w", err)
	}
	padded := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(padded, ciphertext)
	return pkcs7Unpad(padded, aes.BlockSize)
}

func pkcs7Pad(b []byte, size int) []byte {
	n := size - len(b)%size
	padded := make([]byte, len(b)+n)
	copy(padded, b)
	for i := len(b); i < len(padded); i++ {
		padded[i] = byte(n)
	}
	return padded
}

func pkcs7Unpad(b []byte, size int) ([]byte, error) {
	if len(b) == 0 || len(b)%size != 0 {
		return nil, errors.New("kms: bad padded length")
	}
	n := int(b[len(b)-1])
	if n == 0 || n > size || n > len(b) {
		return nil, errors.New("kms: bad padding")
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, errors.New("kms: bad padding")
		}
	}
	return b[:len(b)-n], nil
}

// zeroize wipes key material in place.
func zeroize(b []byte) {
	for i := range b {
		b[i] = 0
	}
}
