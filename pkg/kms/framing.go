package kms

import (
	"bytes"
	"encoding"
	"encoding/binary"
	"errors"
	"fmt"
	"time"
)

// frameMagic identifies an envelope-encrypted field ("EXCR").
var frameMagic = []byte{0x45, 0x58, 0x43, 0x52}

// frameVersion is the current frame format.
const frameVersion uint32 = 1

// maxFrameFieldLen bounds a single length-prefixed field so a corrupt
// prefix cannot drive a huge allocation.
const maxFrameFieldLen = 64 << 20

var (
	_ encoding.BinaryMarshaler   = (*EncryptedData)(nil)
	_ encoding.BinaryUnmarshaler = (*EncryptedData)(nil)
)

// IsFieldEncrypted reports whether b starts with the EXCR frame magic.
func IsFieldEncrypted(b []byte) bool {
	return len(b) >= len(frameMagic) && bytes.Equal(b[:len(frameMagic)], frameMagic)
}

// MarshalBinary renders the frame: magic, uint32 BE format version,
// uint64 BE encryptedAt in unix milliseconds, then the length-prefixed
// fields keyId, keyVersion, algorithm, iv, authTag, associatedData,
// ciphertext. Optional fields serialize with zero length.
func (d *EncryptedData) MarshalBinary() ([]byte, error) {
	if d.KeyID == "" {
		return nil, errors.New("kms: frame needs a key id")
	}
	if d.KeyVersion <= 0 {
		return nil, fmt.Errorf("kms: frame needs a positive key version, got %d", d.KeyVersion)
	}
	if !validAlgorithm(d.Algorithm) {
		return nil, fmt.Errorf("kms: unknown algorithm %q", d.Algorithm)
	}
	if len(d.Ciphertext) == 0 {
		return nil, errors.New("kms: frame needs ciphertext")
	}

	var buf bytes.Buffer
	buf.Write(frameMagic)

	var u32 [4]byte
	binary.BigEndian.PutUint32(u32[:], frameVersion)
	buf.Write(u32[:])

	var u64 [8]byte
	binary.BigEndian.PutUint64(u64[:], uint64(d.EncryptedAt.UnixMilli()))
	buf.Write(u64[:])

	field := func(b []byte) {
		binary.BigEndian.PutUint32(u32[:], uint32(len(b)))
		buf.Write(u32[:])
		buf.Write(b)
	}
	field([]byte(d.KeyID))
	binary.BigEndian.PutUint32(u32[:], uint32(d.KeyVersion))
	field(u32[:])
	field([]byte(d.Algorithm))
	field(d.IV)
	field(d.AuthTag)
	field(d.AssociatedData)
	field(d.Ciphertext)

	return buf.Bytes(), nil
}

// UnmarshalBinary parses a frame produced by MarshalBinary. TenantID
// is not part of the wire form and is left untouched.
func (d *EncryptedData) UnmarshalBinary(data []byte) error {
	if len(data) < len(frameMagic)+12 {
		return errors.New("kms: frame too short")
	}
	if !IsFieldEncrypted(data) {
		return errors.New("kms: missing frame magic")
	}
	if v := binary.BigEndian.Uint32(data[4:8]); v != frameVersion {
		return fmt.Errorf("kms: unsupported frame version %d", v)
	}
	encryptedAt := time.UnixMilli(int64(binary.BigEndian.Uint64(data[8:16]))).UTC()

	rest := data[16:]
	field := func() ([]byte, error) {
		if len(rest) < 4 {
			return nil, errors.New("kms: truncated field length")
		}
		n := binary.BigEndian.Uint32(rest[:4])
		rest = rest[4:]
		if n > maxFrameFieldLen {
			return nil, fmt.Errorf("kms: field length %d exceeds limit", n)
		}
		if uint32(len(rest)) < n {
			return nil, errors.New("kms: truncated field")
		}
		b := rest[:n]
		rest = rest[n:]
		if n == 0 {
			return nil, nil
		}
		out := make([]byte, n)
		copy(out, b)
		return out, nil
	}

	keyID, err := field()
	if err != nil {
		return err
	}
	versionField, err := field()
	if err != nil {
		return err
	}
	if len(versionField) != 4 {
		return fmt.Errorf("kms: key version field must be 4 bytes, got %d", len(versionField))
	}
	algorithm, err := field()
	if err != nil {
		return err
	}
	iv, err := field()
	if err != nil {
		return err
	}
	authTag, err := field()
	if err != nil {
		return err
	}
	associatedData, err := field()
	if err != nil {
		return err
	}
	ciphertext, err := field()
	if err != nil {
		return err
	}
	if len(rest) != 0 {
		return fmt.Errorf("kms: %d trailing bytes after frame", len(rest))
	}
	if len(keyID) == 0 {
		return errors.New("kms: frame carries no key id")
	}
	if !validAlgorithm(Algorithm(algorithm)) {
		return fmt.Errorf("kms: unknown algorithm tag %q", string(algorithm))
	}
	if len(ciphertext) == 0 {
		return errors.New("kms: frame carries no ciphertext")
	}

	d.KeyID = string(keyID)
	d.KeyVersion = int(binary.BigEndian.Uint32(versionField))
	d.Algorithm = Algorithm(algorithm)
	d.IV = iv
	d.AuthTag = authTag
	d.AssociatedData = associatedData
	d.Ciphertext = ciphertext
	d.EncryptedAt = encryptedAt
	return nil
}
