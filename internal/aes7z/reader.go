// Package aes7z implements the 7-zip AES decryption.
package aes7z

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"fmt"
	"io"
)

var (
	errAlreadyClosed          = errors.New("aes7z: already closed")
	errNeedOneReader          = errors.New("aes7z: need exactly one reader")
	errInsufficientProperties = errors.New("aes7z: not enough properties")
	errNoPasswordSet          = errors.New("aes7z: no password set")

	// ErrBadLength is returned when the ciphertext doesn't end on an
	// AES block boundary, which means the encrypted stream is corrupt or
	// truncated; the password has no effect on the ciphertext length.
	ErrBadLength = errors.New("aes7z: ciphertext length is not a positive multiple of the block size")
)

type readCloser struct {
	rc       io.ReadCloser
	salt, iv []byte
	cycles   int
	key      []byte
	cbc      cipher.BlockMode
	buf      bytes.Buffer
}

func (rc *readCloser) Close() error {
	if rc.rc == nil {
		return errAlreadyClosed
	}

	if err := rc.rc.Close(); err != nil {
		return fmt.Errorf("aes7z: error closing: %w", err)
	}

	rc.rc = nil

	for i := range rc.key {
		rc.key[i] = 0
	}

	return nil
}

func (rc *readCloser) Password(p string) error {
	key, err := calculateKey(p, rc.cycles, rc.salt)
	if err != nil {
		return err
	}

	block, err := aes.NewCipher(key)
	if err != nil {
		return fmt.Errorf("aes7z: error creating cipher: %w", err)
	}

	// Keep a private copy: calculateKey returns the slice held in its cache
	// and Close zeroes rc.key.
	rc.key = append([]byte(nil), key...)
	rc.cbc = cipher.NewCBCDecrypter(block, rc.iv)

	return nil
}

func (rc *readCloser) Read(p []byte) (int, error) {
	if rc.rc == nil {
		return 0, errAlreadyClosed
	}

	if rc.cbc == nil {
		return 0, errNoPasswordSet
	}

	var block [aes.BlockSize]byte

	for rc.buf.Len() < len(p) {
		n, err := io.ReadFull(rc.rc, block[:])
		if err != nil {
			if errors.Is(err, io.EOF) {
				break
			}

			if errors.Is(err, io.ErrUnexpectedEOF) || n > 0 {
				return 0, ErrBadLength
			}

			return 0, fmt.Errorf("aes7z: error reading block: %w", err)
		}

		rc.cbc.CryptBlocks(block[:], block[:])

		_, _ = rc.buf.Write(block[:])
	}

	n, err := rc.buf.Read(p)
	if err != nil && !errors.Is(err, io.EOF) {
		err = fmt.Errorf("aes7z: error reading: %w", err)
	}

	return n, err
}

// NewReader returns a new AES-256-CBC & SHA-256 io.ReadCloser. The Password
// method must be called before attempting to call Read so that the block
// cipher is correctly initialised.
func NewReader(p []byte, _ uint64, readers []io.ReadCloser) (io.ReadCloser, error) {
	if len(readers) != 1 {
		return nil, errNeedOneReader
	}

	if len(p) < 1 {
		return nil, errInsufficientProperties
	}

	rc := new(readCloser)
	rc.cycles = int(p[0] & 0x3f)
	rc.iv = make([]byte, aes.BlockSize)

	// A bare cycles byte with neither salt nor IV size nibbles present
	// means both are zero length.
	if p[0]&0xc0 == 0 {
		rc.rc = readers[0]

		return rc, nil
	}

	if len(p) < 2 {
		return nil, errInsufficientProperties
	}

	salt := p[0]>>7&1 + p[1]>>4
	iv := p[0]>>6&1 + p[1]&0x0f

	if len(p) != int(2+salt+iv) {
		return nil, errInsufficientProperties
	}

	rc.salt = p[2 : 2+salt]
	copy(rc.iv, p[2+salt:])

	rc.rc = readers[0]

	return rc, nil
}
