package aes7z

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"errors"
	"io"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type nopReadCloser struct {
	io.Reader
}

func (nopReadCloser) Close() error { return nil }

// passwordSetter mirrors the host package's CryptoReadCloser interface,
// which this package can't import (the dependency runs the other way).
type passwordSetter interface {
	Password(string) error
}

// encodeSize splits a 0..16 salt/IV size into the single high bit plus
// nibble the property layout sums to recover it: size = bit + nibble, with
// the nibble capped at 15, so 16 is the only size needing the high bit.
func encodeSize(size int) (bit, nibble byte) {
	if size == 16 {
		return 1, 15
	}

	return 0, byte(size)
}

// buildProperties assembles an AES coder property blob per the 7z layout:
// b0 holds numCyclesPower in its low six bits plus the salt-size and
// IV-size high bits, b1 holds the two size nibbles.
func buildProperties(cycles int, salt, iv []byte) []byte {
	if len(salt) == 0 && len(iv) == 0 {
		return []byte{byte(cycles)}
	}

	saltBit, saltNibble := encodeSize(len(salt))
	ivBit, ivNibble := encodeSize(len(iv))

	b0 := byte(cycles) | saltBit<<7 | ivBit<<6
	b1 := saltNibble<<4 | ivNibble

	p := append([]byte{b0, b1}, salt...)

	return append(p, iv...)
}

func TestReaderRoundTrip(t *testing.T) {
	t.Parallel()

	salt := []byte{0x01, 0x02, 0x03, 0x04}
	iv := bytes.Repeat([]byte{0x00}, aes.BlockSize)
	plaintext := []byte("sixteen byte xx!twoblockslong!!!")
	require.Zero(t, len(plaintext)%aes.BlockSize)

	key, err := calculateKey("password", 4, salt)
	require.NoError(t, err)

	block, err := aes.NewCipher(key)
	require.NoError(t, err)

	ciphertext := make([]byte, len(plaintext))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(ciphertext, plaintext)

	r, err := NewReader(buildProperties(4, salt, iv), uint64(len(plaintext)),
		[]io.ReadCloser{nopReadCloser{bytes.NewReader(ciphertext)}})
	require.NoError(t, err)

	setter, ok := r.(passwordSetter)
	require.True(t, ok)
	require.NoError(t, setter.Password("password"))

	got, err := io.ReadAll(r)
	require.NoError(t, err)
	assert.Equal(t, plaintext, got)
	require.NoError(t, r.Close())
}

func TestReaderBareCyclesProperty(t *testing.T) {
	t.Parallel()

	// A 1-byte property blob means zero-length salt and IV.
	r, err := NewReader([]byte{0x00}, 16, []io.ReadCloser{nopReadCloser{bytes.NewReader(nil)}})
	require.NoError(t, err)

	setter, ok := r.(passwordSetter)
	require.True(t, ok)
	require.NoError(t, setter.Password(""))
}

func TestReaderBadLength(t *testing.T) {
	t.Parallel()

	salt := []byte{0x01}
	iv := bytes.Repeat([]byte{0x00}, aes.BlockSize)

	// 20 bytes is not a multiple of the AES block size.
	truncated := bytes.Repeat([]byte{0xff}, 20)

	r, err := NewReader(buildProperties(0, salt, iv), uint64(len(truncated)),
		[]io.ReadCloser{nopReadCloser{bytes.NewReader(truncated)}})
	require.NoError(t, err)

	setter, ok := r.(passwordSetter)
	require.True(t, ok)
	require.NoError(t, setter.Password("x"))

	_, err = io.ReadAll(r)
	require.Error(t, err)
	assert.True(t, errors.Is(err, ErrBadLength))
}
