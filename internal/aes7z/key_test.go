package aes7z

import (
	"crypto/sha256"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/text/encoding/unicode"
)

// referenceKey re-derives the 7zAES key directly from the algorithm's own
// description, independently of calculateKey, so the test catches a
// regression in either the production loop or its buffer layout rather
// than just echoing it back at itself.
func referenceKey(tb testing.TB, password string, cycles int, salt []byte) []byte {
	tb.Helper()

	enc := unicode.UTF16(unicode.LittleEndian, unicode.IgnoreBOM)
	utf16le, err := enc.NewEncoder().String(password)
	require.NoError(tb, err)

	if cycles == 0x3f {
		key := make([]byte, sha256.Size)
		copy(key, append(append([]byte{}, salt...), utf16le...))

		return key
	}

	h := sha256.New()

	for round := uint64(0); round < uint64(1)<<uint(cycles); round++ {
		h.Write(salt)
		h.Write([]byte(utf16le))

		var counter [4]byte
		binary.LittleEndian.PutUint32(counter[:], uint32(round)) //nolint:gosec
		h.Write(counter[:])
		h.Write([]byte{0, 0, 0, 0})
	}

	return h.Sum(nil)
}

func TestCalculateKeyKnownVector(t *testing.T) {
	t.Parallel()

	// spec scenario 2: numCyclesPower=19, empty salt, password "password".
	key, err := calculateKey("password", 19, nil)
	require.NoError(t, err)
	assert.Len(t, key, 32)
	assert.Equal(t, referenceKey(t, "password", 19, nil), key)
}

func TestCalculateKeyBoundaryCycles(t *testing.T) {
	t.Parallel()

	tables := map[string]struct {
		password string
		cycles   int
		salt     []byte
	}{
		"zero cycles, single SHA-256 update": {
			password: "password",
			cycles:   0,
			salt:     nil,
		},
		"no hashing sentinel": {
			password: "password",
			cycles:   0x3f,
			salt:     []byte{0x01, 0x02, 0x03, 0x04},
		},
		"empty password": {
			password: "",
			cycles:   1,
			salt:     []byte{0xaa, 0xbb},
		},
	}

	for name, table := range tables {
		table := table

		t.Run(name, func(t *testing.T) {
			t.Parallel()

			key, err := calculateKey(table.password, table.cycles, table.salt)
			require.NoError(t, err)
			assert.Equal(t, referenceKey(t, table.password, table.cycles, table.salt), key)
		})
	}
}
