package sevenzip

import (
	"io"
	"sync"

	"github.com/kamen-arch/sevenzip/internal/aes7z"
	"github.com/kamen-arch/sevenzip/internal/bcj2"
	"github.com/kamen-arch/sevenzip/internal/bra"
	"github.com/kamen-arch/sevenzip/internal/brotli"
	"github.com/kamen-arch/sevenzip/internal/bzip2"
	"github.com/kamen-arch/sevenzip/internal/deflate"
	"github.com/kamen-arch/sevenzip/internal/delta"
	"github.com/kamen-arch/sevenzip/internal/lz4"
	"github.com/kamen-arch/sevenzip/internal/lzma"
	"github.com/kamen-arch/sevenzip/internal/lzma2"
	"github.com/kamen-arch/sevenzip/internal/zstd"
)

// Decompressor is the host-facing contract every coder, built-in or
// externally registered, must satisfy: given its property blob, the
// declared size of its (single logical) output and its ordered input
// streams, produce the decoded output stream.
type Decompressor func([]byte, uint64, []io.ReadCloser) (io.ReadCloser, error)

//nolint:gochecknoglobals
var decompressors sync.Map

func init() {
	// Copy
	RegisterDecompressor([]byte{0x00}, Decompressor(func(_ []byte, _ uint64, r []io.ReadCloser) (io.ReadCloser, error) {
		if len(r) != 1 {
			return nil, errUnsupportedError(errAlgorithm)
		}

		return r[0], nil
	}))

	// Delta
	RegisterDecompressor([]byte{0x03}, Decompressor(delta.NewReader))

	// BCJ x86 (old ID)
	RegisterDecompressor([]byte{0x04}, Decompressor(bra.NewBCJReader))

	// LZMA2
	RegisterDecompressor([]byte{0x21}, Decompressor(lzma2.NewReader))

	// LZMA
	RegisterDecompressor([]byte{0x03, 0x01, 0x01}, Decompressor(lzma.NewReader))

	// BCJ (ARM/ARM64/PPC/SPARC/x86)
	RegisterDecompressor([]byte{0x03, 0x03, 0x01, 0x03}, Decompressor(bra.NewARMReader))
	RegisterDecompressor([]byte{0x0a}, Decompressor(bra.NewARM64Reader))
	RegisterDecompressor([]byte{0x03, 0x03, 0x02, 0x05}, Decompressor(bra.NewPPCReader))
	RegisterDecompressor([]byte{0x03, 0x03, 0x08, 0x05}, Decompressor(bra.NewSPARCReader))
	RegisterDecompressor([]byte{0x03, 0x03, 0x01, 0x1b}, Decompressor(bra.NewBCJReader))

	// BCJ2
	RegisterDecompressor([]byte{0x03, 0x03, 0x01, 0x1b, 0x00}, Decompressor(bcj2.NewReader))

	// Deflate
	RegisterDecompressor([]byte{0x04, 0x01, 0x08}, Decompressor(deflate.NewReader))

	// BZip2
	RegisterDecompressor([]byte{0x04, 0x02, 0x02}, Decompressor(bzip2.NewReader))

	// LZ4
	RegisterDecompressor([]byte{0x04, 0xf7, 0x11, 0x04}, Decompressor(lz4.NewReader))

	// Brotli
	RegisterDecompressor([]byte{0x04, 0xf7, 0x11, 0x01}, Decompressor(brotli.NewReader))

	// Zstandard
	RegisterDecompressor([]byte{0x04, 0xf7, 0x11, 0x02}, Decompressor(zstd.NewReader))

	// AES-256-CBC & SHA-256
	RegisterDecompressor(aesCoderID, Decompressor(aes7z.NewReader))
}

// aesCoderID is the 7z coder ID for 7zAES (AES-256-CBC with a SHA-256
// based key derivation).
//
//nolint:gochecknoglobals
var aesCoderID = []byte{0x06, 0xf1, 0x07, 0x01}

// RegisterDecompressor adds a Decompressor for the given coder method ID.
// It panics if a decompressor is already registered for that ID, mirroring
// [image.RegisterFormat]'s once-only semantics.
func RegisterDecompressor(method []byte, dcomp Decompressor) {
	if _, dup := decompressors.LoadOrStore(string(method), dcomp); dup {
		panic("sevenzip: decompressor already registered")
	}
}

func decompressor(method []byte) Decompressor {
	di, ok := decompressors.Load(string(method))
	if !ok {
		return nil
	}

	return di.(Decompressor) //nolint:forcetypeassert
}

// isAESCoder reports whether id names the 7zAES coder.
func isAESCoder(id []byte) bool {
	return string(id) == string(aesCoderID)
}

// streamsInfoNeedsPassword reports whether any folder described by si uses
// the AES coder, meaning extraction will require a password.
func streamsInfoNeedsPassword(si *streamsInfo) bool {
	if si == nil || si.unpackInfo == nil {
		return false
	}

	for _, f := range si.unpackInfo.folder {
		for _, c := range f.coder {
			if isAESCoder(c.id) {
				return true
			}
		}
	}

	return false
}
