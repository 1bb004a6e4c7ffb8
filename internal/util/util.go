// Package util contains small helpers shared by the container reader and
// its coder packages.
package util

import (
	"bufio"
	"encoding/binary"
	"io"
)

// SizeReadSeekCloser is the interface required of anything that can sit in
// a folder pool: a seekable, closeable reader that also knows its own
// total size.
type SizeReadSeekCloser interface {
	io.ReadSeeker
	io.Closer
	Size() int64
}

// ReadCloser is a closeable reader that can also be read one byte at a
// time, which several decompressors (flate, lzma, bcj2) require of their
// input.
type ReadCloser interface {
	io.Reader
	io.ByteReader
	io.Closer
}

type nopCloser struct {
	io.Reader
}

func (nopCloser) Close() error { return nil }

// NopCloser returns a ReadCloser with a no-op Close method wrapping r, in
// the style of [io.NopCloser] but without forcing a second layer of
// wrapping if r is already closeable.
func NopCloser(r io.Reader) io.ReadCloser {
	if rc, ok := r.(io.ReadCloser); ok {
		return rc
	}

	return nopCloser{r}
}

// ByteReadCloser adapts rc so that it also satisfies io.ByteReader.
func ByteReadCloser(rc io.ReadCloser) ReadCloser {
	if brc, ok := rc.(ReadCloser); ok {
		return brc
	}

	return &byteReadCloser{bufio.NewReader(rc), rc}
}

type byteReadCloser struct {
	*bufio.Reader
	c io.Closer
}

func (brc *byteReadCloser) Close() error {
	return brc.c.Close()
}

// CRC32Equal compares a raw CRC32 digest as returned by [hash.Hash.Sum]
// (big-endian, per hash/crc32's Sum) against a decoded uint32 value.
func CRC32Equal(sum []byte, crc uint32) bool {
	return len(sum) == 4 && binary.BigEndian.Uint32(sum) == crc
}
