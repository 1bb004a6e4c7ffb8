package sevenzip

import (
	"bytes"
	"encoding/binary"
	"hash/crc32"
	"io"
	"testing"
	"unicode/utf16"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// putNumber encodes v as a 7z variable-length integer. It only supports
// values below 0x80, which is all this file's synthetic fixtures need; the
// single-byte form is its own length prefix (top bit clear).
func putNumber(buf *bytes.Buffer, v uint64) {
	if v >= 0x80 {
		panic("putNumber: value too large for the single-byte fixture encoding")
	}

	buf.WriteByte(byte(v))
}

func putName(buf *bytes.Buffer, name string) {
	for _, r := range utf16.Encode([]rune(name)) {
		_ = binary.Write(buf, binary.LittleEndian, r)
	}

	buf.Write([]byte{0x00, 0x00})
}

// buildArchive assembles a minimal, uncompressed single-folder 7z archive
// containing one file, exercising the Copy coder end to end without any
// compiled-in testdata fixture.
func buildArchive(tb testing.TB, name string, content []byte) []byte {
	tb.Helper()

	var streamsInfo bytes.Buffer

	streamsInfo.WriteByte(idPackInfo)
	putNumber(&streamsInfo, 0) // position
	putNumber(&streamsInfo, 1) // one pack stream
	streamsInfo.WriteByte(idSize)
	putNumber(&streamsInfo, uint64(len(content)))
	streamsInfo.WriteByte(idEnd)

	streamsInfo.WriteByte(idUnpackInfo)
	streamsInfo.WriteByte(idFolder)
	putNumber(&streamsInfo, 1) // one folder
	streamsInfo.WriteByte(0)   // external = false
	putNumber(&streamsInfo, 1) // one coder
	streamsInfo.WriteByte(0x01) // flags: id length 1, no complex streams, no properties
	streamsInfo.WriteByte(0x00) // Copy coder ID
	streamsInfo.WriteByte(idCodersUnpackSize)
	putNumber(&streamsInfo, uint64(len(content)))
	streamsInfo.WriteByte(idEnd) // end of UnpackInfo digest loop
	streamsInfo.WriteByte(idEnd) // end of StreamsInfo (default SubStreamsInfo synthesised)

	var filesInfo bytes.Buffer

	filesInfo.WriteByte(idFilesInfo)
	putNumber(&filesInfo, 1) // one file

	filesInfo.WriteByte(idName)

	var nameProperty bytes.Buffer

	nameProperty.WriteByte(0) // external = false
	putName(&nameProperty, name)
	putNumber(&filesInfo, uint64(nameProperty.Len()))
	filesInfo.Write(nameProperty.Bytes())

	filesInfo.WriteByte(idEnd) // end of FilesInfo property loop

	var header bytes.Buffer

	header.WriteByte(idHeader)
	header.WriteByte(idMainStreams)
	header.Write(streamsInfo.Bytes())
	header.Write(filesInfo.Bytes())
	header.WriteByte(idEnd) // end of Header property loop

	headerCRC := crc32.ChecksumIEEE(header.Bytes())

	var startHeader bytes.Buffer

	_ = binary.Write(&startHeader, binary.LittleEndian, uint64(len(content))) // Offset
	_ = binary.Write(&startHeader, binary.LittleEndian, uint64(header.Len())) // Size
	_ = binary.Write(&startHeader, binary.LittleEndian, headerCRC)

	startHeaderCRC := crc32.ChecksumIEEE(startHeader.Bytes())

	var archive bytes.Buffer

	archive.Write([]byte{'7', 'z', 0xbc, 0xaf, 0x27, 0x1c}) // signature
	archive.WriteByte(0)                                    // major version
	archive.WriteByte(4)                                    // minor version
	_ = binary.Write(&archive, binary.LittleEndian, startHeaderCRC)
	archive.Write(startHeader.Bytes())
	archive.Write(content)
	archive.Write(header.Bytes())

	require.Len(tb, archive.Bytes(), 32+len(content)+header.Len())

	return archive.Bytes()
}

func TestArchiveRoundTrip(t *testing.T) {
	t.Parallel()

	content := []byte("hello world")
	data := buildArchive(t, "hello.txt", content)

	r, err := NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	require.Len(t, r.File, 1)
	assert.Equal(t, "hello.txt", r.File[0].Name)
	assert.Equal(t, uint64(len(content)), r.File[0].UncompressedSize)

	rc, err := r.File[0].Open()
	require.NoError(t, err)

	defer rc.Close()

	got, err := io.ReadAll(rc)
	require.NoError(t, err)
	assert.Equal(t, content, got)
}

func TestArchiveExtract(t *testing.T) {
	t.Parallel()

	content := []byte("file contents for extraction")
	data := buildArchive(t, "out.bin", content)

	r, err := NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)

	var buf bytes.Buffer

	require.NoError(t, r.Extract(&buf, 0))
	assert.Equal(t, content, buf.Bytes())

	assert.ErrorIs(t, r.Extract(&buf, 5), errInvalidIndex)
}

func TestReadNumber(t *testing.T) {
	t.Parallel()

	tables := map[string]struct {
		in   []byte
		want uint64
	}{
		"single byte, top bit clear": {
			in:   []byte{0x7f},
			want: 127,
		},
		"all eight follow bytes present": {
			in:   []byte{0xff, 0x01, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00, 0x00},
			want: 1,
		},
	}

	for name, table := range tables {
		table := table

		t.Run(name, func(t *testing.T) {
			t.Parallel()

			got, err := readNumber(bytes.NewReader(table.in))
			require.NoError(t, err)
			assert.Equal(t, table.want, got)
		})
	}
}

func TestArchiveUnknownCoderIsUnsupported(t *testing.T) {
	t.Parallel()

	content := []byte("hello")
	data := buildArchive(t, "a.txt", content)

	// buildArchive's header layout, for a single-byte-varint pack/unpack
	// size, puts the coder ID 14 bytes into the header (1 for idHeader,
	// 1 for idMainStreams, then idPackInfo/pos/streams/idSize/size/idEnd,
	// idUnpackInfo/idFolder/numFolders/external/numCoders/flags),
	// immediately followed by idCodersUnpackSize.
	headerOffset := 32 + len(content)
	coderIDOffset := headerOffset + 14
	require.Equal(t, byte(0x00), data[coderIDOffset])
	require.Equal(t, idCodersUnpackSize, data[coderIDOffset+1])

	// Flip the registered Copy coder ID to one nothing registers, then
	// refresh the header CRC and the start header CRC that covers it so
	// the archive still opens.
	data[coderIDOffset] = 0xfe
	binary.LittleEndian.PutUint32(data[28:32], crc32.ChecksumIEEE(data[headerOffset:]))
	binary.LittleEndian.PutUint32(data[8:12], crc32.ChecksumIEEE(data[12:32]))

	r, err := NewReader(bytes.NewReader(data), int64(len(data)))
	require.NoError(t, err)
	require.Len(t, r.File, 1)

	var buf bytes.Buffer

	err = r.Extract(&buf, 0)
	require.Error(t, err)

	var fe *FormatError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, KindUnsupported, fe.Kind)
}

func TestArchiveCorruptHeaderFailsChecksum(t *testing.T) {
	t.Parallel()

	content := []byte("x")
	data := buildArchive(t, "hello.txt", content)

	var nameUTF16 bytes.Buffer
	putName(&nameUTF16, "hello.txt")

	idx := bytes.Index(data, nameUTF16.Bytes()[:len("hello.txt")*2])
	require.GreaterOrEqual(t, idx, 0)

	data[idx] ^= 0xff // flip a byte inside the name payload, leaving every tag/length byte intact

	_, err := NewReader(bytes.NewReader(data), int64(len(data)))
	require.Error(t, err)

	var fe *FormatError
	require.ErrorAs(t, err, &fe)
	assert.Equal(t, KindIntegrityFailure, fe.Kind)
}
