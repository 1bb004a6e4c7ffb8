package sevenzip

import (
	"bufio"
	"io"
	"time"
	"unicode/utf16"

	"github.com/bodgit/windows"
)

// Property IDs used throughout the Header and StreamsInfo structures. Values
// follow the on-disk 7z format exactly and run without gaps from idEnd
// (0x00) to idDummy (0x19), so idATime is 0x13 and idEncodedHeader is 0x17.
const (
	idEnd byte = iota
	idHeader
	idArchiveProperties
	idAdditionalStreams
	idMainStreams
	idFilesInfo
	idPackInfo
	idUnpackInfo
	idSubStreamsInfo
	idSize
	idCRC
	idFolder
	idCodersUnpackSize
	idNumUnpackStream
	idEmptyStream
	idEmptyFile
	idAnti
	idName
	idCTime
	idATime
	idMTime
	idWinAttributes
	idComment
	idEncodedHeader
	idStartPos
	idDummy
)

type byteReader interface {
	io.Reader
	io.ByteReader
}

// readNumber decodes a 7z varint per the format's variable-length integer
// scheme: the leading 1-bits of the first byte (MSB first) give the count
// of little-endian follow bytes, the remaining low bits of the first byte
// become the high bits of the value.
func readNumber(r io.ByteReader) (uint64, error) {
	first, err := r.ReadByte()
	if err != nil {
		return 0, err
	}

	var (
		value uint64
		mask  byte = 0x80
	)

	for i := 0; i < 8; i++ {
		if first&mask == 0 {
			value |= uint64(first&(mask-1)) << (8 * i)

			return value, nil
		}

		b, err := r.ReadByte()
		if err != nil {
			return 0, err
		}

		value |= uint64(b) << (8 * i)
		mask >>= 1
	}

	return value, nil
}

func readUint32(r io.Reader) (uint32, error) {
	var b [4]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}

	return uint32(b[0]) | uint32(b[1])<<8 | uint32(b[2])<<16 | uint32(b[3])<<24, nil
}

func readUint64(r io.Reader) (uint64, error) {
	var b [8]byte
	if _, err := io.ReadFull(r, b[:]); err != nil {
		return 0, err
	}

	v := uint64(0)
	for i := 7; i >= 0; i-- {
		v = v<<8 | uint64(b[i])
	}

	return v, nil
}

// readBitVector reads a plain, MSB-first-within-byte bit vector of n
// entries with no preceding "all defined" flag.
func readBitVector(r io.Reader, n int) ([]bool, error) {
	buf := make([]byte, (n+7)/8)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}

	result := make([]bool, n)
	for i := range result {
		result[i] = buf[i/8]&(0x80>>(uint(i)%8)) != 0
	}

	return result, nil
}

// readBoolVector reads a boolean vector which may be preceded by an
// AllAreDefined flag; when that flag is zero the remaining bit vector
// follows per readBitVector.
func readBoolVector(r byteReader, n int) ([]bool, error) {
	allDefined, err := r.ReadByte()
	if err != nil {
		return nil, err
	}

	if allDefined != 0 {
		result := make([]bool, n)
		for i := range result {
			result[i] = true
		}

		return result, nil
	}

	return readBitVector(r, n)
}

// readDigests reads a kCRC style section: a defined vector followed by one
// little-endian uint32 per defined entry.
func readDigests(r byteReader, n int) ([]uint32, []bool, error) {
	defined, err := readBoolVector(r, n)
	if err != nil {
		return nil, nil, err
	}

	digest := make([]uint32, n)

	for i, d := range defined {
		if !d {
			continue
		}

		if digest[i], err = readUint32(r); err != nil {
			return nil, nil, err
		}
	}

	return digest, defined, nil
}

func readPackInfo(r byteReader) (*packInfo, error) {
	var err error

	pi := new(packInfo)

	if pi.position, err = readNumber(r); err != nil {
		return nil, err
	}

	var streams uint64
	if streams, err = readNumber(r); err != nil {
		return nil, err
	}

	pi.streams = streams

	for {
		id, err := r.ReadByte()
		if err != nil {
			return nil, err
		}

		switch id {
		case idSize:
			pi.size = make([]uint64, streams)

			for i := range pi.size {
				if pi.size[i], err = readNumber(r); err != nil {
					return nil, err
				}
			}
		case idCRC:
			if pi.digest, _, err = readDigests(r, int(streams)); err != nil { //nolint:gosec
				return nil, err
			}
		case idEnd:
			if pi.size == nil {
				return nil, errMalformed(errMissingPackSizes)
			}

			return pi, nil
		default:
			return nil, errMalformed(errUnexpectedID)
		}
	}
}

func readFolder(r byteReader) (*folder, error) {
	numCoders, err := readNumber(r)
	if err != nil {
		return nil, err
	}

	f := new(folder)
	f.coder = make([]*coder, numCoders)

	var totalIn, totalOut uint64

	for i := range f.coder {
		b, err := r.ReadByte()
		if err != nil {
			return nil, err
		}

		if b&0x80 != 0 {
			return nil, errUnsupportedError(errAlternativeMethods)
		}

		c := new(coder)
		c.id = make([]byte, b&0x0f)

		if _, err := io.ReadFull(r, c.id); err != nil {
			return nil, err
		}

		if b&0x10 != 0 {
			if c.in, err = readNumber(r); err != nil {
				return nil, err
			}

			if c.out, err = readNumber(r); err != nil {
				return nil, err
			}
		} else {
			c.in, c.out = 1, 1
		}

		if b&0x20 != 0 {
			size, err := readNumber(r)
			if err != nil {
				return nil, err
			}

			c.properties = make([]byte, size)
			if _, err := io.ReadFull(r, c.properties); err != nil {
				return nil, err
			}
		}

		totalIn += c.in
		totalOut += c.out
		f.coder[i] = c
	}

	if totalOut == 0 {
		return nil, errMalformed(errNoCoderOutputs)
	}

	f.in, f.out = totalIn, totalOut

	numBindPairs := totalOut - 1
	f.bindPair = make([]*bindPair, numBindPairs)

	for i := range f.bindPair {
		in, err := readNumber(r)
		if err != nil {
			return nil, err
		}

		out, err := readNumber(r)
		if err != nil {
			return nil, err
		}

		f.bindPair[i] = &bindPair{in: in, out: out}
	}

	if totalIn < numBindPairs {
		return nil, errMalformed(errBindPairMismatch)
	}

	numPacked := totalIn - numBindPairs
	f.packedStreams = numPacked
	f.packed = make([]uint64, numPacked)

	if numPacked == 1 {
		found := false

		for i := uint64(0); i < totalIn; i++ {
			if f.findInBindPair(i) == nil {
				f.packed[0] = i
				found = true

				break
			}
		}

		if !found {
			return nil, errMalformed(errNoUnboundInput)
		}
	} else {
		for i := range f.packed {
			if f.packed[i], err = readNumber(r); err != nil {
				return nil, err
			}
		}
	}

	return f, nil
}

func readUnpackInfo(r byteReader) (*unpackInfo, error) {
	id, err := r.ReadByte()
	if err != nil {
		return nil, err
	}

	if id != idFolder {
		return nil, errMalformed(errUnexpectedID)
	}

	numFolders, err := readNumber(r)
	if err != nil {
		return nil, err
	}

	external, err := r.ReadByte()
	if err != nil {
		return nil, err
	}

	if external != 0 {
		return nil, errUnsupportedError(errExternalFolders)
	}

	ui := new(unpackInfo)
	ui.folder = make([]*folder, numFolders)

	for i := range ui.folder {
		if ui.folder[i], err = readFolder(r); err != nil {
			return nil, err
		}
	}

	if id, err = r.ReadByte(); err != nil {
		return nil, err
	}

	if id != idCodersUnpackSize {
		return nil, errMalformed(errUnexpectedID)
	}

	for _, f := range ui.folder {
		f.size = make([]uint64, f.out)

		for i := range f.size {
			if f.size[i], err = readNumber(r); err != nil {
				return nil, err
			}
		}
	}

	for {
		if id, err = r.ReadByte(); err != nil {
			return nil, err
		}

		switch id {
		case idCRC:
			if ui.digest, ui.digestDefined, err = readDigests(r, len(ui.folder)); err != nil {
				return nil, err
			}
		case idEnd:
			return ui, nil
		default:
			return nil, errMalformed(errUnexpectedID)
		}
	}
}

//nolint:cyclop
func readSubStreamsInfo(r byteReader, ui *unpackInfo) (*subStreamsInfo, error) {
	ssi := &subStreamsInfo{streams: make([]uint64, len(ui.folder))}
	for i := range ssi.streams {
		ssi.streams[i] = 1
	}

	id, err := r.ReadByte()
	if err != nil {
		return nil, err
	}

	if id == idNumUnpackStream {
		for i := range ssi.streams {
			if ssi.streams[i], err = readNumber(r); err != nil {
				return nil, err
			}
		}

		if id, err = r.ReadByte(); err != nil {
			return nil, err
		}
	}

	haveSize := id == idSize

	for i, f := range ui.folder {
		switch {
		case ssi.streams[i] == 0:
			continue
		case ssi.streams[i] == 1:
			ssi.size = append(ssi.size, f.unpackSize())
		case !haveSize:
			return nil, errMalformed(errMissingSubstreamSize)
		default:
			sum := uint64(0)

			for j := uint64(1); j < ssi.streams[i]; j++ {
				size, err := readNumber(r)
				if err != nil {
					return nil, err
				}

				ssi.size = append(ssi.size, size)
				sum += size
			}

			ssi.size = append(ssi.size, f.unpackSize()-sum)
		}
	}

	if haveSize {
		if id, err = r.ReadByte(); err != nil {
			return nil, err
		}
	}

	if id == idCRC {
		numDigests := 0

		for i := range ui.folder {
			if ssi.streams[i] == 1 && len(ui.digestDefined) > i && ui.digestDefined[i] {
				continue
			}

			numDigests += int(ssi.streams[i]) //nolint:gosec
		}

		digest, defined, err := readDigests(r, numDigests)
		if err != nil {
			return nil, err
		}

		ssi.digest = make([]uint32, 0, len(ssi.size))
		d := 0

		for i := range ui.folder {
			if ssi.streams[i] == 1 && len(ui.digestDefined) > i && ui.digestDefined[i] {
				ssi.digest = append(ssi.digest, ui.digest[i])

				continue
			}

			for j := uint64(0); j < ssi.streams[i]; j++ {
				if defined[d] {
					ssi.digest = append(ssi.digest, digest[d])
				} else {
					ssi.digest = append(ssi.digest, 0)
				}

				d++
			}
		}

		if id, err = r.ReadByte(); err != nil {
			return nil, err
		}
	}

	if id != idEnd {
		return nil, errMalformed(errUnexpectedID)
	}

	return ssi, nil
}

func readStreamsInfo(r byteReader) (*streamsInfo, error) {
	si := new(streamsInfo)

	id, err := r.ReadByte()
	if err != nil {
		return nil, err
	}

	if id == idPackInfo {
		if si.packInfo, err = readPackInfo(r); err != nil {
			return nil, err
		}

		if id, err = r.ReadByte(); err != nil {
			return nil, err
		}
	}

	if id == idUnpackInfo {
		if si.unpackInfo, err = readUnpackInfo(r); err != nil {
			return nil, err
		}

		if id, err = r.ReadByte(); err != nil {
			return nil, err
		}
	}

	if id == idSubStreamsInfo {
		if si.unpackInfo == nil {
			return nil, errMalformed(errUnexpectedID)
		}

		if si.subStreamsInfo, err = readSubStreamsInfo(r, si.unpackInfo); err != nil {
			return nil, err
		}

		if id, err = r.ReadByte(); err != nil {
			return nil, err
		}
	} else if si.unpackInfo != nil {
		ssi := &subStreamsInfo{streams: make([]uint64, len(si.unpackInfo.folder))}
		for i, f := range si.unpackInfo.folder {
			ssi.streams[i] = 1
			ssi.size = append(ssi.size, f.unpackSize())
		}

		si.subStreamsInfo = ssi
	}

	if id != idEnd {
		return nil, errMalformed(errUnexpectedID)
	}

	return si, nil
}

func readArchiveProperties(r byteReader) error {
	for {
		id, err := r.ReadByte()
		if err != nil {
			return err
		}

		if id == idEnd {
			return nil
		}

		size, err := readNumber(r)
		if err != nil {
			return err
		}

		if _, err := io.CopyN(io.Discard, r, int64(size)); err != nil { //nolint:gosec
			return err
		}
	}
}

func decodeNames(b []byte) []string {
	u16 := make([]uint16, len(b)/2)
	for i := range u16 {
		u16[i] = uint16(b[2*i]) | uint16(b[2*i+1])<<8
	}

	names := make([]string, 0)

	start := 0

	for i, v := range u16 {
		if v != 0 {
			continue
		}

		names = append(names, string(utf16.Decode(u16[start:i])))
		start = i + 1
	}

	return names
}

func readTimes(r byteReader, n int) ([]time.Time, error) {
	defined, err := readBoolVector(r, n)
	if err != nil {
		return nil, err
	}

	external, err := r.ReadByte()
	if err != nil {
		return nil, err
	}

	if external != 0 {
		return nil, errUnsupportedError(errExternalTimes)
	}

	times := make([]time.Time, n)

	for i, d := range defined {
		if !d {
			continue
		}

		ft, err := readUint64(r)
		if err != nil {
			return nil, err
		}

		times[i] = windows.FileTimeToTime(ft)
	}

	return times, nil
}

//nolint:cyclop,funlen
func readFilesInfo(r byteReader, numFiles int) (*filesInfo, error) {
	files := make([]FileHeader, numFiles)

	var (
		emptyStream     []bool
		emptyFile       []bool
		anti            []bool
		numEmptyStreams int
	)

	for {
		id, err := r.ReadByte()
		if err != nil {
			return nil, err
		}

		if id == idEnd {
			break
		}

		size, err := readNumber(r)
		if err != nil {
			return nil, err
		}

		lr := io.LimitReader(r, int64(size)) //nolint:gosec
		br := bufio.NewReader(lr)

		switch id {
		case idEmptyStream:
			if emptyStream, err = readBitVector(br, numFiles); err != nil {
				return nil, err
			}

			numEmptyStreams = 0

			for _, b := range emptyStream {
				if b {
					numEmptyStreams++
				}
			}
		case idEmptyFile:
			if emptyFile, err = readBitVector(br, numEmptyStreams); err != nil {
				return nil, err
			}
		case idAnti:
			if anti, err = readBitVector(br, numEmptyStreams); err != nil {
				return nil, err
			}
		case idName:
			external, err := br.ReadByte()
			if err != nil {
				return nil, err
			}

			if external != 0 {
				return nil, errUnsupportedError(errExternalNames)
			}

			rest, err := io.ReadAll(br)
			if err != nil {
				return nil, err
			}

			names := decodeNames(rest)
			if len(names) != numFiles {
				return nil, errMalformed(errNameCountMismatch)
			}

			for i, name := range names {
				files[i].Name = name
			}
		case idCTime:
			times, err := readTimes(br, numFiles)
			if err != nil {
				return nil, err
			}

			for i, t := range times {
				files[i].Created = t
			}
		case idATime:
			times, err := readTimes(br, numFiles)
			if err != nil {
				return nil, err
			}

			for i, t := range times {
				files[i].Accessed = t
			}
		case idMTime:
			times, err := readTimes(br, numFiles)
			if err != nil {
				return nil, err
			}

			for i, t := range times {
				files[i].Modified = t
			}
		case idWinAttributes:
			defined, err := readBoolVector(br, numFiles)
			if err != nil {
				return nil, err
			}

			external, err := br.ReadByte()
			if err != nil {
				return nil, err
			}

			if external != 0 {
				return nil, errUnsupportedError(errExternalAttributes)
			}

			for i, d := range defined {
				if !d {
					continue
				}

				attr, err := readUint32(br)
				if err != nil {
					return nil, err
				}

				files[i].Attributes = attr
			}
		default:
			// Unknown, extensible property: skip it, size-prefixed payloads
			// are how the format stays forward compatible (kStartPos,
			// kDummy padding and anything newer than this parser).
		}

		if _, err := io.Copy(io.Discard, br); err != nil {
			return nil, err
		}
	}

	// Anti-item markers identify deletions carried by a patch archive; the
	// extraction driver has nothing to do with them beyond skipping the
	// files they mark, which emptyStream/emptyFile already achieve.
	_ = anti

	ei := 0

	for i := range files {
		if len(emptyStream) > 0 && emptyStream[i] {
			files[i].isEmptyStream = true

			if len(emptyFile) > 0 {
				files[i].isEmptyFile = emptyFile[ei]
			}

			ei++
		}
	}

	return &filesInfo{file: files}, nil
}

func readHeader(r byteReader) (*header, error) {
	h := new(header)

	for {
		id, err := r.ReadByte()
		if err != nil {
			return nil, err
		}

		switch id {
		case idArchiveProperties:
			if err := readArchiveProperties(r); err != nil {
				return nil, err
			}
		case idAdditionalStreams:
			return nil, errUnsupportedError(errAdditionalStreams)
		case idMainStreams:
			if h.streamsInfo, err = readStreamsInfo(r); err != nil {
				return nil, err
			}
		case idFilesInfo:
			n, err := readNumber(r)
			if err != nil {
				return nil, err
			}

			if h.filesInfo, err = readFilesInfo(r, int(n)); err != nil { //nolint:gosec
				return nil, err
			}
		case idEnd:
			return h, nil
		default:
			return nil, errMalformed(errUnexpectedID)
		}
	}
}

// readEncodedHeader reads the plaintext bytes produced by decoding an
// EncodedHeader's folder; it must begin with idHeader per the format.
func readEncodedHeader(r byteReader) (*header, error) {
	id, err := r.ReadByte()
	if err != nil {
		return nil, err
	}

	if id != idHeader {
		return nil, errMalformed(errUnexpectedID)
	}

	return readHeader(r)
}
