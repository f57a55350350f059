package changelog

import (
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/klauspost/compress/s2"
)

var ErrTruncated = errors.New("changelog: truncated entry")

// blobFlag marks whether a before/after payload was s2-compressed.
const (
	blobRaw        byte = 0
	blobCompressed byte = 1
)

// encodeEntry serializes an Entry as: lsn(8) ∥ timestamp(8) ∥
// entity_name(len-prefixed) ∥ entity_id(16) ∥ op(1) ∥ schema_version(8) ∥
// before-blob ∥ after-blob ∥ changed-fields(len-prefixed list).
//
// A blob is: present(1) ∥ [if present] compressed(1) ∥ len(4) ∥ data. Blobs
// larger than compressThreshold are s2-compressed before being written;
// keys are never compressed.
func encodeEntry(e Entry) []byte {
	buf := make([]byte, 0, 128)
	buf = appendU64(buf, e.LSN)
	buf = appendU64(buf, uint64(e.TimestampUnix))
	buf = appendLenPrefixed(buf, []byte(e.EntityName))
	buf = append(buf, e.EntityID[:]...)
	buf = append(buf, byte(e.Op))
	buf = appendU64(buf, e.SchemaVersion)
	buf = appendBlob(buf, e.Before)
	buf = appendBlob(buf, e.After)
	buf = appendU32(buf, uint32(len(e.ChangedFields)))
	for _, f := range e.ChangedFields {
		buf = appendLenPrefixed(buf, []byte(f))
	}
	return buf
}

func appendBlob(buf, data []byte) []byte {
	if data == nil {
		return append(buf, 0)
	}
	buf = append(buf, 1)
	if len(data) > compressThreshold {
		buf = append(buf, blobCompressed)
		compressed := s2.Encode(nil, data)
		buf = appendLenPrefixed(buf, compressed)
		return buf
	}
	buf = append(buf, blobRaw)
	return appendLenPrefixed(buf, data)
}

func readBlob(buf []byte) ([]byte, []byte, error) {
	if len(buf) < 1 {
		return nil, nil, ErrTruncated
	}
	present := buf[0]
	buf = buf[1:]
	if present == 0 {
		return nil, buf, nil
	}
	if len(buf) < 1 {
		return nil, nil, ErrTruncated
	}
	compressed := buf[0]
	buf = buf[1:]
	data, rest, err := readLenPrefixed(buf)
	if err != nil {
		return nil, nil, err
	}
	if compressed == blobCompressed {
		decoded, err := s2.Decode(nil, data)
		if err != nil {
			return nil, nil, fmt.Errorf("changelog: decompress blob: %w", err)
		}
		return decoded, rest, nil
	}
	return append([]byte(nil), data...), rest, nil
}

func decodeEntry(buf []byte) (Entry, error) {
	var e Entry
	if len(buf) < 8 {
		return e, ErrTruncated
	}
	e.LSN = binary.BigEndian.Uint64(buf)
	buf = buf[8:]

	if len(buf) < 8 {
		return e, ErrTruncated
	}
	e.TimestampUnix = int64(binary.BigEndian.Uint64(buf))
	buf = buf[8:]

	name, rest, err := readLenPrefixed(buf)
	if err != nil {
		return e, err
	}
	e.EntityName = string(name)
	buf = rest

	if len(buf) < 16+1+8 {
		return e, ErrTruncated
	}
	copy(e.EntityID[:], buf[:16])
	buf = buf[16:]
	e.Op = Operation(buf[0])
	buf = buf[1:]
	e.SchemaVersion = binary.BigEndian.Uint64(buf)
	buf = buf[8:]

	before, rest, err := readBlob(buf)
	if err != nil {
		return e, err
	}
	e.Before = before
	buf = rest

	after, rest, err := readBlob(buf)
	if err != nil {
		return e, err
	}
	e.After = after
	buf = rest

	if len(buf) < 4 {
		return e, ErrTruncated
	}
	count := binary.BigEndian.Uint32(buf)
	buf = buf[4:]
	e.ChangedFields = make([]string, count)
	for i := uint32(0); i < count; i++ {
		f, rest, err := readLenPrefixed(buf)
		if err != nil {
			return e, err
		}
		e.ChangedFields[i] = string(f)
		buf = rest
	}
	return e, nil
}

func appendU64(buf []byte, x uint64) []byte {
	var tmp [8]byte
	binary.BigEndian.PutUint64(tmp[:], x)
	return append(buf, tmp[:]...)
}

func appendU32(buf []byte, x uint32) []byte {
	var tmp [4]byte
	binary.BigEndian.PutUint32(tmp[:], x)
	return append(buf, tmp[:]...)
}

func appendLenPrefixed(buf, data []byte) []byte {
	buf = appendU32(buf, uint32(len(data)))
	return append(buf, data...)
}

func readLenPrefixed(buf []byte) ([]byte, []byte, error) {
	if len(buf) < 4 {
		return nil, nil, ErrTruncated
	}
	n := binary.BigEndian.Uint32(buf)
	buf = buf[4:]
	if uint32(len(buf)) < n {
		return nil, nil, ErrTruncated
	}
	return buf[:n], buf[n:], nil
}
