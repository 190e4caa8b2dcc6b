package persistence

import (
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/loganszeto/shardkv/internal/value"
)

var (
	magic      = [4]byte{'S', 'K', 'V', '1'}
	ErrCorrupt = errors.New("archive record corrupt")
)

type Op byte

const (
	OpExpired Op = 1
)

func (o Op) String() string {
	switch o {
	case OpExpired:
		return "EXPIRED"
	default:
		return fmt.Sprintf("Op(%d)", byte(o))
	}
}

// Record is one archived entry. Layout, little endian:
// magic[4] op[1] keyLen[4] valLen[4] expiresAtMs[8] version[8] key value crc32[4],
// where the checksum covers everything before it.
type Record struct {
	Op          Op
	Key         string
	Value       value.Value
	ExpiresAtMs int64
	Version     uint64
}

const (
	headerSize = 4 + 1 + 4 + 4 + 8 + 8
	crcSize    = 4
	// maxBlob bounds a single key or value so a corrupt length cannot force
	// a huge allocation.
	maxBlob = 1 << 30
)

func Encode(rec Record) ([]byte, error) {
	val, err := value.Encode(rec.Value)
	if err != nil {
		return nil, fmt.Errorf("encode value for %q: %w", rec.Key, err)
	}
	buf := make([]byte, 0, headerSize+len(rec.Key)+len(val)+crcSize)
	buf = append(buf, magic[:]...)
	buf = append(buf, byte(rec.Op))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(rec.Key)))
	buf = binary.LittleEndian.AppendUint32(buf, uint32(len(val)))
	buf = binary.LittleEndian.AppendUint64(buf, uint64(rec.ExpiresAtMs))
	buf = binary.LittleEndian.AppendUint64(buf, rec.Version)
	buf = append(buf, rec.Key...)
	buf = append(buf, val...)
	return binary.LittleEndian.AppendUint32(buf, crc32.ChecksumIEEE(buf)), nil
}

// DecodeFrom reads one record. io.EOF means a clean end; io.ErrUnexpectedEOF
// a torn tail.
func DecodeFrom(r io.Reader) (Record, error) {
	var header [headerSize]byte
	if _, err := io.ReadFull(r, header[:]); err != nil {
		return Record{}, err
	}
	if [4]byte(header[:4]) != magic {
		return Record{}, ErrCorrupt
	}
	keyLen := binary.LittleEndian.Uint32(header[5:9])
	valLen := binary.LittleEndian.Uint32(header[9:13])
	if keyLen > maxBlob || valLen > maxBlob {
		return Record{}, ErrCorrupt
	}

	rest := make([]byte, int(keyLen)+int(valLen)+crcSize)
	if _, err := io.ReadFull(r, rest); err != nil {
		if errors.Is(err, io.EOF) {
			return Record{}, io.ErrUnexpectedEOF
		}
		return Record{}, err
	}
	body := rest[:len(rest)-crcSize]
	want := binary.LittleEndian.Uint32(rest[len(rest)-crcSize:])
	crc := crc32.Update(crc32.ChecksumIEEE(header[:]), crc32.IEEETable, body)
	if crc != want {
		return Record{}, ErrCorrupt
	}

	v, n, err := value.Decode(body[keyLen:])
	if err != nil || n != int(valLen) {
		return Record{}, ErrCorrupt
	}
	return Record{
		Op:          Op(header[4]),
		Key:         string(body[:keyLen]),
		Value:       v,
		ExpiresAtMs: int64(binary.LittleEndian.Uint64(header[13:21])),
		Version:     binary.LittleEndian.Uint64(header[21:29]),
	}, nil
}
