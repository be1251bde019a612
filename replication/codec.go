package replication

import (
	"bufio"
	"bytes"
	"encoding/binary"
	stderrors "errors"
	"fmt"
	"io"

	"github.com/klauspost/compress/zstd"
	"github.com/pierrec/lz4/v4"

	"github.com/c360/attrstream/aggregator"
	"github.com/c360/attrstream/errors"
)

// Magic opens every encoded replica
const Magic = "ASRP"

// Version is the current wire format version
const Version byte = 1

// maxField bounds any single length-prefixed field
const maxField = 64 << 20

// Compression selects how the replica body is compressed
type Compression byte

// Compression algorithms. The values are wire constants.
const (
	CompressionNone Compression = 0
	CompressionLZ4  Compression = 1
	CompressionZstd Compression = 2
)

func (c Compression) String() string {
	switch c {
	case CompressionNone:
		return "none"
	case CompressionLZ4:
		return "lz4"
	case CompressionZstd:
		return "zstd"
	default:
		return fmt.Sprintf("unknown(%d)", byte(c))
	}
}

// ParseCompression parses a compression name
func ParseCompression(name string) (Compression, error) {
	switch name {
	case "", "none":
		return CompressionNone, nil
	case "lz4":
		return CompressionLZ4, nil
	case "zstd":
		return CompressionZstd, nil
	default:
		return 0, errors.WrapInvalid(fmt.Errorf("%w: compression %q", errors.ErrInvalidConfig, name),
			"replication", "ParseCompression", "parse compression")
	}
}

var (
	zstdEncoder *zstd.Encoder
	zstdDecoder *zstd.Decoder

	errIncompressible = stderrors.New("replica body is incompressible")
)

func init() {
	var err error
	if zstdEncoder, err = zstd.NewWriter(nil, zstd.WithEncoderLevel(zstd.SpeedDefault)); err != nil {
		panic("replication: zstd encoder: " + err.Error())
	}
	if zstdDecoder, err = zstd.NewReader(nil, zstd.WithDecoderMaxMemory(maxField)); err != nil {
		panic("replication: zstd decoder: " + err.Error())
	}
}

// Marshal encodes r. The body falls back to no compression when the
// requested algorithm does not shrink it.
func Marshal(r *Replica, c Compression) ([]byte, error) {
	body, err := encodeBody(r)
	if err != nil {
		return nil, err
	}

	packed, used, err := compress(body, c)
	if err != nil {
		return nil, err
	}

	out := make([]byte, 0, len(Magic)+2+binary.MaxVarintLen64+len(packed))
	out = append(out, Magic...)
	out = append(out, Version, byte(used))
	if used != CompressionNone {
		out = binary.AppendUvarint(out, uint64(len(body)))
	}
	return append(out, packed...), nil
}

// Unmarshal decodes data produced by Marshal. Any malformed, truncated or
// trailing input fails the whole decode with errors.ErrDataCorrupted.
func Unmarshal(data []byte) (*Replica, error) {
	if len(data) < len(Magic)+2 || string(data[:len(Magic)]) != Magic {
		return nil, corrupted("check header", nil)
	}
	if v := data[len(Magic)]; v != Version {
		return nil, corrupted(fmt.Sprintf("check version %d", v), nil)
	}
	c := Compression(data[len(Magic)+1])
	rest := data[len(Magic)+2:]

	body := rest
	if c != CompressionNone {
		size, n := binary.Uvarint(rest)
		if n <= 0 || size > maxField {
			return nil, corrupted("read body size", nil)
		}
		var err error
		if body, err = decompress(rest[n:], c, int(size)); err != nil {
			return nil, err
		}
	}
	return decodeBody(body)
}

// Encode writes the encoded replica to w
func Encode(w io.Writer, r *Replica, c Compression) error {
	data, err := Marshal(r, c)
	if err != nil {
		return err
	}
	if _, err := w.Write(data); err != nil {
		return errors.WrapTransient(err, "replication", "Encode", "write replica")
	}
	return nil
}

// Decode reads one encoded replica from rd until EOF
func Decode(rd io.Reader) (*Replica, error) {
	data, err := io.ReadAll(io.LimitReader(rd, maxField+1))
	if err != nil {
		return nil, errors.WrapTransient(err, "replication", "Decode", "read replica")
	}
	if len(data) > maxField {
		return nil, corrupted("check size", nil)
	}
	return Unmarshal(data)
}

func encodeBody(r *Replica) ([]byte, error) {
	var buf bytes.Buffer

	names := r.Names()
	buf.Write(binary.AppendUvarint(nil, uint64(len(names))))
	for _, name := range names {
		writeField(&buf, []byte(name))
		if err := writeAggregator(&buf, r.Snapshots[name]); err != nil {
			return nil, errors.Wrap(err, "replication", "Marshal", "encode "+name)
		}
	}

	if r.Arrivals == nil {
		buf.WriteByte(0)
		return buf.Bytes(), nil
	}
	buf.WriteByte(1)
	if err := writeAggregator(&buf, r.Arrivals); err != nil {
		return nil, errors.Wrap(err, "replication", "Marshal", "encode arrivals")
	}
	return buf.Bytes(), nil
}

func writeAggregator(buf *bytes.Buffer, agg aggregator.Aggregator) error {
	payload, err := agg.MarshalBinary()
	if err != nil {
		return err
	}
	writeField(buf, []byte(agg.Type()))
	writeField(buf, payload)
	return nil
}

func writeField(buf *bytes.Buffer, b []byte) {
	buf.Write(binary.AppendUvarint(nil, uint64(len(b))))
	buf.Write(b)
}

func decodeBody(body []byte) (*Replica, error) {
	rd := bufio.NewReader(bytes.NewReader(body))

	count, err := binary.ReadUvarint(rd)
	if err != nil {
		return nil, corrupted("read record count", err)
	}
	if count > uint64(len(body)) {
		return nil, corrupted(fmt.Sprintf("check record count %d", count), nil)
	}

	r := &Replica{Snapshots: make(map[string]aggregator.Aggregator, count)}
	for i := uint64(0); i < count; i++ {
		name, err := readField(rd)
		if err != nil {
			return nil, corrupted(fmt.Sprintf("read name of record %d", i), err)
		}
		if _, dup := r.Snapshots[string(name)]; dup {
			return nil, corrupted("check duplicate record "+string(name), nil)
		}
		agg, err := readAggregator(rd)
		if err != nil {
			return nil, err
		}
		r.Snapshots[string(name)] = agg
	}

	present, err := rd.ReadByte()
	if err != nil {
		return nil, corrupted("read arrivals flag", err)
	}
	switch present {
	case 0:
	case 1:
		if r.Arrivals, err = readAggregator(rd); err != nil {
			return nil, err
		}
	default:
		return nil, corrupted(fmt.Sprintf("check arrivals flag %d", present), nil)
	}

	if _, err := rd.ReadByte(); err != io.EOF {
		return nil, corrupted("check trailing data", nil)
	}
	return r, nil
}

func readAggregator(rd *bufio.Reader) (aggregator.Aggregator, error) {
	tag, err := readField(rd)
	if err != nil {
		return nil, corrupted("read type tag", err)
	}
	payload, err := readField(rd)
	if err != nil {
		return nil, corrupted("read payload of "+string(tag), err)
	}
	// aggregator.Decode reports errors.ErrDataCorrupted itself
	return aggregator.Decode(string(tag), payload)
}

func readField(rd *bufio.Reader) ([]byte, error) {
	n, err := binary.ReadUvarint(rd)
	if err != nil {
		return nil, err
	}
	if n > maxField {
		return nil, fmt.Errorf("field length %d exceeds limit", n)
	}
	b := make([]byte, n)
	if _, err := io.ReadFull(rd, b); err != nil {
		return nil, err
	}
	return b, nil
}

func compress(body []byte, c Compression) ([]byte, Compression, error) {
	var (
		packed []byte
		err    error
	)
	switch c {
	case CompressionNone:
		return body, CompressionNone, nil
	case CompressionLZ4:
		packed, err = compressLZ4(body)
	case CompressionZstd:
		packed = zstdEncoder.EncodeAll(body, nil)
		if len(packed) >= len(body) {
			err = errIncompressible
		}
	default:
		return nil, 0, errors.WrapInvalid(fmt.Errorf("%w: compression %v", errors.ErrInvalidConfig, c),
			"replication", "Marshal", "select compression")
	}
	if stderrors.Is(err, errIncompressible) {
		return body, CompressionNone, nil
	}
	if err != nil {
		return nil, 0, errors.Wrap(err, "replication", "Marshal", "compress "+c.String())
	}
	return packed, c, nil
}

func compressLZ4(body []byte) ([]byte, error) {
	dst := make([]byte, lz4.CompressBlockBound(len(body)))
	n, err := lz4.CompressBlock(body, dst, nil)
	if err != nil {
		return nil, err
	}
	if n == 0 || n >= len(body) {
		return nil, errIncompressible
	}
	return dst[:n], nil
}

func decompress(packed []byte, c Compression, size int) ([]byte, error) {
	switch c {
	case CompressionLZ4:
		dst := make([]byte, size)
		n, err := lz4.UncompressBlock(packed, dst)
		if err != nil || n != size {
			return nil, corrupted("decompress lz4 body", err)
		}
		return dst, nil
	case CompressionZstd:
		out, err := zstdDecoder.DecodeAll(packed, make([]byte, 0, size))
		if err != nil || len(out) != size {
			return nil, corrupted("decompress zstd body", err)
		}
		return out, nil
	default:
		return nil, corrupted(fmt.Sprintf("check compression %d", byte(c)), nil)
	}
}

func corrupted(action string, cause error) error {
	err := errors.ErrDataCorrupted
	if cause != nil {
		err = fmt.Errorf("%w: %v", errors.ErrDataCorrupted, cause)
	}
	return errors.WrapFatal(err, "replication", "Unmarshal", action)
}
