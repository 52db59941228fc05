package txn

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/nikileshsa/consus-txman/core/kvs"
)

// encodeOp serializes an Operation into the payload voted on by 2a/2b and
// persisted by core/synod.Store. The format is hand-rolled, length-
// prefixed binary, matching the storage engine's own log-record encoding
// convention (fixed-width header fields written with encoding/binary,
// followed by length-prefixed variable fields) rather than a generic
// marshaler, since this is an internal wire format under this binary's
// sole control.
func encodeOp(op *Operation) []byte {
	var buf bytes.Buffer
	writeU8(&buf, uint8(op.Kind))
	writeString(&buf, op.ClientID)
	writeU64(&buf, op.Nonce)

	switch op.Kind {
	case OpBegin:
		writeU64(&buf, op.BeginTimestamp)
		writeU16(&buf, uint16(len(op.DataCenters)))
		for _, dc := range op.DataCenters {
			writeString(&buf, dc)
		}
	case OpRead:
		writeString(&buf, op.Table)
		writeString(&buf, op.Key)
	case OpWrite:
		writeString(&buf, op.Table)
		writeString(&buf, op.Key)
		writeBytes(&buf, op.Value.Data)
	case OpPrepare, OpAbort:
		// no additional fields
	case OpLocalVote, OpGlobalDecision:
		writeBool(&buf, op.Commit)
	}
	return buf.Bytes()
}

// decodeOp reverses encodeOp. seqno is not carried on the wire; it is the
// slot index the payload was proposed at.
func decodeOp(seqno uint64, payload []byte) (*Operation, error) {
	r := bytes.NewReader(payload)
	kindByte, err := readU8(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptLogEntry, err)
	}
	op := &Operation{Seqno: seqno, Kind: OpKind(kindByte)}

	op.ClientID, err = readString(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptLogEntry, err)
	}
	op.Nonce, err = readU64(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrCorruptLogEntry, err)
	}

	switch op.Kind {
	case OpBegin:
		if op.BeginTimestamp, err = readU64(r); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptLogEntry, err)
		}
		n, err := readU16(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptLogEntry, err)
		}
		op.DataCenters = make([]string, n)
		for i := range op.DataCenters {
			if op.DataCenters[i], err = readString(r); err != nil {
				return nil, fmt.Errorf("%w: %v", ErrCorruptLogEntry, err)
			}
		}
	case OpRead:
		if op.Table, err = readString(r); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptLogEntry, err)
		}
		if op.Key, err = readString(r); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptLogEntry, err)
		}
	case OpWrite:
		if op.Table, err = readString(r); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptLogEntry, err)
		}
		if op.Key, err = readString(r); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptLogEntry, err)
		}
		v, err := readBytes(r)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptLogEntry, err)
		}
		op.Value = kvs.NewBytes(v)
	case OpPrepare, OpAbort:
	case OpLocalVote, OpGlobalDecision:
		if op.Commit, err = readBool(r); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrCorruptLogEntry, err)
		}
	default:
		return nil, fmt.Errorf("%w: unknown op kind %d", ErrCorruptLogEntry, kindByte)
	}
	return op, nil
}

func writeU8(buf *bytes.Buffer, v uint8)   { buf.WriteByte(v) }
func writeU16(buf *bytes.Buffer, v uint16) { var b [2]byte; binary.BigEndian.PutUint16(b[:], v); buf.Write(b[:]) }
func writeU64(buf *bytes.Buffer, v uint64) { var b [8]byte; binary.BigEndian.PutUint64(b[:], v); buf.Write(b[:]) }
func writeBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}
func writeBytes(buf *bytes.Buffer, v []byte) { writeU16(buf, uint16(len(v))); buf.Write(v) }
func writeString(buf *bytes.Buffer, v string) { writeBytes(buf, []byte(v)) }

func readU8(r *bytes.Reader) (uint8, error) { return r.ReadByte() }

func readU16(r *bytes.Reader) (uint16, error) {
	var b [2]byte
	if _, err := readFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b[:]), nil
}

func readU64(r *bytes.Reader) (uint64, error) {
	var b [8]byte
	if _, err := readFull(r, b[:]); err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b[:]), nil
}

func readBool(r *bytes.Reader) (bool, error) {
	b, err := r.ReadByte()
	if err != nil {
		return false, err
	}
	return b != 0, nil
}

func readBytes(r *bytes.Reader) ([]byte, error) {
	n, err := readU16(r)
	if err != nil {
		return nil, err
	}
	b := make([]byte, n)
	if _, err := readFull(r, b); err != nil {
		return nil, err
	}
	return b, nil
}

func readString(r *bytes.Reader) (string, error) {
	b, err := readBytes(r)
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func readFull(r *bytes.Reader, b []byte) (int, error) {
	return io.ReadFull(r, b)
}
