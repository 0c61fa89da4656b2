package rdb

import (
	"encoding/binary"
	"fmt"
)

type KVSClass uint32

const (
	// ClassGeneric accepts any non-empty key.
	ClassGeneric KVSClass = iota
	// ClassInteger accepts 8 byte keys, see IntKey.
	ClassInteger
	// ClassLexical accepts any non-empty key ordered bytewise.
	ClassLexical
	classMax
)

func (c KVSClass) String() string {
	switch c {
	case ClassGeneric:
		return "generic"
	case ClassInteger:
		return "integer"
	case ClassLexical:
		return "lexical"
	default:
		return fmt.Sprintf("class(%d)", uint32(c))
	}
}

// KVSAttr is fixed when a KVS is created.
type KVSAttr struct {
	Class KVSClass `json:"class"`
	Order uint32   `json:"order"`
}

const kvsAttrSize = 8

func (a KVSAttr) validate() error {
	if a.Class >= classMax {
		return ErrInvalidArgument
	}
	return nil
}

func (a KVSAttr) validateKey(key []byte) error {
	switch {
	case len(key) == 0:
		return ErrInvalidArgument
	case a.Class == ClassInteger && len(key) != 8:
		return ErrInvalidArgument
	}
	return nil
}

func (a KVSAttr) encode() []byte {
	b := make([]byte, kvsAttrSize)
	binary.LittleEndian.PutUint32(b, uint32(a.Class))
	binary.LittleEndian.PutUint32(b[4:], a.Order)
	return b
}

func decodeKVSAttr(b []byte) (KVSAttr, error) {
	if len(b) != kvsAttrSize {
		return KVSAttr{}, ErrInvalidArgument
	}
	return KVSAttr{
		Class: KVSClass(binary.LittleEndian.Uint32(b)),
		Order: binary.LittleEndian.Uint32(b[4:]),
	}, nil
}

// IntKey encodes v as a key of an integer KVS. Big endian keeps numeric order.
func IntKey(v uint64) []byte {
	return binary.BigEndian.AppendUint64(nil, v)
}

type opcode uint8

const (
	opCreateRoot opcode = 1 + iota
	opDestroyRoot
	opCreate
	opDestroy
	opUpdate
	opDelete
)

func (c opcode) String() string {
	switch c {
	case opCreateRoot:
		return "create_root"
	case opDestroyRoot:
		return "destroy_root"
	case opCreate:
		return "create"
	case opDestroy:
		return "destroy"
	case opUpdate:
		return "update"
	case opDelete:
		return "delete"
	default:
		return fmt.Sprintf("opcode(%d)", uint8(c))
	}
}

func (c opcode) hasValue() bool {
	return c == opUpdate
}

func (c opcode) hasAttr() bool {
	return c == opCreateRoot || c == opCreate
}

// op is one operation of a transaction.
type op struct {
	code  opcode
	path  Path
	key   []byte
	value []byte
	attr  KVSAttr
}

func (o *op) size() int {
	n := 1 + len(o.path) + len(o.key) + 4*pathLenSize
	if o.code.hasValue() {
		n += len(o.value) + 2*pathLenSize
	}
	if o.code.hasAttr() {
		n += kvsAttrSize
	}
	return n
}

// txHeaderSize is the size of the critical flag.
const txHeaderSize = 4

// encodeTx packs ops into an entry payload:
//
//	critical:u32 ( opcode:u8 path key [value] [attr] )*
//
// path, key and value are length delimited the same way as path keys.
func encodeTx(critical bool, ops []op) []byte {
	n := txHeaderSize
	for i := range ops {
		n += ops[i].size()
	}
	b := make([]byte, 0, n)
	flag := uint32(0)
	if critical {
		flag = 1
	}
	b = binary.LittleEndian.AppendUint32(b, flag)
	for i := range ops {
		o := &ops[i]
		b = append(b, byte(o.code))
		b = appendEncodedKey(b, o.path)
		b = appendEncodedKey(b, o.key)
		if o.code.hasValue() {
			b = appendEncodedKey(b, o.value)
		}
		if o.code.hasAttr() {
			b = append(b, o.attr.encode()...)
		}
	}
	return b
}

type txPayload struct {
	critical bool
	ops      []op
}

// decodeTx unpacks an entry payload. The returned slices alias data.
func decodeTx(data []byte) (*txPayload, error) {
	if len(data) < txHeaderSize {
		return nil, ErrInvalidArgument
	}
	flag := binary.LittleEndian.Uint32(data)
	if flag > 1 {
		return nil, ErrInvalidArgument
	}
	tx := &txPayload{critical: flag == 1}
	b := data[txHeaderSize:]
	for len(b) > 0 {
		var (
			o   = op{code: opcode(b[0])}
			n   int
			err error
		)
		if o.code < opCreateRoot || o.code > opDelete {
			return nil, ErrInvalidArgument
		}
		b = b[1:]
		var path []byte
		if path, n, err = decodeEncodedKey(b); err != nil {
			return nil, err
		}
		o.path = Path(path)
		b = b[n:]
		if o.key, n, err = decodeEncodedKey(b); err != nil {
			return nil, err
		}
		b = b[n:]
		if o.code.hasValue() {
			if o.value, n, err = decodeEncodedKey(b); err != nil {
				return nil, err
			}
			b = b[n:]
		}
		if o.code.hasAttr() {
			if len(b) < kvsAttrSize {
				return nil, ErrInvalidArgument
			}
			if o.attr, err = decodeKVSAttr(b[:kvsAttrSize]); err != nil {
				return nil, err
			}
			b = b[kvsAttrSize:]
		}
		tx.ops = append(tx.ops, o)
	}
	return tx, nil
}

// Stored values carry a kind byte so that a key naming a child KVS can be
// told apart from a plain value.
const (
	valueKindPlain = byte(0)
	valueKindKVS   = byte(1)
)

func encodePlainValue(v []byte) []byte {
	b := make([]byte, 0, len(v)+1)
	b = append(b, valueKindPlain)
	return append(b, v...)
}

func encodeKVSRef(oid uint64) []byte {
	b := make([]byte, 0, 9)
	b = append(b, valueKindKVS)
	return binary.BigEndian.AppendUint64(b, oid)
}

// decodeValue returns the plain value, or the object id of a child KVS when
// isKVS is set.
func decodeValue(b []byte) (value []byte, oid uint64, isKVS bool, err error) {
	if len(b) == 0 {
		return nil, 0, false, ErrInvalidArgument
	}
	switch b[0] {
	case valueKindPlain:
		return b[1:], 0, false, nil
	case valueKindKVS:
		if len(b) != 9 {
			return nil, 0, false, ErrInvalidArgument
		}
		return nil, binary.BigEndian.Uint64(b[1:]), true, nil
	default:
		return nil, 0, false, ErrInvalidArgument
	}
}
