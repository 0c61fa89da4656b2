package store

import (
	"bytes"
	"encoding/binary"
)

const (
	oidSize   = 8
	indexSize = 8
)

// Keys in the data column are oid | escaped(key) | 0x00 0x01 | ^index. The
// escaping keeps the group of versions of one user key contiguous and ordered by
// user key; the inverted index puts the newest version of a key first.
var keyTerminator = []byte{0x00, 0x01}

func encodeOid(oid uint64) []byte {
	b := make([]byte, oidSize)
	binary.BigEndian.PutUint64(b, oid)
	return b
}

func escapeKey(dst []byte, key []byte) []byte {
	for _, c := range key {
		if c == 0x00 {
			dst = append(dst, 0x00, 0xff)
			continue
		}
		dst = append(dst, c)
	}
	return append(dst, keyTerminator...)
}

func unescapeKey(b []byte) (key []byte, n int, ok bool) {
	key = make([]byte, 0, len(b))
	for i := 0; i < len(b); i++ {
		if b[i] != 0x00 {
			key = append(key, b[i])
			continue
		}
		if i+1 >= len(b) {
			return nil, 0, false
		}
		switch b[i+1] {
		case 0xff:
			key = append(key, 0x00)
			i++
		case 0x01:
			return key, i + 2, true
		default:
			return nil, 0, false
		}
	}
	return nil, 0, false
}

// groupPrefix returns the prefix shared by all versions of key in object oid.
func groupPrefix(oid uint64, key []byte) []byte {
	b := make([]byte, 0, oidSize+len(key)+len(keyTerminator)+indexSize)
	b = append(b, encodeOid(oid)...)
	return escapeKey(b, key)
}

func appendIndex(b []byte, index uint64) []byte {
	var idx [indexSize]byte
	binary.BigEndian.PutUint64(idx[:], ^index)
	return append(b, idx[:]...)
}

func encodeDataKey(oid uint64, key []byte, index uint64) []byte {
	return appendIndex(groupPrefix(oid, key), index)
}

// decodeDataKey splits a data key into its group prefix, user key and index.
func decodeDataKey(b []byte) (group []byte, key []byte, index uint64, ok bool) {
	if len(b) < oidSize+len(keyTerminator)+indexSize {
		return nil, nil, 0, false
	}
	key, n, ok := unescapeKey(b[oidSize : len(b)-indexSize])
	if !ok || oidSize+n != len(b)-indexSize {
		return nil, nil, 0, false
	}
	index = ^binary.BigEndian.Uint64(b[len(b)-indexSize:])
	return b[:len(b)-indexSize], key, index, true
}

// maxVersionKey is the largest possible key in the group.
func maxVersionKey(group []byte) []byte {
	b := make([]byte, len(group), len(group)+indexSize)
	copy(b, group)
	return append(b, bytes.Repeat([]byte{0xff}, indexSize)...)
}

func encodeObjectKey(oid uint64, index uint64) []byte {
	return appendIndex(encodeOid(oid), index)
}

func decodeObjectKey(b []byte) (oid uint64, index uint64, ok bool) {
	if len(b) != oidSize+indexSize {
		return 0, 0, false
	}
	return binary.BigEndian.Uint64(b), ^binary.BigEndian.Uint64(b[oidSize:]), true
}

func encodeLogKey(index uint64) []byte {
	b := make([]byte, indexSize)
	binary.BigEndian.PutUint64(b, index)
	return b
}

func decodeLogKey(b []byte) uint64 {
	return binary.BigEndian.Uint64(b)
}

func encodeUint64(v uint64) []byte {
	b := make([]byte, 8)
	binary.BigEndian.PutUint64(b, v)
	return b
}

func decodeUint64(b []byte) uint64 {
	if len(b) < 8 {
		return 0
	}
	return binary.BigEndian.Uint64(b)
}
