package rdb

import (
	"encoding/binary"
	"strconv"
	"strings"
)

// Path names a KVS by the keys leading to it from the root KVS. Each key is
// encoded as a little-endian uint32 length, the key bytes and the length
// again, so a path decodes from either end. The root KVS is the empty path.
type Path []byte

var RootPath = Path{}

const pathLenSize = 4

func NewPath(keys ...[]byte) Path {
	p := Path{}
	for _, k := range keys {
		p = p.Append(k)
	}
	return p
}

// Append returns a new path naming the child key of p.
func (p Path) Append(key []byte) Path {
	out := make(Path, 0, len(p)+len(key)+2*pathLenSize)
	out = append(out, p...)
	return appendEncodedKey(out, key)
}

// Pop splits p into its parent path and last key.
func (p Path) Pop() (Path, []byte, error) {
	if len(p) < 2*pathLenSize {
		return nil, nil, ErrInvalidArgument
	}
	n := int(binary.LittleEndian.Uint32(p[len(p)-pathLenSize:]))
	start := len(p) - 2*pathLenSize - n
	if n < 0 || start < 0 || int(binary.LittleEndian.Uint32(p[start:])) != n {
		return nil, nil, ErrInvalidArgument
	}
	return p[:start:start], p[start+pathLenSize : start+pathLenSize+n], nil
}

// Keys decodes p front to back.
func (p Path) Keys() ([][]byte, error) {
	var keys [][]byte
	for b := []byte(p); len(b) > 0; {
		key, n, err := decodeEncodedKey(b)
		if err != nil {
			return nil, err
		}
		keys = append(keys, key)
		b = b[n:]
	}
	return keys, nil
}

// Depth returns the number of keys in a valid path.
func (p Path) Depth() int {
	keys, err := p.Keys()
	if err != nil {
		return -1
	}
	return len(keys)
}

func (p Path) IsRoot() bool {
	return len(p) == 0
}

func (p Path) Validate() error {
	_, err := p.Keys()
	return err
}

func (p Path) String() string {
	keys, err := p.Keys()
	if err != nil {
		return "<invalid path>"
	}
	var sb strings.Builder
	for _, k := range keys {
		sb.WriteByte('/')
		sb.WriteString(strconv.Quote(string(k)))
	}
	if sb.Len() == 0 {
		return "/"
	}
	return sb.String()
}

func appendEncodedKey(b []byte, key []byte) []byte {
	b = binary.LittleEndian.AppendUint32(b, uint32(len(key)))
	b = append(b, key...)
	return binary.LittleEndian.AppendUint32(b, uint32(len(key)))
}

func decodeEncodedKey(b []byte) ([]byte, int, error) {
	if len(b) < 2*pathLenSize {
		return nil, 0, ErrInvalidArgument
	}
	n := int(binary.LittleEndian.Uint32(b))
	end := pathLenSize + n + pathLenSize
	if n < 0 || end > len(b) || int(binary.LittleEndian.Uint32(b[pathLenSize+n:])) != n {
		return nil, 0, ErrInvalidArgument
	}
	return b[pathLenSize : pathLenSize+n], end, nil
}
