package raft

import (
	"encoding/binary"
	"fmt"

	"go.etcd.io/etcd/raft/v3/raftpb"
	"google.golang.org/grpc/encoding"
)

const codecName = "rdb-raft"

type (
	marshaler interface {
		Marshal() ([]byte, error)
	}
	unmarshaler interface {
		Unmarshal(data []byte) error
	}
)

// codec passes the self-marshaling raft messages through grpc.
type codec struct{}

var _ encoding.Codec = codec{}

func (codec) Name() string { return codecName }

func (codec) Marshal(v interface{}) ([]byte, error) {
	m, ok := v.(marshaler)
	if !ok {
		return nil, fmt.Errorf("%T can not be marshaled by %s", v, codecName)
	}
	return m.Marshal()
}

func (codec) Unmarshal(data []byte, v interface{}) error {
	u, ok := v.(unmarshaler)
	if !ok {
		return fmt.Errorf("%T can not be unmarshaled by %s", v, codecName)
	}
	return u.Unmarshal(data)
}

type messageRequest struct {
	Group   string
	Message raftpb.Message
}

// messageBatch is the payload of one Send call:
// count | (len group | group | len message | message)*
type messageBatch struct {
	Requests []messageRequest
}

func (b *messageBatch) Size() int {
	size := binary.MaxVarintLen64
	for i := range b.Requests {
		size += 2*binary.MaxVarintLen64 + len(b.Requests[i].Group) + b.Requests[i].Message.Size()
	}
	return size
}

func (b *messageBatch) Marshal() ([]byte, error) {
	buf := make([]byte, 0, b.Size())
	buf = binary.AppendUvarint(buf, uint64(len(b.Requests)))
	for i := range b.Requests {
		req := &b.Requests[i]
		data, err := req.Message.Marshal()
		if err != nil {
			return nil, err
		}
		buf = binary.AppendUvarint(buf, uint64(len(req.Group)))
		buf = append(buf, req.Group...)
		buf = binary.AppendUvarint(buf, uint64(len(data)))
		buf = append(buf, data...)
	}
	return buf, nil
}

func (b *messageBatch) Unmarshal(data []byte) error {
	next := func() ([]byte, error) {
		n, sz := binary.Uvarint(data)
		if sz <= 0 || uint64(len(data)-sz) < n {
			return nil, fmt.Errorf("truncated message batch")
		}
		v := data[sz : sz+int(n)]
		data = data[sz+int(n):]
		return v, nil
	}
	count, sz := binary.Uvarint(data)
	if sz <= 0 {
		return fmt.Errorf("truncated message batch")
	}
	data = data[sz:]
	if count > uint64(len(data)) {
		return fmt.Errorf("invalid message count %d", count)
	}
	b.Requests = make([]messageRequest, count)
	for i := range b.Requests {
		group, err := next()
		if err != nil {
			return err
		}
		msg, err := next()
		if err != nil {
			return err
		}
		b.Requests[i].Group = string(group)
		if err = b.Requests[i].Message.Unmarshal(msg); err != nil {
			return err
		}
	}
	if len(data) > 0 {
		return fmt.Errorf("%d trailing bytes in message batch", len(data))
	}
	return nil
}

type messageResponse struct{}

func (*messageResponse) Marshal() ([]byte, error) { return nil, nil }

func (*messageResponse) Unmarshal(data []byte) error { return nil }
