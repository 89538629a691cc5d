package codec

import (
	"github.com/vmihailenco/msgpack/v5"
)

// MsgpackCodec encodes with MessagePack. It is the default for replica
// traffic and for replication log records: compact, and it keeps []byte
// payloads binary instead of base64.
type MsgpackCodec struct{}

func (c *MsgpackCodec) Encode(v any) ([]byte, error) {
	return msgpack.Marshal(v)
}

func (c *MsgpackCodec) Decode(data []byte, v any) error {
	return msgpack.Unmarshal(data, v)
}

func (c *MsgpackCodec) Type() CodecType {
	return CodecTypeMsgpack
}
