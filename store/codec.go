package store

import msgpack "github.com/hashicorp/go-msgpack/codec"

// encode and decode mirror crypto's msgpack helper; store keeps its own
// copy since crypto is a pure, storage-agnostic boundary package and must
// not import store (store sits above crypto, not beside it).

func encode(v interface{}) ([]byte, error) {
	var buf []byte
	enc := msgpack.NewEncoderBytes(&buf, &msgpack.MsgpackHandle{})
	if err := enc.Encode(v); err != nil {
		return nil, err
	}
	return buf, nil
}

func decode(data []byte, v interface{}) error {
	dec := msgpack.NewDecoderBytes(data, &msgpack.MsgpackHandle{})
	return dec.Decode(v)
}
