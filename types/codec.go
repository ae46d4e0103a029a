package types

import msgpack "github.com/hashicorp/go-msgpack/codec"

// encode and decode back the MarshalBinary/UnmarshalBinary methods below;
// crypto and store keep their own copies of this same helper since types
// sits beneath both and must not import either.

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
