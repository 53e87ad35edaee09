package hashgossip

import (
	"fmt"

	"github.com/hashicorp/go-msgpack/v2/codec"
)

var msgpackHandle codec.MsgpackHandle

// HelloPayload is the HELLO message body: a peer's greeting
// announcing its client identity and current database high-water mark.
type HelloPayload struct {
	ClientId      string
	ClientVersion string
	LatestSeqId   int64
	HashCount     int64
}

// ReqDeltaPayload is the REQDELTA message body.
type ReqDeltaPayload struct {
	SinceSeqId int64
	MaxEntries int // caller must enforce <= 1000
}

// wireEntry is the flat msgpack shape for one Entry on the wire.
type wireEntry struct {
	SeqId     int64
	FlacKey   string
	ByteHash  string
	Size      int64
	MetaFlags int
}

// PushDeltaPayload is the PUSHDELTA message body; Entries are ordered
// ascending by SeqId.
type PushDeltaPayload struct {
	Entries     []wireEntry
	LatestSeqId int64
	HasMore     bool
}

// AckPayload is the ACK message body closing out a Settling phase.
type AckPayload struct {
	MergedCount int
	LatestSeqId int64
}

// ReqKeyPayload is the REQKEY message body for a targeted lookup.
type ReqKeyPayload struct {
	FlacKey string
}

// RespKeyPayload is the RESPKEY message body.
type RespKeyPayload struct {
	Found    bool
	FlacKey  string
	ByteHash string
	Size     int64
}

// ReqChunkPayload is the REQCHUNK message body.
type ReqChunkPayload struct {
	FlacKey string
	Offset  int64
	Length  int // caller must enforce <= 32*1024
}

// RespChunkPayload is the RESPCHUNK message body.
type RespChunkPayload struct {
	Success    bool
	DataBase64 string
}

func entriesToWire(es []Entry) []wireEntry {
	out := make([]wireEntry, len(es))
	for i, e := range es {
		out[i] = wireEntry{SeqId: e.SeqId, FlacKey: e.FlacKey, ByteHash: e.ByteHash, Size: e.Size, MetaFlags: e.MetaFlags}
	}
	return out
}

func entriesFromWire(ws []wireEntry) []Entry {
	out := make([]Entry, len(ws))
	for i, w := range ws {
		out[i] = Entry{SeqId: w.SeqId, FlacKey: w.FlacKey, ByteHash: w.ByteHash, Size: w.Size, MetaFlags: w.MetaFlags}
	}
	return out
}

func encodePayload(v interface{}) ([]byte, error) {
	var out []byte
	enc := codec.NewEncoderBytes(&out, &msgpackHandle)
	if err := enc.Encode(v); err != nil {
		return nil, fmt.Errorf("hashgossip: encoding %T: %w", v, err)
	}
	return out, nil
}

func decodePayload(data []byte, v interface{}) error {
	dec := codec.NewDecoderBytes(data, &msgpackHandle)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("hashgossip: decoding %T: %w", v, err)
	}
	return nil
}
