package mqtt

import (
	"time"

	"github.com/golang/protobuf/proto"
	"github.com/golang/protobuf/ptypes"
	structpb "github.com/golang/protobuf/ptypes/struct"
	"github.com/golang/protobuf/ptypes/timestamp"
	"github.com/google/uuid"
)

// Chunk is a run of bytes seen on the wire, published on the rx and tx
// topics.
type Chunk struct {
	Direction string               `protobuf:"bytes,1,opt,name=direction,proto3" json:"direction,omitempty"`
	Seq       uint64               `protobuf:"varint,2,opt,name=seq,proto3" json:"seq,omitempty"`
	Data      []byte               `protobuf:"bytes,3,opt,name=data,proto3" json:"data,omitempty"`
	Time      *timestamp.Timestamp `protobuf:"bytes,4,opt,name=time,proto3" json:"time,omitempty"`
}

// ProtoMessage implements proto.Message.
func (m *Chunk) ProtoMessage() {}

// Reset implements proto.Message.
func (m *Chunk) Reset() { *m = Chunk{} }

// String implements proto.Message.
func (m *Chunk) String() string { return proto.CompactTextString(m) }

// DecodeChunk decodes a published Chunk.
func DecodeChunk(data []byte) (*Chunk, error) {
	var chunk Chunk
	if err := proto.Unmarshal(data, &chunk); err != nil {
		return nil, err
	}
	return &chunk, nil
}

// Meta describes the device and is published retained on the meta topic.
// Session changes on every start so subscribers can tell a restart from a
// reconnect.
type Meta struct {
	Session       string
	Baud          int
	RxCapacity    int
	TxCapacity    int
	DMARegionSize int
	Started       time.Time
}

// Struct converts Meta to a protobuf Struct.
func (m *Meta) Struct() *structpb.Struct {
	num := func(v int) *structpb.Value {
		return &structpb.Value{Kind: &structpb.Value_NumberValue{NumberValue: float64(v)}}
	}
	return &structpb.Struct{Fields: map[string]*structpb.Value{
		"session":     {Kind: &structpb.Value_StringValue{StringValue: m.Session}},
		"baud":        num(m.Baud),
		"rx_capacity": num(m.RxCapacity),
		"tx_capacity": num(m.TxCapacity),
		"dma_region":  num(m.DMARegionSize),
		"started": {Kind: &structpb.Value_StringValue{
			StringValue: m.Started.UTC().Format(time.RFC3339),
		}},
	}}
}

// Encode encodes Meta to bytes.
func (m *Meta) Encode() ([]byte, error) {
	return proto.Marshal(m.Struct())
}

// DecodeMeta decodes a published Meta.
func DecodeMeta(data []byte) (*Meta, error) {
	var s structpb.Struct
	if err := proto.Unmarshal(data, &s); err != nil {
		return nil, err
	}
	num := func(key string) int {
		return int(s.Fields[key].GetNumberValue())
	}
	m := &Meta{
		Session:       s.Fields["session"].GetStringValue(),
		Baud:          num("baud"),
		RxCapacity:    num("rx_capacity"),
		TxCapacity:    num("tx_capacity"),
		DMARegionSize: num("dma_region"),
	}
	if started := s.Fields["started"].GetStringValue(); started != "" {
		t, err := time.Parse(time.RFC3339, started)
		if err != nil {
			return nil, err
		}
		m.Started = t
	}
	return m, nil
}

// NewMeta creates a Meta for a session starting now.
func NewMeta(baud, rxCapacity, txCapacity, dmaRegionSize int) *Meta {
	return &Meta{
		Session:       uuid.New().String(),
		Baud:          baud,
		RxCapacity:    rxCapacity,
		TxCapacity:    txCapacity,
		DMARegionSize: dmaRegionSize,
		Started:       time.Now(),
	}
}

func newChunk(dir string, seq uint64, data []byte) *Chunk {
	return &Chunk{Direction: dir, Seq: seq, Data: data, Time: ptypes.TimestampNow()}
}
