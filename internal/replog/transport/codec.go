package transport

import (
	"fmt"

	"google.golang.org/grpc/encoding"

	"replicated-log/internal/replog"
	"replicated-log/internal/replog/wire"
)

// codecName is the content-subtype of the replication RPCs ("application/grpc+replog")
const codecName = "replog"

// codec marshals the replication messages with the wire package. The messages are plain Go structs, so the default
// proto codec cannot serve them.
type codec struct{}

func (codec) Name() string { return codecName }

func (codec) Marshal(v any) ([]byte, error) {
	switch m := v.(type) {
	case *replog.AppendEntriesRequest:
		return wire.MarshalRequest(m), nil
	case *replog.AppendEntriesResult:
		return wire.MarshalResult(m), nil
	default:
		return nil, fmt.Errorf("replog codec: cannot marshal %T", v)
	}
}

func (codec) Unmarshal(data []byte, v any) error {
	switch m := v.(type) {
	case *replog.AppendEntriesRequest:
		return wire.UnmarshalRequest(data, m)
	case *replog.AppendEntriesResult:
		return wire.UnmarshalResult(data, m)
	default:
		return fmt.Errorf("replog codec: cannot unmarshal into %T", v)
	}
}

func init() {
	encoding.RegisterCodec(codec{})
}
