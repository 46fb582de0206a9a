// Package sidecar decodes the three side-channel chunk payloads the
// firehose decoder doesn't itself parse: oversize (tag 0x6002), statedump
// (tag 0x6003), and simpledump (tag 0x6004).
package sidecar

import (
	"fmt"

	"github.com/marloson/macos-UnifiedLogs/internal/breader"
	"github.com/marloson/macos-UnifiedLogs/internal/firehose"
)

// OversizeKey identifies one oversize payload's owning firehose record:
// (first_proc_id, second_proc_id, continuous_time, data_ref_index).
type OversizeKey struct {
	FirstProcID   uint64
	SecondProcID  uint32
	ContinuousTime uint64
	DataRefIndex  uint32
}

// Oversize is one decoded oversize chunk payload.
type Oversize struct {
	Key          OversizeKey
	Items        []firehose.DataItem
	TrailingBlob []byte
}

// ParseOversize decodes an oversize chunk payload. Its
// items use the same count/size-descriptor encoding as firehose records.
func ParseOversize(payload []byte) (*Oversize, error) {
	r := breader.New(payload)
	var o Oversize
	var err error

	if o.Key.FirstProcID, err = r.U64(); err != nil {
		return nil, fmt.Errorf("sidecar: reading oversize first proc id: %w", err)
	}
	if o.Key.SecondProcID, err = r.U32(); err != nil {
		return nil, fmt.Errorf("sidecar: reading oversize second proc id: %w", err)
	}
	if o.Key.ContinuousTime, err = r.U64(); err != nil {
		return nil, fmt.Errorf("sidecar: reading oversize continuous time: %w", err)
	}
	if o.Key.DataRefIndex, err = r.U32(); err != nil {
		return nil, fmt.Errorf("sidecar: reading oversize data ref index: %w", err)
	}

	itemCount, err := r.U16()
	if err != nil {
		return nil, fmt.Errorf("sidecar: reading oversize item count: %w", err)
	}
	itemsDataSize, err := r.U16()
	if err != nil {
		return nil, fmt.Errorf("sidecar: reading oversize item data size: %w", err)
	}

	o.Items, o.TrailingBlob, err = firehose.ParseDataItems(r, itemCount, itemsDataSize)
	if err != nil {
		return nil, fmt.Errorf("sidecar: reading oversize items: %w", err)
	}

	return &o, nil
}

// RenderedItems resolves every inline/blob item to bytes. An item that does
// not resolve (such as an oversize-referencing one; oversize payloads do not
// themselves nest oversize references) yields a nil entry in its position.
func (o *Oversize) RenderedItems() [][]byte {
	out := make([][]byte, 0, len(o.Items))
	for _, item := range o.Items {
		if b, ok := item.Resolve(o.TrailingBlob); ok {
			out = append(out, b)
		} else {
			out = append(out, nil)
		}
	}
	return out
}

// Statedump is a decoded statedump chunk: a process's captured in-memory
// object state at a point in time (tag 0x6003).
type Statedump struct {
	FirstProcID    uint64
	SecondProcID   uint32
	ContinuousTime uint64
	ActivityID     uint64
	TypeName       string
	DecoderType    uint32
	Data           []byte
}

// ParseStatedump decodes a statedump chunk payload.
func ParseStatedump(payload []byte) (*Statedump, error) {
	r := breader.New(payload)
	var s Statedump
	var err error

	if s.FirstProcID, err = r.U64(); err != nil {
		return nil, fmt.Errorf("sidecar: reading statedump first proc id: %w", err)
	}
	if s.SecondProcID, err = r.U32(); err != nil {
		return nil, fmt.Errorf("sidecar: reading statedump second proc id: %w", err)
	}
	if s.ContinuousTime, err = r.U64(); err != nil {
		return nil, fmt.Errorf("sidecar: reading statedump continuous time: %w", err)
	}
	if s.ActivityID, err = r.U64(); err != nil {
		return nil, fmt.Errorf("sidecar: reading statedump activity id: %w", err)
	}
	if s.DecoderType, err = r.U32(); err != nil {
		return nil, fmt.Errorf("sidecar: reading statedump decoder type: %w", err)
	}
	if s.TypeName, err = r.CString(); err != nil {
		return nil, fmt.Errorf("sidecar: reading statedump type name: %w", err)
	}
	s.Data, err = r.Bytes(r.Remaining())
	if err != nil {
		return nil, fmt.Errorf("sidecar: reading statedump data: %w", err)
	}

	return &s, nil
}

// Simpledump is a decoded simpledump chunk: a minimal free-text log line
// without the full firehose record machinery (tag 0x6004).
type Simpledump struct {
	FirstProcID    uint64
	SecondProcID   uint32
	ContinuousTime uint64
	ThreadID       uint64
	Subsystem      string
	Message        string
}

// ParseSimpledump decodes a simpledump chunk payload.
func ParseSimpledump(payload []byte) (*Simpledump, error) {
	r := breader.New(payload)
	var s Simpledump
	var err error

	if s.FirstProcID, err = r.U64(); err != nil {
		return nil, fmt.Errorf("sidecar: reading simpledump first proc id: %w", err)
	}
	if s.SecondProcID, err = r.U32(); err != nil {
		return nil, fmt.Errorf("sidecar: reading simpledump second proc id: %w", err)
	}
	if s.ContinuousTime, err = r.U64(); err != nil {
		return nil, fmt.Errorf("sidecar: reading simpledump continuous time: %w", err)
	}
	if s.ThreadID, err = r.U64(); err != nil {
		return nil, fmt.Errorf("sidecar: reading simpledump thread id: %w", err)
	}
	if s.Subsystem, err = r.CString(); err != nil {
		return nil, fmt.Errorf("sidecar: reading simpledump subsystem: %w", err)
	}
	if s.Message, err = r.CString(); err != nil {
		return nil, fmt.Errorf("sidecar: reading simpledump message: %w", err)
	}

	return &s, nil
}
