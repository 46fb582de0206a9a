// Package types holds the value types shared across the parsing pipeline:
// the reconstructed LogRecord and the enumerations used to describe it.
package types

import (
	"time"

	"github.com/google/uuid"
)

// Level mirrors the Unified Log's record classification.
type Level int

const (
	LevelDefault Level = iota
	LevelInfo
	LevelDebug
	LevelError
	LevelFault
	LevelActivityCreate
	LevelActivityTransition
	LevelSignpostProcess
	LevelSignpostThread
	LevelSignpostSystem
	LevelSimpledump
	LevelStatedump
	LevelLoss
)

func (l Level) String() string {
	switch l {
	case LevelDefault:
		return "Default"
	case LevelInfo:
		return "Info"
	case LevelDebug:
		return "Debug"
	case LevelError:
		return "Error"
	case LevelFault:
		return "Fault"
	case LevelActivityCreate:
		return "ActivityCreate"
	case LevelActivityTransition:
		return "ActivityTransition"
	case LevelSignpostProcess:
		return "SignpostProcess"
	case LevelSignpostThread:
		return "SignpostThread"
	case LevelSignpostSystem:
		return "SignpostSystem"
	case LevelSimpledump:
		return "Simpledump"
	case LevelStatedump:
		return "Statedump"
	case LevelLoss:
		return "Loss"
	default:
		return "Unknown"
	}
}

// SignpostScope and SignpostKind classify a signpost record.
type SignpostScope int

const (
	SignpostScopeNone SignpostScope = iota
	SignpostScopeProcess
	SignpostScopeThread
	SignpostScopeSystem
)

func (s SignpostScope) String() string {
	switch s {
	case SignpostScopeProcess:
		return "process"
	case SignpostScopeThread:
		return "thread"
	case SignpostScopeSystem:
		return "system"
	default:
		return ""
	}
}

type SignpostKind int

const (
	SignpostKindNone SignpostKind = iota
	SignpostKindBegin
	SignpostKindEnd
	SignpostKindEvent
)

func (k SignpostKind) String() string {
	switch k {
	case SignpostKindBegin:
		return "begin"
	case SignpostKindEnd:
		return "end"
	case SignpostKindEvent:
		return "event"
	default:
		return ""
	}
}

// RawDataItem is a single decoded-but-unrendered data item kept on the
// record for callers that want the unprocessed argument list alongside the
// assembled message.
type RawDataItem struct {
	Type  uint8  `json:"type"`
	Value string `json:"value"`
}

// LogRecord is the reconstructed, human-readable output of the pipeline.
// Field names are part of the stable public output contract and must not
// be renamed.
type LogRecord struct {
	Time               *time.Time    `json:"time"`
	ContinuousTime     uint64        `json:"continuous_time"`
	ThreadID           uint64        `json:"thread_id"`
	PID                int32         `json:"pid"`
	EUID               uint32        `json:"euid"`
	Level              Level         `json:"level"`
	Process            string        `json:"process"`
	Sender             string        `json:"sender"`
	Subsystem          string        `json:"subsystem"`
	Category           string        `json:"category"`
	Message            string        `json:"message"`
	ActivityID         uint64        `json:"activity_id"`
	ParentActivityID   uint64        `json:"parent_activity_id"`
	BootUUID           uuid.UUID     `json:"boot_uuid"`
	SignpostName       string        `json:"signpost_name,omitempty"`
	SignpostID         uint64        `json:"signpost_id,omitempty"`
	SignpostScope      SignpostScope `json:"signpost_scope,omitempty"`
	SignpostKind       SignpostKind  `json:"signpost_kind,omitempty"`
	RawData            []RawDataItem `json:"raw_data,omitempty"`

	// MissingOversizeRef, when non-empty, records the oversize key this
	// record could not resolve as of the last pass. The pipeline driver
	// clears it (and re-renders Message) on the deferred-resolution pass.
	MissingOversizeRef string `json:"-"`
	TTL                uint8  `json:"-"`
}
