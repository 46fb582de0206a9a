package assemble

import (
	"fmt"
	"math"
	"strings"

	"github.com/marloson/macos-UnifiedLogs/internal/firehose"
)

// ResolveOversizeFunc looks up an oversize-referenced item's bytes by its
// data-ref index; it is supplied by the pipeline driver,
// which owns the cross-file oversize map.
type ResolveOversizeFunc func(refIndex uint16) ([]byte, bool)

// Result is the outcome of assembling one record's message.
type Result struct {
	Message      string
	MissingCount int // specifiers rendered as "<missing data>"
}

// Assemble renders format against items, dispatching standard printf
// conversions and Apple custom `%{decoder}` specifiers. Extra
// items beyond what the format string consumes are ignored silently;
// specifiers beyond the available items render "<missing data>".
func Assemble(format string, items []firehose.DataItem, trailingBlob []byte, resolveOversize ResolveOversizeFunc) Result {
	pieces, err := ParsePieces(format)
	if err != nil {
		return Result{Message: format, MissingCount: 0}
	}

	a := &assembler{
		items:           items,
		trailingBlob:    trailingBlob,
		resolveOversize: resolveOversize,
	}

	var out strings.Builder
	for _, p := range pieces {
		if p.Spec == nil {
			out.WriteString(p.Literal)
			continue
		}
		if p.Spec.Kind == SpecCustom {
			out.WriteString(a.renderCustom(p.Spec))
		} else {
			out.WriteString(a.renderStandard(p.Spec))
		}
	}

	return Result{Message: out.String(), MissingCount: a.missingCount}
}

type assembler struct {
	items           []firehose.DataItem
	trailingBlob    []byte
	resolveOversize ResolveOversizeFunc
	idx             int
	missingCount    int
}

func (a *assembler) nextItem() (firehose.DataItem, bool) {
	if a.idx >= len(a.items) {
		return firehose.DataItem{}, false
	}
	item := a.items[a.idx]
	a.idx++
	return item, true
}

func (a *assembler) resolve(item firehose.DataItem) ([]byte, bool) {
	if firehose.IsOversizeRef(item.Type) {
		if a.resolveOversize == nil {
			return nil, false
		}
		return a.resolveOversize(item.OversizeRefIndex)
	}
	return item.Resolve(a.trailingBlob)
}

func (a *assembler) missing() string {
	a.missingCount++
	return "<missing data>"
}

func isPrivateItemType(t uint8) bool {
	return t == firehose.ItemTypePrivateString || t == firehose.ItemTypeSensitiveString
}

// consumeDynamicInt reads a '*' width/precision argument from the next item.
func (a *assembler) consumeDynamicInt() (int, bool) {
	item, ok := a.nextItem()
	if !ok {
		return 0, false
	}
	raw, ok := a.resolve(item)
	if !ok {
		return 0, false
	}
	return int(leInt(raw)), true
}

func (a *assembler) renderStandard(spec *Specifier) string {
	if spec.Conv == '%' {
		return "%"
	}

	width := spec.Width
	if spec.WidthStar {
		v, ok := a.consumeDynamicInt()
		if !ok {
			return a.missing()
		}
		width = v
	}
	precision := spec.Precision
	if spec.PrecisionStar {
		v, ok := a.consumeDynamicInt()
		if !ok {
			return a.missing()
		}
		precision = v
	}

	item, ok := a.nextItem()
	if !ok {
		return a.missing()
	}

	raw, resolved := a.resolve(item)
	if isPrivateItemType(item.Type) && !resolved {
		return "<private>"
	}
	if !resolved {
		return a.missing()
	}

	goVerb, class := standardConvInfo(spec.Conv)

	goFmt := "%" + spec.Flags
	if spec.HasWidth {
		goFmt += fmt.Sprintf("%d", width)
	}
	if spec.HasPrecision {
		goFmt += fmt.Sprintf(".%d", precision)
	}
	goFmt += string(goVerb)

	switch class {
	case convInt:
		return fmt.Sprintf(goFmt, leInt(raw))
	case convUint:
		return fmt.Sprintf(goFmt, leUint(raw))
	case convFloat:
		return fmt.Sprintf(goFmt, leFloat(raw))
	case convString:
		return fmt.Sprintf(goFmt, string(raw))
	case convRune:
		if len(raw) == 0 {
			return ""
		}
		return string(rune(raw[0]))
	default:
		return fmt.Sprintf(goFmt, leInt(raw))
	}
}

type convClass int

const (
	convInt convClass = iota
	convUint
	convFloat
	convString
	convRune
)

// standardConvInfo maps a printf conversion byte to the Go fmt verb and
// value type used to render it.
func standardConvInfo(c byte) (byte, convClass) {
	switch c {
	case 'd', 'i', 'm':
		return 'd', convInt
	case 'u':
		return 'd', convUint
	case 'o':
		return 'o', convUint
	case 'x':
		return 'x', convUint
	case 'X':
		return 'X', convUint
	case 'p':
		return 'x', convUint
	case 'f', 'e', 'g':
		return c, convFloat
	case 'a':
		return 'x', convFloat
	case 'c':
		return 0, convRune
	case 's', '@':
		return 's', convString
	default:
		return 'v', convInt
	}
}

func leFloat(raw []byte) float64 {
	switch len(raw) {
	case 4:
		bits := uint32(leUint(raw))
		return float64(math.Float32frombits(bits))
	case 8:
		bits := leUint(raw)
		return math.Float64frombits(bits)
	default:
		return float64(leInt(raw))
	}
}

func (a *assembler) renderCustom(spec *Specifier) string {
	item, ok := a.nextItem()
	if !ok {
		return a.missing()
	}
	raw, resolved := a.resolve(item)
	if (spec.Private || isPrivateItemType(item.Type)) && !resolved {
		return "<private>"
	}
	if !resolved {
		return a.missing()
	}
	return lookupDecoder(spec.DecoderName, raw)
}
