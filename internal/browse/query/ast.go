package query

// Field identifies which LogRecord-derived column a match expression
// targets. Resolution happens once at parse time against fieldNames,
// rather than by re-comparing a raw key string against every candidate
// column each time a record is scanned.
type Field int

const (
	// FieldText marks a bare word or quoted string with no "key:" prefix:
	// a free-text search across every scanned column.
	FieldText Field = iota
	// FieldUnknown marks a "key:value" whose key isn't one of fieldNames.
	// It never matches anything but an empty value.
	FieldUnknown
	FieldTime
	FieldLevel
	FieldProcess
	FieldSender
	FieldSubsystem
	FieldCategory
	FieldMessage
	FieldPID
)

// fieldNames maps the key spelling a query may use (including short
// aliases) to the Field it selects.
var fieldNames = map[string]Field{
	"time": FieldTime, "ts": FieldTime,
	"level": FieldLevel, "lvl": FieldLevel,
	"process": FieldProcess, "proc": FieldProcess,
	"sender": FieldSender, "binary": FieldSender,
	"subsystem": FieldSubsystem, "subsys": FieldSubsystem,
	"category": FieldCategory, "cat": FieldCategory,
	"message": FieldMessage, "msg": FieldMessage,
	"pid": FieldPID,
}

// CompareOp is how a MatchExpr's Value is tested against a field.
type CompareOp int

const (
	OpContains CompareOp = iota // substring, case-insensitive
	OpEqual
	OpNotEqual
)

// BoolOp joins two Node operands.
type BoolOp int

const (
	OpAnd BoolOp = iota
	OpOr
)

// Node is implemented by every AST node Parse produces.
type Node interface {
	node()
}

// BinaryExpr joins Left and Right under Op.
type BinaryExpr struct {
	Op    BoolOp
	Left  Node
	Right Node
}

func (BinaryExpr) node() {}

// MatchExpr tests a single field (or, for FieldText, every scanned
// column) against Value.
type MatchExpr struct {
	Field Field
	Value string
	Op    CompareOp
}

func (MatchExpr) node() {}

// NotExpr negates Expr.
type NotExpr struct {
	Expr Node
}

func (NotExpr) node() {}
