package query

import "strings"

// Record is the field set the matcher reads from. Decoupling the matcher
// from internal/types lets internal/browse supply an adapter instead of
// this package importing the core record type.
type Record interface {
	GetTime() string
	GetLevel() string
	GetProcess() string
	GetSender() string
	GetSubsystem() string
	GetCategory() string
	GetMessage() string
	GetPID() string
}

// Match evaluates node against a record. A nil node matches everything.
func Match(node Node, rec Record) bool {
	if node == nil {
		return true
	}
	switch n := node.(type) {
	case BinaryExpr:
		return evalBinary(n, rec)
	case MatchExpr:
		return evalMatch(n, rec)
	case NotExpr:
		return !Match(n.Expr, rec)
	default:
		return false
	}
}

func evalBinary(expr BinaryExpr, rec Record) bool {
	left := Match(expr.Left, rec)
	right := Match(expr.Right, rec)
	if expr.Op == OpOr {
		return left || right
	}
	return left && right
}

func evalMatch(expr MatchExpr, rec Record) bool {
	if expr.Field == FieldText {
		return matchFullText(expr.Value, rec)
	}

	value := fieldValue(expr.Field, rec)

	switch expr.Op {
	case OpEqual:
		return strings.EqualFold(value, expr.Value)
	case OpNotEqual:
		return !strings.EqualFold(value, expr.Value)
	default:
		return strings.Contains(strings.ToLower(value), strings.ToLower(expr.Value))
	}
}

// fieldValue reads the record column f resolved to, or "" for
// FieldUnknown (an unrecognized "key:" in the query).
func fieldValue(f Field, rec Record) string {
	switch f {
	case FieldSubsystem:
		return rec.GetSubsystem()
	case FieldProcess:
		return rec.GetProcess()
	case FieldSender:
		return rec.GetSender()
	case FieldCategory:
		return rec.GetCategory()
	case FieldLevel:
		return rec.GetLevel()
	case FieldPID:
		return rec.GetPID()
	case FieldMessage:
		return rec.GetMessage()
	case FieldTime:
		return rec.GetTime()
	default:
		return ""
	}
}

func matchFullText(q string, rec Record) bool {
	needle := strings.ToLower(q)
	fields := []string{
		rec.GetSubsystem(),
		rec.GetProcess(),
		rec.GetSender(),
		rec.GetCategory(),
		rec.GetLevel(),
		rec.GetMessage(),
	}
	for _, f := range fields {
		if strings.Contains(strings.ToLower(f), needle) {
			return true
		}
	}
	return false
}
