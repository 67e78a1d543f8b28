package database

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Procedure result markers found in the "result" column.
const (
	ResultSuccess = "SUCCESS"
	ResultExists  = "EXISTS"
	ResultError   = "ERROR"
)

// Row is one flattened result row keyed by column name. Byte slices are
// converted to strings during scanning.
type Row map[string]any

// Rows is the flattened output of a call.
type Rows []Row

// First returns the first row, if any.
func (rs Rows) First() (Row, bool) {
	if len(rs) == 0 {
		return nil, false
	}
	return rs[0], true
}

// lookup finds col case-insensitively.
func (r Row) lookup(col string) (any, bool) {
	if v, ok := r[col]; ok {
		return v, true
	}
	for k, v := range r {
		if strings.EqualFold(k, col) {
			return v, true
		}
	}
	return nil, false
}

// String returns col rendered as a string ("" when absent or NULL).
func (r Row) String(col string) string {
	v, ok := r.lookup(col)
	if !ok || v == nil {
		return ""
	}
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	default:
		return fmt.Sprint(t)
	}
}

// Int64 returns col as an integer (0 when absent or not numeric).
func (r Row) Int64(col string) int64 {
	v, ok := r.lookup(col)
	if !ok || v == nil {
		return 0
	}
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case int32:
		return int64(t)
	case uint64:
		return int64(t)
	case float64:
		return int64(t)
	case string:
		n, _ := strconv.ParseInt(strings.TrimSpace(t), 10, 64)
		return n
	}
	return 0
}

// Result returns the upper-cased "result" marker.
func (r Row) Result() string { return strings.ToUpper(r.String("result")) }

// ErrorCode returns the "ErrorCode" column.
func (r Row) ErrorCode() int { return int(r.Int64("ErrorCode")) }

// ErrorMessage returns the "ErrorMessage" column.
func (r Row) ErrorMessage() string { return r.String("ErrorMessage") }

// Succeeded reports whether the first row reports SUCCESS or EXISTS.
func (rs Rows) Succeeded() bool {
	r, ok := rs.First()
	if !ok {
		return false
	}
	res := r.Result()
	return res == ResultSuccess || res == ResultExists
}

// ProcedureError describes a procedure that returned a non-success marker.
type ProcedureError struct {
	Procedure string
	Result    string
	Code      int
	Message   string
}

func (e *ProcedureError) Error() string {
	return fmt.Sprintf("procedure %s returned %s (code=%d): %s", e.Procedure, e.Result, e.Code, e.Message)
}

// CheckResult returns a *ProcedureError unless rs reports SUCCESS or EXISTS.
func CheckResult(name string, rs Rows) error {
	if rs.Succeeded() {
		return nil
	}
	r, _ := rs.First()
	return &ProcedureError{
		Procedure: name,
		Result:    r.Result(),
		Code:      r.ErrorCode(),
		Message:   r.ErrorMessage(),
	}
}

// Decode converts rows into typed values using their json tags. Column
// names are matched against the json field names.
func Decode[T any](rs Rows) ([]T, error) {
	raw, err := json.Marshal(rs)
	if err != nil {
		return nil, err
	}
	out := make([]T, 0, len(rs))
	if err := json.Unmarshal(raw, &out); err != nil {
		return nil, fmt.Errorf("decode rows: %w", err)
	}
	return out, nil
}
