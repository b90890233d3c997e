package rdb

import (
	"encoding/json"
	"fmt"
)

// NormalizeArgs converts JSON decoded arguments (decoded with UseNumber)
// into driver values. Integral numbers become int64 and all other numbers
// float64. Arrays and objects have no SQL representation and are rejected.
func NormalizeArgs(args []any) ([]any, error) {
	out := make([]any, len(args))
	for i, arg := range args {
		switch v := arg.(type) {
		case nil, string, bool, int64, float64:
			out[i] = v
		case int:
			out[i] = int64(v)
		case json.Number:
			if n, err := v.Int64(); err == nil {
				out[i] = n
				continue
			}
			f, err := v.Float64()
			if err != nil {
				return nil, fmt.Errorf("%w: arg %d: %v", ErrInvalidArgs, i, err)
			}
			out[i] = f
		default:
			return nil, fmt.Errorf("%w: arg %d has unsupported type %T", ErrInvalidArgs, i, arg)
		}
	}
	return out, nil
}
