package utils

import (
	"database/sql/driver"
	"errors"
)

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

// RawMessage is a raw JSON column value that scans from both []byte and
// string driver representations.
type RawMessage []byte

func (m *RawMessage) Scan(src any) error {
	switch v := src.(type) {
	case nil:
		*m = nil
	case []byte:
		buf := make([]byte, len(v))
		copy(buf, v)
		*m = buf
	case string:
		*m = []byte(v)
	default:
		return errors.New("utils: unsupported source type for RawMessage")
	}
	return nil
}

func (m RawMessage) Value() (driver.Value, error) {
	if len(m) == 0 {
		return nil, nil
	}
	return []byte(m), nil
}
