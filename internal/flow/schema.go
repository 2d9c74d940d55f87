package flow

import (
	"encoding/json"
	"fmt"
)

// SchemaVersionKey is the working-data key under which flows store the
// version of their data schema.
const SchemaVersionKey = "schema_version"

// DecodeData copies d into the typed schema value pointed to by out.
func DecodeData(d Data, out any) error {
	if len(d) == 0 {
		return nil
	}
	raw, err := json.Marshal(d)
	if err != nil {
		return fmt.Errorf("flow: encode data: %w", err)
	}
	if err := json.Unmarshal(raw, out); err != nil {
		return fmt.Errorf("flow: decode data: %w", err)
	}
	return nil
}

// EncodeData converts a typed schema value into a Data patch.
func EncodeData(v any) (Data, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("flow: encode data: %w", err)
	}
	var d Data
	if err := json.Unmarshal(raw, &d); err != nil {
		return nil, fmt.Errorf("flow: decode data: %w", err)
	}
	return d, nil
}

// CheckVersion returns an error when d carries a schema version other than
// want. Data without a version (a fresh flow) passes.
func CheckVersion(d Data, want int) error {
	v, ok := d[SchemaVersionKey]
	if !ok {
		return nil
	}
	var got int
	switch n := v.(type) {
	case int:
		got = n
	case int64:
		got = int(n)
	case float64:
		got = int(n)
	default:
		return fmt.Errorf("flow: schema version has type %T", v)
	}
	if got != want {
		return fmt.Errorf("flow: schema version %d, want %d", got, want)
	}
	return nil
}
