package memory

import "encoding/json"

// canonicalize re-serializes v into a deterministic byte form: keys sorted,
// no extraneous whitespace, round-tripped through map[string]interface{} so
// that struct field order never leaks into the hash pre-image.
//
// encoding/json already sorts map[string]interface{} keys lexicographically
// when marshaling; routing every value through a generic map (rather than
// marshaling structs directly) is what makes the output independent of Go
// struct field order.
func canonicalize(v interface{}) ([]byte, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}

	var generic interface{}
	if err := json.Unmarshal(raw, &generic); err != nil {
		return nil, err
	}

	return json.Marshal(generic)
}
