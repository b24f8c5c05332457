package graph

import (
	"encoding/json"
	"fmt"
)

// encode and decodeInto convert between a Node/Edge and the JSON-string
// leaf form the substrate interface requires.
func encode(v any) string {
	raw, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func decodeInto(value any, out any) error {
	s, ok := value.(string)
	if !ok {
		return fmt.Errorf("graph: expected JSON-string leaf value")
	}
	return json.Unmarshal([]byte(s), out)
}
