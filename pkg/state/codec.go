package state

import "encoding/json"

// encodeWire and decodeWire convert between a wireState and the JSON-string
// leaf form the substrate interface requires (substrate.Substrate documents
// that nested structures must be encoded as JSON strings by the caller).
func encodeWire(w wireState) string {
	raw, err := json.Marshal(w)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func decodeWire(value any) (wireState, error) {
	var w wireState
	s, ok := value.(string)
	if !ok {
		return w, errInvalidEncoding
	}
	if err := json.Unmarshal([]byte(s), &w); err != nil {
		return w, err
	}
	return w, nil
}

func encodePatchEntry(entry PatchEntry) string {
	raw, err := json.Marshal(entry)
	if err != nil {
		return "{}"
	}
	return string(raw)
}

func decodePatchEntry(value any) (PatchEntry, error) {
	var entry PatchEntry
	s, ok := value.(string)
	if !ok {
		return entry, errInvalidEncoding
	}
	if err := json.Unmarshal([]byte(s), &entry); err != nil {
		return entry, err
	}
	return entry, nil
}

var errInvalidEncoding = jsonLeafError("state: expected JSON-string leaf value")

type jsonLeafError string

func (e jsonLeafError) Error() string { return string(e) }
