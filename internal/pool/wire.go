package pool

import (
	"encoding/json"
	"errors"
)

// wireFrame is a decoded Nostr relay message: the leading type string plus
// the remaining array elements, left as raw JSON for type-specific decode.
type wireFrame struct {
	Type string
	Rest []json.RawMessage
}

func parseFrame(text string) (wireFrame, error) {
	var raw []json.RawMessage
	if err := json.Unmarshal([]byte(text), &raw); err != nil {
		return wireFrame{}, err
	}
	if len(raw) == 0 {
		return wireFrame{}, errors.New("empty frame")
	}
	var typ string
	if err := json.Unmarshal(raw[0], &typ); err != nil {
		return wireFrame{}, err
	}
	return wireFrame{Type: typ, Rest: raw[1:]}, nil
}
