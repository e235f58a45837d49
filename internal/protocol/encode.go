package protocol

import (
	"encoding/json"
	"fmt"
)

// EncodeRequest validates r and returns its text form.
func EncodeRequest(r Request) ([]byte, error) {
	if err := r.Validate(); err != nil {
		return nil, err
	}
	b, err := json.Marshal(r)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedJSON, err)
	}
	return b, nil
}
