package fileutils

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
)

// ParseJSON decodes a single JSON document from r into v. Data after the
// document is an error.
func ParseJSON(r io.Reader, v any) error {
	dec := json.NewDecoder(r)
	if err := dec.Decode(v); err != nil {
		return fmt.Errorf("couldn't parse JSON: %v", err)
	}
	if err := dec.Decode(&struct{}{}); !errors.Is(err, io.EOF) {
		return errors.New("unexpected data after the JSON document")
	}
	return nil
}
