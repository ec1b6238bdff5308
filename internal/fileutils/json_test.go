package fileutils_test

import (
	"bytes"
	"errors"
	"testing"
	"testing/iotest"

	"github.com/codecompass-ai/compassd/internal/fileutils"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseJSON(t *testing.T) {
	t.Parallel()

	type status struct {
		Status string `json:"status"`
	}

	tests := map[string]struct {
		input     string
		readerErr bool

		want    status
		wantErr bool
	}{
		"Valid object": {
			input: `{"status": "ok"}`,
			want:  status{Status: "ok"},
		},
		"Unknown fields ignored": {
			input: `{"status": "ok", "extra": 42}`,
			want:  status{Status: "ok"},
		},
		"Empty object": {
			input: `{}`,
			want:  status{},
		},
		"Trailing whitespace": {
			input: "{\"status\": \"ok\"}\n\t ",
			want:  status{Status: "ok"},
		},

		// Error cases
		"Empty input":      {input: "", wantErr: true},
		"Junk data":        {input: "not json", wantErr: true},
		"Truncated JSON":   {input: `{"status": "o`, wantErr: true},
		"Trailing garbage": {input: `{"status": "ok"} extra`, wantErr: true},
		"Second document":  {input: `{"status": "ok"} {"status": "ko"}`, wantErr: true},
		"Reader error":     {input: `{"status": "ok"}`, readerErr: true, wantErr: true},
	}

	for name, tc := range tests {
		t.Run(name, func(t *testing.T) {
			t.Parallel()

			r := iotest.OneByteReader(bytes.NewReader([]byte(tc.input)))
			if tc.readerErr {
				r = iotest.TimeoutReader(r)
			}

			var got status
			err := fileutils.ParseJSON(r, &got)
			if tc.wantErr {
				require.Error(t, err, "ParseJSON should return an error")
				return
			}
			require.NoError(t, err, "ParseJSON should not return an error")
			assert.Equal(t, tc.want, got, "ParseJSON should decode the expected value")
		})
	}

	// The reader error must win even when the prefix already parses.
	t.Run("Reader error reported", func(t *testing.T) {
		t.Parallel()

		var got status
		err := fileutils.ParseJSON(iotest.ErrReader(errors.New("broken pipe")), &got)
		require.ErrorContains(t, err, "broken pipe", "ParseJSON should surface the read error")
	})
}
