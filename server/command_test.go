package server

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseCommand(t *testing.T) {
	t.Parallel()

	tests := []struct {
		line    string
		name    string
		arg     string
		wantErr bool
	}{
		{line: "NOOP", name: "NOOP"},
		{line: "noop", name: "NOOP"},
		{line: "USER anonymous", name: "USER", arg: "anonymous"},
		{line: "STOR some file.txt", name: "STOR", arg: "some file.txt"},
		{line: "RETR a.bin\r", name: "RETR", arg: "a.bin"},
		{line: "", wantErr: true},
		{line: "\r", wantErr: true},
		{line: "F00 bar", wantErr: true},
		{line: "!! x", wantErr: true},
	}

	for _, tc := range tests {
		cmd, err := parseCommand(tc.line)
		if tc.wantErr {
			assert.Error(t, err, "line %q", tc.line)
			continue
		}
		require.NoError(t, err, "line %q", tc.line)
		assert.Equal(t, tc.name, cmd.Name)
		assert.Equal(t, tc.arg, cmd.Arg)
	}
}
