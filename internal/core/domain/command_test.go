package domain

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestParseCommand(t *testing.T) {
	tests := []struct {
		name     string
		text     string
		wantCmd  string
		wantArgs string
	}{
		{name: "bare command", text: "/style", wantCmd: "/style", wantArgs: ""},
		{name: "with args", text: "/style adain 3", wantCmd: "/style", wantArgs: "adain 3"},
		{name: "bot suffix", text: "/style@nst_bot gatys", wantCmd: "/style", wantArgs: "gatys"},
		{name: "extra spaces", text: "  /cancel   now ", wantCmd: "/cancel", wantArgs: "now"},
		{name: "empty", text: "", wantCmd: "", wantArgs: ""},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			assert.Equal(t, tc.wantCmd, ParseCommand(tc.text))
			assert.Equal(t, tc.wantArgs, ParseCommandArgs(tc.text))
		})
	}
}
