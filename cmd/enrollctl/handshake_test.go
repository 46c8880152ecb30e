package main

import (
	"bufio"
	"io"
	"strings"
	"testing"

	"github.com/ruteri/enrollment-gateway/cryptoutils"
	"github.com/ruteri/enrollment-gateway/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/urfave/cli/v2"
)

func TestParseRecipients(t *testing.T) {
	recipients, err := parseRecipients([]string{"alice@example.com", "bob@example.com:3"})
	require.NoError(t, err)
	assert.Equal(t, []interfaces.Recipient{
		{Email: "alice@example.com", Weight: 1},
		{Email: "bob@example.com", Weight: 3},
	}, recipients)

	_, err = parseRecipients([]string{"bob@example.com:many"})
	assert.Error(t, err)
}

func TestChoose(t *testing.T) {
	candidates := []cryptoutils.SASCode{"AB23", "CD45", "EF67"}
	cCtx := cli.NewContext(&cli.App{Writer: io.Discard}, nil, nil)

	tests := []struct {
		name    string
		input   string
		want    cryptoutils.SASCode
		wantErr bool
	}{
		{name: "by number", input: "2\n", want: "CD45"},
		{name: "by code", input: "ef67\n", want: "EF67"},
		{name: "invalid answers are asked again", input: "9\nZZZZ\n1\n", want: "AB23"},
		{name: "no answer", input: "", wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			in := bufio.NewScanner(strings.NewReader(tt.input))
			got, err := choose(in, cCtx, "pick", candidates)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
