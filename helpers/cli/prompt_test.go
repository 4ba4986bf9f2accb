package cli

import (
	"strings"
	"testing"

	"github.com/c-bata/go-prompt"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestReadLines(t *testing.T) {
	t.Parallel()
	input := "connect\n\n  # comment\n throttle 20 \nstatus"
	var got []string
	require.NoError(t, ReadLines(strings.NewReader(input), func(line string) { got = append(got, line) }))
	assert.Equal(t, []string{"connect", "throttle 20", "status"}, got)
}

func TestSuggest(t *testing.T) {
	t.Parallel()
	complete := Suggest([]prompt.Suggest{{Text: "start"}, {Text: "status"}, {Text: "stop"}, {Text: "connect"}})
	doc := func(s string) prompt.Document {
		b := prompt.NewBuffer()
		b.InsertText(s, false, true)
		return *b.Document()
	}
	texts := func(ss []prompt.Suggest) []string {
		r := make([]string, len(ss))
		for i, s := range ss {
			r[i] = s.Text
		}
		return r
	}
	assert.Equal(t, []string{"start", "status"}, texts(complete(doc("sta"))))
	assert.Equal(t, []string{"connect"}, texts(complete(doc("C"))))
	assert.Len(t, complete(doc("start ")), 0)
}
