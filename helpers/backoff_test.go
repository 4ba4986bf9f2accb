package helpers

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestBackoff(t *testing.T) {
	t.Parallel()

	b := Backoff{Min: 100 * time.Millisecond, Max: 400 * time.Millisecond, K: 2, Res: 10 * time.Millisecond}
	assert.Equal(t, time.Duration(0), b.DelayBefore())

	expect := []time.Duration{100, 200, 400, 400}
	for _, e := range expect {
		b.Failure()
		d := b.DelayBefore()
		assert.True(t, d <= e*time.Millisecond, "delay=%s expected<=%dms", d, e)
		assert.True(t, d >= e*time.Millisecond-20*time.Millisecond, "delay=%s expected~%dms", d, e)
	}

	b.Reset()
	assert.Equal(t, time.Duration(0), b.DelayBefore())
}

func TestFoldErrors(t *testing.T) {
	t.Parallel()

	e1 := NewTestError("one")
	cases := []struct {
		name   string
		input  []error
		expect string
	}{
		{"empty", nil, ""},
		{"all-nil", []error{nil, nil}, ""},
		{"single", []error{nil, e1}, "one"},
		{"many", []error{e1, nil, NewTestError("two")}, "one\ntwo"},
	}
	for _, c := range cases {
		c := c
		t.Run(c.name, func(t *testing.T) {
			err := FoldErrors(c.input)
			if c.expect == "" {
				assert.NoError(t, err)
			} else {
				assert.EqualError(t, err, c.expect)
			}
		})
	}
	assert.Equal(t, e1, FoldErrors([]error{nil, e1}))
}
