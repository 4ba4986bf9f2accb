package subcmd

import (
	"context"
	"testing"

	"github.com/juju/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/temoto/escmeter/internal/state"
)

func TestParse(t *testing.T) {
	t.Parallel()
	noop := func(context.Context, *state.Config) error { return nil }
	mods := []Mod{{Name: "run", Main: noop}, {Name: "console", Main: noop}}

	m, err := Parse("console", mods)
	require.NoError(t, err)
	assert.Equal(t, "console", m.Name)

	_, err = Parse("", mods)
	assert.True(t, errors.IsNotValid(err))
	_, err = Parse("fly", mods)
	assert.True(t, errors.IsNotFound(err))
	assert.Contains(t, err.Error(), "console, run")

	assert.Panics(t, func() { _, _ = Parse("x", []Mod{{Main: noop}}) })
}
