package state

import (
	"context"
	"testing"

	"github.com/temoto/escmeter/link"
	"github.com/temoto/escmeter/log2"
)

// NewTestContext inits Global over mock transport, persist root is a temp dir.
func NewTestContext(t testing.TB, confString string) (context.Context, *Global, *link.MockTransport) {
	fs := NewMockFullReader(map[string]string{
		"test-inline": confString,
	})

	log := log2.NewTest(t, log2.LDebug)
	// log := log2.NewStderr(log2.LDebug) // useful with panics
	log.SetFlags(log2.LTestFlags)
	ctx, g := NewContext(log, nil)
	tr := link.NewMockTransport()
	g.Transport = tr
	config := MustReadConfig(log, fs, "test-inline")
	if config.Persist.Root == "" {
		config.Persist.Root = t.TempDir()
	}
	g.MustInit(ctx, config)
	return ctx, g, tr
}
