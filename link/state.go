package link

import (
	"strings"
)

//go:generate stringer -type=State -trimprefix=State
type State uint32

const (
	StateInvalid State = iota
	StateIdle
	StateConnecting
	StateConnected
	StateDisconnecting
	StateError
)

type Capability uint32

const (
	CapSpecialCommands Capability = 1 << iota
)

func (c Capability) Has(flag Capability) bool { return c&flag == flag }

func (c Capability) String() string {
	parts := make([]string, 0, 1)
	if c.Has(CapSpecialCommands) {
		parts = append(parts, "special-commands")
	}
	if len(parts) == 0 {
		return "none"
	}
	return strings.Join(parts, ",")
}
