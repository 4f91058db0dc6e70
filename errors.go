package swarm

import (
	"errors"

	"github.com/raskyld/swarm/pkg/spec"
)

var (
	ErrInvalidCfg  = errors.New("swarm: invalid options")
	ErrUnknownType = errors.New("swarm: type is not registered")
	ErrHostClosed  = errors.New("swarm: host closed")

	ErrMalformedSpec    = spec.ErrMalformed
	ErrUndeadObject     = errors.New("swarm: undead object invoked")
	ErrInvalidInput     = errors.New("swarm: invalid input")
	ErrAccessViolation  = errors.New("swarm: access violation")
	ErrMethodExecution  = errors.New("swarm: method execution failed")
	ErrUnimplemented    = errors.New("swarm: method not implemented")
	ErrUnknownListener  = errors.New("swarm: listener unknown")
	ErrSourceUnknown    = errors.New("swarm: source unknown")
	ErrNoReceiver       = errors.New("swarm: no receiver to answer to")
	ErrUnknownPeer      = errors.New("swarm: peer unknown")
	ErrTypeAlreadyKnown = errors.New("swarm: type already registered")

	ErrHandshake    = errors.New("pipe: handshake failed")
	ErrPipeClosed   = errors.New("pipe: closed")
	ErrPipeOverflow = errors.New("pipe: outbound queue overflow")
	ErrNoDialer     = errors.New("pipe: no dialer configured")
)
