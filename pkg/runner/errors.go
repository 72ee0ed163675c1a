package runner

import "errors"

var (
	// ErrSpawn is returned when the node executable cannot be started.
	ErrSpawn = errors.New("failed to spawn node")

	// ErrProcessExited is returned when the node exits before becoming ready.
	ErrProcessExited = errors.New("node exited before becoming ready")

	// ErrNotReady is returned when the node does not become ready in time.
	ErrNotReady = errors.New("node not ready")

	// ErrDeploy is returned when the contract deploy script fails.
	ErrDeploy = errors.New("contract deployment failed")

	// ErrNoSuchAccount is returned for an out-of-range account index.
	ErrNoSuchAccount = errors.New("no such account")

	// ErrUnknownProfile is returned when the configured profile is not registered.
	ErrUnknownProfile = errors.New("unknown node profile")
)
