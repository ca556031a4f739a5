package server

import "errors"

var (
	ErrUnknownSession = errors.New("session not found")
	ErrUnknownJob     = errors.New("job not found")
	ErrNoWorkers      = errors.New("no workers connected")
)
