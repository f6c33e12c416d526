package engine

import "errors"

// Engine errors - returned while driving the external viewer page
var (
	ErrEngineNotReady = errors.New("viewer never became ready")
	ErrRenderTimeout  = errors.New("render completion timeout exceeded")
	ErrEngineScript   = errors.New("viewer reported an internal fault")
	ErrEngineCrashed  = errors.New("viewer browser closed unexpectedly")
)
