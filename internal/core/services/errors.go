package services

import "errors"

// Task errors
var (
	ErrTaskNotFound      = errors.New("task: not found")
	ErrInvalidTransition = errors.New("task: invalid state transition")
)

// Agent errors
var (
	ErrAgentNotFound     = errors.New("agent: not found")
	ErrAgentInvalidInput = errors.New("agent: invalid input")
)

// Setting errors
var (
	ErrInvalidSetting = errors.New("setting: invalid value")
	ErrUnknownSetting = errors.New("setting: unknown key")
)
