package session

import "errors"

var (
	ErrNotFound        = errors.New("session not found")
	ErrNotAlive        = errors.New("session not alive")
	ErrDamaged         = errors.New("session damaged")
	ErrAlreadyAttached = errors.New("session already attached")
)
