package domain

import "errors"

var (
	ErrNotInitialized   = errors.New("channel not initialized")
	ErrNotConnected     = errors.New("not connected")
	ErrAlreadyConnected = errors.New("already connected")
	ErrConnectTimeout   = errors.New("connect timeout")
	ErrRetriesExhausted = errors.New("retries exhausted")
	ErrRoomNotJoined    = errors.New("room not joined")
)
