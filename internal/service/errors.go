package service

import "errors"

var (
	ErrUserNotFound         = errors.New("user not found")
	ErrRoomNotFound         = errors.New("room not found")
	ErrAuthenticationFailed = errors.New("authentication failed")
	ErrRegistrationFailed   = errors.New("registration failed: username or email already exists")
	ErrInvalidInput         = errors.New("invalid input")
	ErrInvalidOperation     = errors.New("invalid operation data")
	ErrRoomFull             = errors.New("room is full")
	ErrRoomPrivate          = errors.New("room is private")
	ErrInternalServer       = errors.New("internal server error")
	ErrRemoteService        = errors.New("remote service unavailable")
)
