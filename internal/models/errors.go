// internal/models/errors.go
package models

import "errors"

var (
	ErrRoomNotFound       = errors.New("room not found")
	ErrRoomFull           = errors.New("room is full")
	ErrNotYourTurn        = errors.New("not your turn")
	ErrDuelFinished       = errors.New("duel already finished")
	ErrOpponentNotFound   = errors.New("no opponent found")
	ErrForbidden          = errors.New("forbidden action")
	ErrStaleWrite         = errors.New("stale write")
	ErrNoQuiz             = errors.New("no quiz available for category")
	ErrInvitationNotFound = errors.New("invitation not found")
	ErrProfileNotFound    = errors.New("profile not found")
	ErrTicketNotFound     = errors.New("readiness ticket not found")
)
