package room

import "errors"

var (
	ErrNotFound          = errors.New("not found")
	ErrBanned            = errors.New("identity is banned from room")
	ErrRoomFull          = errors.New("room is full")
	ErrForbidden         = errors.New("forbidden")
	ErrNotMember         = errors.New("identity is not a member of room")
	ErrEditWindowExpired = errors.New("edit window expired")
)
