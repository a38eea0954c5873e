package types

import (
	"time"

	"github.com/google/uuid"
)

type RegisterRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type LoginRequest struct {
	Username string `json:"username"`
	Password string `json:"password"`
}

type UserDTO struct {
	ID        uuid.UUID `json:"id"`
	Username  string    `json:"username"`
	CreatedAt time.Time `json:"created_at"`
}

type AuthResponse struct {
	Token string  `json:"token"`
	User  UserDTO `json:"user"`
}

type ErrorResponse struct {
	Error string `json:"error"`
}

type RoomsResponse struct {
	Rooms []RoomInfo `json:"rooms"`
}

type RoomInfo struct {
	Name        string `json:"name"`
	Subscribers int    `json:"subscribers"`
	Messages    int    `json:"messages"`
}
