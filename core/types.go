// Package core holds the domain types shared by the store, the engine,
// the gateway and the HTTP layer. It has no dependencies on any of them.
package core

import "time"

// Role identifies who authored a message turn.
type Role string

const (
	// RoleUser marks a message written by the human.
	RoleUser Role = "user"

	// RoleModel marks a message written by the assistant.
	RoleModel Role = "model"
)

// User is a registered account. The password hash never leaves the auth
// package; everything else is safe to return to clients.
type User struct {
	ID           string    `json:"id"`
	FirstName    string    `json:"firstName"`
	LastName     string    `json:"lastName"`
	Email        string    `json:"email"`
	PasswordHash string    `json:"-"`
	CreatedAt    time.Time `json:"createdAt"`
}

// PublicUser is the client-facing view of a User.
type PublicUser struct {
	ID        string   `json:"id"`
	FullName  FullName `json:"fullName"`
	Email     string   `json:"email"`
}

// FullName mirrors the nested name shape the clients expect.
type FullName struct {
	FirstName string `json:"firstName"`
	LastName  string `json:"lastName"`
}

// Public returns the client-facing view of u.
func (u User) Public() PublicUser {
	return PublicUser{
		ID:       u.ID,
		FullName: FullName{FirstName: u.FirstName, LastName: u.LastName},
		Email:    u.Email,
	}
}

// Chat is a conversation owned by exactly one user. Messages reference it
// by ID; the chat record itself holds only metadata.
type Chat struct {
	ID           string    `json:"chatID"`
	UserID       string    `json:"userID"`
	Title        string    `json:"title"`
	LastActivity time.Time `json:"lastActivity"`
}

// Message is one turn of a chat. Messages are immutable once created and
// ordered by CreatedAt ascending within a chat.
type Message struct {
	ID        string    `json:"id"`
	UserID    string    `json:"userID"`
	ChatID    string    `json:"chatID"`
	Content   string    `json:"content"`
	Role      Role      `json:"role"`
	CreatedAt time.Time `json:"createdAt"`
}

// Turn is a role-tagged piece of prompt content handed to a generation
// provider. Unlike Message it carries no identity; synthetic turns (the
// long-term memory preamble) exist only for the duration of one call.
type Turn struct {
	Role    Role
	Content string
}
