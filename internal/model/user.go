package model

import (
	"time"
)

// User is an account that can hold connections. Rows are created by the
// account service; the relay only reads them.
type User struct {
	ID        uint      `gorm:"primaryKey" json:"id"`
	Username  string    `gorm:"size:150;uniqueIndex;not null" json:"username"`
	FirstName string    `gorm:"size:150" json:"first_name"`
	LastName  string    `gorm:"size:150" json:"last_name"`
	CreatedAt time.Time `json:"-"`
}

// UserPresence is a user enriched with the online flag.
type UserPresence struct {
	ID       uint   `json:"id"`
	Username string `json:"username"`
	IsOnline bool   `json:"is_online"`
}
