package user

import (
	"time"

	"github.com/google/uuid"
)

type Role string

const (
	RoleFarmer Role = "farmer"
	RoleBuyer  Role = "buyer"
	RoleAdmin  Role = "admin"
)

// ParseRole maps a requested sign-up role to a Role. Only farmer and buyer
// can be self-selected; anything else falls back to buyer.
func ParseRole(s string) Role {
	if r := Role(s); r == RoleFarmer || r == RoleBuyer {
		return r
	}
	return RoleBuyer
}

type User struct {
	ID        uuid.UUID `gorm:"type:uuid;default:uuid_generate_v4();primary_key" json:"id"`
	Name      string    `json:"name"`
	Email     string    `gorm:"uniqueIndex" json:"email"`
	GoogleID  string    `gorm:"uniqueIndex" json:"google_id"`
	Role      Role      `gorm:"not null;default:buyer" json:"role"`
	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

func (u User) IsAdmin() bool {
	return u.Role == RoleAdmin
}
