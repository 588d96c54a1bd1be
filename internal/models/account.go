package models

import "time"

type Account struct {
	ID         uint      `json:"id" gorm:"primaryKey"`
	ExternalID string    `json:"externalId" gorm:"uniqueIndex;not null"`
	Email      string    `json:"email" gorm:"uniqueIndex;not null"`
	FirstName  string    `json:"firstName" gorm:"not null;default:''"`
	LastName   string    `json:"lastName" gorm:"not null;default:''"`
	Balance    int       `json:"credits" gorm:"not null;default:0;check:balance >= 0"`
	IsActive   bool      `json:"isActive" gorm:"not null;default:true"`
	CreatedAt  time.Time `json:"createdAt"`
	UpdatedAt  time.Time `json:"updatedAt"`
}

// Identity is what the identity provider vouches for about a user.
type Identity struct {
	ExternalID string
	Email      string
	FirstName  string
	LastName   string
}

type UpdateProfileRequest struct {
	FirstName string `json:"firstName" validate:"required,max=100"`
	LastName  string `json:"lastName" validate:"required,max=100"`
}
