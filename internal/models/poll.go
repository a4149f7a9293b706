package models

import "time"

// Poll visibility constants
const (
	VisibilityPublic  = "public"
	VisibilityPrivate = "private"
)

type Poll struct {
	ID          int    `gorm:"primaryKey" json:"id"`
	Question    string `gorm:"not null" json:"question"`
	Description string `json:"description,omitempty"`
	CreatorID   int    `gorm:"index" json:"creator_id"`
	Creator     User   `gorm:"foreignKey:CreatorID" json:"creator"`

	Visibility     string `gorm:"default:public" json:"visibility"`
	MultipleChoice bool   `gorm:"default:false" json:"multiple_choice"`

	Options []PollOption `gorm:"foreignKey:PollID" json:"options"`

	ExpiresAt *time.Time `json:"expires_at,omitempty"`
	CreatedAt time.Time  `json:"created_at"`
	UpdatedAt time.Time  `json:"updated_at"`
}

// Expired reports whether the poll no longer accepts votes.
func (p *Poll) Expired(now time.Time) bool {
	return p.ExpiresAt != nil && !p.ExpiresAt.After(now)
}

// PollOption carries a denormalized vote_count maintained by a
// database trigger; application code never writes the column.
type PollOption struct {
	ID        int    `gorm:"primaryKey" json:"id"`
	PollID    int    `gorm:"index;not null" json:"poll_id"`
	Label     string `gorm:"not null" json:"label"`
	Position  int    `json:"position"`
	VoteCount int    `gorm:"default:0" json:"vote_count"`
}

type CreatePollRequest struct {
	Question       string     `json:"question"`
	Description    string     `json:"description"`
	Options        []string   `json:"options"`
	Visibility     string     `json:"visibility"`
	MultipleChoice bool       `json:"multiple_choice"`
	ExpiresAt      *time.Time `json:"expires_at"`
}

type UpdatePollRequest struct {
	Question    string     `json:"question"`
	Description string     `json:"description"`
	Visibility  string     `json:"visibility"`
	ExpiresAt   *time.Time `json:"expires_at"`
}
