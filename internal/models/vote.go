package models

import "time"

// Vote records one identity's selection of one option in a poll.
// Duplicate prevention is a database UNIQUE index, not application
// logic: single-choice polls allow one row per (poll_id, voter_key),
// multiple-choice polls one row per (poll_id, option_id, voter_key).
type Vote struct {
	ID       int `gorm:"primaryKey" json:"id"`
	PollID   int `gorm:"not null;index" json:"poll_id"`
	OptionID int `gorm:"not null;index" json:"option_id"`

	// VoterKey identifies who voted: "user:<id>" for authenticated
	// users, "anon:<token>" for anonymous participants.
	VoterKey string `gorm:"not null" json:"-"`
	UserID   *int   `json:"user_id,omitempty"`

	// SingleChoice is copied from the poll at insert time so the
	// one-vote-per-poll rule can live in a partial unique index.
	SingleChoice bool `gorm:"not null;default:false" json:"-"`

	CreatedAt time.Time `json:"created_at"`
}

// VoterClaim records an issued anonymous voting identity. Tokens are
// bound to the poll they were claimed for; vote and retract reject
// anonymous tokens that were never claimed.
type VoterClaim struct {
	ID        int       `gorm:"primaryKey" json:"id"`
	PollID    int       `gorm:"not null;uniqueIndex:idx_voter_claims_poll_token" json:"poll_id"`
	Token     string    `gorm:"not null;uniqueIndex:idx_voter_claims_poll_token" json:"-"`
	CreatedAt time.Time `json:"created_at"`
}

type SubmitVoteRequest struct {
	OptionIDs []int `json:"option_ids"`
}

type ClaimVoterTokenResponse struct {
	VoterToken string `json:"voter_token"`
}

// OptionResult is one row of a results payload.
type OptionResult struct {
	OptionID  int     `json:"option_id"`
	Label     string  `json:"label"`
	VoteCount int     `json:"vote_count"`
	Share     float64 `json:"share"`
}

type PollResults struct {
	PollID     int            `json:"poll_id"`
	Question   string         `json:"question"`
	TotalVotes int            `json:"total_votes"`
	Expired    bool           `json:"expired"`
	Options    []OptionResult `json:"options"`
}
