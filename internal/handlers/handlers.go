package handlers

import (
	"github.com/emilythestrangee/pollhub/backend/internal/database"
	"github.com/emilythestrangee/pollhub/backend/internal/realtime"
)

// Handler combines all handler types
type Handler struct {
	Auth   *AuthHandler
	Poll   *PollHandler
	Vote   *VoteHandler
	Result *ResultHandler
}

// NewHandler creates a unified handler with all sub-handlers
func NewHandler(db *database.Database, hub *realtime.Hub) *Handler {
	// Get the GORM DB instance from the service
	dbService := database.New()
	gormDB := dbService.GetDB()

	return &Handler{
		Auth:   NewAuthHandler(gormDB),
		Poll:   NewPollHandler(gormDB),
		Vote:   NewVoteHandler(gormDB, db.DB),
		Result: NewResultHandler(gormDB, hub),
	}
}
