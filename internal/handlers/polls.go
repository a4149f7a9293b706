package handlers

import (
	"encoding/json"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	gocache "github.com/patrickmn/go-cache"
	"gorm.io/gorm"

	"github.com/emilythestrangee/pollhub/backend/internal/database"
	"github.com/emilythestrangee/pollhub/backend/internal/models"
	"github.com/emilythestrangee/pollhub/backend/internal/realtime"
)

const (
	pollListCacheKey = "polls:list"
	pollListCacheTTL = 30 * time.Second

	minOptions = 2
	maxOptions = 10
)

type PollHandler struct {
	db        *gorm.DB
	listCache *gocache.Cache
}

func NewPollHandler(db *gorm.DB) *PollHandler {
	return &PollHandler{
		db:        db,
		listCache: gocache.New(pollListCacheTTL, time.Minute),
	}
}

func extractUserID(c *gin.Context) (int, bool) {
	raw, exists := c.Get("user_id")
	if !exists {
		return 0, false
	}
	switch v := raw.(type) {
	case int:
		return v, true
	case uint:
		return int(v), true
	case float64:
		return int(v), true
	default:
		return 0, false
	}
}

// visibleTo reports whether the poll may be read by the given caller.
// Private polls are reported as missing, never as forbidden.
func visibleTo(poll *models.Poll, userID int, authed bool) bool {
	if poll.Visibility == models.VisibilityPublic {
		return true
	}
	return authed && poll.CreatorID == userID
}

// CreatePoll creates a new poll with its options (PROTECTED)
func (h *PollHandler) CreatePoll(c *gin.Context) {
	var input struct {
		Question       string     `json:"question" binding:"required,max=300"`
		Description    string     `json:"description"`
		Options        []string   `json:"options" binding:"required"`
		Visibility     string     `json:"visibility" binding:"omitempty,oneof=public private"`
		MultipleChoice bool       `json:"multiple_choice"`
		ExpiresAt      *time.Time `json:"expires_at"`
	}

	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	if len(input.Options) < minOptions || len(input.Options) > maxOptions {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Polls need between 2 and 10 options"})
		return
	}
	for _, label := range input.Options {
		if label == "" {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Option labels cannot be empty"})
			return
		}
	}

	if input.ExpiresAt != nil && !input.ExpiresAt.After(time.Now()) {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Expiry must be in the future"})
		return
	}

	creatorID, ok := extractUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	visibility := input.Visibility
	if visibility == "" {
		visibility = models.VisibilityPublic
	}

	poll := models.Poll{
		Question:       input.Question,
		Description:    input.Description,
		CreatorID:      creatorID,
		Visibility:     visibility,
		MultipleChoice: input.MultipleChoice,
		ExpiresAt:      input.ExpiresAt,
	}
	for i, label := range input.Options {
		poll.Options = append(poll.Options, models.PollOption{
			Label:    label,
			Position: i,
		})
	}

	if err := h.db.Create(&poll).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create poll"})
		return
	}

	h.listCache.Delete(pollListCacheKey)

	// Reload with creator information
	h.db.Preload("Creator").Preload("Options").First(&poll, poll.ID)

	c.JSON(http.StatusCreated, poll)
}

// GetPolls returns the public poll listing, newest first. Results are
// served from a short-lived cache invalidated by poll writes.
func (h *PollHandler) GetPolls(c *gin.Context) {
	if cached, found := h.listCache.Get(pollListCacheKey); found {
		c.JSON(http.StatusOK, cached)
		return
	}

	var polls []models.Poll
	err := h.db.
		Preload("Creator").
		Preload("Options", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Where("visibility = ?", models.VisibilityPublic).
		Order("created_at desc").
		Limit(100).
		Find(&polls).Error
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch polls"})
		return
	}

	// If no polls, return empty array not null
	if polls == nil {
		polls = []models.Poll{}
	}

	h.listCache.Set(pollListCacheKey, polls, gocache.DefaultExpiration)
	c.JSON(http.StatusOK, polls)
}

// GetPoll returns a single poll by ID. Private polls are only visible
// to their creator.
func (h *PollHandler) GetPoll(c *gin.Context) {
	pollID := c.Param("id")

	var poll models.Poll
	err := h.db.
		Preload("Creator").
		Preload("Options", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		First(&poll, pollID).Error
	if err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Poll not found"})
		return
	}

	userID, authed := extractUserID(c)
	if !visibleTo(&poll, userID, authed) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Poll not found"})
		return
	}

	c.JSON(http.StatusOK, poll)
}

// UpdatePoll updates a poll's question, description, visibility or
// expiry (owner only). Options are immutable once any vote exists.
func (h *PollHandler) UpdatePoll(c *gin.Context) {
	pollID := c.Param("id")

	userID, ok := extractUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	var input models.UpdatePollRequest
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	var poll models.Poll
	if err := h.db.First(&poll, pollID).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Poll not found"})
		return
	}

	if poll.CreatorID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "You can only edit your own polls"})
		return
	}

	if input.Question != "" {
		poll.Question = input.Question
	}
	if input.Description != "" {
		poll.Description = input.Description
	}
	if input.Visibility != "" {
		if input.Visibility != models.VisibilityPublic && input.Visibility != models.VisibilityPrivate {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Visibility must be public or private"})
			return
		}
		poll.Visibility = input.Visibility
	}
	if input.ExpiresAt != nil {
		if !input.ExpiresAt.After(time.Now()) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Expiry must be in the future"})
			return
		}
		poll.ExpiresAt = input.ExpiresAt
	}

	if err := h.db.Save(&poll).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to update poll"})
		return
	}

	h.listCache.Delete(pollListCacheKey)

	h.db.Preload("Creator").Preload("Options").First(&poll, poll.ID)
	c.JSON(http.StatusOK, poll)
}

// ClosePoll stops voting immediately by setting the expiry to now
// (owner only).
func (h *PollHandler) ClosePoll(c *gin.Context) {
	pollID := c.Param("id")

	userID, ok := extractUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	var poll models.Poll
	if err := h.db.First(&poll, pollID).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Poll not found"})
		return
	}

	if poll.CreatorID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "You can only close your own polls"})
		return
	}

	if poll.Expired(time.Now()) {
		c.JSON(http.StatusConflict, gin.H{"error": "Poll is already closed"})
		return
	}

	now := time.Now()
	poll.ExpiresAt = &now
	if err := h.db.Save(&poll).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to close poll"})
		return
	}

	h.listCache.Delete(pollListCacheKey)

	c.JSON(http.StatusOK, gin.H{"message": "Poll closed", "closed_at": now})
}

// DeletePoll deletes a poll with its options and votes (owner only)
func (h *PollHandler) DeletePoll(c *gin.Context) {
	pollID := c.Param("id")

	userID, ok := extractUserID(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "User not authenticated"})
		return
	}

	var poll models.Poll
	if err := h.db.First(&poll, pollID).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Poll not found"})
		return
	}

	if poll.CreatorID != userID {
		c.JSON(http.StatusForbidden, gin.H{"error": "You can only delete your own polls"})
		return
	}

	err := h.db.Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("poll_id = ?", poll.ID).Delete(&models.Vote{}).Error; err != nil {
			return err
		}
		if err := tx.Where("poll_id = ?", poll.ID).Delete(&models.PollOption{}).Error; err != nil {
			return err
		}
		if err := tx.Where("poll_id = ?", poll.ID).Delete(&models.VoterClaim{}).Error; err != nil {
			return err
		}
		if err := tx.Delete(&poll).Error; err != nil {
			return err
		}
		// The vote trigger only fires on vote rows, so a poll deleted with
		// zero votes would never reach live subscribers without this.
		payload, err := json.Marshal(realtime.VoteEvent{PollID: poll.ID, Op: "DELETE"})
		if err != nil {
			return err
		}
		return tx.Exec("SELECT pg_notify(?, ?)", database.VoteChannel, string(payload)).Error
	})
	if err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to delete poll"})
		return
	}

	h.listCache.Delete(pollListCacheKey)

	c.JSON(http.StatusOK, gin.H{"message": "Poll deleted successfully"})
}

// GetUserPolls returns polls created by a user. Private polls show up
// only when the caller asks for their own.
func (h *PollHandler) GetUserPolls(c *gin.Context) {
	targetID := c.Param("id")
	userID, authed := extractUserID(c)

	query := h.db.
		Preload("Creator").
		Preload("Options", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		Where("creator_id = ?", targetID).
		Order("created_at desc")

	var polls []models.Poll
	if err := query.Find(&polls).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch polls"})
		return
	}

	visible := make([]models.Poll, 0, len(polls))
	for _, poll := range polls {
		if visibleTo(&poll, userID, authed) {
			visible = append(visible, poll)
		}
	}

	c.JSON(http.StatusOK, visible)
}
