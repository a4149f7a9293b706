package handlers

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"gorm.io/gorm"

	"github.com/emilythestrangee/pollhub/backend/internal/models"
	"github.com/emilythestrangee/pollhub/backend/internal/realtime"
)

type ResultHandler struct {
	db  *gorm.DB
	hub *realtime.Hub
}

func NewResultHandler(db *gorm.DB, hub *realtime.Hub) *ResultHandler {
	return &ResultHandler{db: db, hub: hub}
}

// snapshot reads the current counts for a poll. The counts come from
// the trigger-maintained vote_count column, never from aggregating the
// votes table on the read path.
func (h *ResultHandler) snapshot(pollID string, userID int, authed bool) (*models.PollResults, error) {
	var poll models.Poll
	err := h.db.
		Preload("Options", func(db *gorm.DB) *gorm.DB { return db.Order("position") }).
		First(&poll, pollID).Error
	if err != nil {
		return nil, err
	}

	if !visibleTo(&poll, userID, authed) {
		return nil, gorm.ErrRecordNotFound
	}

	results := &models.PollResults{
		PollID:   poll.ID,
		Question: poll.Question,
		Expired:  poll.Expired(time.Now()),
	}

	total := 0
	for _, opt := range poll.Options {
		total += opt.VoteCount
	}
	results.TotalVotes = total

	for _, opt := range poll.Options {
		share := 0.0
		if total > 0 {
			share = float64(opt.VoteCount) / float64(total)
		}
		results.Options = append(results.Options, models.OptionResult{
			OptionID:  opt.ID,
			Label:     opt.Label,
			VoteCount: opt.VoteCount,
			Share:     share,
		})
	}

	return results, nil
}

// GetResults returns the current tally for a poll
func (h *ResultHandler) GetResults(c *gin.Context) {
	userID, authed := extractUserID(c)

	results, err := h.snapshot(c.Param("id"), userID, authed)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Poll not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch results"})
		return
	}

	c.JSON(http.StatusOK, results)
}

// LiveResults streams result snapshots over server-sent events. The
// first event is immediate; afterwards one snapshot is sent per vote
// notification from the database change feed.
func (h *ResultHandler) LiveResults(c *gin.Context) {
	pollID := c.Param("id")
	userID, authed := extractUserID(c)

	results, err := h.snapshot(pollID, userID, authed)
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			c.JSON(http.StatusNotFound, gin.H{"error": "Poll not found"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to fetch results"})
		return
	}

	events, cancel := h.hub.Subscribe(results.PollID)
	defer cancel()

	c.Writer.Header().Set("Content-Type", "text/event-stream")
	c.Writer.Header().Set("Cache-Control", "no-cache")
	c.Writer.Header().Set("Connection", "keep-alive")

	flusher, ok := c.Writer.(http.Flusher)
	if !ok {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Streaming not supported"})
		return
	}

	writeSnapshot := func(r *models.PollResults) {
		payload, err := json.Marshal(r)
		if err != nil {
			return
		}
		c.Writer.WriteString("event: results\ndata: ")
		c.Writer.Write(payload)
		c.Writer.WriteString("\n\n")
		flusher.Flush()
	}

	writeSnapshot(results)

	heartbeat := time.NewTicker(25 * time.Second)
	defer heartbeat.Stop()

	for {
		select {
		case <-c.Request.Context().Done():
			return

		case <-heartbeat.C:
			c.Writer.WriteString(": keepalive\n\n")
			flusher.Flush()

		case <-events:
			current, err := h.snapshot(pollID, userID, authed)
			if err != nil {
				// Poll deleted mid-stream: tell subscribers and stop.
				c.Writer.WriteString("event: closed\ndata: {}\n\n")
				flusher.Flush()
				return
			}
			writeSnapshot(current)
		}
	}
}
