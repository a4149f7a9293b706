package handlers

import (
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/lib/pq"
	"gorm.io/gorm"

	"github.com/emilythestrangee/pollhub/backend/internal/models"
)

// SQLSTATEs raised by the submit_vote function, plus the standard
// unique-violation code raised by the duplicate-vote indexes.
const (
	codeUniqueViolation = "23505"
	codePollNotFound    = "PH404"
	codePollExpired     = "PH410"
	codeBadOption       = "PH422"
)

type VoteHandler struct {
	db  *gorm.DB
	raw *sql.DB

	// useProc selects the single-round-trip submit_vote path instead
	// of the per-check application path.
	useProc bool
}

func NewVoteHandler(db *gorm.DB, raw *sql.DB) *VoteHandler {
	return &VoteHandler{
		db:      db,
		raw:     raw,
		useProc: os.Getenv("VOTE_SUBMIT_PROC") == "1",
	}
}

// pgErrorCode extracts the SQLSTATE from either driver in use: gorm
// runs on pgx, the raw schema/procedure connection on lib/pq.
func pgErrorCode(err error) string {
	var pgxErr *pgconn.PgError
	if errors.As(err, &pgxErr) {
		return pgxErr.Code
	}
	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		return string(pqErr.Code)
	}
	return ""
}

// voterIdentity resolves who is voting: the authenticated user, or an
// anonymous participant presenting a claimed voter token.
func voterIdentity(c *gin.Context) (voterKey string, userID *int, ok bool) {
	if id, authed := extractUserID(c); authed {
		return fmt.Sprintf("user:%d", id), &id, true
	}
	if token := c.GetHeader("X-Voter-Token"); token != "" {
		return "anon:" + token, nil, true
	}
	return "", nil, false
}

func dedupeOptionIDs(ids []int) []int {
	seen := make(map[int]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}

// claimExists reports whether an anonymous token was issued for this
// poll. Unclaimed tokens are rejected so an anonymous caller cannot
// mint a fresh identity per request.
func (h *VoteHandler) claimExists(pollID, token string) bool {
	if token == "" {
		return false
	}
	var claim models.VoterClaim
	return h.db.Where("poll_id = ? AND token = ?", pollID, token).First(&claim).Error == nil
}

// ClaimVoterToken issues an anonymous voting identity for a poll.
// The stored claim binds the token to the poll; the duplicate-vote
// indexes key on it the same way they key on user ids.
func (h *VoteHandler) ClaimVoterToken(c *gin.Context) {
	pollID := c.Param("id")

	var poll models.Poll
	if err := h.db.First(&poll, pollID).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Poll not found"})
		return
	}

	userID, authed := extractUserID(c)
	if !visibleTo(&poll, userID, authed) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Poll not found"})
		return
	}

	if poll.Expired(time.Now()) {
		c.JSON(http.StatusGone, gin.H{"error": "Poll is closed"})
		return
	}

	claim := models.VoterClaim{
		PollID: poll.ID,
		Token:  uuid.NewString(),
	}
	if err := h.db.Create(&claim).Error; err != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to claim voter token"})
		return
	}

	c.JSON(http.StatusCreated, models.ClaimVoterTokenResponse{
		VoterToken: claim.Token,
	})
}

// SubmitVote records a vote for one or more options. Works for
// authenticated users and anonymous voters with a claimed token.
func (h *VoteHandler) SubmitVote(c *gin.Context) {
	pollID := c.Param("id")

	voterKey, userID, ok := voterIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication or X-Voter-Token required"})
		return
	}

	var input models.SubmitVoteRequest
	if err := c.ShouldBindJSON(&input); err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		return
	}

	input.OptionIDs = dedupeOptionIDs(input.OptionIDs)
	if len(input.OptionIDs) == 0 {
		c.JSON(http.StatusBadRequest, gin.H{"error": "option_ids cannot be empty"})
		return
	}

	// Anonymous identities must have been claimed for this poll
	if userID == nil && !h.claimExists(pollID, c.GetHeader("X-Voter-Token")) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid voter token for this poll"})
		return
	}

	var err error
	if h.useProc {
		err = h.submitViaProc(pollID, input.OptionIDs, voterKey, userID)
	} else {
		err = h.submitViaQueries(pollID, input.OptionIDs, voterKey, userID)
	}

	if err != nil {
		h.writeVoteError(c, err)
		return
	}

	slog.Info("vote recorded", "poll_id", pollID, "options", len(input.OptionIDs))
	c.JSON(http.StatusCreated, gin.H{"message": "Vote recorded"})
}

// submitViaQueries is the application-side path: each check is its own
// query inside one transaction. The unique indexes still decide races,
// and the trigger still maintains the counts.
func (h *VoteHandler) submitViaQueries(pollID string, optionIDs []int, voterKey string, userID *int) error {
	return h.db.Transaction(func(tx *gorm.DB) error {
		var poll models.Poll
		if err := tx.First(&poll, pollID).Error; err != nil {
			if errors.Is(err, gorm.ErrRecordNotFound) {
				return errPollNotFound
			}
			return err
		}

		authed := userID != nil
		var uid int
		if authed {
			uid = *userID
		}
		if !visibleTo(&poll, uid, authed) {
			return errPollNotFound
		}

		if poll.Expired(time.Now()) {
			return errPollExpired
		}

		if !poll.MultipleChoice && len(optionIDs) != 1 {
			return errBadOption
		}

		var count int64
		if err := tx.Model(&models.PollOption{}).
			Where("poll_id = ? AND id IN ?", poll.ID, optionIDs).
			Count(&count).Error; err != nil {
			return err
		}
		if int(count) != len(optionIDs) {
			return errBadOption
		}

		for _, optionID := range optionIDs {
			vote := models.Vote{
				PollID:       poll.ID,
				OptionID:     optionID,
				VoterKey:     voterKey,
				UserID:       userID,
				SingleChoice: !poll.MultipleChoice,
			}
			if err := tx.Create(&vote).Error; err != nil {
				return err
			}
		}
		return nil
	})
}

// submitViaProc is the single-round-trip path: all checks and inserts
// happen inside the submit_vote function.
func (h *VoteHandler) submitViaProc(pollID string, optionIDs []int, voterKey string, userID *int) error {
	var inserted int
	err := h.raw.QueryRow(
		`SELECT submit_vote($1, $2, $3, $4)`,
		pollID, pq.Array(optionIDs), voterKey, userID,
	).Scan(&inserted)
	return err
}

var (
	errPollNotFound = errors.New("poll not found")
	errPollExpired  = errors.New("poll expired")
	errBadOption    = errors.New("invalid options")
)

func (h *VoteHandler) writeVoteError(c *gin.Context, err error) {
	code := pgErrorCode(err)
	switch {
	case errors.Is(err, errPollNotFound) || code == codePollNotFound:
		c.JSON(http.StatusNotFound, gin.H{"error": "Poll not found"})
	case errors.Is(err, errPollExpired) || code == codePollExpired:
		c.JSON(http.StatusGone, gin.H{"error": "Poll is closed"})
	case errors.Is(err, errBadOption):
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "Options do not match the poll"})
	case code == codeBadOption:
		c.JSON(http.StatusUnprocessableEntity, gin.H{"error": "Options do not match the poll"})
	case code == codeUniqueViolation:
		c.JSON(http.StatusConflict, gin.H{"error": "You have already voted"})
	default:
		slog.Error("vote submission failed", "error", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to record vote"})
	}
}

// RetractVote removes the caller's vote(s) on an open poll. The
// trigger decrements the counts.
func (h *VoteHandler) RetractVote(c *gin.Context) {
	pollID := c.Param("id")

	voterKey, userID, ok := voterIdentity(c)
	if !ok {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Authentication or X-Voter-Token required"})
		return
	}

	var poll models.Poll
	if err := h.db.First(&poll, pollID).Error; err != nil {
		c.JSON(http.StatusNotFound, gin.H{"error": "Poll not found"})
		return
	}

	// Same visibility rule as submission: private polls stay missing,
	// not forbidden or closed, for everyone but their creator.
	authed := userID != nil
	var uid int
	if authed {
		uid = *userID
	}
	if !visibleTo(&poll, uid, authed) {
		c.JSON(http.StatusNotFound, gin.H{"error": "Poll not found"})
		return
	}

	if poll.Expired(time.Now()) {
		c.JSON(http.StatusGone, gin.H{"error": "Poll is closed"})
		return
	}

	if userID == nil && !h.claimExists(pollID, c.GetHeader("X-Voter-Token")) {
		c.JSON(http.StatusUnauthorized, gin.H{"error": "Invalid voter token for this poll"})
		return
	}

	result := h.db.Where("poll_id = ? AND voter_key = ?", poll.ID, voterKey).Delete(&models.Vote{})
	if result.Error != nil {
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to retract vote"})
		return
	}
	if result.RowsAffected == 0 {
		c.JSON(http.StatusNotFound, gin.H{"error": "No vote to retract"})
		return
	}

	c.JSON(http.StatusOK, gin.H{"message": "Vote retracted"})
}
