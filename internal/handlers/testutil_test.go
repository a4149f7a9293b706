package handlers

import (
	"bytes"
	"encoding/json"
	"net/http/httptest"
	"strconv"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/require"

	"github.com/emilythestrangee/pollhub/backend/internal/models"
	"github.com/emilythestrangee/pollhub/backend/internal/realtime"
)

func init() {
	gin.SetMode(gin.TestMode)
}

// testIdentity stands in for the JWT middleware: requests carry their
// user id in the X-Test-User header. The JWT path itself is covered by
// the middleware package tests.
func testIdentity() gin.HandlerFunc {
	return func(c *gin.Context) {
		if raw := c.GetHeader("X-Test-User"); raw != "" {
			if id, err := strconv.Atoi(raw); err == nil {
				c.Set("user_id", id)
			}
		}
		c.Next()
	}
}

func newTestRouter(hub *realtime.Hub) *gin.Engine {
	if hub == nil {
		hub = realtime.NewHub()
	}

	authH := NewAuthHandler(testDB)
	pollH := NewPollHandler(testDB)
	voteH := NewVoteHandler(testDB, testRaw)
	resultH := NewResultHandler(testDB, hub)

	r := gin.New()
	r.Use(testIdentity())

	api := r.Group("/api")
	{
		api.POST("/register", authH.Register)
		api.POST("/login", authH.Login)
		api.GET("/me", authH.GetMe)

		api.GET("/polls", pollH.GetPolls)
		api.POST("/polls", pollH.CreatePoll)
		api.GET("/polls/:id", pollH.GetPoll)
		api.PUT("/polls/:id", pollH.UpdatePoll)
		api.DELETE("/polls/:id", pollH.DeletePoll)
		api.POST("/polls/:id/close", pollH.ClosePoll)
		api.GET("/users/:id/polls", pollH.GetUserPolls)

		api.POST("/polls/:id/claim", voteH.ClaimVoterToken)
		api.POST("/polls/:id/vote", voteH.SubmitVote)
		api.DELETE("/polls/:id/vote", voteH.RetractVote)

		api.GET("/polls/:id/results", resultH.GetResults)
		api.GET("/polls/:id/live", resultH.LiveResults)
	}

	return r
}

func doJSON(t *testing.T, r *gin.Engine, method, path string, body interface{}, headers map[string]string) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}

	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)
	return w
}

func jsonUnmarshal(data []byte, v interface{}) error {
	return json.Unmarshal(data, v)
}

func asUser(id int) map[string]string {
	return map[string]string{"X-Test-User": strconv.Itoa(id)}
}

func createTestUser(t *testing.T, username string) models.User {
	t.Helper()

	user := models.User{
		Username: username,
		Email:    username + "@example.com",
		Password: "not-a-real-hash",
	}
	require.NoError(t, testDB.Create(&user).Error)
	return user
}

type pollOpts struct {
	visibility string
	multi      bool
	expiresAt  *time.Time
	options    []string
}

func createTestPoll(t *testing.T, creatorID int, opts pollOpts) models.Poll {
	t.Helper()

	if opts.visibility == "" {
		opts.visibility = models.VisibilityPublic
	}
	if opts.options == nil {
		opts.options = []string{"Red", "Green", "Blue"}
	}

	poll := models.Poll{
		Question:       "Favorite color?",
		CreatorID:      creatorID,
		Visibility:     opts.visibility,
		MultipleChoice: opts.multi,
		ExpiresAt:      opts.expiresAt,
	}
	for i, label := range opts.options {
		poll.Options = append(poll.Options, models.PollOption{Label: label, Position: i})
	}
	require.NoError(t, testDB.Create(&poll).Error)
	return poll
}

func optionVoteCount(t *testing.T, optionID int) int {
	t.Helper()

	var opt models.PollOption
	require.NoError(t, testDB.First(&opt, optionID).Error)
	return opt.VoteCount
}
