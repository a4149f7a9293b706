package handlers

import (
	"fmt"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/emilythestrangee/pollhub/backend/internal/models"
)

func votePath(pollID int) string {
	return fmt.Sprintf("/api/polls/%d/vote", pollID)
}

func TestSubmitVoteSingleChoice(t *testing.T) {
	cleanTables(t)
	r := newTestRouter(nil)

	creator := createTestUser(t, "creator")
	voter := createTestUser(t, "voter")
	poll := createTestPoll(t, creator.ID, pollOpts{})

	body := models.SubmitVoteRequest{OptionIDs: []int{poll.Options[0].ID}}

	w := doJSON(t, r, http.MethodPost, votePath(poll.ID), body, asUser(voter.ID))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	// Trigger maintained the denormalized count
	assert.Equal(t, 1, optionVoteCount(t, poll.Options[0].ID))
	assert.Equal(t, 0, optionVoteCount(t, poll.Options[1].ID))

	// Second vote from the same user hits the unique index
	w = doJSON(t, r, http.MethodPost, votePath(poll.ID), body, asUser(voter.ID))
	assert.Equal(t, http.StatusConflict, w.Code)

	// Even for a different option in a single-choice poll
	other := models.SubmitVoteRequest{OptionIDs: []int{poll.Options[1].ID}}
	w = doJSON(t, r, http.MethodPost, votePath(poll.ID), other, asUser(voter.ID))
	assert.Equal(t, http.StatusConflict, w.Code)

	assert.Equal(t, 1, optionVoteCount(t, poll.Options[0].ID))
}

func TestSubmitVoteSingleChoiceRejectsMultipleOptions(t *testing.T) {
	cleanTables(t)
	r := newTestRouter(nil)

	creator := createTestUser(t, "creator")
	voter := createTestUser(t, "voter")
	poll := createTestPoll(t, creator.ID, pollOpts{})

	body := models.SubmitVoteRequest{OptionIDs: []int{poll.Options[0].ID, poll.Options[1].ID}}
	w := doJSON(t, r, http.MethodPost, votePath(poll.ID), body, asUser(voter.ID))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestSubmitVoteMultipleChoice(t *testing.T) {
	cleanTables(t)
	r := newTestRouter(nil)

	creator := createTestUser(t, "creator")
	voter := createTestUser(t, "voter")
	poll := createTestPoll(t, creator.ID, pollOpts{multi: true})

	body := models.SubmitVoteRequest{OptionIDs: []int{poll.Options[0].ID, poll.Options[1].ID}}
	w := doJSON(t, r, http.MethodPost, votePath(poll.ID), body, asUser(voter.ID))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())

	assert.Equal(t, 1, optionVoteCount(t, poll.Options[0].ID))
	assert.Equal(t, 1, optionVoteCount(t, poll.Options[1].ID))

	// Same option again: duplicate per (poll, option, voter)
	dup := models.SubmitVoteRequest{OptionIDs: []int{poll.Options[0].ID}}
	w = doJSON(t, r, http.MethodPost, votePath(poll.ID), dup, asUser(voter.ID))
	assert.Equal(t, http.StatusConflict, w.Code)

	// A not-yet-voted option is still allowed
	extra := models.SubmitVoteRequest{OptionIDs: []int{poll.Options[2].ID}}
	w = doJSON(t, r, http.MethodPost, votePath(poll.ID), extra, asUser(voter.ID))
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestSubmitVoteRepeatedOptionInRequest(t *testing.T) {
	cleanTables(t)
	r := newTestRouter(nil)

	creator := createTestUser(t, "creator")
	voter := createTestUser(t, "voter")
	poll := createTestPoll(t, creator.ID, pollOpts{multi: true})

	// Deduplicated before insert, so this is one vote, not a conflict
	body := models.SubmitVoteRequest{OptionIDs: []int{poll.Options[0].ID, poll.Options[0].ID}}
	w := doJSON(t, r, http.MethodPost, votePath(poll.ID), body, asUser(voter.ID))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, 1, optionVoteCount(t, poll.Options[0].ID))
}

func TestSubmitVoteForeignOption(t *testing.T) {
	cleanTables(t)
	r := newTestRouter(nil)

	creator := createTestUser(t, "creator")
	voter := createTestUser(t, "voter")
	poll := createTestPoll(t, creator.ID, pollOpts{})
	otherPoll := createTestPoll(t, creator.ID, pollOpts{})

	body := models.SubmitVoteRequest{OptionIDs: []int{otherPoll.Options[0].ID}}
	w := doJSON(t, r, http.MethodPost, votePath(poll.ID), body, asUser(voter.ID))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

func TestSubmitVoteExpiredPoll(t *testing.T) {
	cleanTables(t)
	r := newTestRouter(nil)

	creator := createTestUser(t, "creator")
	voter := createTestUser(t, "voter")
	past := time.Now().Add(-time.Hour)
	poll := createTestPoll(t, creator.ID, pollOpts{expiresAt: &past})

	body := models.SubmitVoteRequest{OptionIDs: []int{poll.Options[0].ID}}
	w := doJSON(t, r, http.MethodPost, votePath(poll.ID), body, asUser(voter.ID))
	assert.Equal(t, http.StatusGone, w.Code)
}

func TestSubmitVotePrivatePoll(t *testing.T) {
	cleanTables(t)
	r := newTestRouter(nil)

	creator := createTestUser(t, "creator")
	stranger := createTestUser(t, "stranger")
	poll := createTestPoll(t, creator.ID, pollOpts{visibility: models.VisibilityPrivate})

	body := models.SubmitVoteRequest{OptionIDs: []int{poll.Options[0].ID}}

	// Invisible to other users: missing, not forbidden
	w := doJSON(t, r, http.MethodPost, votePath(poll.ID), body, asUser(stranger.ID))
	assert.Equal(t, http.StatusNotFound, w.Code)

	// The creator can vote on their own private poll
	w = doJSON(t, r, http.MethodPost, votePath(poll.ID), body, asUser(creator.ID))
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestSubmitVoteAnonymous(t *testing.T) {
	cleanTables(t)
	r := newTestRouter(nil)

	creator := createTestUser(t, "creator")
	poll := createTestPoll(t, creator.ID, pollOpts{})

	body := models.SubmitVoteRequest{OptionIDs: []int{poll.Options[0].ID}}

	// No identity at all
	w := doJSON(t, r, http.MethodPost, votePath(poll.ID), body, nil)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// A token the server never issued is rejected too
	minted := map[string]string{"X-Voter-Token": "self-minted-token"}
	w = doJSON(t, r, http.MethodPost, votePath(poll.ID), body, minted)
	assert.Equal(t, http.StatusUnauthorized, w.Code)

	// Claim a voter token first
	w = doJSON(t, r, http.MethodPost, fmt.Sprintf("/api/polls/%d/claim", poll.ID), nil, nil)
	require.Equal(t, http.StatusCreated, w.Code)

	var claim models.ClaimVoterTokenResponse
	require.NoError(t, jsonUnmarshal(w.Body.Bytes(), &claim))
	require.NotEmpty(t, claim.VoterToken)

	// The claim is on record, bound to this poll
	var stored models.VoterClaim
	require.NoError(t, testDB.Where("token = ?", claim.VoterToken).First(&stored).Error)
	assert.Equal(t, poll.ID, stored.PollID)

	headers := map[string]string{"X-Voter-Token": claim.VoterToken}
	w = doJSON(t, r, http.MethodPost, votePath(poll.ID), body, headers)
	assert.Equal(t, http.StatusCreated, w.Code)

	// Same token cannot vote twice
	w = doJSON(t, r, http.MethodPost, votePath(poll.ID), body, headers)
	assert.Equal(t, http.StatusConflict, w.Code)

	// Nor can it be carried over to a different poll
	other := createTestPoll(t, creator.ID, pollOpts{})
	otherBody := models.SubmitVoteRequest{OptionIDs: []int{other.Options[0].ID}}
	w = doJSON(t, r, http.MethodPost, votePath(other.ID), otherBody, headers)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestRetractVote(t *testing.T) {
	cleanTables(t)
	r := newTestRouter(nil)

	creator := createTestUser(t, "creator")
	voter := createTestUser(t, "voter")
	poll := createTestPoll(t, creator.ID, pollOpts{})

	body := models.SubmitVoteRequest{OptionIDs: []int{poll.Options[0].ID}}
	w := doJSON(t, r, http.MethodPost, votePath(poll.ID), body, asUser(voter.ID))
	require.Equal(t, http.StatusCreated, w.Code)
	require.Equal(t, 1, optionVoteCount(t, poll.Options[0].ID))

	// Retract puts the count back
	w = doJSON(t, r, http.MethodDelete, votePath(poll.ID), nil, asUser(voter.ID))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, optionVoteCount(t, poll.Options[0].ID))

	// Nothing left to retract
	w = doJSON(t, r, http.MethodDelete, votePath(poll.ID), nil, asUser(voter.ID))
	assert.Equal(t, http.StatusNotFound, w.Code)

	// And voting again is allowed
	w = doJSON(t, r, http.MethodPost, votePath(poll.ID), body, asUser(voter.ID))
	assert.Equal(t, http.StatusCreated, w.Code)
}

func TestRetractVotePrivatePoll(t *testing.T) {
	cleanTables(t)
	r := newTestRouter(nil)

	creator := createTestUser(t, "creator")
	stranger := createTestUser(t, "stranger")
	poll := createTestPoll(t, creator.ID, pollOpts{visibility: models.VisibilityPrivate})

	body := models.SubmitVoteRequest{OptionIDs: []int{poll.Options[0].ID}}
	w := doJSON(t, r, http.MethodPost, votePath(poll.ID), body, asUser(creator.ID))
	require.Equal(t, http.StatusCreated, w.Code)

	// Retraction answers like every other read: the poll does not
	// exist for anyone but its creator.
	w = doJSON(t, r, http.MethodDelete, votePath(poll.ID), nil, asUser(stranger.ID))
	assert.Equal(t, http.StatusNotFound, w.Code)
	assert.Contains(t, w.Body.String(), "Poll not found")
	assert.Equal(t, 1, optionVoteCount(t, poll.Options[0].ID))

	w = doJSON(t, r, http.MethodDelete, votePath(poll.ID), nil, asUser(creator.ID))
	assert.Equal(t, http.StatusOK, w.Code)
	assert.Equal(t, 0, optionVoteCount(t, poll.Options[0].ID))

	// Even once expired: 404 before 410, so strangers learn nothing
	past := time.Now().Add(-time.Hour)
	closed := createTestPoll(t, creator.ID, pollOpts{visibility: models.VisibilityPrivate, expiresAt: &past})
	w = doJSON(t, r, http.MethodDelete, votePath(closed.ID), nil, asUser(stranger.ID))
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestRetractVoteUnclaimedToken(t *testing.T) {
	cleanTables(t)
	r := newTestRouter(nil)

	creator := createTestUser(t, "creator")
	poll := createTestPoll(t, creator.ID, pollOpts{})

	minted := map[string]string{"X-Voter-Token": "self-minted-token"}
	w := doJSON(t, r, http.MethodDelete, votePath(poll.ID), nil, minted)
	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSubmitVoteStoredProcedure(t *testing.T) {
	cleanTables(t)
	t.Setenv("VOTE_SUBMIT_PROC", "1")
	r := newTestRouter(nil)

	creator := createTestUser(t, "creator")
	voter := createTestUser(t, "voter")
	poll := createTestPoll(t, creator.ID, pollOpts{})
	past := time.Now().Add(-time.Hour)
	expired := createTestPoll(t, creator.ID, pollOpts{expiresAt: &past})
	private := createTestPoll(t, creator.ID, pollOpts{visibility: models.VisibilityPrivate})

	body := models.SubmitVoteRequest{OptionIDs: []int{poll.Options[0].ID}}

	w := doJSON(t, r, http.MethodPost, votePath(poll.ID), body, asUser(voter.ID))
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	assert.Equal(t, 1, optionVoteCount(t, poll.Options[0].ID))

	// The function surfaces the same error taxonomy as the query path
	w = doJSON(t, r, http.MethodPost, votePath(poll.ID), body, asUser(voter.ID))
	assert.Equal(t, http.StatusConflict, w.Code)

	w = doJSON(t, r, http.MethodPost, votePath(99999), body, asUser(voter.ID))
	assert.Equal(t, http.StatusNotFound, w.Code)

	expiredBody := models.SubmitVoteRequest{OptionIDs: []int{expired.Options[0].ID}}
	w = doJSON(t, r, http.MethodPost, votePath(expired.ID), expiredBody, asUser(voter.ID))
	assert.Equal(t, http.StatusGone, w.Code)

	privateBody := models.SubmitVoteRequest{OptionIDs: []int{private.Options[0].ID}}
	w = doJSON(t, r, http.MethodPost, votePath(private.ID), privateBody, asUser(voter.ID))
	assert.Equal(t, http.StatusNotFound, w.Code)

	foreign := models.SubmitVoteRequest{OptionIDs: []int{expired.Options[1].ID}}
	w = doJSON(t, r, http.MethodPost, votePath(poll.ID), foreign, asUser(voter.ID))
	assert.Equal(t, http.StatusUnprocessableEntity, w.Code)
}

// The unique index is the arbiter for concurrent duplicates: exactly
// one of the racing submissions may win.
func TestSubmitVoteConcurrentDuplicates(t *testing.T) {
	cleanTables(t)
	r := newTestRouter(nil)

	creator := createTestUser(t, "creator")
	voter := createTestUser(t, "voter")
	poll := createTestPoll(t, creator.ID, pollOpts{})

	body := models.SubmitVoteRequest{OptionIDs: []int{poll.Options[0].ID}}

	const attempts = 8
	codes := make([]int, attempts)
	var wg sync.WaitGroup
	for i := 0; i < attempts; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			w := doJSON(t, r, http.MethodPost, votePath(poll.ID), body, asUser(voter.ID))
			codes[i] = w.Code
		}(i)
	}
	wg.Wait()

	created := 0
	for _, code := range codes {
		switch code {
		case http.StatusCreated:
			created++
		case http.StatusConflict:
		default:
			t.Fatalf("unexpected status %d", code)
		}
	}

	assert.Equal(t, 1, created)
	assert.Equal(t, 1, optionVoteCount(t, poll.Options[0].ID))
}
