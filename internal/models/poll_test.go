package models

import (
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"relay-service/internal/apperr"
)

func samplePoll() Poll {
	return Poll{
		ID:        7,
		MessageID: 70,
		Question:  "lunch?",
		Options: []PollOption{
			{PollID: 7, Index: 0, Text: "pizza"},
			{PollID: 7, Index: 1, Text: "sushi"},
			{PollID: 7, Index: 2, Text: "salad"},
		},
	}
}

func TestValidateVote(t *testing.T) {
	single := samplePoll()
	multi := samplePoll()
	multi.MultipleAnswers = true
	closed := samplePoll()
	closed.Closed = true

	tests := []struct {
		name     string
		poll     Poll
		previous []int
		option   int
		want     *apperr.Error
	}{
		{name: "first vote", poll: single, option: 1},
		{name: "single answer second option", poll: single, previous: []int{0}, option: 1, want: apperr.ErrAlreadyVoted},
		{name: "same option twice", poll: multi, previous: []int{2}, option: 2, want: apperr.ErrAlreadyVoted},
		{name: "multi answer new option", poll: multi, previous: []int{0}, option: 1},
		{name: "out of range", poll: single, option: 3, want: apperr.ErrValidation},
		{name: "negative", poll: single, option: -1, want: apperr.ErrValidation},
		{name: "closed", poll: closed, option: 0, want: apperr.ErrInvalidState},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			err := ValidateVote(tc.poll, tc.previous, tc.option)
			if tc.want == nil {
				assert.NoError(t, err)
				return
			}
			assert.True(t, errors.Is(err, tc.want), "got %v", err)
		})
	}
}

func TestBuildPollResultsPercentages(t *testing.T) {
	p := samplePoll()
	p.Options[0].Votes = 1
	p.Options[1].Votes = 2
	p.TotalVotes = 3
	votes := []PollVote{
		{PollID: 7, UserID: 10, OptionIndex: 0},
		{PollID: 7, UserID: 11, OptionIndex: 1},
		{PollID: 7, UserID: 12, OptionIndex: 1},
	}

	res := BuildPollResults(p, votes)

	require.Len(t, res.Options, 3)
	assert.Equal(t, 33.3, res.Options[0].Percent)
	assert.Equal(t, 66.7, res.Options[1].Percent)
	assert.Equal(t, 0.0, res.Options[2].Percent)
	assert.Equal(t, []int{11, 12}, res.Options[1].Voters)
}

func TestBuildPollResultsAnonymous(t *testing.T) {
	p := samplePoll()
	p.Anonymous = true
	p.Options[2].Votes = 1
	p.TotalVotes = 1

	res := BuildPollResults(p, []PollVote{{PollID: 7, UserID: 10, OptionIndex: 2}})

	assert.Equal(t, 100.0, res.Options[2].Percent)
	for _, opt := range res.Options {
		assert.Empty(t, opt.Voters)
	}
}

func TestChatRoomIsSymmetric(t *testing.T) {
	assert.Equal(t, ChatRoom(3, 9), ChatRoom(9, 3))
	assert.Equal(t, "chat:3:9", ChatRoom(9, 3))
}
