package models

import (
	"math"
	"time"

	"relay-service/internal/apperr"
)

// Poll is a bot poll with its options.
type Poll struct {
	ID              int          `db:"id" json:"id"`
	BotID           int          `db:"bot_id" json:"bot_id"`
	MessageID       int          `db:"message_id" json:"message_id"`
	Question        string       `db:"question" json:"question"`
	Anonymous       bool         `db:"is_anonymous" json:"is_anonymous"`
	MultipleAnswers bool         `db:"multiple_answers" json:"multiple_answers"`
	Closed          bool         `db:"is_closed" json:"is_closed"`
	TotalVotes      int          `db:"total_votes" json:"total_votes"`
	Options         []PollOption `db:"-" json:"options"`
}

// PollOption is a single answer of a poll.
type PollOption struct {
	PollID int    `db:"poll_id" json:"-"`
	Index  int    `db:"option_index" json:"index"`
	Text   string `db:"text" json:"text"`
	Votes  int    `db:"votes" json:"votes"`
}

// PollVote records one user choosing one option.
type PollVote struct {
	PollID      int       `db:"poll_id" json:"poll_id"`
	UserID      int       `db:"user_id" json:"user_id"`
	OptionIndex int       `db:"option_index" json:"option_index"`
	CreatedAt   time.Time `db:"created_at" json:"created_at"`
}

// ValidateVote checks a new vote against the user's previous option choices on the poll.
func ValidateVote(p Poll, previous []int, option int) error {
	if p.Closed {
		return apperr.Wrap(apperr.ErrInvalidState, "poll %d is closed", p.ID)
	}
	if option < 0 || option >= len(p.Options) {
		return apperr.Wrap(apperr.ErrValidation, "option %d out of range", option)
	}
	if !p.MultipleAnswers && len(previous) > 0 {
		return apperr.ErrAlreadyVoted
	}
	for _, idx := range previous {
		if idx == option {
			return apperr.ErrAlreadyVoted
		}
	}
	return nil
}

// PollResults is the aggregate broadcast after every vote.
type PollResults struct {
	PollID     int                `json:"poll_id"`
	MessageID  int                `json:"message_id"`
	Question   string             `json:"question"`
	TotalVotes int                `json:"total_votes"`
	Anonymous  bool               `json:"is_anonymous"`
	Options    []PollOptionResult `json:"options"`
}

// PollOptionResult is one option row in PollResults.
type PollOptionResult struct {
	Index   int     `json:"index"`
	Text    string  `json:"text"`
	Votes   int     `json:"votes"`
	Percent float64 `json:"percent"`
	Voters  []int   `json:"voters,omitempty"`
}

// BuildPollResults aggregates counts and percentages. Voters are only listed for public polls.
func BuildPollResults(p Poll, votes []PollVote) PollResults {
	res := PollResults{
		PollID:     p.ID,
		MessageID:  p.MessageID,
		Question:   p.Question,
		TotalVotes: p.TotalVotes,
		Anonymous:  p.Anonymous,
		Options:    make([]PollOptionResult, 0, len(p.Options)),
	}
	for _, opt := range p.Options {
		row := PollOptionResult{Index: opt.Index, Text: opt.Text, Votes: opt.Votes}
		if p.TotalVotes > 0 {
			row.Percent = math.Round(float64(opt.Votes)*1000/float64(p.TotalVotes)) / 10
		}
		if !p.Anonymous {
			for _, v := range votes {
				if v.OptionIndex == opt.Index {
					row.Voters = append(row.Voters, v.UserID)
				}
			}
		}
		res.Options = append(res.Options, row)
	}
	return res
}
