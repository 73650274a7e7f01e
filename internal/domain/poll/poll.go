// Package poll holds the data model shared by the vote store, the poll
// registry and the feature modules that own poll types.
package poll

import (
	"encoding/json"
	"fmt"
	"strings"
	"time"

	boterrors "d7bot/internal/errors"
)

// MinOptions is the smallest number of selectable options a poll may have.
const MinOptions = 2

// Kind identifies which outcome handler owns a poll.
type Kind struct {
	Module string
	Type   string
}

func (k Kind) String() string {
	return k.Module + ":" + k.Type
}

// Payload is the feature-defined content of a poll. Option order is
// significant: the index is the vote selector.
type Payload struct {
	Type    string          `json:"type"`
	Message string          `json:"message"`
	Options []string        `json:"options"`
	Data    json.RawMessage `json:"data,omitempty"`
}

// Validate checks the structural requirements every poll must meet.
func (p Payload) Validate() error {
	if strings.TrimSpace(p.Type) == "" {
		return fmt.Errorf("%w: empty type", boterrors.ErrInvalidPoll)
	}
	if strings.TrimSpace(p.Message) == "" {
		return fmt.Errorf("%w: empty message", boterrors.ErrInvalidPoll)
	}
	if len(p.Options) < MinOptions {
		return fmt.Errorf("%w: need at least %d options, got %d", boterrors.ErrInvalidPoll, MinOptions, len(p.Options))
	}
	for i, opt := range p.Options {
		if strings.TrimSpace(opt) == "" {
			return fmt.Errorf("%w: option %d is empty", boterrors.ErrInvalidPoll, i)
		}
	}
	return nil
}

// Key scopes a poll to its chat.
type Key struct {
	ChatID int64
	PollID int64
}

func (k Key) String() string {
	return fmt.Sprintf("%d/%d", k.ChatID, k.PollID)
}

// Poll is the persisted metadata of an active poll.
type Poll struct {
	ID         int64
	ChatID     int64
	Module     string
	Payload    Payload
	Anonymous  bool
	CreatedAt  time.Time
	ExpiresAt  time.Time
	MessageID  int
	RepostedAt time.Time
}

func (p Poll) Key() Key {
	return Key{ChatID: p.ChatID, PollID: p.ID}
}

func (p Poll) Kind() Kind {
	return Kind{Module: p.Module, Type: p.Payload.Type}
}

func (p Poll) OptionCount() int {
	return len(p.Payload.Options)
}

// Expired reports whether the deadline has been reached at now.
func (p Poll) Expired(now time.Time) bool {
	return !now.Before(p.ExpiresAt)
}

// LastPostedAt is the time the currently displayed message was sent.
func (p Poll) LastPostedAt() time.Time {
	if p.RepostedAt.After(p.CreatedAt) {
		return p.RepostedAt
	}
	return p.CreatedAt
}

// Voter is the display metadata recorded with a ballot. Name and Username
// follow the latest vote; in a tally VotedAt is the voter's first vote.
type Voter struct {
	ID       int64     `json:"id"`
	Username string    `json:"username,omitempty"`
	Name     string    `json:"name"`
	VotedAt  time.Time `json:"voted_at"`
}

// Ballot is one voter's selection.
type Ballot struct {
	Voter  Voter
	Option int
}

// Tally lists the current voters of every option, indexed like Payload.Options.
type Tally [][]Voter

// Count returns the number of voters for option, zero when out of range.
func (t Tally) Count(option int) int {
	if option < 0 || option >= len(t) {
		return 0
	}
	return len(t[option])
}

// Total returns the number of ballots across all options.
func (t Tally) Total() int {
	total := 0
	for _, voters := range t {
		total += len(voters)
	}
	return total
}

// OptionOf returns the option voterID currently selects, or -1.
func (t Tally) OptionOf(voterID int64) int {
	for idx, voters := range t {
		for _, v := range voters {
			if v.ID == voterID {
				return idx
			}
		}
	}
	return -1
}

// VoteResult is the outcome of casting a ballot.
type VoteResult struct {
	// Changed is true for a first vote or a switch between options.
	Changed bool
	Tally   Tally
}
