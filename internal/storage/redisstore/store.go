// Package redisstore persists polls, ballots and per-chat module settings in
// Redis. Every multi-key mutation runs inside a MULTI/EXEC transaction so a
// reader never observes a half-applied vote.
package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"d7bot/internal/domain/poll"
	boterrors "d7bot/internal/errors"
)

const watchAttempts = 5

// Store is the Redis-backed vote store.
type Store struct {
	client redis.UniversalClient
	keys   keyspace
}

// New builds a Store on top of client. An empty prefix selects DefaultKeyPrefix.
func New(client redis.UniversalClient, prefix string) (*Store, error) {
	if client == nil {
		return nil, errors.New("redis store requires client")
	}
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		prefix = DefaultKeyPrefix
	}
	return &Store{client: client, keys: keyspace{prefix: prefix}}, nil
}

// Ping checks connectivity.
func (s *Store) Ping(ctx context.Context) error {
	return boterrors.NewStorageUnavailable("ping", s.client.Ping(ctx).Err())
}

// CastVote records ballot as the voter's only selection for the poll and
// returns the resulting tally. Removal from the other options, insertion into
// the selected one and the tally read happen in one transaction, guarded by a
// WATCH on the poll metadata: a poll deleted before the transaction commits
// yields ErrPollNotFound and no ballot keys are written.
// The voter's display metadata is overwritten on every vote; the first vote
// time is kept separately and orders the tally.
// retainUntil, when non-zero, becomes the absolute expiry of the ballot keys.
func (s *Store) CastVote(ctx context.Context, key poll.Key, ballot poll.Ballot, optionCount int, retainUntil time.Time) (poll.VoteResult, error) {
	if ballot.Option < 0 || ballot.Option >= optionCount {
		return poll.VoteResult{}, fmt.Errorf("%w: option %d out of range [0,%d)", boterrors.ErrInvalidPoll, ballot.Option, optionCount)
	}
	voterID := strconv.FormatInt(ballot.Voter.ID, 10)
	voterJSON, err := json.Marshal(ballot.Voter)
	if err != nil {
		return poll.VoteResult{}, fmt.Errorf("encode voter: %w", err)
	}

	var (
		removed []*redis.IntCmd
		added   *redis.IntCmd
		reads   tallyReads
	)
	txf := func(tx *redis.Tx) error {
		removed = removed[:0]
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			for i := 0; i < optionCount; i++ {
				if i == ballot.Option {
					continue
				}
				removed = append(removed, pipe.SRem(ctx, s.keys.option(key, i), voterID))
			}
			added = pipe.SAdd(ctx, s.keys.option(key, ballot.Option), voterID)
			pipe.HSet(ctx, s.keys.voters(key), voterID, voterJSON)
			pipe.HSetNX(ctx, s.keys.votedAt(key), voterID, ballot.Voter.VotedAt.UnixMilli())
			if !retainUntil.IsZero() {
				for _, k := range s.keys.ballots(key, optionCount) {
					pipe.ExpireAt(ctx, k, retainUntil)
				}
			}
			reads = s.queueTallyReads(ctx, pipe, key, optionCount)
			return nil
		})
		return err
	}

	err = s.watchPoll(ctx, s.keys.meta(key), txf)
	switch {
	case errors.Is(err, boterrors.ErrPollNotFound):
		return poll.VoteResult{}, fmt.Errorf("%w: %s", boterrors.ErrPollNotFound, key)
	case err != nil:
		return poll.VoteResult{}, boterrors.NewStorageUnavailable("cast vote", err)
	}

	changed := added.Val() > 0
	for _, cmd := range removed {
		if cmd.Val() > 0 {
			changed = true
		}
	}
	return poll.VoteResult{Changed: changed, Tally: reads.tally()}, nil
}

// ReadTally returns the current voters of every option.
func (s *Store) ReadTally(ctx context.Context, key poll.Key, optionCount int) (poll.Tally, error) {
	var reads tallyReads
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		reads = s.queueTallyReads(ctx, pipe, key, optionCount)
		return nil
	})
	if err != nil {
		return nil, boterrors.NewStorageUnavailable("read tally", err)
	}
	return reads.tally(), nil
}

// ClearVotes removes every ballot of the poll, keeping its metadata.
func (s *Store) ClearVotes(ctx context.Context, key poll.Key, optionCount int) error {
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, s.keys.ballots(key, optionCount)...)
		return nil
	})
	return boterrors.NewStorageUnavailable("clear votes", err)
}

type tallyReads struct {
	members []*redis.StringSliceCmd
	voters  *redis.MapStringStringCmd
	votedAt *redis.MapStringStringCmd
}

func (s *Store) queueTallyReads(ctx context.Context, pipe redis.Pipeliner, key poll.Key, optionCount int) tallyReads {
	reads := tallyReads{members: make([]*redis.StringSliceCmd, optionCount)}
	for i := 0; i < optionCount; i++ {
		reads.members[i] = pipe.SMembers(ctx, s.keys.option(key, i))
	}
	reads.voters = pipe.HGetAll(ctx, s.keys.voters(key))
	reads.votedAt = pipe.HGetAll(ctx, s.keys.votedAt(key))
	return reads
}

func (r tallyReads) tally() poll.Tally {
	meta := r.voters.Val()
	firstVote := r.votedAt.Val()
	tally := make(poll.Tally, len(r.members))
	for i, cmd := range r.members {
		ids := cmd.Val()
		voters := make([]poll.Voter, 0, len(ids))
		for _, raw := range ids {
			voters = append(voters, decodeVoter(raw, meta[raw], firstVote[raw]))
		}
		sort.SliceStable(voters, func(a, b int) bool {
			if !voters[a].VotedAt.Equal(voters[b].VotedAt) {
				return voters[a].VotedAt.Before(voters[b].VotedAt)
			}
			return voters[a].ID < voters[b].ID
		})
		tally[i] = voters
	}
	return tally
}

func decodeVoter(rawID, rawJSON, rawVotedAt string) poll.Voter {
	var voter poll.Voter
	if rawJSON != "" {
		_ = json.Unmarshal([]byte(rawJSON), &voter)
	}
	if id, err := strconv.ParseInt(rawID, 10, 64); err == nil {
		voter.ID = id
	}
	if ms, err := strconv.ParseInt(rawVotedAt, 10, 64); err == nil {
		voter.VotedAt = time.UnixMilli(ms)
	}
	return voter
}
