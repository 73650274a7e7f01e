package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"

	"d7bot/internal/domain/poll"
	boterrors "d7bot/internal/errors"
)

const (
	fieldModule     = "module"
	fieldType       = "type"
	fieldMessage    = "message"
	fieldOptions    = "options"
	fieldData       = "data"
	fieldAnonymous  = "anonymous"
	fieldCreatedAt  = "created_at"
	fieldExpiresAt  = "expires_at"
	fieldMessageID  = "message_id"
	fieldRepostedAt = "reposted_at"
)

// SavePoll writes the poll metadata. retainUntil, when non-zero, is the
// absolute expiry applied to the metadata hash.
func (s *Store) SavePoll(ctx context.Context, p poll.Poll, retainUntil time.Time) error {
	fields, err := encodePoll(p)
	if err != nil {
		return err
	}
	metaKey := s.keys.meta(p.Key())
	_, err = s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, metaKey)
		pipe.HSet(ctx, metaKey, fields)
		if !retainUntil.IsZero() {
			pipe.ExpireAt(ctx, metaKey, retainUntil)
		}
		return nil
	})
	return boterrors.NewStorageUnavailable("save poll", err)
}

// GetPoll loads poll metadata. It returns nil without error when the poll does not exist.
func (s *Store) GetPoll(ctx context.Context, key poll.Key) (*poll.Poll, error) {
	fields, err := s.client.HGetAll(ctx, s.keys.meta(key)).Result()
	if err != nil {
		return nil, boterrors.NewStorageUnavailable("get poll", err)
	}
	if len(fields) == 0 {
		return nil, nil
	}
	p, err := decodePoll(key, fields)
	if err != nil {
		return nil, fmt.Errorf("decode poll %s: %w", key, err)
	}
	return p, nil
}

// DeletePoll removes metadata, option sets and voters together. It reports
// whether this call removed the metadata, so only one of several concurrent
// callers observes true.
func (s *Store) DeletePoll(ctx context.Context, key poll.Key, optionCount int) (bool, error) {
	var metaDel *redis.IntCmd
	_, err := s.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		metaDel = pipe.Del(ctx, s.keys.meta(key))
		pipe.Del(ctx, s.keys.ballots(key, optionCount)...)
		return nil
	})
	if err != nil {
		return false, boterrors.NewStorageUnavailable("delete poll", err)
	}
	return metaDel.Val() > 0, nil
}

// RepointPoll records that the poll is now displayed by messageID. It fails
// with ErrPollNotFound when the poll was removed concurrently.
func (s *Store) RepointPoll(ctx context.Context, key poll.Key, messageID int, repostedAt time.Time) error {
	metaKey := s.keys.meta(key)
	txf := func(tx *redis.Tx) error {
		_, err := tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.HSet(ctx, metaKey,
				fieldMessageID, strconv.Itoa(messageID),
				fieldRepostedAt, strconv.FormatInt(repostedAt.UnixMilli(), 10),
			)
			return nil
		})
		return err
	}

	err := s.watchPoll(ctx, metaKey, txf)
	switch {
	case err == nil:
		return nil
	case errors.Is(err, boterrors.ErrPollNotFound):
		return err
	default:
		return boterrors.NewStorageUnavailable("repoint poll", err)
	}
}

// watchPoll runs txf under WATCH on the poll metadata once the metadata is
// known to exist, retrying when a concurrent write aborts the transaction.
// It returns ErrPollNotFound when the poll is gone.
func (s *Store) watchPoll(ctx context.Context, metaKey string, txf func(tx *redis.Tx) error) error {
	guarded := func(tx *redis.Tx) error {
		exists, err := tx.Exists(ctx, metaKey).Result()
		if err != nil {
			return err
		}
		if exists == 0 {
			return boterrors.ErrPollNotFound
		}
		return txf(tx)
	}
	var err error
	for attempt := 0; attempt < watchAttempts; attempt++ {
		err = s.client.Watch(ctx, guarded, metaKey)
		if !errors.Is(err, redis.TxFailedErr) {
			return err
		}
	}
	return err
}

func encodePoll(p poll.Poll) (map[string]any, error) {
	options, err := json.Marshal(p.Payload.Options)
	if err != nil {
		return nil, fmt.Errorf("encode options: %w", err)
	}
	anonymous := "0"
	if p.Anonymous {
		anonymous = "1"
	}
	var repostedAt int64
	if !p.RepostedAt.IsZero() {
		repostedAt = p.RepostedAt.UnixMilli()
	}
	return map[string]any{
		fieldModule:     p.Module,
		fieldType:       p.Payload.Type,
		fieldMessage:    p.Payload.Message,
		fieldOptions:    string(options),
		fieldData:       string(p.Payload.Data),
		fieldAnonymous:  anonymous,
		fieldCreatedAt:  strconv.FormatInt(p.CreatedAt.UnixMilli(), 10),
		fieldExpiresAt:  strconv.FormatInt(p.ExpiresAt.UnixMilli(), 10),
		fieldMessageID:  strconv.Itoa(p.MessageID),
		fieldRepostedAt: strconv.FormatInt(repostedAt, 10),
	}, nil
}

func decodePoll(key poll.Key, fields map[string]string) (*poll.Poll, error) {
	p := &poll.Poll{
		ID:        key.PollID,
		ChatID:    key.ChatID,
		Module:    fields[fieldModule],
		Anonymous: fields[fieldAnonymous] == "1",
		Payload: poll.Payload{
			Type:    fields[fieldType],
			Message: fields[fieldMessage],
		},
	}
	if raw := fields[fieldOptions]; raw != "" {
		if err := json.Unmarshal([]byte(raw), &p.Payload.Options); err != nil {
			return nil, fmt.Errorf("options: %w", err)
		}
	}
	if raw := fields[fieldData]; raw != "" {
		p.Payload.Data = json.RawMessage(raw)
	}

	var err error
	if p.CreatedAt, err = parseMillis(fields[fieldCreatedAt]); err != nil {
		return nil, fmt.Errorf("created_at: %w", err)
	}
	if p.ExpiresAt, err = parseMillis(fields[fieldExpiresAt]); err != nil {
		return nil, fmt.Errorf("expires_at: %w", err)
	}
	if p.RepostedAt, err = parseMillis(fields[fieldRepostedAt]); err != nil {
		return nil, fmt.Errorf("reposted_at: %w", err)
	}
	if raw := fields[fieldMessageID]; raw != "" {
		if p.MessageID, err = strconv.Atoi(raw); err != nil {
			return nil, fmt.Errorf("message_id: %w", err)
		}
	}
	return p, nil
}

func parseMillis(raw string) (time.Time, error) {
	if raw == "" || raw == "0" {
		return time.Time{}, nil
	}
	ms, err := strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return time.Time{}, err
	}
	return time.UnixMilli(ms), nil
}
