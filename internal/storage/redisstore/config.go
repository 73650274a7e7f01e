package redisstore

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"

	boterrors "d7bot/internal/errors"
)

// GetConfigValue decodes a per-chat module setting into dst. It reports false
// when the setting was never written.
func (s *Store) GetConfigValue(ctx context.Context, chatID int64, module, field string, dst any) (bool, error) {
	raw, err := s.client.HGet(ctx, s.keys.config(chatID, module), field).Result()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, boterrors.NewStorageUnavailable("get config", err)
	}
	if err := json.Unmarshal([]byte(raw), dst); err != nil {
		return false, fmt.Errorf("decode %s.%s: %w", module, field, err)
	}
	return true, nil
}

// SetConfigValue stores a per-chat module setting as JSON.
func (s *Store) SetConfigValue(ctx context.Context, chatID int64, module, field string, value any) error {
	raw, err := json.Marshal(value)
	if err != nil {
		return fmt.Errorf("encode %s.%s: %w", module, field, err)
	}
	err = s.client.HSet(ctx, s.keys.config(chatID, module), field, string(raw)).Err()
	return boterrors.NewStorageUnavailable("set config", err)
}
