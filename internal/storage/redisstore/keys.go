package redisstore

import (
	"fmt"

	"d7bot/internal/domain/poll"
)

// DefaultKeyPrefix namespaces every key written by the bot.
const DefaultKeyPrefix = "d7bot"

type keyspace struct {
	prefix string
}

func (k keyspace) pollBase(key poll.Key) string {
	return fmt.Sprintf("%s:%d:voting:%d", k.prefix, key.ChatID, key.PollID)
}

func (k keyspace) meta(key poll.Key) string {
	return k.pollBase(key) + ":meta"
}

func (k keyspace) option(key poll.Key, option int) string {
	return fmt.Sprintf("%s:opt:%d", k.pollBase(key), option)
}

func (k keyspace) voters(key poll.Key) string {
	return k.pollBase(key) + ":voters"
}

// votedAt holds each voter's first vote time in unix milliseconds.
func (k keyspace) votedAt(key poll.Key) string {
	return k.pollBase(key) + ":voted_at"
}

func (k keyspace) options(key poll.Key, optionCount int) []string {
	keys := make([]string, optionCount)
	for i := range keys {
		keys[i] = k.option(key, i)
	}
	return keys
}

// ballots lists the keys written by votes.
func (k keyspace) ballots(key poll.Key, optionCount int) []string {
	return append(k.options(key, optionCount), k.voters(key), k.votedAt(key))
}

// all lists every key owned by a poll, metadata first.
func (k keyspace) all(key poll.Key, optionCount int) []string {
	return append([]string{k.meta(key)}, k.ballots(key, optionCount)...)
}

func (k keyspace) config(chatID int64, module string) string {
	return fmt.Sprintf("%s:%d:config:%s", k.prefix, chatID, module)
}
