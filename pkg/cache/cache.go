// Package cache keeps the state the gateways and the api share through Redis:
// conversation membership, presence and the owner of every recent message.
package cache

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"time"

	"github.com/redis/go-redis/v9"
)

var ErrNotFound = errors.New("not found")

const (
	presenceKey = "presence"

	// MessageRefTTL bounds how long a message can still be edited or deleted
	// through a gateway.
	MessageRefTTL = 30 * 24 * time.Hour
)

func participantsKey(conversationID string) string { return "conversation:" + conversationID + ":users" }
func connectionsKey(userID string) string          { return "presence:" + userID + ":conns" }
func messageKey(messageID string) string           { return "message:" + messageID }

type Store struct {
	rdb *redis.Client
}

func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb}
}

// Dial connects to addr and checks the connection.
func Dial(ctx context.Context, addr string) (*Store, error) {
	rdb := redis.NewClient(&redis.Options{Addr: addr})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, fmt.Errorf("connect to redis %s: %w", addr, err)
	}
	return New(rdb), nil
}

func (s *Store) Close() error {
	return s.rdb.Close()
}

// SetParticipants replaces the member set of a conversation.
func (s *Store) SetParticipants(ctx context.Context, conversationID string, userIDs []string) error {
	key := participantsKey(conversationID)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.Del(ctx, key)
		if len(userIDs) > 0 {
			members := make([]any, len(userIDs))
			for i, id := range userIDs {
				members[i] = id
			}
			pipe.SAdd(ctx, key, members...)
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("set participants of %s: %w", conversationID, err)
	}
	return nil
}

// Participants returns the sorted member ids of a conversation.
func (s *Store) Participants(ctx context.Context, conversationID string) ([]string, error) {
	ids, err := s.rdb.SMembers(ctx, participantsKey(conversationID)).Result()
	if err != nil {
		return nil, fmt.Errorf("participants of %s: %w", conversationID, err)
	}
	slices.Sort(ids)
	return ids, nil
}

func (s *Store) IsParticipant(ctx context.Context, conversationID, userID string) (bool, error) {
	ok, err := s.rdb.SIsMember(ctx, participantsKey(conversationID), userID).Result()
	if err != nil {
		return false, fmt.Errorf("membership in %s: %w", conversationID, err)
	}
	return ok, nil
}

// Connect counts a new socket for userID across all gateways and reports
// whether it is the user's first.
func (s *Store) Connect(ctx context.Context, userID string) (bool, error) {
	n, err := s.rdb.Incr(ctx, connectionsKey(userID)).Result()
	if err != nil {
		return false, fmt.Errorf("count connection of %s: %w", userID, err)
	}
	return n == 1, nil
}

// Disconnect drops a socket and reports whether it was the user's last.
func (s *Store) Disconnect(ctx context.Context, userID string) (bool, error) {
	key := connectionsKey(userID)
	n, err := s.rdb.Decr(ctx, key).Result()
	if err != nil {
		return false, fmt.Errorf("count disconnection of %s: %w", userID, err)
	}
	if n > 0 {
		return false, nil
	}
	if err := s.rdb.Del(ctx, key).Err(); err != nil {
		return true, fmt.Errorf("clear connections of %s: %w", userID, err)
	}
	return true, nil
}

// SetStatus records the reported status of an online user.
func (s *Store) SetStatus(ctx context.Context, userID, status string) error {
	if err := s.rdb.HSet(ctx, presenceKey, userID, status).Err(); err != nil {
		return fmt.Errorf("set status of %s: %w", userID, err)
	}
	return nil
}

func (s *Store) ClearStatus(ctx context.Context, userID string) error {
	if err := s.rdb.HDel(ctx, presenceKey, userID).Err(); err != nil {
		return fmt.Errorf("clear status of %s: %w", userID, err)
	}
	return nil
}

// Statuses returns the status of each online user among userIDs. Offline
// users are absent from the result.
func (s *Store) Statuses(ctx context.Context, userIDs ...string) (map[string]string, error) {
	out := make(map[string]string)
	if len(userIDs) == 0 {
		return out, nil
	}
	vals, err := s.rdb.HMGet(ctx, presenceKey, userIDs...).Result()
	if err != nil {
		return nil, fmt.Errorf("load statuses: %w", err)
	}
	for i, v := range vals {
		if str, ok := v.(string); ok && str != "" {
			out[userIDs[i]] = str
		}
	}
	return out, nil
}

// RememberMessage records which conversation and sender a message belongs to.
func (s *Store) RememberMessage(ctx context.Context, messageID, conversationID, senderID string) error {
	key := messageKey(messageID)
	_, err := s.rdb.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.HSet(ctx, key, "conversation", conversationID, "sender", senderID)
		pipe.Expire(ctx, key, MessageRefTTL)
		return nil
	})
	if err != nil {
		return fmt.Errorf("remember message %s: %w", messageID, err)
	}
	return nil
}

// MessageRef returns the conversation and sender of a remembered message.
func (s *Store) MessageRef(ctx context.Context, messageID string) (conversationID, senderID string, err error) {
	vals, err := s.rdb.HMGet(ctx, messageKey(messageID), "conversation", "sender").Result()
	if err != nil {
		return "", "", fmt.Errorf("lookup message %s: %w", messageID, err)
	}
	conversationID, _ = vals[0].(string)
	senderID, _ = vals[1].(string)
	if conversationID == "" {
		return "", "", ErrNotFound
	}
	return conversationID, senderID, nil
}
