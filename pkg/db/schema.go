package db

import (
	"context"
	"fmt"
)

// Tables in creation order. DropSchema walks them in reverse.
var tables = []struct {
	name string
	ddl  string
}{
	{"users", `CREATE TABLE IF NOT EXISTS users (
		id text PRIMARY KEY,
		display_name text,
		role text,
		avatar text
	)`},
	{"conversations", `CREATE TABLE IF NOT EXISTS conversations (
		id text PRIMARY KEY,
		kind text,
		subject text,
		support_status text,
		participant_ids list<text>,
		last_message_id text,
		last_message_sender_id text,
		last_message_sender_name text,
		last_message_content text,
		last_message_type text,
		last_activity_at timestamp,
		created_at timestamp
	)`},
	{"direct_conversations", `CREATE TABLE IF NOT EXISTS direct_conversations (
		pair text PRIMARY KEY,
		conversation_id text
	)`},
	{"user_conversations", `CREATE TABLE IF NOT EXISTS user_conversations (
		user_id text,
		conversation_id text,
		joined_at timestamp,
		PRIMARY KEY (user_id, conversation_id)
	)`},
	{"conversation_counters", `CREATE TABLE IF NOT EXISTS conversation_counters (
		user_id text,
		conversation_id text,
		unread_count counter,
		PRIMARY KEY (user_id, conversation_id)
	)`},
	{"messages", `CREATE TABLE IF NOT EXISTS messages (
		conversation_id text,
		id text,
		client_id text,
		sender_id text,
		sender_name text,
		sender_role text,
		content text,
		message_type text,
		media_url text,
		reply_to_id text,
		reply_to_sender text,
		reply_to_content text,
		is_edited boolean,
		is_deleted boolean,
		is_pinned boolean,
		created_at timestamp,
		PRIMARY KEY (conversation_id, id)
	) WITH CLUSTERING ORDER BY (id DESC)`},
	{"message_index", `CREATE TABLE IF NOT EXISTS message_index (
		id text PRIMARY KEY,
		conversation_id text
	)`},
	{"message_edits", `CREATE TABLE IF NOT EXISTS message_edits (
		message_id text,
		edited_at timestamp,
		previous_content text,
		PRIMARY KEY (message_id, edited_at)
	)`},
	{"message_reads", `CREATE TABLE IF NOT EXISTS message_reads (
		conversation_id text,
		message_id text,
		user_id text,
		read_at timestamp,
		PRIMARY KEY (conversation_id, message_id, user_id)
	)`},
	{"blocks", `CREATE TABLE IF NOT EXISTS blocks (
		user_id text,
		blocked_id text,
		created_at timestamp,
		PRIMARY KEY (user_id, blocked_id)
	)`},
	{"reports", `CREATE TABLE IF NOT EXISTS reports (
		reported_id text,
		created_at timestamp,
		reporter_id text,
		reason text,
		PRIMARY KEY (reported_id, created_at, reporter_id)
	)`},
}

// TableNames lists the chat tables in creation order.
func TableNames() []string {
	names := make([]string, len(tables))
	for i, t := range tables {
		names[i] = t.name
	}
	return names
}

// EnsureSchema creates any missing table.
func EnsureSchema(ctx context.Context, s *Session) error {
	for _, t := range tables {
		if err := s.Query(t.ddl).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("create table %s: %w", t.name, err)
		}
	}
	return nil
}

// DropSchema drops every chat table. Data is lost.
func DropSchema(ctx context.Context, s *Session) error {
	for i := len(tables) - 1; i >= 0; i-- {
		if err := s.Query("DROP TABLE IF EXISTS " + tables[i].name).WithContext(ctx).Exec(); err != nil {
			return fmt.Errorf("drop table %s: %w", tables[i].name, err)
		}
	}
	return nil
}
