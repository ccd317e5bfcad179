package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/MegaGrindStone/chatwidget/internal/models"
	redisv9 "github.com/redis/go-redis/v9"
)

// Redis implements the Store interface on top of a redis server. Conversations are JSON strings, each
// chatbot keeps a sorted set of its conversation IDs, and messages are JSON entries of a list.
type Redis struct {
	client *redisv9.Client
}

// NewRedis connects to the redis server at addr and verifies the connection with a ping.
func NewRedis(ctx context.Context, addr, password string, db int) (Redis, error) {
	client := redisv9.NewClient(&redisv9.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return Redis{}, fmt.Errorf("failed to ping redis: %w", err)
	}
	return Redis{client: client}, nil
}

// Close closes the redis client.
func (r Redis) Close() error {
	return r.client.Close()
}

// Conversations retrieves the stored conversations of a chatbot, newest first.
func (r Redis) Conversations(ctx context.Context, chatbotID string) ([]models.Conversation, error) {
	ids, err := r.client.ZRevRange(ctx, r.chatbotKey(chatbotID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis list conversations failed: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = r.conversationKey(id)
	}
	raws, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get conversations failed: %w", err)
	}

	convs := make([]models.Conversation, 0, len(raws))
	for _, raw := range raws {
		s, ok := raw.(string)
		if !ok {
			continue
		}
		var conv models.Conversation
		if err := json.Unmarshal([]byte(s), &conv); err != nil {
			return nil, fmt.Errorf("unmarshal conversation failed: %w", err)
		}
		convs = append(convs, conv)
	}
	return convs, nil
}

// AddConversation stores a new conversation and indexes it under its chatbot.
func (r Redis) AddConversation(ctx context.Context, conv models.Conversation) (string, error) {
	payload, err := json.Marshal(conv)
	if err != nil {
		return "", fmt.Errorf("marshal conversation failed: %w", err)
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redisv9.Pipeliner) error {
		pipe.Set(ctx, r.conversationKey(conv.ID), payload, 0)
		pipe.ZAdd(ctx, r.chatbotKey(conv.ChatbotID), redisv9.Z{
			Score:  float64(conv.CreatedAt.UnixNano()),
			Member: conv.ID,
		})
		return nil
	})
	if err != nil {
		return "", fmt.Errorf("redis add conversation failed: %w", err)
	}
	return conv.ID, nil
}

// Messages retrieves all messages of the conversation in the order they were committed.
func (r Redis) Messages(ctx context.Context, conversationID string) ([]models.Message, error) {
	raws, err := r.client.LRange(ctx, r.messagesKey(conversationID), 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("redis get messages failed: %w", err)
	}

	messages := make([]models.Message, 0, len(raws))
	for _, raw := range raws {
		var msg models.Message
		if err := json.Unmarshal([]byte(raw), &msg); err != nil {
			return nil, fmt.Errorf("unmarshal message failed: %w", err)
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// AddMessage appends a message to the conversation. It fails if the conversation was never added.
func (r Redis) AddMessage(ctx context.Context, conversationID string, message models.Message) (string, error) {
	exists, err := r.client.Exists(ctx, r.conversationKey(conversationID)).Result()
	if err != nil && !errors.Is(err, redisv9.Nil) {
		return "", fmt.Errorf("redis check conversation failed: %w", err)
	}
	if exists == 0 {
		return "", fmt.Errorf("conversation %s not found", conversationID)
	}

	payload, err := json.Marshal(message)
	if err != nil {
		return "", fmt.Errorf("marshal message failed: %w", err)
	}
	if err := r.client.RPush(ctx, r.messagesKey(conversationID), payload).Err(); err != nil {
		return "", fmt.Errorf("redis append message failed: %w", err)
	}
	return message.ID, nil
}

func (r Redis) conversationKey(id string) string {
	return fmt.Sprintf("chatwidget:conversation:%s", id)
}

func (r Redis) messagesKey(id string) string {
	return fmt.Sprintf("chatwidget:conversation:%s:messages", id)
}

func (r Redis) chatbotKey(chatbotID string) string {
	return fmt.Sprintf("chatwidget:chatbot:%s:conversations", chatbotID)
}
