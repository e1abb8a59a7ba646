package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"time"

	"github.com/redis/go-redis/v9"

	"tradechat-backend/internal/models"
	"tradechat-backend/internal/repository"
)

const saveQueueKey = "chat_save_queue"

// Pool drains the chat save queue. Each job is the same full-transcript upsert
// the synchronous path performs; failures are logged, never retried.
type Pool struct {
	redis       *redis.Client
	chatRepo    *repository.ChatRepo
	workerCount int
	stopChan    chan struct{}
}

func NewPool(redisClient *redis.Client, chatRepo *repository.ChatRepo, workerCount int) *Pool {
	return &Pool{
		redis:       redisClient,
		chatRepo:    chatRepo,
		workerCount: workerCount,
		stopChan:    make(chan struct{}),
	}
}

// Enqueue pushes a save job; the caller gets an immediate acknowledgment and
// any store failure is only logged by the worker.
func Enqueue(ctx context.Context, redisClient *redis.Client, req models.SaveChatRequest) error {
	payload, err := json.Marshal(req)
	if err != nil {
		return fmt.Errorf("marshaling save job: %w", err)
	}
	if err := redisClient.LPush(ctx, saveQueueKey, payload).Err(); err != nil {
		return fmt.Errorf("enqueuing save job: %w", err)
	}
	return nil
}

func (p *Pool) Start() {
	for i := 0; i < p.workerCount; i++ {
		go p.run(i)
	}
}

func (p *Pool) Stop() {
	close(p.stopChan)
}

func (p *Pool) run(id int) {
	for {
		select {
		case <-p.stopChan:
			return
		default:
		}

		ctx := context.Background()
		result, err := p.redis.BRPop(ctx, 2*time.Second, saveQueueKey).Result()
		if err != nil {
			if err != redis.Nil {
				log.Printf("worker %d: queue read failed: %v", id, err)
				time.Sleep(time.Second)
			}
			continue
		}
		if len(result) < 2 {
			continue
		}

		var req models.SaveChatRequest
		if err := json.Unmarshal([]byte(result[1]), &req); err != nil {
			log.Printf("worker %d: dropping malformed save job: %v", id, err)
			continue
		}

		p.process(ctx, id, req)
	}
}

func (p *Pool) process(ctx context.Context, id int, req models.SaveChatRequest) {
	ctx, cancel := context.WithTimeout(ctx, 15*time.Second)
	defer cancel()

	session := &models.ChatSession{
		ID:       req.ChatID,
		UserID:   req.UserID,
		Mode:     req.ChatType,
		Context:  models.DeriveContext(req.ChatType, req.Messages),
		Messages: req.Messages,
	}

	if err := p.chatRepo.UpsertSession(ctx, session); err != nil {
		log.Printf("worker %d: save failed for chat %s: %v", id, req.ChatID, err)
		return
	}

	// Tell connected clients their session list changed.
	update, _ := json.Marshal(models.WSMessage{
		Type:    "history_update",
		Payload: models.HistoryUpdate{ChatID: session.ID, Context: session.Context},
	})
	p.redis.Publish(ctx, "user_updates:"+req.UserID.String(), string(update))
}
