package main

import (
	"context"
	"encoding/json"
	"log"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/smartkrishi/smartkrishi-backend/internal/agent"
	"github.com/smartkrishi/smartkrishi-backend/internal/ai"
	"github.com/smartkrishi/smartkrishi-backend/internal/chat"
	"github.com/smartkrishi/smartkrishi-backend/internal/config"
	"github.com/smartkrishi/smartkrishi-backend/internal/db"
	"github.com/smartkrishi/smartkrishi-backend/internal/files"
	"github.com/smartkrishi/smartkrishi-backend/internal/reasoning"
	"github.com/smartkrishi/smartkrishi-backend/internal/store/rabbitmq"
)

type jobMsg struct {
	JobID  string `json:"job_id"`
	ChatID string `json:"chat_id"`
	UserID uint64 `json:"user_id"`
}

func workerConcurrency() int {
	v := os.Getenv("WORKER_CONCURRENCY")
	if v == "" {
		return 2
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 2
	}
	if n > 50 {
		return 50
	}
	return n
}

func main() {
	cfg := config.Load()

	gdb := db.Connect(cfg.DBDSN)

	repo := chat.NewRepo(gdb)
	reasoningRepo := reasoning.NewRepo(gdb)
	agentClient := agent.NewClient(cfg.AgentBaseURL)
	filesSvc := files.NewService(gdb)

	reg := ai.NewRegistry()
	reg.Register("gemini", func(ctx context.Context, model string) (ai.Provider, error) {
		_ = ctx
		m := strings.TrimSpace(model)
		if m == "" {
			m = cfg.GeminiModel
		}
		return ai.NewGeminiProvider(cfg.GeminiBaseURL, cfg.GeminiAPIKey, m), nil
	})

	svc := chat.NewService(repo, reasoningRepo, agentClient, filesSvc, reg, 20)

	conn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		log.Fatalf("rabbit dial: %v", err)
	}
	defer conn.Close()

	ch, err := conn.Channel()
	if err != nil {
		log.Fatalf("rabbit channel: %v", err)
	}
	defer ch.Close()

	if err := rabbitmq.DeclareAskTopology(ch, cfg.RabbitQueue); err != nil {
		log.Fatalf("queue declare: %v", err)
	}

	concurrency := workerConcurrency()

	if err := ch.Qos(concurrency, 0, false); err != nil {
		log.Fatalf("qos: %v", err)
	}

	msgs, err := ch.Consume(cfg.RabbitQueue, "", false, false, false, false, nil)
	if err != nil {
		log.Fatalf("consume: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	log.Printf("worker started, queue=%s concurrency=%d", cfg.RabbitQueue, concurrency)

	// worker pool
	jobs := make(chan amqp.Delivery, concurrency*2)

	var wg sync.WaitGroup
	wg.Add(concurrency)
	for i := 0; i < concurrency; i++ {
		go func(workerID int) {
			defer wg.Done()
			for d := range jobs {
				var m jobMsg
				if err := json.Unmarshal(d.Body, &m); err != nil || m.JobID == "" {
					log.Printf("worker=%d bad message: %v", workerID, err)
					_ = d.Nack(false, false)
					continue
				}

				start := time.Now()
				if err := handleJob(ctx, svc, repo, m.JobID); err != nil {
					log.Printf("worker=%d job %s failed chat=%s user=%d cost=%s err=%v", workerID, m.JobID, m.ChatID, m.UserID, time.Since(start), err)
					_ = d.Nack(false, false)
					continue
				}

				if err := d.Ack(false); err != nil {
					log.Printf("worker=%d ack failed job=%s err=%v", workerID, m.JobID, err)
				}
			}
		}(i)
	}

	// dispatcher
	for {
		select {
		case <-ctx.Done():
			log.Printf("worker shutting down")
			close(jobs)
			wg.Wait()
			return

		case d, ok := <-msgs:
			if !ok {
				log.Printf("delivery channel closed")
				time.Sleep(1 * time.Second)
				continue
			}
			jobs <- d
		}
	}
}

func handleJob(ctx context.Context, svc *chat.Service, repo *chat.Repo, jobID string) error {
	jobStart := time.Now()

	_ = repo.UpdateJobStatusRunning(ctx, jobID)

	j, err := repo.GetJobByID(ctx, jobID)
	if err != nil {
		return err
	}

	t0 := time.Now()
	_, assistantMsgID, err := svc.GenerateAssistantReply(ctx, j.UserID, j.ChatID)
	genCost := time.Since(t0)

	if err != nil {
		_ = repo.MarkJobFailed(ctx, jobID, err.Error())
		log.Printf("job_failed job=%s gen=%s total=%s err=%v", jobID, genCost, time.Since(jobStart), err)
		return err
	}

	if err := repo.MarkJobSucceeded(ctx, jobID, assistantMsgID); err != nil {
		return err
	}

	total := time.Since(jobStart)
	if total > 2*time.Second {
		log.Printf("job_timing job=%s gen=%s total=%s", jobID, genCost, total)
	}
	return nil
}
