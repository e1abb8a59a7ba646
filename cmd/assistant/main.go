package main

import (
	"bufio"
	"context"
	"encoding/base64"
	"flag"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"tradechat-backend/internal/chat"
	"tradechat-backend/internal/config"
	"tradechat-backend/internal/database"
	"tradechat-backend/internal/models"
	"tradechat-backend/internal/repository"
	"tradechat-backend/internal/services"
)

// Terminal front end for the chat session controller. Talks to the same
// Postgres catalog and Gemini model as the HTTP API.
func main() {
	email := flag.String("user", "", "email of the account to chat as")
	mode := flag.String("mode", models.ModeDefault, "chat mode (ordinary, trader, spot, future, compounding)")
	syncSave := flag.Bool("sync-save", false, "fail loudly when a transcript save fails")
	flag.Parse()

	if *email == "" {
		log.Fatal("usage: assistant -user you@example.com [-mode trader]")
	}

	cfg := config.Load()

	pool, err := database.NewPostgresPool(cfg.DatabaseURL)
	if err != nil {
		log.Fatalf("PostgreSQL connection failed: %v", err)
	}
	defer pool.Close()

	ctx := context.Background()

	user, err := repository.NewUserRepo(pool).GetByEmail(ctx, *email)
	if err != nil {
		log.Fatalf("unknown user %q: %v", *email, err)
	}

	gemini, err := services.NewGeminiService(cfg.GeminiAPIKey, cfg.GeminiModel, cfg.GeminiConcurrentReqs)
	if err != nil {
		log.Fatalf("Gemini client initialization failed: %v", err)
	}
	defer gemini.Close()

	store := repository.NewChatStore(repository.NewChatRepo(pool), repository.NewModeRepo(pool))

	policy := chat.SaveBackground
	if *syncSave {
		policy = chat.SaveSync
	}
	controller := chat.NewController(user.ID, gemini, store, chat.WithSavePolicy(policy))
	controller.NewSession(*mode)

	if err := controller.LoadHistory(ctx); err != nil {
		log.Printf("could not load chat history: %v", err)
	}

	fmt.Printf("TradeChat assistant, %s mode. Type /help for commands.\n", controller.Mode())
	repl(ctx, controller)
}

func repl(ctx context.Context, controller *chat.Controller) {
	var pendingImage *models.MessageContent
	scanner := bufio.NewScanner(os.Stdin)
	scanner.Buffer(make([]byte, 1024*1024), 1024*1024)

	for {
		fmt.Print("> ")
		if !scanner.Scan() {
			return
		}
		line := strings.TrimSpace(scanner.Text())

		switch {
		case line == "/quit" || line == "/exit":
			return

		case line == "/help":
			fmt.Println("/new [mode]    start a fresh session")
			fmt.Println("/list          show saved sessions")
			fmt.Println("/open <id>     load a saved session")
			fmt.Println("/image <path>  attach a chart image to the next message")
			fmt.Println("/quit          leave")

		case strings.HasPrefix(line, "/new"):
			mode := strings.TrimSpace(strings.TrimPrefix(line, "/new"))
			id := controller.NewSession(mode)
			pendingImage = nil
			fmt.Printf("session %s (%s mode)\n", id, controller.Mode())

		case line == "/list":
			for _, s := range controller.Summaries() {
				fmt.Printf("  %s  %s\n", s.ID, s.Context)
			}

		case strings.HasPrefix(line, "/open "):
			id, err := uuid.Parse(strings.TrimSpace(strings.TrimPrefix(line, "/open ")))
			if err != nil {
				fmt.Println("not a session id")
				continue
			}
			if err := controller.SelectSession(ctx, id); err != nil {
				fmt.Printf("could not open session: %v\n", err)
				continue
			}
			printTranscript(controller.Messages())

		case strings.HasPrefix(line, "/image "):
			img, err := loadImage(strings.TrimSpace(strings.TrimPrefix(line, "/image ")))
			if err != nil {
				fmt.Printf("could not read image: %v\n", err)
				continue
			}
			pendingImage = img
			fmt.Println("image attached; it will be sent with your next message")

		default:
			before := len(controller.Messages())
			if err := controller.Submit(ctx, line, pendingImage); err != nil {
				fmt.Printf("error: %v\n", err)
			}
			pendingImage = nil
			printNewAssistant(controller.Messages(), before)
		}
	}
}

func printNewAssistant(messages []models.Message, since int) {
	for _, m := range messages[min(since, len(messages)):] {
		if m.Role != models.RoleAssistant {
			continue
		}
		if m.Content.Kind == models.ContentImage {
			fmt.Printf("ai: [%s image, %d bytes base64]\n", m.Content.MIMEType, len(m.Content.Data))
			continue
		}
		fmt.Printf("ai: %s\n", m.Content.Text)
	}
}

func printTranscript(messages []models.Message) {
	for _, m := range messages {
		content := m.Content.Text
		if m.Content.Kind == models.ContentImage {
			content = "[image]"
		}
		fmt.Printf("%s: %s\n", m.Role, content)
	}
}

func loadImage(path string) (*models.MessageContent, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var mimeType string
	switch strings.ToLower(filepath.Ext(path)) {
	case ".png":
		mimeType = "image/png"
	case ".jpg", ".jpeg":
		mimeType = "image/jpeg"
	case ".webp":
		mimeType = "image/webp"
	default:
		return nil, fmt.Errorf("unsupported image type %q", filepath.Ext(path))
	}

	img := models.ImageContent(mimeType, base64.StdEncoding.EncodeToString(data))
	return &img, nil
}
