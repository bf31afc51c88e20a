package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/npezzotti/go-chatkit/internal/chat"
	"github.com/npezzotti/go-chatkit/internal/client"
	"github.com/npezzotti/go-chatkit/internal/config"
	"github.com/npezzotti/go-chatkit/internal/stats"
	"github.com/npezzotti/go-chatkit/internal/store"
	"github.com/npezzotti/go-chatkit/internal/types"
)

var (
	serverURL = flag.String("server", "http://localhost:8000", "chat server base URL")
	wsURL     = flag.String("ws", "ws://localhost:8000/connect", "chat server websocket URL")
	userID    = flag.String("user", "", "user id to connect as")
	token     = flag.String("token", "", "user token")
	cachePath = flag.String("cache", "chatkit.db", "offline cache path, empty for in-memory")
	channel   = flag.String("channel", "", "channel cid to watch, e.g. messaging:general")
	sendText  = flag.String("send", "", "message to send to the watched channel")
)

func main() {
	logger := log.New(os.Stderr, "[chatkit] ", log.LstdFlags)
	flag.Parse()

	cfg, err := config.NewConfig(*serverURL, *wsURL, *userID, *token, *cachePath)
	if err != nil {
		logger.Fatalln("config:", err)
	}

	repo, err := store.NewSQLiteRepository(cfg.CachePath)
	if err != nil {
		logger.Fatalln("open cache:", err)
	}

	tokens := client.StaticTokenProvider(cfg.Token)
	apiClient, err := client.NewHTTPClient(cfg.ServerURL, cfg.UserID, tokens, logger)
	if err != nil {
		logger.Fatalln("api client:", err)
	}
	source := client.NewEventSource(cfg.WebSocketURL, cfg.UserID, tokens, logger)

	statsUpdater := stats.NewStatsUpdater("chatkit")

	session := chat.NewSession(*cfg, apiClient, source, repo, statsUpdater, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	session.Run(ctx)

	go func() {
		for err := range session.Errors() {
			logger.Println("background:", err)
		}
	}()

	online, cancelOnline := session.Online()
	go func() {
		for v := range online {
			logger.Println("online:", v)
		}
	}()
	defer cancelOnline()

	if *channel != "" {
		if err := watchChannel(ctx, session, *channel, *sendText, logger); err != nil {
			logger.Println("watch channel:", err)
		}
	} else {
		queryChannels(ctx, session, logger)
	}

	sigs := make(chan os.Signal, 1)
	signal.Notify(sigs, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigs
	logger.Printf("received signal: %s\n", sig)

	cancel()
	if err := session.Close(); err != nil {
		logger.Fatalln("close:", err)
	}
	logger.Println("shutdown complete")
}

func watchChannel(ctx context.Context, session *chat.Session, cid, text string, logger *log.Logger) error {
	controller, err := session.Channel(cid)
	if err != nil {
		return err
	}
	if err := controller.Watch(ctx); err != nil {
		return err
	}

	messages, cancelMessages := controller.Messages()
	go func() {
		defer cancelMessages()
		for msgs := range messages {
			for _, msg := range msgs {
				logger.Printf("%s %s: %s\n", msg.EffectiveCreatedAt().Format(time.RFC3339), msg.UserID, msg.Text)
			}
		}
	}()

	typing, cancelTyping := controller.Typing()
	go func() {
		defer cancelTyping()
		for users := range typing {
			if len(users) > 0 {
				logger.Println("typing:", users)
			}
		}
	}()

	if text != "" {
		if _, err := controller.SendMessage(ctx, text, nil); err != nil {
			return err
		}
	}
	return nil
}

func queryChannels(ctx context.Context, session *chat.Session, logger *log.Logger) {
	query := session.QueryChannels(types.FilterObject{}, []types.SortOption{
		{Field: "last_message_at", Direction: -1},
	})
	if err := query.Run(ctx, chat.Pagination{Limit: 30}); err != nil {
		logger.Println("query channels:", err)
		return
	}

	channels, cancelChannels := query.Channels()
	go func() {
		defer cancelChannels()
		for page := range channels {
			logger.Printf("%d channels:\n", len(page))
			for _, ch := range page {
				logger.Printf("  %s %s\n", ch.CID, ch.Name)
			}
		}
	}()
}
