package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/SARVESHVARADKAR123/chatlink/internal/auth"
	"github.com/SARVESHVARADKAR123/chatlink/internal/cache"
	"github.com/SARVESHVARADKAR123/chatlink/internal/config"
	"github.com/SARVESHVARADKAR123/chatlink/internal/domain"
	"github.com/SARVESHVARADKAR123/chatlink/internal/observability"
	"github.com/SARVESHVARADKAR123/chatlink/internal/reconcile"
	"github.com/SARVESHVARADKAR123/chatlink/internal/rest"
	"github.com/SARVESHVARADKAR123/chatlink/internal/session"
	"github.com/SARVESHVARADKAR123/chatlink/internal/socket"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintln(os.Stderr, "config:", err)
		os.Exit(1)
	}

	observability.InitLogger(cfg.ServiceName)
	log := observability.Log

	if cfg.UserID == "" || cfg.AuthToken == "" {
		log.Fatal("CHAT_USER_ID and CHAT_AUTH_TOKEN are required")
	}

	ctx, cancel := setupSignalHandler(log)
	defer cancel()

	kv := initCacheKV(cfg, log)
	defer kv.Close()
	store := cache.NewStore(kv, log)

	tokens := newTokenHolder(cfg.AuthToken)
	source := auth.Static(cfg.AuthToken)

	sock := socket.New(socket.Config{
		URL:                  cfg.ServerURL,
		Namespace:            cfg.Namespace,
		DialTimeout:          cfg.DialTimeout,
		ReconnectDelay:       cfg.ReconnectDelay,
		ReconnectDelayMax:    cfg.ReconnectDelayMax,
		ReconnectAttemptsMax: cfg.ReconnectAttemptsMax,
		Logger:               log,
	})

	engine := reconcile.New(cfg.UserID, log)
	restClient := rest.New(cfg.APIBaseURL, tokens.get, log)
	ctl := session.New(cfg.UserID, sock, engine, store, restClient, log)
	defer ctl.Close()

	wireAuthRefresh(ctx, sock, source, tokens, log)
	watchConversations(ctl, engine, cfg.UserID)

	var obsSrv *http.Server
	if cfg.MetricsEnabled {
		obsSrv = startObservabilityServer(cfg, sock, log)
	}

	sock.Connect(cfg.AuthToken)

	go runREPL(ctx, cancel, ctl, restClient)

	<-ctx.Done()
	shutdown(obsSrv, sock, log)
}

func setupSignalHandler(log *zap.Logger) (context.Context, context.CancelFunc) {
	ctx, cancel := context.WithCancel(context.Background())
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	go func() {
		sig := <-sigCh
		log.Info("received signal, shutting down", zap.String("signal", sig.String()))
		cancel()
	}()
	return ctx, cancel
}

func initCacheKV(cfg *config.Config, log *zap.Logger) cache.KV {
	kv, err := cache.OpenPebbleKV(cfg.CacheDir)
	if err != nil {
		log.Warn("cache unavailable, running without persistence", zap.Error(err))
		return cache.NewMemoryKV()
	}
	return kv
}

// wireAuthRefresh re-fetches credentials whenever the connection fails over
// a rejected token. Automatic retry stays suspended until the refreshed
// token is applied.
func wireAuthRefresh(ctx context.Context, sock *socket.Client, source auth.TokenSource, tokens *tokenHolder, log *zap.Logger) {
	sock.OnStatusChange(func(s socket.Status) {
		if s != socket.StatusError {
			return
		}
		if !errors.Is(sock.LastError(), domain.ErrAuthFailed) {
			return
		}
		log.Info("auth rejected, refreshing token")
		token, err := source.Token(ctx)
		if err != nil {
			log.Error("token refresh failed", zap.Error(err))
			return
		}
		tokens.set(token)
		sock.UpdateToken(token)
	})
}

func watchConversations(ctl *session.Controller, engine *reconcile.Engine, userID string) {
	ctl.OnConversationChange(func(key string) {
		msgs := engine.ConversationByKey(key)
		if len(msgs) == 0 {
			return
		}
		last := msgs[len(msgs)-1]
		who := last.From
		if last.IsMine(userID) {
			who = "me"
		}
		fmt.Printf("[%s] %s: %s (%s)\n", last.CreatedAt.Format("15:04:05"), who, last.Content, last.Status)
	})
	ctl.OnTyping(func(ev session.TypingEvent) {
		if ev.Typing {
			fmt.Printf("... %s is typing\n", ev.From)
		}
	})
}

func startObservabilityServer(cfg *config.Config, sock *socket.Client, log *zap.Logger) *http.Server {
	mux := chi.NewRouter()
	mux.Handle("/metrics", promhttp.Handler())
	mux.Get("/health/live", observability.HealthLiveHandler)
	mux.Get("/health/ready", observability.HealthReadyHandler(sock.IsConnected))

	srv := &http.Server{Addr: cfg.ObsHTTPAddr, Handler: mux}
	go func() {
		log.Info("starting observability server", zap.String("addr", cfg.ObsHTTPAddr))
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Error("observability server error", zap.Error(err))
		}
	}()
	return srv
}

func runREPL(ctx context.Context, cancel context.CancelFunc, ctl *session.Controller, restClient *rest.Client) {
	fmt.Println("chatlink: /chat <user>, /conversations, /seen, /quit; anything else sends")
	scanner := bufio.NewScanner(os.Stdin)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		switch {
		case line == "":
			continue
		case line == "/quit":
			cancel()
			return
		case line == "/conversations":
			convs, err := restClient.Conversations(ctx)
			if err != nil {
				fmt.Println("error:", err)
				continue
			}
			for _, conv := range convs {
				fmt.Printf("%s (%s) unread=%d: %s\n",
					conv.Username, conv.OtherUserID, conv.UnreadCount, conv.LastMessage)
			}
		case strings.HasPrefix(line, "/chat "):
			peer := strings.TrimSpace(strings.TrimPrefix(line, "/chat "))
			ctl.SelectConversation(ctx, peer)
			fmt.Println("switched to", peer)
		case line == "/seen":
			if peer := ctl.ActivePeer(); peer != "" {
				ctl.MarkConversationSeen(peer)
				fmt.Println("marked seen")
			}
		default:
			if err := ctl.SendMessage(ctx, line); err != nil {
				fmt.Println("send failed:", err)
			}
		}
	}
	cancel()
}

func shutdown(obsSrv *http.Server, sock *socket.Client, log *zap.Logger) {
	if obsSrv != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = obsSrv.Shutdown(ctx)
	}
	sock.Disconnect()
	log.Info("shutdown complete")
}

type tokenHolder struct {
	mu    sync.Mutex
	token string
}

func newTokenHolder(token string) *tokenHolder {
	return &tokenHolder{token: token}
}

func (t *tokenHolder) get() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.token
}

func (t *tokenHolder) set(token string) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.token = token
}
