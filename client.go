package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"strconv"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/ptit-ttcs2025/fe-chat-app-sub004/api"
	"github.com/ptit-ttcs2025/fe-chat-app-sub004/config"
	"github.com/ptit-ttcs2025/fe-chat-app-sub004/localstore"
	"github.com/ptit-ttcs2025/fe-chat-app-sub004/metrics"
	"github.com/ptit-ttcs2025/fe-chat-app-sub004/models"
	"github.com/ptit-ttcs2025/fe-chat-app-sub004/reconcile"
	"github.com/ptit-ttcs2025/fe-chat-app-sub004/session"
	"github.com/ptit-ttcs2025/fe-chat-app-sub004/transport"
)

// signIn registers or logs in and stores the resulting session
func signIn(ctx context.Context, cfg *config.Config, logger *zap.Logger, cmd string, args []string) error {
	fs := flag.NewFlagSet(cmd, flag.ContinueOnError)
	username := fs.String("username", "", "account name")
	password := fs.String("password", "", "account password")
	if err := fs.Parse(args); err != nil {
		return err
	}

	client := api.New(api.DefaultConfig(cfg.APIURL), nil, logger)
	var (
		resp models.AuthResponse
		err  error
	)
	if cmd == "register" {
		resp, err = client.Register(ctx, models.RegisterRequest{Username: *username, Password: *password})
	} else {
		resp, err = client.Login(ctx, models.LoginRequest{Username: *username, Password: *password})
	}
	if err != nil {
		return err
	}

	if cfg.StoreKey == "" {
		logger.Warn("CHATSYNC_STORE_KEY not set, session not stored")
		fmt.Printf("user_id=%d token=%s\n", resp.User.ID, resp.Token)
		return nil
	}
	store, err := localstore.Open(cfg.StorePath, cfg.StoreKey)
	if err != nil {
		return err
	}
	defer store.Close()
	if err := store.SaveSession(ctx, localstore.Session{
		UserID:    resp.User.ID,
		Username:  resp.User.Username,
		Token:     resp.Token,
		ExpiresAt: resp.ExpiresAt,
	}); err != nil {
		return err
	}
	logger.Info("signed in", zap.Int64("user_id", resp.User.ID), zap.Time("expires_at", resp.ExpiresAt))
	return nil
}

func logout(ctx context.Context, cfg *config.Config) error {
	store, err := localstore.Open(cfg.StorePath, cfg.StoreKey)
	if err != nil {
		return err
	}
	defer store.Close()
	return store.ClearSession(ctx)
}

// credentials prefers the environment and falls back to the stored session
func credentials(ctx context.Context, cfg *config.Config, store *localstore.Store) (int64, string, error) {
	if cfg.Token != "" && cfg.UserID > 0 {
		return cfg.UserID, cfg.Token, nil
	}
	if store == nil {
		return 0, "", errors.New("no credentials: set CHATSYNC_TOKEN and CHATSYNC_USER_ID or sign in with a store key")
	}
	sess, err := store.LoadSession(ctx)
	if err != nil {
		return 0, "", fmt.Errorf("stored session: %w", err)
	}
	return sess.UserID, sess.Token, nil
}

// watch runs a sync session until interrupted and logs reconciled state
func watch(ctx context.Context, cfg *config.Config, logger *zap.Logger, args []string) error {
	fs := flag.NewFlagSet("watch", flag.ContinueOnError)
	open := fs.Int64("conversation", 0, "conversation to keep open (default: the last one opened)")
	every := fs.Duration("report", 10*time.Second, "how often to log the unread summary")
	metricsAddr := fs.String("metrics", "", "address to serve /metrics on (default: off)")
	if err := fs.Parse(args); err != nil {
		return err
	}
	if err := exposeMetrics(ctx, *metricsAddr, logger); err != nil {
		return err
	}

	var store *localstore.Store
	if cfg.StoreKey != "" {
		s, err := localstore.Open(cfg.StorePath, cfg.StoreKey)
		if err != nil {
			return err
		}
		defer s.Close()
		store = s
	}
	userID, token, err := credentials(ctx, cfg, store)
	if err != nil {
		return err
	}

	tcfg := transport.DefaultConfig()
	tcfg.InitialBackoff = cfg.ReconnectInitial
	tcfg.MaxBackoff = cfg.ReconnectMax
	tcfg.OutboxSize = cfg.OutboxSize

	tr := transport.New(tcfg, logger)
	sess := session.New(session.Config{
		WSURL:          cfg.WSURL,
		Token:          token,
		UserID:         userID,
		PageSize:       cfg.PageSize,
		DedupWindow:    cfg.DedupWindow,
		UnreadDebounce: cfg.UnreadDebounce,
		TypingTTL:      cfg.TypingTTL,
	}, tr, api.New(api.DefaultConfig(cfg.APIURL), api.StaticToken(token), logger), logger)

	sess.OnMessage(func(msg models.Message, outcome reconcile.Outcome) {
		logger.Info("message",
			zap.Int64("conversation_id", msg.ConversationID),
			zap.Int64("message_id", msg.ID),
			zap.String("from", msg.SenderName),
			zap.String("preview", msg.Preview()),
			zap.Stringer("outcome", outcome))
	})
	if err := sess.Start(ctx); err != nil {
		return err
	}
	defer sess.Stop()

	waitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	if err := tr.WaitConnected(waitCtx); err != nil {
		logger.Warn("broker not reachable yet, retrying in the background", zap.String("url", cfg.WSURL))
	}
	cancel()

	if *open == 0 && store != nil {
		if v, ok, _ := store.Preference(ctx, localstore.PrefLastConversation); ok {
			*open, _ = strconv.ParseInt(v, 10, 64)
		}
	}
	if *open > 0 {
		if err := sess.Open(ctx, *open); err != nil {
			logger.Warn("open conversation failed", zap.Int64("conversation_id", *open), zap.Error(err))
		} else if store != nil {
			if err := store.SetPreference(ctx, localstore.PrefLastConversation, strconv.FormatInt(*open, 10)); err != nil {
				logger.Warn("saving preference failed", zap.Error(err))
			}
		}
	}

	ticker := time.NewTicker(*every)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			fields := []zap.Field{
				zap.Bool("connected", sess.Connected()),
				zap.Int("conversations", sess.Conversations.Len()),
				zap.Int("unread", sess.Conversations.TotalUnread()),
			}
			if id := sess.Active(); id != 0 {
				fields = append(fields,
					zap.Int64("open", id),
					zap.Int("loaded", len(sess.Messages.Messages(id))),
					zap.Int("typing", len(sess.TypingUsers.Typing(id))))
			}
			logger.Info("sync state", fields...)
		}
	}
}

// exposeMetrics registers the client collectors and, when addr is set, serves
// them until ctx is done
func exposeMetrics(ctx context.Context, addr string, logger *zap.Logger) error {
	if err := metrics.Register(prometheus.DefaultRegisterer); err != nil {
		var already prometheus.AlreadyRegisteredError
		if !errors.As(err, &already) {
			return fmt.Errorf("metrics: %w", err)
		}
	}
	if addr == "" {
		return nil
	}

	srv := &http.Server{Addr: addr, Handler: metricsRouter(), ReadHeaderTimeout: 10 * time.Second}
	go func() {
		logger.Info("metrics listening", zap.String("addr", addr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Warn("metrics server stopped", zap.Error(err))
		}
	}()
	go func() {
		<-ctx.Done()
		srv.Close()
	}()
	return nil
}

func metricsRouter() http.Handler {
	r := mux.NewRouter()
	r.Handle("/metrics", metrics.Handler()).Methods(http.MethodGet)
	return r
}
