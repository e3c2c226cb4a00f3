package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"roamlist/api/internal/app"
	"roamlist/api/internal/auth"
	"roamlist/api/internal/chat"
	"roamlist/api/internal/collab"
	"roamlist/api/internal/config"
	"roamlist/api/internal/email"
	"roamlist/api/internal/logger"
	"roamlist/api/internal/media"
	"roamlist/api/internal/realtime"
	"roamlist/api/internal/search"
	"roamlist/api/internal/session"
	"roamlist/api/internal/store"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		panic(err)
	}
	log, err := logger.New(cfg.LogMode)
	if err != nil {
		panic(err)
	}
	defer log.Sync()

	ctx := context.Background()

	dataStore, applied, err := store.OpenBackend(ctx, store.BackendOptions{
		Backend:       cfg.StoreBackend,
		DatabaseURL:   cfg.DatabaseURL,
		MigrationsDir: cfg.MigrationsDir,
		BadgerPath:    cfg.BadgerPath,
	})
	if err != nil {
		log.Fatal("store unavailable", "backend", cfg.StoreBackend, "error", err)
	}
	defer dataStore.Close()
	log.Info("store ready", "backend", cfg.StoreBackend, "migrationsApplied", applied)

	var bus realtime.Bus
	if strings.TrimSpace(cfg.RedisURL) != "" {
		redisBus, err := realtime.NewRedisBus(cfg.RedisURL, cfg.RedisChannel, log)
		if err != nil {
			log.Fatal("redis connection failed", "error", err)
		}
		bus = redisBus
		log.Info("using redis for realtime fan-out", "channel", cfg.RedisChannel)
	} else {
		bus = realtime.NewLocalBus()
		log.Info("using in-process realtime fan-out")
	}
	hub := realtime.NewHub(log, cfg.SocketBuffer)
	bridge := realtime.NewBridge(bus, hub)
	if err := bridge.Start(ctx); err != nil {
		log.Fatal("realtime forwarder failed", "error", err)
	}
	defer bridge.Close()

	var index chat.SearchIndex
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meiliClient := search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, log)
		defer meiliClient.Close()
		searchService := search.NewService(meiliClient, log)
		defer searchService.Wait()
		index = searchService
	}

	var uploader *media.Uploader
	if cfg.MinioConfigured() {
		objects, err := media.NewMinioStore(media.MinioConfig{
			Endpoint:  cfg.MinioEndpoint,
			AccessKey: cfg.MinioAccessKey,
			SecretKey: cfg.MinioSecretKey,
			Bucket:    cfg.MinioBucket,
			UseSSL:    cfg.MinioUseSSL,
			BaseURL:   cfg.MediaBaseURL,
		})
		if err != nil {
			log.Fatal("object storage unavailable", "error", err)
		}
		if err := objects.EnsureBucket(ctx); err != nil {
			log.Warn("object storage bucket check failed", "bucket", cfg.MinioBucket, "error", err)
		}
		uploader = media.NewUploader(objects, media.DefaultMaxBytes, log)
	}

	var mailer collab.Mailer
	if cfg.SMTPConfigured() {
		mailer = email.NewService(email.Config{
			Host:     cfg.SMTPHost,
			Port:     cfg.SMTPPort,
			Username: cfg.SMTPUsername,
			Password: cfg.SMTPPassword,
			From:     cfg.SMTPFrom,
			FromName: cfg.SMTPFromName,
		})
	} else {
		log.Info("smtp not configured; invite e-mails disabled")
	}

	coordinator := collab.NewCoordinator(dataStore, collab.Options{
		Mailer:      mailer,
		Logger:      log,
		RequestsURL: strings.TrimRight(cfg.AppBaseURL, "/") + "/requests",
	})
	defer coordinator.Wait()
	chatService := chat.NewService(dataStore, chat.Options{
		Publisher:        bridge,
		Index:            index,
		Logger:           log,
		DefaultPageLimit: cfg.MessagePageLimit,
	})

	verifier := auth.NewVerifier(cfg.JWTSecret)
	sessions := session.NewManager(verifier, chatService, hub, log)

	httpServer := app.NewHTTPServer(app.Deps{
		Collab:   coordinator,
		Chat:     chatService,
		Media:    uploader,
		Verifier: verifier,
		Store:    dataStore,
		Sockets:  session.NewWSHandler(sessions, cfg.CORSOrigin, log),
		Logger:   log,
	}, cfg.CORSOrigin)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      30 * time.Second,
		IdleTimeout:       60 * time.Second,
	}

	go func() {
		log.Info("roamlist api listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatal("server failed", "error", err)
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	sessions.CloseAll()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Error("shutdown error", "error", err)
	}
	log.Info("roamlist api stopped", "openSessions", sessions.Count())
}
