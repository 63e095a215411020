package main

import (
	"context"
	"errors"
	"net"
	"net/http"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"metachat/dm-sync-service/internal/config"
	"metachat/dm-sync-service/internal/fanout"
	grpcServer "metachat/dm-sync-service/internal/grpc"
	"metachat/dm-sync-service/internal/service"
	"metachat/dm-sync-service/internal/session"
	"metachat/dm-sync-service/internal/transport/httpapi"
	"metachat/dm-sync-service/internal/transport/websocket"

	"github.com/sirupsen/logrus"
	"github.com/sourcegraph/conc"
	"github.com/spf13/cobra"
	"google.golang.org/grpc"
	"google.golang.org/grpc/reflection"

	pb "github.com/kegazani/metachat-proto/chat"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Serve the websocket sync endpoint, the HTTP API and gRPC",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			return serve(cfg, newLogger(cfg.Logging))
		},
	}
}

func serve(cfg *config.Config, logger *logrus.Logger) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	chatRepo, cleanup, err := openRepository(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := chatRepo.InitializeTables(); err != nil {
		logger.WithError(err).Error("Failed to initialize database tables")
		return err
	}

	chatService := service.NewChatService(chatRepo, logger, cfg.Sync.EnrichConcurrency)
	registry := session.NewRegistry(logger)
	hub := websocket.NewHub(logger)
	dispatcher := fanout.NewDispatcher(chatService, fanout.NewFeedSubscriber(chatRepo), registry, hub, logger, fanout.Options{
		SnapshotTimeout: cfg.Sync.SnapshotTimeout,
		EventTimeout:    cfg.Sync.EventTimeout,
	})
	hub.SetConnector(dispatcher)

	httpAddress := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.HTTPPort))
	httpSrv := &http.Server{
		Addr: httpAddress,
		Handler: httpapi.NewServer(chatService, logger, map[string]http.Handler{
			cfg.Server.WSPath: hub,
		}),
		ReadHeaderTimeout: 10 * time.Second,
	}

	grpcAddress := net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.GRPCPort))
	lis, err := net.Listen("tcp", grpcAddress)
	if err != nil {
		logger.WithError(err).Errorf("Failed to listen on %s", grpcAddress)
		return err
	}

	grpcSrv := grpc.NewServer()
	pb.RegisterChatServiceServer(grpcSrv, grpcServer.NewChatServer(chatService, logger))

	if cfg.GRPC.ReflectionEnabled {
		reflection.Register(grpcSrv)
		logger.Info("gRPC reflection enabled")
	}

	errCh := make(chan error, 2)
	var wg conc.WaitGroup

	wg.Go(func() {
		logger.WithField("ws_path", cfg.Server.WSPath).Infof("Starting HTTP server on %s", httpAddress)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	})
	wg.Go(func() {
		logger.Infof("Starting gRPC server on %s", grpcAddress)
		if err := grpcSrv.Serve(lis); err != nil {
			errCh <- err
		}
	})

	var serveErr error
	select {
	case <-ctx.Done():
	case serveErr = <-errCh:
		logger.WithError(serveErr).Error("Server failed")
	}

	logger.Info("Shutting down servers...")
	shutdown(cfg.GRPC.ShutdownTimeout, logger, httpSrv, grpcSrv, dispatcher, hub)
	wg.Wait()

	logger.Info("Server exited")
	return serveErr
}

func shutdown(timeout time.Duration, logger *logrus.Logger, httpSrv *http.Server, grpcSrv *grpc.Server, dispatcher *fanout.Dispatcher, hub *websocket.Hub) {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeout)
	defer cancel()

	if err := dispatcher.Shutdown(); err != nil {
		logger.WithError(err).Warn("Errors while closing sessions")
	}
	hub.CloseAll()

	if err := httpSrv.Shutdown(ctx); err != nil {
		logger.WithError(err).Warn("HTTP server shutdown incomplete")
	}

	done := make(chan struct{})
	go func() {
		grpcSrv.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("gRPC server exited gracefully")
	case <-ctx.Done():
		logger.Info("gRPC server shutdown timeout")
		grpcSrv.Stop()
	}
}
