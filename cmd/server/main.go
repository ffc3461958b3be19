package main

import (
	"context"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"otp-service/internal/factory"
	"otp-service/internal/handler"
	"otp-service/internal/util"
)

func main() {
	f, err := factory.NewFactory()
	if err != nil {
		util.Fatal("Failed to initialize factory", util.ErrorField(err))
	}
	defer f.Close()

	cfg := f.Config()

	router := handler.NewRouter(f.OTPHandler(), func(r *http.Request) error {
		return f.HealthCheck(r.Context())
	}, util.Get())

	server := &http.Server{
		Addr:         cfg.GetServerAddress(),
		Handler:      router,
		ReadTimeout:  cfg.Server.ReadTimeout,
		WriteTimeout: cfg.Server.WriteTimeout,
		IdleTimeout:  cfg.Server.IdleTimeout,
	}

	stopJobs := startBackgroundJobs(f)

	go func() {
		if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			util.Fatal("Server failed to start", util.ErrorField(err))
		}
	}()

	util.Info("Server started",
		util.String("environment", cfg.Environment),
		util.String("address", server.Addr))

	waitForShutdown(f, server, stopJobs)
}

// startBackgroundJobs runs the expired-session sweep and the profile
// flush on their intervals until the returned stop function is called.
func startBackgroundJobs(f *factory.Factory) func() {
	ctx, cancel := context.WithCancel(context.Background())
	cfg := f.Config()

	go func() {
		ticker := time.NewTicker(cfg.OTP.CleanupInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				if _, err := f.OTPService().CleanupExpired(ctx); err != nil {
					util.Error("Expired session sweep failed", util.ErrorField(err))
				}
			case <-ctx.Done():
				return
			}
		}
	}()

	go func() {
		ticker := time.NewTicker(30 * time.Second)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				f.Executor().Profiler().Flush(ctx)
			case <-ctx.Done():
				return
			}
		}
	}()

	return cancel
}

func waitForShutdown(f *factory.Factory, server *http.Server, stopJobs func()) {
	signalChan := make(chan os.Signal, 1)
	signal.Notify(signalChan, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)

	sig := <-signalChan
	util.Info("Received shutdown signal", util.String("signal", sig.String()))

	stopJobs()

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := server.Shutdown(ctx); err != nil {
		util.Error("Failed to shutdown server gracefully", util.ErrorField(err))
	} else {
		util.Info("Server shutdown completed")
	}
	f.Close()
}
