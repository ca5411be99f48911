package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"github.com/sigerd/fieldsync/internal/auth"
	"github.com/sigerd/fieldsync/internal/config"
	"github.com/sigerd/fieldsync/internal/database"
	"github.com/sigerd/fieldsync/internal/hub"
	"github.com/sigerd/fieldsync/internal/logging"
	"github.com/sigerd/fieldsync/internal/server"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
	"go.uber.org/zap"
)

func newHubCommand() *cobra.Command {
	hubCmd := &cobra.Command{
		Use:   "hub",
		Short: "Run or administer the central sync hub",
	}

	serveCmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve the hub HTTP API",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return runHub(cmd.Context())
		},
	}

	var agentName string
	tokenCmd := &cobra.Command{
		Use:   "token <device-id>",
		Short: "Issue a device token",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			hubConfig, err := config.LoadHub(viper.GetViper())
			if err != nil {
				return err
			}
			issuer, err := auth.NewTokenIssuer(tokenConfig(hubConfig))
			if err != nil {
				return err
			}
			token, expiresIn, err := issuer.IssueDeviceToken(cmd.Context(), args[0], agentName)
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			fmt.Fprintf(cmd.ErrOrStderr(), "expires in %s\n", time.Duration(expiresIn)*time.Second)
			return nil
		},
	}
	tokenCmd.Flags().StringVar(&agentName, "agent", "", "Name of the agent operating the device")

	hubCmd.AddCommand(serveCmd, tokenCmd)
	return hubCmd
}

func tokenConfig(hubConfig config.HubConfig) auth.TokenConfig {
	return auth.TokenConfig{
		SigningSecret: []byte(hubConfig.SigningSecret),
		TokenTTL:      hubConfig.TokenTTL,
	}
}

func runHub(ctx context.Context) error {
	hubConfig, err := config.LoadHub(viper.GetViper())
	if err != nil {
		return err
	}

	logger, err := logging.NewLogger(hubConfig.LogLevel, "hub", "")
	if err != nil {
		return err
	}
	defer logger.Sync() //nolint:errcheck

	db, err := database.OpenHubSQLite(hubConfig.DatabasePath, logger)
	if err != nil {
		return err
	}
	sqlDB, err := db.DB()
	if err != nil {
		return err
	}
	defer sqlDB.Close()

	validator, err := auth.NewTokenValidator(tokenConfig(hubConfig))
	if err != nil {
		return err
	}

	recordService, err := hub.NewService(hub.ServiceConfig{
		Database: db,
		Clock:    time.Now,
		Logger:   logger,
	})
	if err != nil {
		return err
	}

	handler, err := server.NewHTTPHandler(server.Dependencies{
		TokenValidator: validator,
		RecordService:  recordService,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	httpServer := &http.Server{
		Addr:              hubConfig.HTTPAddress,
		Handler:           handler,
		ReadHeaderTimeout: 10 * time.Second,
	}

	signalCtx, stop := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 1)
	go func() {
		logger.Info("hub starting", zap.String("address", hubConfig.HTTPAddress))
		err := httpServer.ListenAndServe()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-signalCtx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return httpServer.Shutdown(shutdownCtx)
	case err := <-errCh:
		return err
	}
}
