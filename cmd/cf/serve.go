package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"caseflow/internal/app"
	"caseflow/internal/config"
	"caseflow/internal/db"
	"caseflow/internal/engine"
	"caseflow/internal/mcp"
	"caseflow/internal/migrate"
	"caseflow/internal/repo"
	"caseflow/internal/server"
	"caseflow/internal/telemetry"
)

var version = "dev"

func serveCmd() *cobra.Command {
	var addr, basePath string
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP API server and the outbox dispatcher",
		RunE: func(cmd *cobra.Command, args []string) error {
			env, err := config.LoadServerEnv()
			if err != nil {
				return err
			}
			if addr == "" {
				addr = env.Addr
			}
			if basePath == "" {
				basePath = env.BasePath
			}
			if env.JWTSecret == "" && !env.AllowLegacyActorHeader {
				return fmt.Errorf("CASEFLOW_JWT_SECRET is required for bearer auth")
			}
			ctx := cmd.Context()
			shutdownTracing, err := telemetry.Setup(ctx, "caseflow", env.OTelEndpoint)
			if err != nil {
				return err
			}
			defer func() {
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				_ = shutdownTracing(sctx)
			}()

			conn, err := db.Open(db.Config{Workspace: viper.GetString("workspace"), BusyTimeoutMS: env.BusyTimeoutMS})
			if err != nil {
				return err
			}
			defer conn.Close()
			if err := migrate.Migrate(conn); err != nil {
				return err
			}
			e := engine.New(conn)

			handler, err := server.New(server.Config{
				Engine:   e,
				BasePath: basePath,
				Auth: server.AuthConfig{
					JWTSecret:              env.JWTSecret,
					AllowLegacyActorHeader: env.AllowLegacyActorHeader,
					DevLogin:               env.DevLogin,
				},
			})
			if err != nil {
				return err
			}

			if env.OutboxGatewayURL != "" {
				d, err := server.NewDispatcher(e, server.DispatcherConfig{
					GatewayURL:   env.OutboxGatewayURL,
					PollInterval: env.OutboxPollInterval,
					BatchSize:    env.OutboxBatchSize,
					MaxAttempts:  env.OutboxMaxAttempts,
				})
				if err != nil {
					return err
				}
				go d.Run(ctx)
			} else {
				log.Printf("outbox dispatcher disabled: CASEFLOW_OUTBOX_GATEWAY_URL not set")
			}

			srv := &http.Server{Addr: addr, Handler: handler}
			go func() {
				<-ctx.Done()
				sctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				defer cancel()
				srv.Shutdown(sctx)
			}()
			fmt.Printf("Serving Caseflow API on http://%s%s (OpenAPI at %s/openapi.json, Swagger UI at %s/docs)\n", addr, basePath, basePath, basePath)
			if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return err
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&addr, "addr", "", "listen address (default CASEFLOW_ADDR)")
	cmd.Flags().StringVar(&basePath, "base-path", "", "API base path (default CASEFLOW_BASE_PATH)")
	return cmd
}

func mcpCmd() *cobra.Command {
	m := &cobra.Command{Use: "mcp", Short: "Model Context Protocol server for assistants"}
	var agent string
	serve := &cobra.Command{
		Use:   "serve",
		Short: "Serve case tools over stdio; every call acts as an ai actor",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withRepo(cmd.Context(), func(ctx context.Context, r repo.Repo) error {
				tenantID, _, err := app.ResolveTenantAndConfig(ctx, viper.GetString("tenant"), viper.GetString("actor-id"), r)
				if err != nil {
					return err
				}
				return mcp.NewServer(engine.New(r.DB), tenantID, agent, version).Run(ctx)
			})
		},
	}
	serve.Flags().StringVar(&agent, "agent", "assistant", "reference recorded for the assistant's actions")
	m.AddCommand(serve)
	return m
}
