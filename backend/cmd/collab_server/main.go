package main

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"doccollab/backend/config"
	"doccollab/backend/internal/auth"
	"doccollab/backend/internal/collab"
	"doccollab/backend/internal/logger"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

type loader func() (*config.Config, zerolog.Logger, error)

func newRootCmd() *cobra.Command {
	var cfgFile string
	root := &cobra.Command{
		Use:          "collab_server",
		Short:        "Real-time collaborative plain-text editing service",
		SilenceUsage: true,
	}
	root.PersistentFlags().StringVarP(&cfgFile, "config", "c", "", "config file (default: collabConfig.yaml in ./backend/config, ./config or .)")

	load := func() (*config.Config, zerolog.Logger, error) {
		cfg, err := config.Load(cfgFile)
		if err != nil {
			return nil, zerolog.Nop(), err
		}
		return cfg, logger.New(cfg.Log), nil
	}

	root.AddCommand(
		newServeCmd(load),
		newMaterializeCmd(load),
		newCompactCmd(load),
		newTokenCmd(load),
	)
	return root
}

func newServeCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the HTTP and websocket server",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()
			return runServer(ctx, cfg, log)
		},
	}
}

// materialize / compact 直接打开存储，badger 模式下不能和运行中的服务同时使用同一个目录
func newMaterializeCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "materialize <docID>",
		Short: "Print the current content and version of a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			st, err := openStore(cfg, log)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			snap, err := collab.NewCatchUp(st, collab.NewOpLog(st)).Materialize(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, snap)
		},
	}
}

func newCompactCmd(load loader) *cobra.Command {
	return &cobra.Command{
		Use:   "compact <docID>",
		Short: "Write a snapshot of the document at its current version",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, log, err := load()
			if err != nil {
				return err
			}
			st, err := openStore(cfg, log)
			if err != nil {
				return err
			}
			defer st.Close()

			ctx, cancel := context.WithTimeout(cmd.Context(), time.Minute)
			defer cancel()
			source := collab.NewCatchUp(st, collab.NewOpLog(st))
			snap, err := collab.NewCompactor(st, source, collab.CompactorOptions{Logger: log}).CompactNow(ctx, args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"documentId": snap.DocumentID, "version": snap.Version})
		},
	}
}

func newTokenCmd(load loader) *cobra.Command {
	var (
		userID uint64
		name   string
		ttl    time.Duration
	)
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Sign an access token with the configured secret (local development)",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, _, err := load()
			if err != nil {
				return err
			}
			if cfg.Auth.Secret == "" {
				return errors.New("auth.secret is empty")
			}
			if ttl <= 0 {
				ttl = cfg.Auth.TokenTTL
			}
			token, expiresAt, err := auth.NewSigner(cfg.Auth.Secret).SignAccessToken(userID, name, ttl)
			if err != nil {
				return err
			}
			return printJSON(cmd, map[string]any{"token": token, "expiresAt": expiresAt.UTC()})
		},
	}
	cmd.Flags().Uint64Var(&userID, "user", 0, "user id")
	cmd.Flags().StringVar(&name, "name", "", "username")
	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default auth.tokenTTL)")
	_ = cmd.MarkFlagRequired("user")
	return cmd
}

func printJSON(cmd *cobra.Command, v any) error {
	enc := json.NewEncoder(cmd.OutOrStdout())
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
