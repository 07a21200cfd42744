package main

import (
	"encoding/base64"
	"fmt"
	"os"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/ehrlich-b/wingrelay/internal/auth"
	"github.com/ehrlich-b/wingrelay/internal/config"
	"github.com/ehrlich-b/wingrelay/internal/conversation"
	"github.com/ehrlich-b/wingrelay/internal/logger"
	"github.com/ehrlich-b/wingrelay/internal/store"
)

func pruneCmd(configPath *string) *cobra.Command {
	var olderThan time.Duration

	cmd := &cobra.Command{
		Use:   "prune",
		Short: "Delete conversations past retention from the database",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			logger.InitWriter(os.Stderr, cfg.Logging.Level)
			retention := cfg.Store.Retention
			if olderThan > 0 {
				retention = olderThan
			}

			dbPath := cfg.DBPath()
			before := fileSize(dbPath)
			st, err := store.Open(dbPath, store.WithCompression(cfg.CompressBlobs()))
			if err != nil {
				return fmt.Errorf("open store: %w", err)
			}
			defer st.Close()

			n, err := conversation.NewManager(st, conversation.Options{}).Sweep(retention)
			if err != nil {
				return err
			}
			remaining, err := st.CountConversations()
			if err != nil {
				return err
			}
			fmt.Printf("deleted %d conversations inactive for %s; %d remain (%s on disk)\n",
				n, retention, remaining, humanize.Bytes(uint64(before)))
			return nil
		},
	}

	cmd.Flags().DurationVar(&olderThan, "older-than", 0, "retention override (default: store.retention)")
	return cmd
}

func tokenCmd(configPath *string) *cobra.Command {
	var (
		ttl       time.Duration
		save      bool
		forget    bool
		genSecret bool
	)

	cmd := &cobra.Command{
		Use:   "token [subject]",
		Short: "Issue a signed client token",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if forget {
				dir, err := config.GetUserConfigDir()
				if err != nil {
					return err
				}
				if err := auth.NewTokenStore(dir).Delete(); err != nil {
					return err
				}
				fmt.Fprintln(os.Stderr, "saved token removed")
				return nil
			}
			if genSecret {
				secret, err := auth.GenerateSecret()
				if err != nil {
					return err
				}
				fmt.Println(secret)
				return nil
			}
			if len(args) == 0 {
				return fmt.Errorf("subject is required")
			}

			cfg, err := config.Load(*configPath)
			if err != nil {
				return err
			}
			if cfg.Auth.JWTSecret == "" {
				return fmt.Errorf("auth.jwt_secret is not set; create one with `wingrelay token --generate-secret`")
			}
			secret, err := base64.StdEncoding.DecodeString(cfg.Auth.JWTSecret)
			if err != nil {
				return fmt.Errorf("decode jwt secret: %w", err)
			}
			if ttl <= 0 {
				ttl = cfg.Auth.TokenTTL
			}
			token, exp, err := auth.IssueJWT(secret, args[0], ttl)
			if err != nil {
				return err
			}
			fmt.Println(token)
			fmt.Fprintf(os.Stderr, "expires %s (%s)\n", exp.Format(time.RFC3339), humanize.Time(exp))

			if save {
				if err := config.EnsureConfigDir(); err != nil {
					return err
				}
				dir, err := config.GetUserConfigDir()
				if err != nil {
					return err
				}
				if err := auth.NewTokenStore(dir).Save(&auth.ClientToken{
					Token:     token,
					Subject:   args[0],
					IssuedAt:  time.Now().Unix(),
					ExpiresAt: exp.Unix(),
				}); err != nil {
					return err
				}
				fmt.Fprintln(os.Stderr, "saved for `wingrelay chat`")
			}
			return nil
		},
	}

	cmd.Flags().DurationVar(&ttl, "ttl", 0, "token lifetime (default: auth.token_ttl)")
	cmd.Flags().BoolVar(&save, "save", false, "save the token for chat")
	cmd.Flags().BoolVar(&forget, "forget", false, "delete the saved token and exit")
	cmd.Flags().BoolVar(&genSecret, "generate-secret", false, "print a new auth.jwt_secret and exit")
	return cmd
}

func hashKeyCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "hash-key [key]",
		Short: "Print a bcrypt hash of an API key for auth.api_key_hash",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var key string
			if len(args) == 1 {
				key = args[0]
			} else {
				var err error
				if key, err = promptSecret("API key: "); err != nil {
					return err
				}
			}
			hash, err := auth.HashKey(key)
			if err != nil {
				return err
			}
			fmt.Println(hash)
			return nil
		},
	}
}

func fileSize(path string) int64 {
	fi, err := os.Stat(path)
	if err != nil {
		return 0
	}
	return fi.Size()
}
