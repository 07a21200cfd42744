package main

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/ehrlich-b/wingrelay/internal/agent"
	"github.com/ehrlich-b/wingrelay/internal/auth"
	"github.com/ehrlich-b/wingrelay/internal/config"
	"github.com/ehrlich-b/wingrelay/internal/ws"
)

func chatCmd(configPath *string) *cobra.Command {
	var (
		urlFlag     string
		kindFlag    string
		sessionFlag string
		deviceFlag  string
		tokenFlag   string
	)

	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Chat with an agent through a running relay",
		RunE: func(cmd *cobra.Command, args []string) error {
			kind, err := agent.ParseKind(kindFlag)
			if err != nil {
				return err
			}
			token, err := resolveToken(tokenFlag)
			if err != nil {
				return err
			}

			ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt)
			defer stop()

			endpoint := strings.TrimRight(urlFlag, "/") + "/api/" + string(kind) + "/ws"
			c, err := ws.Dial(ctx, endpoint, token)
			if errors.Is(err, ws.ErrAuthRejected) {
				return fmt.Errorf("relay rejected the token; run `wingrelay token --save` or pass --token")
			}
			if err != nil {
				return err
			}
			defer c.Close()

			session := sessionFlag
			if session == "" {
				session = c.Ready().SessionID
			}
			fmt.Fprintf(os.Stderr, "%s\nsession %s, /quit to exit\n", c.Ready().Content, session)

			in := bufio.NewScanner(os.Stdin)
			for {
				fmt.Fprint(os.Stderr, "> ")
				if !in.Scan() {
					return in.Err()
				}
				line := strings.TrimSpace(in.Text())
				if line == "" {
					continue
				}
				if line == "/quit" {
					return nil
				}
				done, err := c.Ask(ctx, ws.TurnFrame{Content: line, SessionID: session, DeviceID: deviceFlag}, func(ev ws.Event) {
					fmt.Print(ev.Content)
				})
				var relayErr *ws.RelayError
				if errors.As(err, &relayErr) {
					fmt.Fprintln(os.Stderr, relayErr.Msg)
					continue
				}
				if err != nil {
					return err
				}
				fmt.Printf("\n[%d messages]\n", done.MessageCount)
			}
		},
	}

	cmd.Flags().StringVar(&urlFlag, "url", "ws://localhost:8080", "relay base URL")
	cmd.Flags().StringVar(&kindFlag, "kind", "primary", "agent kind (primary or secondary)")
	cmd.Flags().StringVar(&sessionFlag, "session", "", "session id (default: one per connection)")
	cmd.Flags().StringVar(&deviceFlag, "device", "wingrelay-cli", "device id reported to the relay")
	cmd.Flags().StringVar(&tokenFlag, "token", "", "API key or signed token (default: $WINGRELAY_TOKEN, saved token, or prompt)")
	return cmd
}

// resolveToken picks the first of: flag, $WINGRELAY_TOKEN, a saved unexpired
// token, or a no-echo prompt.
func resolveToken(flag string) (string, error) {
	if flag != "" {
		return flag, nil
	}
	if v := os.Getenv("WINGRELAY_TOKEN"); v != "" {
		return v, nil
	}
	if dir, err := config.GetUserConfigDir(); err == nil {
		ts := auth.NewTokenStore(dir)
		if tok, err := ts.Load(); err == nil && ts.IsValid(tok) {
			return tok.Token, nil
		}
	}
	return promptSecret("Token: ")
}

func promptSecret(prompt string) (string, error) {
	fd := int(os.Stdin.Fd())
	if !term.IsTerminal(fd) {
		return "", errors.New("no token given and stdin is not a terminal")
	}
	fmt.Fprint(os.Stderr, prompt)
	b, err := term.ReadPassword(fd)
	fmt.Fprintln(os.Stderr)
	if err != nil {
		return "", fmt.Errorf("read token: %w", err)
	}
	s := strings.TrimSpace(string(b))
	if s == "" {
		return "", errors.New("empty token")
	}
	return s, nil
}
