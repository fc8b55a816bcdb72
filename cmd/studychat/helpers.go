package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"os"
	"sort"
	"strings"
	"time"

	studychat "github.com/studyhub/studychat-go"
)

// requireToken fails with a hint when no token is configured.
func requireToken(cfg *Config) error {
	if cfg.Auth.Token == "" {
		return fmt.Errorf("no token. Run 'studychat init <token>' or set STUDYCHAT_TOKEN")
	}
	return nil
}

// getAPIClient creates a REST client authenticated with the configured token.
func getAPIClient(cfg *Config) (*studychat.Client, error) {
	if err := requireToken(cfg); err != nil {
		return nil, err
	}
	var opts []studychat.ClientOption
	if cfg.Default.BaseURL != "" {
		opts = append(opts, studychat.WithBaseURL(cfg.Default.BaseURL))
	}
	opts = append(opts, studychat.WithTimeout(timeoutFlag))
	return studychat.NewClient(cfg.Auth.Token, opts...), nil
}

// configUser returns the identity from the config, falling back to the token.
func configUser(cfg *Config) (studychat.User, error) {
	if cfg.Auth.UserID != "" {
		return studychat.User{ID: studychat.ID(cfg.Auth.UserID), Name: cfg.Auth.UserName}, nil
	}
	u, err := studychat.IdentityFromToken(cfg.Auth.Token)
	if err != nil {
		return studychat.User{}, fmt.Errorf("cannot determine user id: %w (set auth.user_id)", err)
	}
	if cfg.Auth.UserName != "" {
		u.Name = cfg.Auth.UserName
	}
	return u, nil
}

func cliLogger() *log.Logger {
	if verboseFlag {
		return log.New(os.Stderr, "", log.LstdFlags)
	}
	return log.New(io.Discard, "", 0)
}

// openSession builds a session from the resolved config. The returned
// cleanup closes the session and its cache.
func openSession(ctx context.Context, cfg *Config) (*studychat.Session, func(), error) {
	api, err := getAPIClient(cfg)
	if err != nil {
		return nil, nil, err
	}
	user, err := configUser(cfg)
	if err != nil {
		return nil, nil, err
	}

	sc := studychat.SessionConfig{
		Token:  cfg.Auth.Token,
		User:   user,
		API:    api,
		Stomp:  studychat.StompConfig{URL: cfg.Default.BrokerURL},
		Logger: cliLogger(),
	}
	var redisCache *studychat.RedisCache
	if cfg.Default.RedisURL != "" {
		redisCache, err = studychat.NewRedisCache(ctx, cfg.Default.RedisURL, "")
		if err != nil {
			fmt.Fprintf(os.Stderr, "Warning: history cache disabled: %v\n", err)
		} else {
			sc.Cache = redisCache
		}
	}

	sess, err := studychat.NewSession(sc)
	if err != nil {
		if redisCache != nil {
			redisCache.Close()
		}
		return nil, nil, err
	}
	cleanup := func() {
		sess.Close()
		if redisCache != nil {
			redisCache.Close()
		}
	}
	return sess, cleanup, nil
}

// connectGroup connects sess and subscribes to groupID as the active group.
func connectGroup(ctx context.Context, sess *studychat.Session, groupID studychat.ID) error {
	ctx, cancel := context.WithTimeout(ctx, timeoutFlag)
	defer cancel()
	if err := sess.Connect(ctx); err != nil {
		return fmt.Errorf("connect failed: %w", err)
	}
	return sess.OpenGroup(groupID)
}

// ============================================================================
// Output
// ============================================================================

func printJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// formatTime renders a wire timestamp in local time.
func formatTime(ts studychat.Timestamp) string {
	t, ok := ts.Time(time.UTC)
	if !ok {
		return "--:--"
	}
	return t.Local().Format("Jan 02 15:04")
}

func printMessage(m studychat.Message) {
	status := ""
	switch m.Status {
	case studychat.StatusPending:
		status = " (sending)"
	case studychat.StatusFailed:
		status = " (failed)"
	}
	fmt.Printf("[%s] %s: %s%s\n", formatTime(m.Timestamp), m.SenderName, m.Content, status)
	if m.Poll != nil {
		for _, o := range m.Poll.Options {
			fmt.Printf("    %s. %s (%d)\n", o.ID, o.Text, len(o.Votes))
		}
	}
	if len(m.Reactions) > 0 {
		var parts []string
		for emoji, users := range m.Reactions {
			parts = append(parts, fmt.Sprintf("%s %d", emoji, len(users)))
		}
		sort.Strings(parts)
		fmt.Printf("    %s\n", strings.Join(parts, "  "))
	}
	if verboseFlag {
		fmt.Printf("    id=%s\n", m.ID)
	}
}

// maskToken shows the first 8 and last 4 characters of a token.
func maskToken(token string) string {
	if len(token) <= 16 {
		return "****"
	}
	return token[:8] + "..." + token[len(token)-4:]
}

func valueOrDefault(val, def string) string {
	if val == "" {
		return def
	}
	return val
}
