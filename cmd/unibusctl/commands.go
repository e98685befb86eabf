package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"

	"github.com/drivup/unibus/internal/config"
	"github.com/drivup/unibus/internal/identity"
	"github.com/drivup/unibus/internal/rest"
	"github.com/drivup/unibus/internal/store"
)

func resolveProfile(flag string) (string, error) {
	name := identity.Resolve(flag)
	if err := identity.ValidateName(name); err != nil {
		return "", err
	}
	return name, nil
}

func loadConfig() (*config.Config, error) {
	return config.Load(identity.ConfigPath())
}

// openStore opens the profile cache read/write and applies migrations. The
// TUI may hold the profile lock concurrently; SQLite's busy timeout covers
// the short reads the CLI does.
func openStore(profile string) (*store.DB, error) {
	if err := identity.EnsureDir(profile); err != nil {
		return nil, err
	}
	db, err := store.Open(identity.CacheDBPath(profile))
	if err != nil {
		return nil, err
	}
	if _, err := db.Migrate(); err != nil {
		_ = db.Close()
		return nil, err
	}
	return db, nil
}

func newLoginCmd(profileFlag *string) *cobra.Command {
	var userID int64
	var token string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Store backend credentials for a profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			profile, err := resolveProfile(*profileFlag)
			if err != nil {
				return err
			}
			if userID <= 0 || token == "" {
				return fmt.Errorf("both --user-id and --token are required")
			}
			if err := identity.Save(profile, &identity.Identity{UserID: userID, Token: token}); err != nil {
				return err
			}
			fmt.Printf("profile %q logged in as user %d\n", profile, userID)
			return nil
		},
	}
	cmd.Flags().Int64Var(&userID, "user-id", 0, "backend user id")
	cmd.Flags().StringVar(&token, "token", "", "backend API token")
	return cmd
}

func newLogoutCmd(profileFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Remove stored credentials for a profile",
		RunE: func(cmd *cobra.Command, args []string) error {
			profile, err := resolveProfile(*profileFlag)
			if err != nil {
				return err
			}
			if err := identity.Clear(profile); err != nil {
				return err
			}
			fmt.Printf("profile %q logged out\n", profile)
			return nil
		},
	}
}

func newStatusCmd(profileFlag *string, jsonOut *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show profile, auth and cache state",
		RunE: func(cmd *cobra.Command, args []string) error {
			profile, err := resolveProfile(*profileFlag)
			if err != nil {
				return err
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}

			out := map[string]any{
				"profile": profile,
				"api_url": cfg.APIURL,
				"ws_url":  cfg.WSURL,
			}

			id, err := identity.Load(profile)
			if err != nil {
				out["authenticated"] = false
			} else {
				out["authenticated"] = true
				out["user_id"] = id.UserID
			}

			if db, err := openStore(profile); err == nil {
				convs, _ := db.ConversationCount()
				msgs, _ := db.MessageCount()
				out["cached_conversations"] = convs
				out["cached_messages"] = msgs
				_ = db.Close()
			}

			if *jsonOut {
				return outputJSON(out)
			}
			fmt.Printf("Profile:       %s\n", profile)
			fmt.Printf("API:           %s\n", cfg.APIURL)
			fmt.Printf("WebSocket:     %s\n", cfg.WSURL)
			if out["authenticated"] == true {
				fmt.Printf("Authenticated: yes (user %d)\n", out["user_id"])
			} else {
				fmt.Println("Authenticated: no")
			}
			if n, ok := out["cached_conversations"]; ok {
				fmt.Printf("Cache:         %d conversations, %d messages\n", n, out["cached_messages"])
			}
			return nil
		},
	}
}

func newConversationsCmd(profileFlag *string, jsonOut *bool) *cobra.Command {
	var refresh bool

	cmd := &cobra.Command{
		Use:   "conversations",
		Short: "List cached conversations",
		RunE: func(cmd *cobra.Command, args []string) error {
			profile, err := resolveProfile(*profileFlag)
			if err != nil {
				return err
			}
			id, err := identity.Load(profile)
			if err != nil {
				return err
			}
			db, err := openStore(profile)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			if refresh {
				cfg, err := loadConfig()
				if err != nil {
					return err
				}
				client := rest.NewClient(cfg.APIURL, id.Token)
				ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				convs, err := client.Conversations(ctx, id.UserID)
				if err != nil {
					return fmt.Errorf("refresh: %w", err)
				}
				if err := db.ReplaceConversations(convs); err != nil {
					return err
				}
			}

			convs, err := db.ListConversations(100, 0)
			if err != nil {
				return err
			}
			if *jsonOut {
				return outputJSON(convs)
			}
			if len(convs) == 0 {
				fmt.Println("No cached conversations. Try --refresh.")
				return nil
			}
			for _, c := range convs {
				_, name := c.Recipient(id.UserID)
				badge := ""
				if c.UnreadCount > 0 {
					badge = fmt.Sprintf(" (%d unread)", c.UnreadCount)
				}
				fmt.Printf("%-6d %-24s %s%s\n", c.ID, name, c.LastMessage, badge)
			}
			return nil
		},
	}
	cmd.Flags().BoolVar(&refresh, "refresh", false, "refetch from the backend before listing")
	return cmd
}

func newSendCmd(profileFlag *string) *cobra.Command {
	return &cobra.Command{
		Use:   "send <conversation-id> <text>",
		Short: "Send a message over REST",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			profile, err := resolveProfile(*profileFlag)
			if err != nil {
				return err
			}
			convID, err := strconv.ParseInt(args[0], 10, 64)
			if err != nil {
				return fmt.Errorf("invalid conversation id %q", args[0])
			}
			id, err := identity.Load(profile)
			if err != nil {
				return err
			}
			db, err := openStore(profile)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			conv, err := db.GetConversation(convID)
			if err != nil {
				return err
			}
			if conv == nil {
				return fmt.Errorf("conversation %d not cached: run 'unibusctl conversations --refresh'", convID)
			}
			receiverID, _ := conv.Recipient(id.UserID)

			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			client := rest.NewClient(cfg.APIURL, id.Token)
			ctx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
			defer cancel()

			serverMsgID, err := client.SendMessage(ctx, rest.SendRequest{
				ConversationID: convID,
				SenderID:       id.UserID,
				ReceiverID:     receiverID,
				MessageText:    args[1],
				ClientMsgID:    uuid.NewString(),
			})
			if err != nil {
				return err
			}
			fmt.Printf("sent message %s to conversation %d\n", serverMsgID, convID)
			return nil
		},
	}
}

func newSearchCmd(profileFlag *string, jsonOut *bool) *cobra.Command {
	return &cobra.Command{
		Use:   "search <query>",
		Short: "Full-text search over cached messages",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			profile, err := resolveProfile(*profileFlag)
			if err != nil {
				return err
			}
			db, err := openStore(profile)
			if err != nil {
				return err
			}
			defer func() { _ = db.Close() }()

			results, err := db.SearchMessages(args[0], 0, 50)
			if err != nil {
				return err
			}
			if *jsonOut {
				return outputJSON(results)
			}
			if len(results) == 0 {
				fmt.Println("No matches.")
				return nil
			}
			for _, r := range results {
				ts := time.UnixMilli(r.Message.SentAt).Format("2006-01-02 15:04")
				fmt.Printf("conv %-6d %s  %s\n", r.Message.ConversationID, ts, r.Snippet)
			}
			return nil
		},
	}
}

func outputJSON(v any) error {
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
