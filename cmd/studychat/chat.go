package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"
	studychat "github.com/studyhub/studychat-go"
)

// ============================================================================
// Flag variables
// ============================================================================

var (
	// poll
	pollOptions       []string
	pollAllowMultiple bool
	pollAnonymous     bool

	// send
	sendReplyTo string
	sendNoWait  bool

	// tail
	tailHistory bool
)

// ============================================================================
// groups
// ============================================================================

var groupsCmd = &cobra.Command{
	Use:   "groups",
	Short: "List the groups you created or joined",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := resolveConfig()
		if err != nil {
			return err
		}
		client, err := getAPIClient(cfg)
		if err != nil {
			return err
		}
		user, err := configUser(cfg)
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeoutFlag)
		defer cancel()

		list, err := client.Groups.List(ctx, user.ID)
		if err != nil {
			return fmt.Errorf("request failed: %w", err)
		}
		if jsonOutput {
			return printJSON(list)
		}

		if len(list.Active) == 0 && len(list.Archived) == 0 {
			fmt.Println("No groups.")
			return nil
		}
		for _, g := range list.Active {
			fmt.Printf("%-8s %-30s %s\n", g.ID, g.Name, g.Subject)
		}
		if len(list.Archived) > 0 {
			fmt.Println()
			fmt.Println("Archived:")
			for _, g := range list.Archived {
				fmt.Printf("%-8s %-30s %s\n", g.ID, g.Name, g.Subject)
			}
		}
		return nil
	},
}

// ============================================================================
// history
// ============================================================================

var historyCmd = &cobra.Command{
	Use:   "history <group-id>",
	Short: "Print a group's stored messages and polls",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		groupID := studychat.ID(args[0])
		cfg, err := resolveConfig()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(context.Background(), timeoutFlag)
		defer cancel()

		sess, cleanup, err := openSession(ctx, cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		h, err := sess.LoadHistory(ctx, groupID)
		if err != nil {
			return err
		}
		msgs := sess.Messages(groupID)
		if jsonOutput {
			return printJSON(msgs)
		}

		if h.Group != nil {
			fmt.Printf("# %s\n", h.Group.Name)
		}
		if h.FromCache {
			fmt.Println("(offline: showing cached history)")
		}
		for _, m := range msgs {
			printMessage(m)
		}
		return nil
	},
}

// ============================================================================
// tail
// ============================================================================

var tailCmd = &cobra.Command{
	Use:   "tail <group-id>",
	Short: "Follow a group live until interrupted",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		groupID := studychat.ID(args[0])
		cfg, err := resolveConfig()
		if err != nil {
			return err
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		sess, cleanup, err := openSession(ctx, cfg)
		if err != nil {
			return err
		}
		defer cleanup()

		if tailHistory {
			hctx, cancel := context.WithTimeout(ctx, timeoutFlag)
			if _, err := sess.LoadHistory(hctx, groupID); err != nil {
				fmt.Fprintf(os.Stderr, "Warning: history unavailable: %v\n", err)
			}
			cancel()
			for _, m := range sess.Messages(groupID) {
				printMessage(m)
			}
		}

		sess.On(studychat.EventMessageReceived, func(_ string, p any) {
			if ev, ok := p.(studychat.MessageEventPayload); ok && ev.GroupID == groupID {
				printMessage(ev.Message)
			}
		})
		sess.On(studychat.EventPollUpdated, func(_ string, p any) {
			if ev, ok := p.(studychat.PollEventPayload); ok && ev.GroupID == groupID {
				fmt.Printf("* poll %q now has %d votes\n", ev.Poll.Question, ev.Poll.TotalVotes)
			}
		})
		sess.On(studychat.EventReaction, func(_ string, p any) {
			if ev, ok := p.(studychat.ReactionEventPayload); ok && ev.GroupID == groupID {
				fmt.Printf("* %s reacted %s to %s\n", ev.UserID, ev.Emoji, ev.MessageID)
			}
		})
		sess.On(studychat.EventTyping, func(_ string, p any) {
			ev, ok := p.(studychat.TypingEventPayload)
			if !ok || ev.GroupID != groupID || len(ev.Users) == 0 {
				return
			}
			names := make([]string, len(ev.Users))
			for i, u := range ev.Users {
				names[i] = u.UserName
			}
			fmt.Printf("* %s typing...\n", strings.Join(names, ", "))
		})
		sess.On(studychat.EventPresence, func(_ string, p any) {
			if ev, ok := p.(studychat.PresenceEventPayload); ok && ev.GroupID == groupID {
				fmt.Printf("* %d online\n", len(ev.Users))
			}
		})
		sess.On(studychat.EventDisconnected, func(_ string, p any) {
			if ev, ok := p.(studychat.DisconnectedPayload); ok && ev.Err != nil {
				fmt.Fprintf(os.Stderr, "* connection lost (%v), reconnecting\n", ev.Err)
			}
		})
		sess.On(studychat.EventConnected, func(string, any) {
			fmt.Fprintln(os.Stderr, "* connected")
		})

		if err := connectGroup(ctx, sess, groupID); err != nil {
			// The session keeps retrying in the background.
			fmt.Fprintf(os.Stderr, "Warning: %v\n", err)
			if err := sess.OpenGroup(groupID); err != nil {
				return err
			}
		}

		<-ctx.Done()
		return nil
	},
}

// ============================================================================
// send
// ============================================================================

var sendCmd = &cobra.Command{
	Use:   "send <group-id> <message>",
	Short: "Send a message to a group",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		groupID := studychat.ID(args[0])
		var opts *studychat.SendOptions
		if sendReplyTo != "" {
			opts = &studychat.SendOptions{ReplyTo: &studychat.ReplyRef{ID: studychat.ID(sendReplyTo)}}
		}
		return withGroup(groupID, func(ctx context.Context, sess *studychat.Session) error {
			events := watchOwnMessages(sess, groupID)
			m, err := sess.SendMessage(groupID, args[1], opts)
			if err != nil {
				return err
			}
			return reportSend(ctx, events, m)
		})
	},
}

// ============================================================================
// poll
// ============================================================================

var pollCmd = &cobra.Command{
	Use:   "poll <group-id> <question>",
	Short: "Create a poll in a group",
	Long:  "Create a poll. Pass at least two --option flags.\nExample: studychat poll 42 \"Meet when?\" --option Mon --option Tue",
	Args:  cobra.ExactArgs(2),
	RunE: func(cmd *cobra.Command, args []string) error {
		groupID := studychat.ID(args[0])
		in := studychat.PollInput{
			Question:      args[1],
			Options:       pollOptions,
			AllowMultiple: pollAllowMultiple,
			Anonymous:     pollAnonymous,
		}
		return withGroup(groupID, func(ctx context.Context, sess *studychat.Session) error {
			events := watchOwnMessages(sess, groupID)
			m, err := sess.SendPoll(groupID, in)
			if err != nil {
				return err
			}
			return reportSend(ctx, events, m)
		})
	},
}

// ============================================================================
// vote / react
// ============================================================================

var voteCmd = &cobra.Command{
	Use:   "vote <group-id> <message-id> <poll-id> <option-id>...",
	Short: "Vote on a poll",
	Args:  cobra.MinimumNArgs(4),
	RunE: func(cmd *cobra.Command, args []string) error {
		groupID := studychat.ID(args[0])
		options := make([]studychat.ID, 0, len(args)-3)
		for _, o := range args[3:] {
			options = append(options, studychat.ID(o))
		}
		return withGroup(groupID, func(ctx context.Context, sess *studychat.Session) error {
			if err := sess.VotePoll(groupID, studychat.ID(args[1]), studychat.ID(args[2]), options...); err != nil {
				return err
			}
			return flushed(sess)
		})
	},
}

var reactCmd = &cobra.Command{
	Use:   "react <group-id> <message-id> <emoji>",
	Short: "React to a message",
	Args:  cobra.ExactArgs(3),
	RunE: func(cmd *cobra.Command, args []string) error {
		groupID := studychat.ID(args[0])
		return withGroup(groupID, func(ctx context.Context, sess *studychat.Session) error {
			if err := sess.AddReaction(groupID, studychat.ID(args[1]), args[2]); err != nil {
				return err
			}
			return flushed(sess)
		})
	},
}

// ============================================================================
// Helpers
// ============================================================================

// withGroup opens a session, connects and subscribes to groupID, then runs fn.
func withGroup(groupID studychat.ID, fn func(ctx context.Context, sess *studychat.Session) error) error {
	cfg, err := resolveConfig()
	if err != nil {
		return err
	}
	ctx, cancel := context.WithTimeout(context.Background(), timeoutFlag)
	defer cancel()

	sess, cleanup, err := openSession(ctx, cfg)
	if err != nil {
		return err
	}
	defer cleanup()

	if err := connectGroup(ctx, sess, groupID); err != nil {
		return err
	}
	return fn(ctx, sess)
}

// watchOwnMessages forwards status events for groupID's outgoing messages.
func watchOwnMessages(sess *studychat.Session, groupID studychat.ID) <-chan studychat.Message {
	ch := make(chan studychat.Message, 16)
	forward := func(_ string, p any) {
		ev, ok := p.(studychat.MessageEventPayload)
		if !ok || ev.GroupID != groupID {
			return
		}
		select {
		case ch <- ev.Message:
		default:
		}
	}
	sess.On(studychat.EventMessageConfirmed, forward)
	sess.On(studychat.EventMessageFailed, forward)
	return ch
}

// reportSend waits for the server echo of m unless --no-wait is set.
func reportSend(ctx context.Context, events <-chan studychat.Message, m studychat.Message) error {
	if m.Status == studychat.StatusFailed {
		return errors.New("send failed")
	}
	if sendNoWait {
		fmt.Printf("Sent (%s)\n", m.Status)
		return nil
	}
	for {
		select {
		case got := <-events:
			if got.ClientID != m.ClientID {
				continue
			}
			if got.Status == studychat.StatusFailed {
				return errors.New("send failed")
			}
			if jsonOutput {
				return printJSON(got)
			}
			fmt.Printf("Delivered. Message ID: %s\n", got.ID)
			return nil
		case <-ctx.Done():
			fmt.Println("Sent, but no confirmation from the server yet.")
			return nil
		}
	}
}

// flushed reports an error if a queued publish is still waiting.
func flushed(sess *studychat.Session) error {
	if pending := sess.Pending(); len(pending) > 0 {
		return fmt.Errorf("not delivered: %s", valueOrDefault(pending[0].LastError, "broker unavailable"))
	}
	fmt.Println("Done.")
	return nil
}

func init() {
	sendCmd.Flags().StringVar(&sendReplyTo, "reply-to", "", "Message ID to reply to")
	sendCmd.Flags().BoolVar(&sendNoWait, "no-wait", false, "Do not wait for the server echo")

	pollCmd.Flags().StringArrayVar(&pollOptions, "option", nil, "Poll option (repeatable)")
	pollCmd.Flags().BoolVar(&pollAllowMultiple, "multiple", false, "Allow voting for several options")
	pollCmd.Flags().BoolVar(&pollAnonymous, "anonymous", false, "Hide voter identities")

	tailCmd.Flags().BoolVar(&tailHistory, "history", true, "Print stored history before following")

	rootCmd.AddCommand(groupsCmd, historyCmd, tailCmd, sendCmd, pollCmd, voteCmd, reactCmd)
}
