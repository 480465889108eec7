package main

import (
	"fmt"
	"os"
	"text/tabwriter"
	"time"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"
	"pkt.systems/pslog"

	"github.com/docuvault/doclease/api"
	"github.com/docuvault/doclease/client"
)

const defaultServerURL = "http://localhost:9341"

func newClientCommands(logger pslog.Logger) *cobra.Command {
	var serverURL string
	var userID, guestEmail, guestName string

	cmd := &cobra.Command{
		Use:   "client",
		Short: "talk to a running doclease server",
	}
	cmd.PersistentFlags().StringVar(&serverURL, "server", defaultServerURL, "doclease server base URL")
	cmd.PersistentFlags().StringVar(&userID, "user", "", "acting user id")
	cmd.PersistentFlags().StringVar(&guestEmail, "guest-email", "", "acting guest email")
	cmd.PersistentFlags().StringVar(&guestName, "guest-name", "", "acting guest display name")

	newClient := func() (*client.Client, error) {
		return client.New(serverURL, client.WithLogger(logger))
	}

	lockCmd := &cobra.Command{
		Use:   "lock <document-id>",
		Short: "acquire (or renew) the exclusive edit lease on a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			ttl, _ := cmd.Flags().GetInt64("ttl-minutes")
			reason, _ := cmd.Flags().GetString("reason")
			c, err := newClient()
			if err != nil {
				return err
			}
			res, err := c.Acquire(cmd.Context(), api.AcquireRequest{
				DocumentID: args[0],
				UserID:     userID,
				GuestEmail: guestEmail,
				GuestName:  guestName,
				Reason:     reason,
				TTLMinutes: ttl,
			})
			if err != nil {
				return err
			}
			if !res.Acquired {
				holder := "another user"
				if res.Lock != nil {
					holder = res.Lock.Holder
				}
				fmt.Fprintf(os.Stderr, "locked by %s%s\n", holder, expiryHint(res.Lock))
				return fmt.Errorf("document %s is already locked", args[0])
			}
			verb := "acquired"
			if res.Renewed {
				verb = "renewed"
			}
			fmt.Printf("%s lock %s on %s%s\n", verb, res.Lock.LockID, args[0], expiryHint(res.Lock))
			return nil
		},
	}
	lockCmd.Flags().Int64("ttl-minutes", 0, "lease minutes (0 server default, negative indefinite)")
	lockCmd.Flags().String("reason", "", "free-text reason stored with the lock")

	unlockCmd := &cobra.Command{
		Use:   "unlock <document-id>",
		Short: "release the lease (owners may pass --force to break any lease)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			force, _ := cmd.Flags().GetBool("force")
			c, err := newClient()
			if err != nil {
				return err
			}
			if force {
				if _, err := c.ForceRelease(cmd.Context(), api.ForceReleaseRequest{
					DocumentID:  args[0],
					RequestedBy: userID,
				}); err != nil {
					return err
				}
				fmt.Printf("force-released %s\n", args[0])
				return nil
			}
			if _, err := c.Release(cmd.Context(), api.ReleaseRequest{
				DocumentID: args[0],
				UserID:     userID,
				GuestEmail: guestEmail,
			}); err != nil {
				return err
			}
			fmt.Printf("released %s\n", args[0])
			return nil
		},
	}
	unlockCmd.Flags().Bool("force", false, "force-release as the document owner")

	statusCmd := &cobra.Command{
		Use:   "status <document-id>",
		Short: "show the document's lock state",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			history, _ := cmd.Flags().GetBool("history")
			c, err := newClient()
			if err != nil {
				return err
			}
			status, err := c.Status(cmd.Context(), args[0], client.StatusOptions{IncludeHistory: history})
			if err != nil {
				return err
			}
			if !status.Locked {
				fmt.Printf("%s is unlocked\n", args[0])
			} else {
				fmt.Printf("%s is locked by %s%s\n", args[0], status.Lock.Holder, expiryHint(status.Lock))
			}
			if len(status.History) > 0 {
				w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
				fmt.Fprintln(w, "LOCK\tHOLDER\tACQUIRED\tRELEASED\tBY")
				for _, l := range status.History {
					released := "-"
					if l.ReleasedAt > 0 {
						released = humanize.Time(time.Unix(l.ReleasedAt, 0))
					}
					fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
						l.LockID, l.Holder,
						humanize.Time(time.Unix(l.AcquiredAt, 0)),
						released, l.ReleasedBy,
					)
				}
				w.Flush()
			}
			return nil
		},
	}
	statusCmd.Flags().Bool("history", false, "include recent lock history")

	requestCmd := &cobra.Command{
		Use:   "request-access <document-id>",
		Short: "ask the current holder to yield the document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			message, _ := cmd.Flags().GetString("message")
			c, err := newClient()
			if err != nil {
				return err
			}
			res, err := c.RequestAccess(cmd.Context(), api.RequestAccessRequest{
				DocumentID:  args[0],
				RequesterID: userID,
				Message:     message,
			})
			if err != nil {
				return err
			}
			fmt.Printf("access request sent to %s\n", res.Lock.Holder)
			return nil
		},
	}
	requestCmd.Flags().String("message", "", "free-text message for the holder")

	inboxCmd := &cobra.Command{
		Use:   "inbox",
		Short: "list notifications for the acting user or guest",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			unread, _ := cmd.Flags().GetBool("unread")
			markRead, _ := cmd.Flags().GetBool("mark-read")
			recipient := userID
			if recipient == "" {
				recipient = guestEmail
			}
			c, err := newClient()
			if err != nil {
				return err
			}
			inbox, err := c.Notifications(cmd.Context(), recipient, client.NotificationsOptions{UnreadOnly: unread})
			if err != nil {
				return err
			}
			if len(inbox.Notifications) == 0 {
				fmt.Println("inbox empty")
				return nil
			}
			w := tabwriter.NewWriter(os.Stdout, 0, 8, 2, ' ', 0)
			fmt.Fprintln(w, "WHEN\tKIND\tREAD\tMESSAGE")
			for _, n := range inbox.Notifications {
				read := " "
				if n.IsRead {
					read = "x"
				}
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\n",
					humanize.Time(time.Unix(n.CreatedAt, 0)), n.Kind, read, n.Message)
			}
			w.Flush()
			if markRead {
				updated, err := c.MarkAllNotificationsRead(cmd.Context(), recipient)
				if err != nil {
					return err
				}
				fmt.Printf("marked %d notifications read\n", updated)
			}
			return nil
		},
	}
	inboxCmd.Flags().Bool("unread", false, "only unread notifications")
	inboxCmd.Flags().Bool("mark-read", false, "mark the listed notifications read")

	watchCmd := &cobra.Command{
		Use:   "watch <document-id>",
		Short: "stream live change events for a document",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cmd.SilenceUsage = true
			c, err := newClient()
			if err != nil {
				return err
			}
			watch, err := c.WatchDocument(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			defer watch.Close()
			for {
				select {
				case ev, ok := <-watch.Events():
					if !ok {
						return watch.Err()
					}
					fmt.Printf("%s %s holder=%s actor=%s %s\n",
						time.Unix(ev.AtUnix, 0).Format(time.RFC3339), ev.Type, ev.Holder, ev.Actor, ev.Message)
				case <-cmd.Context().Done():
					return nil
				}
			}
		},
	}

	cmd.AddCommand(lockCmd, unlockCmd, statusCmd, requestCmd, inboxCmd, watchCmd)
	return cmd
}

func expiryHint(l *api.LockInfo) string {
	if l == nil {
		return ""
	}
	if l.ExpiresAt == 0 {
		return " (no expiry)"
	}
	return fmt.Sprintf(" (expires %s)", humanize.Time(time.Unix(l.ExpiresAt, 0)))
}
