package cli

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/spf13/cobra"

	"github.com/wahub/wahub/internal/client"
	"github.com/wahub/wahub/internal/logging"
)

func newWatchCmd(root *rootOptions) *cobra.Command {
	var sessionID string
	cmd := &cobra.Command{
		Use:   "watch",
		Short: "Stream dashboard events from a running server",
		Long: `Stream session status changes, QR codes, log lines and inbound
messages. The stream reconnects automatically until interrupted.`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			wsURL, err := client.WebSocketURL(root.serverURL)
			if err != nil {
				return err
			}
			logger, err := logging.New(logging.LevelWarn, logging.FormatText, cmd.ErrOrStderr())
			if err != nil {
				return err
			}

			out := cmd.OutOrStdout()
			c := client.NewWSClient(wsURL, logger)
			err = c.Watch(cmd.Context(), client.Handler{
				OnConnect: func() { fmt.Fprintf(out, "connected to %s\n", wsURL) },
				OnDisconnect: func(err error) {
					logger.Warn("stream lost, reconnecting", slog.Any("error", err))
				},
				OnEvent: func(ev client.Event) {
					if line, ok := formatEvent(ev, sessionID); ok {
						fmt.Fprintln(out, line)
					}
				},
			})
			if errors.Is(err, context.Canceled) {
				if missed := c.Missed(); missed > 0 {
					fmt.Fprintf(out, "%d events were dropped by the server\n", missed)
				}
				return nil
			}
			return err
		},
	}
	cmd.Flags().StringVarP(&sessionID, "session", "s", "", "only show events for this session")
	return cmd
}

// formatEvent renders ev as one line, or reports false when it is filtered
// out.
func formatEvent(ev client.Event, sessionID string) (string, bool) {
	ts := time.Now().Format(time.TimeOnly)
	matches := func(id string) bool { return sessionID == "" || id == sessionID }

	switch ev.Type {
	case client.MsgInitSessions:
		var parts []byte
		for _, s := range ev.Sessions {
			if !matches(s.ID) {
				continue
			}
			if len(parts) > 0 {
				parts = append(parts, ", "...)
			}
			parts = fmt.Appendf(parts, "%s=%s", s.ID, s.Status)
		}
		if len(parts) == 0 {
			return fmt.Sprintf("%s sessions: none", ts), true
		}
		return fmt.Sprintf("%s sessions: %s", ts, parts), true
	case client.MsgSessionStatus:
		if !matches(ev.Status.SessionID) {
			return "", false
		}
		return fmt.Sprintf("%s [%s] status %s", ts, ev.Status.SessionID, ev.Status.Status), true
	case client.MsgLog:
		if !matches(ev.Log.SessionID) {
			return "", false
		}
		return fmt.Sprintf("%s [%s] %s", ev.Log.Timestamp.Local().Format(time.TimeOnly), ev.Log.SessionID, ev.Log.Message), true
	case client.MsgQRCode:
		if !matches(ev.QR.SessionID) {
			return "", false
		}
		if ev.QR.QR == nil {
			return fmt.Sprintf("%s [%s] qr cleared", ts, ev.QR.SessionID), true
		}
		return fmt.Sprintf("%s [%s] qr %s", ts, ev.QR.SessionID, *ev.QR.QR), true
	case client.MsgMessage:
		if !matches(ev.Message.SessionID) || ev.Message.Message == nil {
			return "", false
		}
		m := ev.Message.Message
		from := m.PushName
		if from == "" {
			from = m.Chat
		}
		return fmt.Sprintf("%s [%s] <- %s: %s", ts, ev.Message.SessionID, from, m.Text), true
	case client.MsgError:
		return fmt.Sprintf("%s error: %s", ts, ev.Error.Message), true
	}
	return "", false
}

