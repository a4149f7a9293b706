package realtime

import (
	"context"
	"encoding/json"
	"log/slog"
	"time"

	"github.com/jackc/pgx/v5"
)

// Listener holds a dedicated Postgres connection on LISTEN and forwards
// trigger notifications into the hub. It reconnects with backoff when
// the connection drops.
type Listener struct {
	connString string
	channel    string
	hub        *Hub
}

func NewListener(connString, channel string, hub *Hub) *Listener {
	return &Listener{
		connString: connString,
		channel:    channel,
		hub:        hub,
	}
}

// Run blocks until ctx is cancelled.
func (l *Listener) Run(ctx context.Context) {
	backoff := time.Second

	for {
		if err := l.listen(ctx); err != nil {
			if ctx.Err() != nil {
				return
			}
			slog.Error("vote listener disconnected", "error", err, "retry_in", backoff)

			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return
			}
			if backoff < 30*time.Second {
				backoff *= 2
			}
			continue
		}
		return
	}
}

func (l *Listener) listen(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, l.connString)
	if err != nil {
		return err
	}
	defer conn.Close(context.Background())

	if _, err := conn.Exec(ctx, "LISTEN "+l.channel); err != nil {
		return err
	}

	slog.Info("vote listener started", "channel", l.channel)

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			return err
		}

		var ev VoteEvent
		if err := json.Unmarshal([]byte(notification.Payload), &ev); err != nil {
			slog.Warn("bad vote notification payload", "payload", notification.Payload, "error", err)
			continue
		}

		l.hub.Publish(ev)
	}
}
