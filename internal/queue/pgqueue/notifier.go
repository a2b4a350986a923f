package pgqueue

import (
	"context"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/rs/zerolog"
)

const (
	notifierMinBackoff = time.Second
	notifierMaxBackoff = 30 * time.Second
)

// Notifier holds one LISTEN connection and fans notifications out to
// subscribed pollers by task name.
type Notifier struct {
	dsn     string
	channel string
	logger  zerolog.Logger

	mu   sync.Mutex
	subs map[string]map[chan struct{}]struct{}
}

func NewNotifier(dsn, channel string, logger zerolog.Logger) *Notifier {
	return &Notifier{
		dsn:     dsn,
		channel: channel,
		logger:  logger,
		subs:    make(map[string]map[chan struct{}]struct{}),
	}
}

func (n *Notifier) Subscribe(name string) (<-chan struct{}, func()) {
	ch := make(chan struct{}, 1)
	n.mu.Lock()
	if n.subs[name] == nil {
		n.subs[name] = make(map[chan struct{}]struct{})
	}
	n.subs[name][ch] = struct{}{}
	n.mu.Unlock()
	return ch, func() {
		n.mu.Lock()
		delete(n.subs[name], ch)
		n.mu.Unlock()
	}
}

func (n *Notifier) broadcast(name string) {
	n.mu.Lock()
	defer n.mu.Unlock()
	for ch := range n.subs[name] {
		select {
		case ch <- struct{}{}:
		default:
		}
	}
}

// Run listens until ctx is done, reconnecting with backoff. Pollers keep
// polling on their interval while the connection is down.
func (n *Notifier) Run(ctx context.Context) {
	backoff := notifierMinBackoff
	for ctx.Err() == nil {
		err := n.listen(ctx)
		if ctx.Err() != nil {
			return
		}
		n.logger.Warn().Err(err).Dur("retry_in", backoff).Msg("job notification listener disconnected")
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		backoff = min(backoff*2, notifierMaxBackoff)
	}
}

func (n *Notifier) listen(ctx context.Context) error {
	conn, err := pgx.Connect(ctx, n.dsn)
	if err != nil {
		return err
	}
	defer conn.Close(context.WithoutCancel(ctx))

	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{n.channel}.Sanitize()); err != nil {
		return err
	}
	n.logger.Debug().Str("channel", n.channel).Msg("listening for job notifications")

	for {
		notification, err := conn.WaitForNotification(ctx)
		if err != nil {
			return err
		}
		n.broadcast(notification.Payload)
	}
}
