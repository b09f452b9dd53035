package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/mycolab/labdb/internal/transport"
	"go.uber.org/zap"
)

const closeTimeout = 5 * time.Second

// DefaultNotifyChannel is the NOTIFY channel the change trigger publishes to
const DefaultNotifyChannel = "labdb_changes"

// TriggerFunctionSQL installs the trigger function publishing row changes as JSON.
// Attach it per table with TriggerSQL.
const TriggerFunctionSQL = `
CREATE OR REPLACE FUNCTION labdb_notify_change() RETURNS trigger AS $$
DECLARE
  payload jsonb;
BEGIN
  payload := jsonb_build_object(
    'type', TG_OP,
    'table', TG_TABLE_NAME,
    'schema', TG_TABLE_SCHEMA,
    'commit_timestamp', now(),
    'record', CASE WHEN TG_OP = 'DELETE' THEN NULL ELSE to_jsonb(NEW) END,
    'old_record', CASE WHEN TG_OP = 'INSERT' THEN NULL ELSE to_jsonb(OLD) END
  );
  PERFORM pg_notify(TG_ARGV[0], payload::text);
  RETURN NULL;
END;
$$ LANGUAGE plpgsql`

// TriggerSQL returns the statement attaching the change trigger to table
func TriggerSQL(table, channel string) string {
	ident := pgx.Identifier{table}.Sanitize()
	name := pgx.Identifier{"labdb_changes_" + table}.Sanitize()
	return fmt.Sprintf(
		"CREATE OR REPLACE TRIGGER %s AFTER INSERT OR UPDATE OR DELETE ON %s FOR EACH ROW EXECUTE FUNCTION labdb_notify_change('%s')",
		name, ident, channel)
}

// Feed implements transport.ChangeFeed with LISTEN/NOTIFY.
// Every open channel holds one dedicated pool connection.
type Feed struct {
	pool    *pgxpool.Pool
	channel string
	logger  *zap.Logger
}

// NewFeed creates a feed listening on notifyChannel (DefaultNotifyChannel when empty)
func NewFeed(pool *pgxpool.Pool, notifyChannel string, logger *zap.Logger) *Feed {
	if notifyChannel == "" {
		notifyChannel = DefaultNotifyChannel
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Feed{pool: pool, channel: notifyChannel, logger: logger}
}

// InstallTriggers creates the trigger function and attaches it to tables
func (f *Feed) InstallTriggers(ctx context.Context, tables ...string) error {
	if _, err := f.pool.Exec(ctx, TriggerFunctionSQL); err != nil {
		return fmt.Errorf("failed to install trigger function: %w", err)
	}
	for _, table := range tables {
		if _, err := f.pool.Exec(ctx, TriggerSQL(table, f.channel)); err != nil {
			return fmt.Errorf("failed to install trigger on %s: %w", table, err)
		}
	}
	return nil
}

// Open implements transport.ChangeFeed
func (f *Feed) Open(ctx context.Context, spec transport.ChannelSpec, h transport.ChannelHandlers) (transport.Channel, error) {
	match, err := transport.SpecMatcher(spec)
	if err != nil {
		return nil, err
	}

	conn, err := f.pool.Acquire(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to acquire listen connection: %w", err)
	}
	if _, err := conn.Exec(ctx, "LISTEN "+pgx.Identifier{f.channel}.Sanitize()); err != nil {
		conn.Release()
		return nil, fmt.Errorf("failed to listen on %s: %w", f.channel, err)
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	ch := &listenChannel{
		conn:   conn,
		cancel: cancel,
		done:   make(chan struct{}),
	}

	go f.listen(listenCtx, ch, spec, match, h)

	if h.OnStatus != nil {
		h.OnStatus(transport.ChannelSubscribed, nil)
	}
	return ch, nil
}

func (f *Feed) listen(ctx context.Context, ch *listenChannel, spec transport.ChannelSpec, match func(transport.ChangeEvent) bool, h transport.ChannelHandlers) {
	defer close(ch.done)

	for {
		n, err := ch.conn.Conn().WaitForNotification(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			f.logger.Warn("Change feed connection failed",
				zap.String("table", spec.Table),
				zap.Error(err))
			if h.OnStatus != nil {
				h.OnStatus(transport.ChannelError, err)
			}
			return
		}

		ev, err := DecodeNotification(n.Payload)
		if err != nil {
			f.logger.Warn("Dropping malformed change notification",
				zap.String("channel", n.Channel),
				zap.Error(err))
			continue
		}
		if match(ev) && h.OnEvent != nil {
			h.OnEvent(ev)
		}
	}
}

// DecodeNotification parses a trigger payload into a ChangeEvent
func DecodeNotification(payload string) (transport.ChangeEvent, error) {
	var ev transport.ChangeEvent
	if err := json.Unmarshal([]byte(payload), &ev); err != nil {
		return ev, fmt.Errorf("failed to decode change payload: %w", err)
	}
	if ev.Table == "" || ev.Type == "" {
		return ev, fmt.Errorf("change payload missing table or type")
	}
	return ev, nil
}

type listenChannel struct {
	conn   *pgxpool.Conn
	cancel context.CancelFunc
	done   chan struct{}
	once   sync.Once
}

// Close implements transport.Channel
func (c *listenChannel) Close() error {
	var err error
	c.once.Do(func() {
		c.cancel()
		<-c.done

		// A cancelled WaitForNotification leaves the connection unusable; drop it
		// instead of returning a LISTENing connection to the pool.
		closeCtx, cancel := context.WithTimeout(context.Background(), closeTimeout)
		defer cancel()
		err = c.conn.Conn().Close(closeCtx)
		c.conn.Release()
	})
	return err
}
