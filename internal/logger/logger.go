// Package logger implements a non-blocking, batched usage logger.
//
// Entries are written to an internal buffered channel and flushed in batches
// by a background goroutine, so logging never blocks the proxy hot path. If
// the channel fills up (> 10 000 entries), new entries are dropped and counted
// in DroppedLogs.
//
// Every entry is emitted via slog. When a ClickHouse sink is configured the
// same batches are also inserted into the usage table for analytics. Key
// material never appears in entries; keys are identified by fingerprint only.
package logger

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/ClickHouse/clickhouse-go/v2"
	"github.com/ClickHouse/clickhouse-go/v2/lib/driver"
)

const (
	channelBuffer = 10_000
	batchSize     = 100
	flushInterval = time.Second
)

// Entry is one completed proxy request.
type Entry struct {
	RequestID    string
	Service      string
	Model        string
	KeyHash      string
	InputTokens  uint32
	OutputTokens uint32
	LatencyMs    uint32
	Status       uint16
	CreatedAt    time.Time
}

// Logger batches usage entries to slog and, optionally, ClickHouse.
type Logger struct {
	ch        chan Entry
	done      chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup

	droppedLogs int64

	baseCtx context.Context
	log     *slog.Logger
	sink    driver.Conn
	table   string
}

// ClickHouseConfig configures the optional analytics sink. A zero Addr
// disables the sink entirely.
type ClickHouseConfig struct {
	Addr     string
	Database string
	Username string
	Password string
	Table    string
}

func New(ctx context.Context, slogger *slog.Logger, ch ClickHouseConfig) (*Logger, error) {
	if ctx == nil {
		return nil, fmt.Errorf("logger: context must not be nil")
	}
	if slogger == nil {
		slogger = slog.New(slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		}))
	}

	l := &Logger{
		ch:      make(chan Entry, channelBuffer),
		done:    make(chan struct{}),
		baseCtx: ctx,
		log:     slogger,
	}

	if ch.Addr != "" {
		conn, err := openClickHouse(ctx, ch)
		if err != nil {
			return nil, err
		}
		l.sink = conn
		l.table = ch.Table
		if l.table == "" {
			l.table = "keygate_requests"
		}
		if err := l.ensureTable(ctx); err != nil {
			return nil, err
		}
	}

	l.wg.Add(1)
	go l.run()

	return l, nil
}

// Log enqueues one entry. It never blocks: if the buffer is full the entry is
// dropped and counted.
func (l *Logger) Log(requestID, service, model, keyHash string, inTokens, outTokens int, latency time.Duration, status int) {
	e := Entry{
		RequestID:    requestID,
		Service:      service,
		Model:        model,
		KeyHash:      keyHash,
		InputTokens:  clampU32(inTokens),
		OutputTokens: clampU32(outTokens),
		LatencyMs:    clampU32(int(latency.Milliseconds())),
		Status:       uint16(status),
		CreatedAt:    time.Now().UTC(),
	}
	select {
	case l.ch <- e:
	default:
		atomic.AddInt64(&l.droppedLogs, 1)
	}
}

func (l *Logger) DroppedLogs() int64 {
	return atomic.LoadInt64(&l.droppedLogs)
}

// Close drains the buffer, flushes the final batch, and closes the sink.
func (l *Logger) Close() error {
	l.closeOnce.Do(func() {
		close(l.done)
	})
	l.wg.Wait()
	if l.sink != nil {
		return l.sink.Close()
	}
	return nil
}

func (l *Logger) run() {
	defer l.wg.Done()

	ticker := time.NewTicker(flushInterval)
	defer ticker.Stop()

	batch := make([]Entry, 0, batchSize)

	flush := func(ctx context.Context) {
		if len(batch) == 0 {
			return
		}
		for _, e := range batch {
			l.log.InfoContext(ctx, "request",
				slog.String("id", e.RequestID),
				slog.String("service", e.Service),
				slog.String("model", e.Model),
				slog.String("key", e.KeyHash),
				slog.Uint64("input_tokens", uint64(e.InputTokens)),
				slog.Uint64("output_tokens", uint64(e.OutputTokens)),
				slog.Uint64("latency_ms", uint64(e.LatencyMs)),
				slog.Uint64("status", uint64(e.Status)),
				slog.Time("created_at", e.CreatedAt),
			)
		}
		if l.sink != nil {
			if err := l.insert(ctx, batch); err != nil {
				l.log.WarnContext(ctx, "clickhouse_insert_failed",
					slog.Int("entries", len(batch)),
					slog.String("error", err.Error()),
				)
			}
		}
		batch = batch[:0]
	}

	for {
		select {
		case entry := <-l.ch:
			batch = append(batch, entry)
			if len(batch) >= batchSize {
				flush(l.baseCtx)
			}

		case <-ticker.C:
			flush(l.baseCtx)

		case <-l.done:
			for {
				select {
				case entry := <-l.ch:
					batch = append(batch, entry)
					if len(batch) >= batchSize {
						flush(l.baseCtx)
					}
				default:
					flush(l.baseCtx)
					return
				}
			}
		}
	}
}

func (l *Logger) insert(ctx context.Context, entries []Entry) error {
	b, err := l.sink.PrepareBatch(ctx, "INSERT INTO "+l.table)
	if err != nil {
		return err
	}
	for _, e := range entries {
		if err := b.Append(
			e.RequestID,
			e.Service,
			e.Model,
			e.KeyHash,
			e.InputTokens,
			e.OutputTokens,
			e.LatencyMs,
			e.Status,
			e.CreatedAt,
		); err != nil {
			return err
		}
	}
	return b.Send()
}

func (l *Logger) ensureTable(ctx context.Context) error {
	ddl := `CREATE TABLE IF NOT EXISTS ` + l.table + ` (
		request_id    String,
		service       LowCardinality(String),
		model         LowCardinality(String),
		key_hash      String,
		input_tokens  UInt32,
		output_tokens UInt32,
		latency_ms    UInt32,
		status        UInt16,
		created_at    DateTime
	) ENGINE = MergeTree()
	ORDER BY (service, created_at)`
	return l.sink.Exec(ctx, ddl)
}

func openClickHouse(ctx context.Context, cfg ClickHouseConfig) (driver.Conn, error) {
	conn, err := clickhouse.Open(&clickhouse.Options{
		Addr: []string{cfg.Addr},
		Auth: clickhouse.Auth{
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
		},
		DialTimeout: 5 * time.Second,
	})
	if err != nil {
		return nil, fmt.Errorf("logger: clickhouse open: %w", err)
	}
	if err := conn.Ping(ctx); err != nil {
		return nil, fmt.Errorf("logger: clickhouse ping: %w", err)
	}
	return conn, nil
}

func clampU32(n int) uint32 {
	if n < 0 {
		return 0
	}
	if n > int(^uint32(0)) {
		return ^uint32(0)
	}
	return uint32(n)
}
