// Package replication drives a single logical-replication connection (C2):
// publication/slot reconciliation, the pgoutput streaming loop, standby
// status reporting, lag tracking, and optional write-coalescing before
// handing decoded Changes to the Change Bus (C4).
package replication

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/jackc/pglogrepl"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgproto3"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/r3e-network/accessplane/internal/changebus"
	"github.com/r3e-network/accessplane/internal/walproto"
	"github.com/r3e-network/accessplane/pkg/logger"
	"github.com/r3e-network/accessplane/pkg/metrics"
)

// State is a step in the Connection's state machine, mirroring spec.md §4.2.
type State string

const (
	StateDisconnected        State = "disconnected"
	StateCheckPublication    State = "check_publication"
	StateReconcilePublication State = "reconcile_publication"
	StateCheckSlot           State = "check_replication_slot"
	StateCreateSlot          State = "create_slot"
	StateStreaming           State = "streaming"
)

// Config parameterizes a Connection. Zero FlushBufferSize and FlushInterval
// mean immediate mode: every Change is dispatched synchronously.
type Config struct {
	Region          string
	DSN             string
	PublicationName string
	SlotName        string
	Tables          []string // "schema.table"
	LagWarn         time.Duration
	LagCrit         time.Duration
	FlushBufferSize int
	FlushInterval   time.Duration
	StatusInterval  time.Duration
}

func (c Config) withDefaults() Config {
	if c.LagWarn == 0 {
		c.LagWarn = 30 * time.Second
	}
	if c.LagCrit == 0 {
		c.LagCrit = 60 * time.Second
	}
	if c.StatusInterval == 0 {
		c.StatusInterval = 10 * time.Second
	}
	return c
}

// Connection owns one replication slot against one Postgres primary/replica.
type Connection struct {
	cfg  Config
	bus  *changebus.Bus
	log  *logger.Logger
	pool *pgxpool.Pool // used for publication/slot reconciliation DDL

	mu              sync.Mutex
	state           State
	relations       map[uint32]walproto.Relation
	lastFlushedLSN  pglogrepl.LSN
	bufferedChanges map[string]changebus.Change // key -> last-write-wins change
	lagWarned       bool
	lagExceeded     bool

	counter      uint64
	lastKeepAlive time.Time
}

// New constructs a Connection. pool is used only for the DDL reconciliation
// steps (publication/slot management); streaming uses its own pgconn.
func New(cfg Config, bus *changebus.Bus, pool *pgxpool.Pool, log *logger.Logger) *Connection {
	cfg = cfg.withDefaults()
	return &Connection{
		cfg:             cfg,
		bus:             bus,
		pool:            pool,
		log:             log,
		state:           StateDisconnected,
		relations:       make(map[uint32]walproto.Relation),
		bufferedChanges: make(map[string]changebus.Change),
	}
}

// State returns the Connection's current step, for health reporting.
func (c *Connection) State() State {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Connection) setState(s State) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
	metrics.RecordReplicationState(c.cfg.Region, string(s))
}

// Run drives the Connection until ctx is cancelled or an unrecoverable error
// occurs. A plain disconnect is not an error: it logs and returns nil so the
// Replication Manager (C3) can decide whether to restart.
func (c *Connection) Run(ctx context.Context) error {
	c.setState(StateDisconnected)

	if err := c.reconcilePublication(ctx); err != nil {
		return fmt.Errorf("replication: reconcile publication: %w", err)
	}
	if err := c.reconcileSlot(ctx); err != nil {
		return fmt.Errorf("replication: reconcile slot: %w", err)
	}

	connConfig, err := pgconn.ParseConfig(c.cfg.DSN)
	if err != nil {
		return fmt.Errorf("replication: parse dsn: %w", err)
	}
	if connConfig.RuntimeParams == nil {
		connConfig.RuntimeParams = map[string]string{}
	}
	connConfig.RuntimeParams["replication"] = "database"

	conn, err := pgconn.ConnectConfig(ctx, connConfig)
	if err != nil {
		c.log.WithError(err).Warn("replication: connect failed, will retry")
		return nil
	}
	defer conn.Close(ctx)

	sysident, err := pglogrepl.IdentifySystem(ctx, conn)
	if err != nil {
		return fmt.Errorf("replication: identify system: %w", err)
	}

	pluginArgs := []string{"proto_version '1'", "messages 'true'", "publication_names '" + c.cfg.PublicationName + "'"}
	if err := pglogrepl.StartReplication(ctx, conn, c.cfg.SlotName, sysident.XLogPos, pglogrepl.StartReplicationOptions{PluginArgs: pluginArgs}); err != nil {
		return fmt.Errorf("replication: start replication: %w", err)
	}

	c.setState(StateStreaming)
	c.log.WithField("region", c.cfg.Region).Info("replication: streaming started")

	return c.stream(ctx, conn, sysident.XLogPos)
}

func (c *Connection) stream(ctx context.Context, conn *pgconn.PgConn, startLSN pglogrepl.LSN) error {
	clientXLogPos := startLSN
	standbyDeadline := time.Now().Add(c.cfg.StatusInterval)

	var flushTicker *time.Ticker
	var flushC <-chan time.Time
	if c.cfg.FlushInterval > 0 {
		flushTicker = time.NewTicker(c.cfg.FlushInterval)
		defer flushTicker.Stop()
		flushC = flushTicker.C
	}

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-flushC:
			c.flushBuffer()
		default:
		}

		if time.Now().After(standbyDeadline) {
			if err := c.sendStandbyStatus(ctx, conn, clientXLogPos); err != nil {
				return fmt.Errorf("replication: standby status: %w", err)
			}
			standbyDeadline = time.Now().Add(c.cfg.StatusInterval)
			c.logStatus(clientXLogPos)
		}

		recvCtx, cancel := context.WithTimeout(ctx, c.cfg.StatusInterval)
		msg, err := conn.ReceiveMessage(recvCtx)
		cancel()
		if err != nil {
			if ctx.Err() != nil {
				return nil
			}
			if pgconn.Timeout(err) {
				continue
			}
			c.log.WithError(err).Warn("replication: receive failed, disconnecting")
			return nil
		}

		cd, ok := msg.(*pgproto3.CopyData)
		if !ok {
			continue
		}
		data := cd.Data
		if len(data) == 0 {
			continue
		}

		switch data[0] {
		case pglogrepl.PrimaryKeepaliveMessageByteID:
			ka, err := pglogrepl.ParsePrimaryKeepaliveMessage(data[1:])
			if err != nil {
				return fmt.Errorf("replication: parse keepalive: %w", err)
			}
			if ka.ServerWALEnd > clientXLogPos {
				clientXLogPos = ka.ServerWALEnd
			}
			if err := c.sendStandbyStatus(ctx, conn, clientXLogPos); err != nil {
				return fmt.Errorf("replication: standby status: %w", err)
			}
			c.lastKeepAlive = time.Now()
			standbyDeadline = time.Now().Add(c.cfg.StatusInterval)

		case pglogrepl.XLogDataByteID:
			xld, err := pglogrepl.ParseXLogData(data[1:])
			if err != nil {
				return fmt.Errorf("replication: parse xlogdata: %w", err)
			}
			if xld.WALStart > clientXLogPos {
				clientXLogPos = xld.WALStart + pglogrepl.LSN(len(xld.WALData))
			}
			c.handleWrite(xld)
			c.counter++
		}
	}
}

// logStatus emits the periodic status line spec.md §4.2 calls for: counter,
// last sent LSN, and last keep-alive time.
func (c *Connection) logStatus(lastLSN pglogrepl.LSN) {
	c.mu.Lock()
	counter, lastKA := c.counter, c.lastKeepAlive
	c.mu.Unlock()
	c.log.WithField("region", c.cfg.Region).WithField("messages", counter).
		WithField("last_lsn", lastLSN.String()).WithField("last_keepalive", lastKA).
		Debug("replication: status")
}

// sendStandbyStatus implements the write/flush/apply position rules of
// spec.md §4.2: immediate mode reports everything at wal_end+1; buffered
// mode reports flush/apply at the last flushed batch's high-water mark plus
// one, or at wal_end+1 while nothing has been flushed yet.
func (c *Connection) sendStandbyStatus(ctx context.Context, conn *pgconn.PgConn, walEnd pglogrepl.LSN) error {
	write := walEnd + 1

	c.mu.Lock()
	flush := write
	if c.cfg.FlushBufferSize > 0 || c.cfg.FlushInterval > 0 {
		if c.lastFlushedLSN != 0 {
			flush = c.lastFlushedLSN + 1
		}
	}
	c.mu.Unlock()

	return pglogrepl.SendStandbyStatusUpdate(ctx, conn, pglogrepl.StandbyStatusUpdate{
		WALWritePosition: write,
		WALFlushPosition: flush,
		WALApplyPosition: flush,
	})
}

func (c *Connection) handleWrite(xld pglogrepl.XLogData) {
	typeOf := func(uint32) string { return "" } // base type names aren't needed for JSON-cell decoding
	msg, err := walproto.Decode(xld.WALData, typeOf)
	if err != nil {
		c.log.WithError(err).Warn("replication: malformed wal payload")
		return
	}

	switch {
	case msg.Begin != nil:
		lagMS := time.Since(walproto.TimeFromPGMicros(msg.Begin.CommitTimestamp)).Milliseconds()
		c.evaluateLag(time.Duration(lagMS) * time.Millisecond)

	case msg.Relation != nil:
		c.mu.Lock()
		c.relations[msg.Relation.ID] = *msg.Relation
		c.mu.Unlock()

	case msg.Insert != nil:
		c.emit(changebus.OpInsert, msg.Insert.RelationID, nil, msg.Insert.New, uint64(xld.WALStart))

	case msg.Update != nil:
		old := msg.Update.Old
		if old == nil {
			old = msg.Update.Key
		}
		c.emit(changebus.OpUpdate, msg.Update.RelationID, old, msg.Update.New, uint64(xld.WALStart))

	case msg.Delete != nil:
		old := msg.Delete.Old
		if old == nil {
			old = msg.Delete.Key
		}
		c.emit(changebus.OpDelete, msg.Delete.RelationID, old, nil, uint64(xld.WALStart))
	}
}

func (c *Connection) evaluateLag(lag time.Duration) {
	metrics.RecordReplicationLag(c.cfg.Region, lag)
	c.mu.Lock()
	defer c.mu.Unlock()

	if lag >= c.cfg.LagCrit {
		if !c.lagExceeded {
			c.log.WithField("lag_ms", lag.Milliseconds()).Error("replication: lag exceeded critical threshold, dropping writes until recovered")
		}
		c.lagExceeded = true
		return
	}
	c.lagExceeded = false

	if lag >= c.cfg.LagWarn {
		if !c.lagWarned {
			c.log.WithField("lag_ms", lag.Milliseconds()).Warn("replication: lag exceeded warning threshold")
			c.lagWarned = true
		}
		return
	}
	c.lagWarned = false
}

func (c *Connection) emit(op changebus.Op, relationID uint32, oldTuple, newTuple walproto.Tuple, lsn uint64) {
	c.mu.Lock()
	rel, known := c.relations[relationID]
	dropping := c.lagExceeded
	c.mu.Unlock()
	if !known || dropping {
		return
	}

	walproto.DecodeJSONCells(newTuple, rel.Columns)
	walproto.DecodeJSONCells(oldTuple, rel.Columns)

	change := changebus.Change{
		LSN:   lsn,
		Op:    op,
		Table: rel.Namespace + "." + rel.Name,
		Old:   tupleToMap(oldTuple, rel.Columns),
		New:   tupleToMap(newTuple, rel.Columns),
	}

	if c.cfg.FlushBufferSize == 0 && c.cfg.FlushInterval == 0 {
		c.bus.Publish(change)
		return
	}

	key := bufferKey(change)
	c.mu.Lock()
	c.bufferedChanges[key] = change
	shouldFlush := len(c.bufferedChanges) >= c.cfg.FlushBufferSize && c.cfg.FlushBufferSize > 0
	c.mu.Unlock()

	if shouldFlush {
		c.flushBuffer()
	}
}

func (c *Connection) flushBuffer() {
	c.mu.Lock()
	if len(c.bufferedChanges) == 0 {
		c.mu.Unlock()
		return
	}
	batch := c.bufferedChanges
	c.bufferedChanges = make(map[string]changebus.Change)
	c.mu.Unlock()

	var high pglogrepl.LSN
	for _, change := range batch {
		c.bus.Publish(change)
		if pglogrepl.LSN(change.LSN) > high {
			high = pglogrepl.LSN(change.LSN)
		}
	}

	c.mu.Lock()
	if high > c.lastFlushedLSN {
		c.lastFlushedLSN = high
	}
	c.mu.Unlock()
}

func bufferKey(change changebus.Change) string {
	id := ""
	if v, ok := change.New["id"]; ok {
		id = fmt.Sprint(v)
	} else if v, ok := change.Old["id"]; ok {
		id = fmt.Sprint(v)
	}
	return change.Table + ":" + id
}

func tupleToMap(t walproto.Tuple, columns []walproto.Column) map[string]interface{} {
	if len(t) == 0 {
		return nil
	}
	out := make(map[string]interface{}, len(t))
	for i, cell := range t {
		name := fmt.Sprintf("col_%d", i)
		if i < len(columns) {
			name = columns[i].Name
		}
		switch cell.Kind {
		case walproto.CellNull:
			out[name] = nil
		case walproto.CellUnchangedTOAST:
			// omitted: value unchanged and not transmitted by the publisher
		default:
			if cell.Decoded != nil {
				out[name] = cell.Decoded
			} else {
				out[name] = string(cell.Raw)
			}
		}
	}
	return out
}

// reconcilePublication creates the publication if missing and diffs its
// table list against cfg.Tables, adding/dropping as needed (spec.md §4.2).
func (c *Connection) reconcilePublication(ctx context.Context) error {
	c.setState(StateCheckPublication)

	row := c.pool.QueryRow(ctx, `SELECT 1 FROM pg_publication WHERE pubname = $1`, c.cfg.PublicationName)
	var exists int
	err := row.Scan(&exists)
	if err == pgx.ErrNoRows {
		tableList := strings.Join(c.cfg.Tables, ", ")
		_, err := c.pool.Exec(ctx, fmt.Sprintf(`CREATE PUBLICATION %s FOR TABLE %s`, c.cfg.PublicationName, tableList))
		return err
	}
	if err != nil {
		return err
	}

	c.setState(StateReconcilePublication)
	rows, err := c.pool.Query(ctx, `SELECT schemaname || '.' || tablename FROM pg_publication_tables WHERE pubname = $1`, c.cfg.PublicationName)
	if err != nil {
		return err
	}
	defer rows.Close()

	current := make(map[string]struct{})
	for rows.Next() {
		var t string
		if err := rows.Scan(&t); err != nil {
			return err
		}
		current[t] = struct{}{}
	}

	desired := make(map[string]struct{}, len(c.cfg.Tables))
	for _, t := range c.cfg.Tables {
		desired[t] = struct{}{}
	}

	for t := range desired {
		if _, ok := current[t]; !ok {
			if _, err := c.pool.Exec(ctx, fmt.Sprintf(`ALTER PUBLICATION %s ADD TABLE %s`, c.cfg.PublicationName, t)); err != nil {
				return err
			}
		}
	}
	for t := range current {
		if _, ok := desired[t]; !ok {
			if _, err := c.pool.Exec(ctx, fmt.Sprintf(`ALTER PUBLICATION %s DROP TABLE %s`, c.cfg.PublicationName, t)); err != nil {
				return err
			}
		}
	}
	return nil
}

func (c *Connection) reconcileSlot(ctx context.Context) error {
	c.setState(StateCheckSlot)

	row := c.pool.QueryRow(ctx, `SELECT 1 FROM pg_replication_slots WHERE slot_name = $1`, c.cfg.SlotName)
	var exists int
	err := row.Scan(&exists)
	if err == nil {
		return nil
	}
	if err != pgx.ErrNoRows {
		return err
	}

	c.setState(StateCreateSlot)
	_, err = c.pool.Exec(ctx, `SELECT pg_create_logical_replication_slot($1, 'pgoutput')`, c.cfg.SlotName)
	return err
}
