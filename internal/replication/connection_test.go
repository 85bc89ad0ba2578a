package replication

import (
	"context"
	"io"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/r3e-network/accessplane/internal/changebus"
	"github.com/r3e-network/accessplane/internal/walproto"
	"github.com/r3e-network/accessplane/pkg/logger"
)

func silentLogger() *logger.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return &logger.Logger{Logger: l}
}

func newTestConnection() *Connection {
	return New(Config{Region: "us-east", LagWarn: 30 * time.Second, LagCrit: 60 * time.Second}, changebus.New(), nil, silentLogger())
}

func TestEvaluateLagTransitionsWarnToCritToRecovered(t *testing.T) {
	c := newTestConnection()

	c.evaluateLag(10 * time.Second)
	if c.lagWarned || c.lagExceeded {
		t.Fatalf("expected no flags below warning threshold")
	}

	c.evaluateLag(35 * time.Second)
	if !c.lagWarned || c.lagExceeded {
		t.Fatalf("expected warned=true exceeded=false at 35s, got warned=%v exceeded=%v", c.lagWarned, c.lagExceeded)
	}

	c.evaluateLag(90 * time.Second)
	if !c.lagExceeded {
		t.Fatalf("expected exceeded=true at 90s")
	}

	c.evaluateLag(1 * time.Second)
	if c.lagExceeded || c.lagWarned {
		t.Fatalf("expected flags cleared on recovery")
	}
}

func TestEmitDropsChangesWhileLagExceeded(t *testing.T) {
	c := newTestConnection()
	c.relations[1] = walproto.Relation{ID: 1, Namespace: "public", Name: "resources", Columns: []walproto.Column{{Name: "id"}}}

	sub := c.bus.Subscribe(context.Background(), "")
	defer sub.Close()

	c.lagExceeded = true
	c.emit(changebus.OpInsert, 1, nil, walproto.Tuple{{Kind: walproto.CellText, Raw: []byte("abc")}}, 10)

	select {
	case <-sub.C:
		t.Fatalf("expected no change to be emitted while lag is exceeded")
	default:
	}
}

func TestEmitPublishesImmediatelyWhenUnbuffered(t *testing.T) {
	c := newTestConnection()
	c.relations[1] = walproto.Relation{ID: 1, Namespace: "public", Name: "resources", Columns: []walproto.Column{{Name: "account_id"}}}

	sub := c.bus.Subscribe(context.Background(), "acct-1")
	defer sub.Close()

	c.emit(changebus.OpInsert, 1, nil, walproto.Tuple{{Kind: walproto.CellText, Raw: []byte("acct-1")}}, 10)

	select {
	case change := <-sub.C:
		if change.LSN != 10 {
			t.Fatalf("expected lsn 10, got %d", change.LSN)
		}
	case <-time.After(time.Second):
		t.Fatalf("expected the change to be published immediately")
	}
}

func TestBufferedModeFlushesAtThreshold(t *testing.T) {
	c := newTestConnection()
	c.cfg.FlushBufferSize = 2
	c.relations[1] = walproto.Relation{ID: 1, Namespace: "public", Name: "resources", Columns: []walproto.Column{{Name: "id"}}}

	c.emit(changebus.OpInsert, 1, nil, walproto.Tuple{{Kind: walproto.CellText, Raw: []byte("1")}}, 10)
	if len(c.bufferedChanges) != 1 {
		t.Fatalf("expected one buffered change, got %d", len(c.bufferedChanges))
	}
	c.emit(changebus.OpInsert, 1, nil, walproto.Tuple{{Kind: walproto.CellText, Raw: []byte("2")}}, 20)
	if len(c.bufferedChanges) != 0 {
		t.Fatalf("expected buffer to flush at threshold, got %d entries", len(c.bufferedChanges))
	}
	if c.lastFlushedLSN != 20 {
		t.Fatalf("expected lastFlushedLSN=20, got %d", c.lastFlushedLSN)
	}
}
