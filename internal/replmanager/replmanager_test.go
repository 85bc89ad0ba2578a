package replmanager

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"

	"github.com/r3e-network/accessplane/internal/registry"
	"github.com/r3e-network/accessplane/pkg/logger"
)

func silentLogger() *logger.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return &logger.Logger{Logger: l}
}

type fakeRegistrar struct {
	mu          sync.Mutex
	owner       string
	registerErr error
}

func (f *fakeRegistrar) Register(ctx context.Context, name, ownerID string) (*registry.Registration, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.registerErr != nil {
		return nil, "", f.registerErr
	}
	if f.owner != "" && f.owner != ownerID {
		return nil, f.owner, registry.ErrAlreadyStarted
	}
	f.owner = ownerID
	return &registry.Registration{Name: name, OwnerID: ownerID}, ownerID, nil
}

func (f *fakeRegistrar) Renew(ctx context.Context, reg *registry.Registration) error { return nil }

func (f *fakeRegistrar) Release(ctx context.Context, reg *registry.Registration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.owner == reg.OwnerID {
		f.owner = ""
	}
	return nil
}

func (f *fakeRegistrar) Owner(ctx context.Context, name string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.owner, nil
}

type onceRunner struct {
	ran chan struct{}
	err error
}

func (r *onceRunner) Run(ctx context.Context) error {
	close(r.ran)
	<-ctx.Done()
	return r.err
}

func TestManagerWinsRegistrationAndRunsConnection(t *testing.T) {
	reg := &fakeRegistrar{}
	runner := &onceRunner{ran: make(chan struct{})}
	m := &Manager{region: "us-east", reg: reg, newRunner: func() Runner { return runner }, ownerID: "p1", log: silentLogger()}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	select {
	case <-runner.ran:
	case <-time.After(time.Second):
		t.Fatalf("expected the runner to start")
	}

	cancel()
	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatalf("expected Run to return after cancellation")
	}
}

func TestManagerLinksToExistingOwnerWithoutStartingRunner(t *testing.T) {
	reg := &fakeRegistrar{owner: "other-process"}
	started := make(chan struct{}, 1)
	runner := &onceRunner{ran: started}
	m := &Manager{region: "us-east", reg: reg, newRunner: func() Runner { return runner }, ownerID: "p1", log: silentLogger()}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	done := make(chan error, 1)
	go func() { done <- m.Run(ctx) }()

	select {
	case <-started:
		t.Fatalf("did not expect this process to start its own runner while another owns the region")
	case <-time.After(100 * time.Millisecond):
	}

	cancel()
	<-done
}

func TestManagerSurrendersAfterMaxAttempts(t *testing.T) {
	reg := &fakeRegistrar{registerErr: errors.New("db unreachable")}
	m := &Manager{region: "us-east", reg: reg, newRunner: func() Runner { return &onceRunner{ran: make(chan struct{})} }, ownerID: "p1", log: silentLogger()}

	origInterval := retryInterval
	defer func() { retryInterval = origInterval }()
	retryInterval = time.Millisecond

	err := m.Run(context.Background())
	if err == nil {
		t.Fatalf("expected Run to surrender after exhausting attempts")
	}
}
