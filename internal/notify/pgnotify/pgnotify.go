// Package pgnotify is the optional Postgres-backed NotifyAdapter: it uses
// LISTEN/NOTIFY instead of an in-process channel so that every worker
// process sharing one database wakes on the same events, grounded on the
// corpus's pool.Acquire + conn.Conn().WaitForNotification subscription
// pattern (a single long-lived connection fans out to any number of local
// listeners, since Postgres charges one LISTEN per connection regardless of
// how many goroutines care about it).
package pgnotify

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rezkam/jobchain/internal/notify"
)

const (
	channelJobScheduled      = "jobchain_job_scheduled"
	channelChainCompleted    = "jobchain_chain_completed"
	channelJobOwnershipLost  = "jobchain_job_ownership_lost"
)

type listenerState int

const (
	stateIdle listenerState = iota
	stateStarting
	stateRunning
	stateStopping
)

// Adapter is a notify.Adapter backed by a dedicated LISTEN connection,
// lazily started on the first Listen* call and torn down by Close.
type Adapter struct {
	pool *pgxpool.Pool

	mu    sync.Mutex
	state listenerState

	nextHandle int
	scheduled  map[int]chan notify.JobScheduledPayload
	completed  map[int]chan notify.ChainCompletedPayload
	lost       map[int]chan notify.OwnershipLostPayload

	stopListener func()
}

// New builds a pgnotify.Adapter over pool. The shared LISTEN connection is
// not acquired until the first Listen* call.
func New(pool *pgxpool.Pool) *Adapter {
	return &Adapter{
		pool:      pool,
		scheduled: make(map[int]chan notify.JobScheduledPayload),
		completed: make(map[int]chan notify.ChainCompletedPayload),
		lost:      make(map[int]chan notify.OwnershipLostPayload),
	}
}

var _ notify.Adapter = (*Adapter)(nil)

func (a *Adapter) PublishJobScheduled(ctx context.Context, typeName string, count int) error {
	body, err := json.Marshal(notify.JobScheduledPayload{TypeName: typeName, Count: count})
	if err != nil {
		return fmt.Errorf("marshal job-scheduled payload: %w", err)
	}
	if _, err := a.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, channelJobScheduled, string(body)); err != nil {
		return fmt.Errorf("publish job-scheduled: %w", err)
	}
	return nil
}

func (a *Adapter) PublishChainCompleted(ctx context.Context, payload notify.ChainCompletedPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal chain-completed payload: %w", err)
	}
	if _, err := a.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, channelChainCompleted, string(body)); err != nil {
		return fmt.Errorf("publish chain-completed: %w", err)
	}
	return nil
}

func (a *Adapter) PublishJobOwnershipLost(ctx context.Context, payload notify.OwnershipLostPayload) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal ownership-lost payload: %w", err)
	}
	if _, err := a.pool.Exec(ctx, `SELECT pg_notify($1, $2)`, channelJobOwnershipLost, string(body)); err != nil {
		return fmt.Errorf("publish job-ownership-lost: %w", err)
	}
	return nil
}

func (a *Adapter) ListenJobScheduled(ctx context.Context) (<-chan notify.JobScheduledPayload, func(), error) {
	if err := a.ensureListening(ctx); err != nil {
		return nil, nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	handle := a.nextHandle
	a.nextHandle++
	ch := make(chan notify.JobScheduledPayload, 16)
	a.scheduled[handle] = ch
	return ch, func() { a.remove(handle) }, nil
}

func (a *Adapter) ListenChainCompleted(ctx context.Context) (<-chan notify.ChainCompletedPayload, func(), error) {
	if err := a.ensureListening(ctx); err != nil {
		return nil, nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	handle := a.nextHandle
	a.nextHandle++
	ch := make(chan notify.ChainCompletedPayload, 16)
	a.completed[handle] = ch
	return ch, func() { a.remove(handle) }, nil
}

func (a *Adapter) ListenJobOwnershipLost(ctx context.Context) (<-chan notify.OwnershipLostPayload, func(), error) {
	if err := a.ensureListening(ctx); err != nil {
		return nil, nil, err
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	handle := a.nextHandle
	a.nextHandle++
	ch := make(chan notify.OwnershipLostPayload, 16)
	a.lost[handle] = ch
	return ch, func() { a.remove(handle) }, nil
}

func (a *Adapter) remove(handle int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.scheduled, handle)
	delete(a.completed, handle)
	delete(a.lost, handle)
}

// ensureListening starts the shared LISTEN connection exactly once. Callers
// that arrive while it is starting or running return nil immediately; they
// do not wait for the LISTEN to be established and are not told if that
// start fails.
func (a *Adapter) ensureListening(ctx context.Context) error {
	a.mu.Lock()
	switch a.state {
	case stateRunning, stateStarting:
		a.mu.Unlock()
		return nil
	}
	a.state = stateStarting
	a.mu.Unlock()

	conn, err := a.pool.Acquire(context.Background())
	if err != nil {
		a.mu.Lock()
		a.state = stateIdle
		a.mu.Unlock()
		return fmt.Errorf("acquire listen connection: %w", err)
	}

	for _, channel := range []string{channelJobScheduled, channelChainCompleted, channelJobOwnershipLost} {
		if _, err := conn.Exec(context.Background(), "LISTEN \""+channel+"\""); err != nil {
			conn.Release()
			a.mu.Lock()
			a.state = stateIdle
			a.mu.Unlock()
			return fmt.Errorf("listen %s: %w", channel, err)
		}
	}

	listenCtx, cancel := context.WithCancel(context.Background())
	a.mu.Lock()
	a.state = stateRunning
	a.stopListener = cancel
	a.mu.Unlock()

	go a.loop(listenCtx, conn)
	return nil
}

func (a *Adapter) loop(ctx context.Context, conn *pgxpool.Conn) {
	defer conn.Release()
	defer func() {
		a.mu.Lock()
		a.state = stateIdle
		a.mu.Unlock()
	}()

	for {
		n, err := conn.Conn().WaitForNotification(ctx)
		if err != nil {
			return
		}
		a.dispatch(n.Channel, n.Payload)
	}
}

func (a *Adapter) dispatch(channel, payload string) {
	a.mu.Lock()
	defer a.mu.Unlock()

	switch channel {
	case channelJobScheduled:
		var p notify.JobScheduledPayload
		if json.Unmarshal([]byte(payload), &p) != nil {
			return
		}
		for _, ch := range a.scheduled {
			select {
			case ch <- p:
			default:
			}
		}
	case channelChainCompleted:
		var p notify.ChainCompletedPayload
		if json.Unmarshal([]byte(payload), &p) != nil {
			return
		}
		for _, ch := range a.completed {
			select {
			case ch <- p:
			default:
			}
		}
	case channelJobOwnershipLost:
		var p notify.OwnershipLostPayload
		if json.Unmarshal([]byte(payload), &p) != nil {
			return
		}
		for _, ch := range a.lost {
			select {
			case ch <- p:
			default:
			}
		}
	}
}

// Close stops the shared LISTEN goroutine, if running.
func (a *Adapter) Close() {
	a.mu.Lock()
	stop := a.stopListener
	a.mu.Unlock()
	if stop != nil {
		stop()
	}
}
