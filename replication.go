package livesync

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	movingaverage "github.com/RobinUS2/golang-moving-average"
	"golang.org/x/sync/errgroup"
)

// ReplicationState is one of the replication coordinator's states.
type ReplicationState int

const (
	NotConnected ReplicationState = iota
	Started
	Connected
	Paused
	Completed
	Errored
	Closed
)

func (s ReplicationState) String() string {
	switch s {
	case NotConnected:
		return "NOT_CONNECTED"
	case Started:
		return "STARTED"
	case Connected:
		return "CONNECTED"
	case Paused:
		return "PAUSED"
	case Completed:
		return "COMPLETED"
	case Errored:
		return "ERRORED"
	case Closed:
		return "CLOSED"
	default:
		return "UNKNOWN"
	}
}

// SyncMode selects a replication's direction and checkpoint behavior.
type SyncMode int

const (
	// ModeSync is bidirectional, checkpoint=target.
	ModeSync SyncMode = iota
	// ModePullOnly checkpoints=target, with an optional "replicate/pull" filter.
	ModePullOnly
	// ModePushOnly has an optional "replicate/push" filter.
	ModePushOnly
)

// ReplicationCallback is called once for each document delivered by a pull
// change event, per spec.md §4.7 ("invokes the caller's callback with
// e.change.docs when the direction is pull").
type ReplicationCallback func(docs []byte)

// OpenReplicationOptions configures OpenReplication.
type OpenReplicationOptions struct {
	KeepAlive  bool
	ShowResult bool
	Callback   ReplicationCallback
}

// Coordinator is the replication coordinator (C7): one-shot and continuous
// bidirectional replication with adaptive batch-size backoff on failure.
//
// Only one sync may be active at a time; OpenReplication rejects contending
// callers rather than queueing them (singleton sync handle, spec.md §9).
type Coordinator struct {
	connector RemoteConnector
	milestone *MilestoneNegotiator
	asm       *Assembler
	log       Logger
	sizeFail  SizeFailureSignal
	cfg       Config
	nodeID    string
	chunkVersionRange ChunkVersionRange
	chunkVersion      int

	mu      sync.Mutex
	busy    bool
	state   ReplicationState
	current ReplicationStream
	cancel  context.CancelFunc

	docArrived atomic.Int64
	docSent    atomic.Int64

	throughput *movingaverage.MovingAverage
}

// NewCoordinator builds a coordinator. chunkVersion < 0 disables the
// version-range check for this node's own writes (it still participates in
// the milestone negotiation).
func NewCoordinator(connector RemoteConnector, milestone *MilestoneNegotiator, asm *Assembler, log Logger, sizeFail SizeFailureSignal, cfg Config, nodeID string, chunkVersionRange ChunkVersionRange, chunkVersion int) *Coordinator {
	return &Coordinator{
		connector:         connector,
		milestone:         milestone,
		asm:               asm,
		log:               log,
		sizeFail:          sizeFail,
		cfg:               cfg,
		nodeID:            nodeID,
		chunkVersionRange: chunkVersionRange,
		chunkVersion:      chunkVersion,
		state:             NotConnected,
		throughput:        movingaverage.New(10),
	}
}

// State returns the coordinator's current replication state.
func (c *Coordinator) State() ReplicationState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Coordinator) setState(s ReplicationState) {
	c.mu.Lock()
	c.state = s
	c.mu.Unlock()
}

func (c *Coordinator) logf(level LogLevel, format string, args ...any) {
	if c.log == nil {
		return
	}
	c.log.Log(fmt.Sprintf(format, args...), level, "replication")
}

// connectAndCheck opens the remote handle and runs one milestone
// connection-check cycle before any documents flow.
func (c *Coordinator) connectAndCheck(ctx context.Context) (Handle, error) {
	remote, _, err := c.connector.Connect(ctx, c.cfg.CouchDBURI, c.cfg.CouchDBUser, c.cfg.CouchDBPassword, c.cfg.DisableRequestURI, c.cfg.Passphrase, c.cfg.Encrypt)
	if err != nil {
		return nil, fmt.Errorf("replication: connect: %w", err)
	}
	if _, err := c.milestone.CheckConnection(ctx, c.chunkVersionRange, c.chunkVersion, c.cfg.IgnoreVersionCheck); err != nil {
		return nil, err
	}
	c.asm.SetRemote(remote)
	return remote, nil
}

// OpenReplication starts replication in mode. If opt.KeepAlive is set, a
// one-shot pullOnly catch-up pass runs first, then a live bidirectional
// sync starts (30s heartbeat, retry; no per-direction checkpoint option is
// passed). Otherwise a single one-shot pass in mode runs to
// completion. Only one sync may be active; a concurrent call returns
// ErrReplicationBusy.
func (c *Coordinator) OpenReplication(ctx context.Context, mode SyncMode, opt OpenReplicationOptions) error {
	if c.cfg.VersionUpFlash != "" {
		return fmt.Errorf("replication: inhibited: %s", c.cfg.VersionUpFlash)
	}

	c.mu.Lock()
	if c.busy {
		c.mu.Unlock()
		return ErrReplicationBusy
	}
	c.busy = true
	c.mu.Unlock()

	c.setState(Started)
	runCtx, cancel := context.WithCancel(ctx)
	c.mu.Lock()
	c.cancel = cancel
	c.mu.Unlock()

	defer func() {
		c.mu.Lock()
		c.busy = false
		c.mu.Unlock()
	}()

	remote, err := c.connectAndCheck(runCtx)
	if err != nil {
		c.setState(Errored)
		return err
	}
	c.setState(Connected)

	if !opt.KeepAlive {
		return c.runOneShot(runCtx, remote, mode, c.cfg, opt.Callback)
	}

	g, gctx := errgroup.WithContext(runCtx)
	g.Go(func() error {
		return c.runOneShot(gctx, remote, ModePullOnly, c.cfg, opt.Callback)
	})
	if err := g.Wait(); err != nil {
		c.setState(Errored)
		return err
	}

	return c.runContinuous(runCtx, remote, opt.Callback)
}

func directionFor(mode SyncMode) ReplicationDirection {
	switch mode {
	case ModePullOnly:
		return ReplicatePull
	case ModePushOnly:
		return ReplicatePush
	default:
		return ReplicateSync
	}
}

func filterFor(mode SyncMode, readChunksOnline bool) string {
	if !readChunksOnline {
		return ""
	}
	switch mode {
	case ModePullOnly:
		return "replicate/pull"
	case ModePushOnly:
		return "replicate/push"
	default:
		return ""
	}
}

// runOneShot drives a single one-shot replication pass in mode, applying
// adaptive batch-size backoff if the transport reports a size-rejected
// failure.
func (c *Coordinator) runOneShot(ctx context.Context, remote Handle, mode SyncMode, cfg Config, cb ReplicationCallback) error {
	opts := ReplicateOptions{
		Filter:       filterFor(mode, cfg.ReadChunksOnline),
		BatchSize:    cfg.BatchSize,
		BatchesLimit: cfg.BatchesLimit,
	}
	stream, err := c.asm.Local().Replicate(ctx, directionFor(mode), remote, opts)
	if err != nil {
		return fmt.Errorf("replication: start %v: %w", mode, err)
	}
	c.mu.Lock()
	c.current = stream
	c.mu.Unlock()

	err = c.drain(ctx, stream, directionFor(mode), cb)
	if err == nil {
		c.setState(Completed)
		return nil
	}

	if c.sizeFail != nil && c.sizeFail.GetLastPostFailedBySize() {
		return c.retryWithSmallerBatch(ctx, remote, mode, cfg, cb)
	}

	c.setState(Errored)
	return err
}

// retryWithSmallerBatch implements the adaptive backoff rule: halve (plus
// 2, ceiling) BatchSize and BatchesLimit and recursively reopen the same
// mode; give up once both are <= 5.
func (c *Coordinator) retryWithSmallerBatch(ctx context.Context, remote Handle, mode SyncMode, cfg Config, cb ReplicationCallback) error {
	next := cfg.Clone()
	next.BatchSize = halvePlusTwoCeil(cfg.BatchSize)
	next.BatchesLimit = halvePlusTwoCeil(cfg.BatchesLimit)

	if next.BatchSize <= 5 && next.BatchesLimit <= 5 {
		c.logf(LogNotice, "cannot replicate lower than batch_size=%d batches_limit=%d", next.BatchSize, next.BatchesLimit)
		c.setState(Errored)
		return ErrBatchSizeFloor
	}

	c.logf(LogWarning, "size-rejected; retrying with batch_size=%d batches_limit=%d", next.BatchSize, next.BatchesLimit)
	return c.runOneShot(ctx, remote, mode, next, cb)
}

func halvePlusTwoCeil(n int) int {
	if n <= 0 {
		return 2
	}
	return (n+1)/2 + 2
}

// runContinuous starts one live bidirectional sync stream (30s heartbeat,
// retry, the configured batch settings; no per-direction checkpoint option
// is set) and drains it until cancelled. A size-rejected error neither ends
// nor reopens the stream: it marks the run as downgraded, and once the
// moving average of the document counters exceeds 2x the batch size the
// mark is cleared and a message is logged. The stream's batch settings are
// never changed.
func (c *Coordinator) runContinuous(ctx context.Context, remote Handle, cb ReplicationCallback) error {
	cfg := c.cfg
	opts := ReplicateOptions{
		Live:         true,
		Heartbeat:    30 * time.Second,
		Retry:        true,
		BatchSize:    cfg.BatchSize,
		BatchesLimit: cfg.BatchesLimit,
	}
	stream, err := c.asm.Local().Replicate(ctx, ReplicateSync, remote, opts)
	if err != nil {
		c.setState(Errored)
		return fmt.Errorf("replication: start continuous sync: %w", err)
	}
	c.mu.Lock()
	c.current = stream
	c.mu.Unlock()

	downgraded := false
	origTarget := int64(cfg.BatchSize) * 2

	for {
		select {
		case <-ctx.Done():
			stream.Cancel()
			c.setState(Closed)
			return ctx.Err()
		case ev, ok := <-stream.Events():
			if !ok {
				c.setState(Completed)
				return nil
			}
			switch ev.Kind {
			case ReplicationActive:
				c.setState(Connected)
			case ReplicationChange:
				c.recordChange(ev.Change, cb)
				c.throughput.Add(float64(c.docArrived.Load() + c.docSent.Load()))
				if downgraded && c.throughput.Avg() > float64(origTarget) {
					c.logf(LogInfo, "sustained throughput recovered; restoring original batch settings")
					downgraded = false
				}
			case ReplicationPaused:
				c.setState(Paused)
			case ReplicationError:
				if c.sizeFail != nil && c.sizeFail.GetLastPostFailedBySize() {
					downgraded = true
				}
				c.setState(Errored)
				if !downgraded {
					return ev.Err
				}
			case ReplicationDenied:
				c.setState(Errored)
				return ev.Err
			case ReplicationComplete:
				c.setState(Completed)
				return nil
			}
		}
	}
}

func (c *Coordinator) recordChange(info ReplicationChangeInfo, cb ReplicationCallback) {
	switch info.Direction {
	case ReplicatePull:
		c.docArrived.Add(int64(len(info.Docs)))
		if cb != nil {
			for _, d := range info.Docs {
				cb(d)
			}
		}
	case ReplicatePush:
		c.docSent.Add(int64(len(info.Docs)))
	}
}

func (c *Coordinator) drain(ctx context.Context, stream ReplicationStream, dir ReplicationDirection, cb ReplicationCallback) error {
	for {
		select {
		case <-ctx.Done():
			stream.Cancel()
			return ctx.Err()
		case ev, ok := <-stream.Events():
			if !ok {
				return nil
			}
			switch ev.Kind {
			case ReplicationChange:
				info := ev.Change
				if info.Direction != ReplicatePull && info.Direction != ReplicatePush {
					info.Direction = dir
				}
				c.recordChange(info, cb)
			case ReplicationComplete:
				return nil
			case ReplicationError, ReplicationDenied:
				return ev.Err
			}
		}
	}
}

// ReplicateAllToServer runs a single one-shot push of every local document
// to the remote; used for a manual "force full sync" operation.
func (c *Coordinator) ReplicateAllToServer(ctx context.Context) error {
	return c.OpenReplication(ctx, ModePushOnly, OpenReplicationOptions{})
}

// CloseReplication cancels any running sync and sets the state to CLOSED.
func (c *Coordinator) CloseReplication() {
	c.mu.Lock()
	if c.cancel != nil {
		c.cancel()
		c.cancel = nil
	}
	if c.current != nil {
		c.current.Cancel()
		c.current = nil
	}
	c.state = Closed
	c.mu.Unlock()
	c.asm.SetRemote(nil)
}

// Counters returns the running document-arrived/document-sent counts.
func (c *Coordinator) Counters() (arrived, sent int64) {
	return c.docArrived.Load(), c.docSent.Load()
}
