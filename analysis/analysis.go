// Package analysis coordinates a single analysis session shared by every
// connected client. A command loop serializes control commands and engine
// events into one total order, so any number of clients can steer the
// session concurrently and output from superseded searches is discarded
// before it reaches subscribers.
package analysis

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/tetraboard/enginehost/engine"
	"github.com/tetraboard/enginehost/uci"
	"go.uber.org/zap"
)

var (
	// ErrInvalidThreads means a requested thread count was zero or negative.
	ErrInvalidThreads = errors.New("thread count must be positive")

	// ErrClosed means the coordinator has been closed.
	ErrClosed = errors.New("analysis session closed")
)

const commandBuffer = 64

// State is the session lifecycle state.
type State int

const (
	// Stopped means no engine process exists.
	Stopped State = iota
	// Initializing means the engine process is starting up.
	Initializing
	// Ready means the engine is initialized and idle.
	Ready
	// Analyzing means a search is active or queued.
	Analyzing
	// Stopping means the engine process is shutting down.
	Stopping
)

func (s State) String() string {
	switch s {
	case Stopped:
		return "stopped"
	case Initializing:
		return "initializing"
	case Ready:
		return "ready"
	case Analyzing:
		return "analyzing"
	case Stopping:
		return "stopping"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Update is the merged snapshot of the current search. Later engine
// reports overwrite earlier fields; fields a report omits keep their
// previous values.
type Update struct {
	Depth    int
	Score    float64
	PV       []string
	BestMove string
}

// Event is a notification published to session subscribers.
type Event interface {
	sessionEvent()
}

// StatusEvent reports a change in the engine process status.
type StatusEvent struct {
	Status engine.Status
}

// UpdateEvent carries the search snapshot after new engine output.
type UpdateEvent struct {
	Update Update
}

// ThreadsEvent announces a new engine thread count.
type ThreadsEvent struct {
	Threads int
}

// ErrorEvent reports an engine fault or a failed engine interaction.
type ErrorEvent struct {
	Err error
}

func (StatusEvent) sessionEvent()  {}
func (UpdateEvent) sessionEvent()  {}
func (ThreadsEvent) sessionEvent() {}
func (ErrorEvent) sessionEvent()   {}

// Driver is the engine process control surface the coordinator drives.
// *engine.Driver satisfies it.
type Driver interface {
	Start(ctx context.Context, threads int) error
	Stop() error
	Send(line string) error
	Subscribe(h engine.Handler) func()
	Status() engine.Status
}

// Config holds session settings.
type Config struct {
	// Threads is the engine's initial search thread count. Defaults to 1.
	Threads int

	// MoveTime is the search budget for move requests. Defaults to 1s.
	MoveTime time.Duration

	// Base names the position that move histories are played from.
	// Defaults to the standard starting position.
	Base string
}

type cmdKind int

const (
	cmdStartEngine cmdKind = iota
	cmdStopEngine
	cmdStartAnalysis
	cmdUpdatePosition
	cmdMakeMove
	cmdStopAnalysis
	cmdSetThreads
	cmdDriverEvent
	cmdStartResult
	cmdStopResult
)

// command is a unit of work for the session loop: either a client
// control command awaiting a reply, or an engine event tagged with the
// epoch observed when it arrived.
type command struct {
	kind    cmdKind
	history []string
	move    string
	threads int
	ev      engine.Event
	epoch   uint64
	err     error
	reply   chan error
}

type runMode int

const (
	modeInfinite runMode = iota
	modeTimed
)

type searchState int

const (
	searchIdle searchState = iota
	searchActive
	searchStopping
)

type goIntent struct {
	history []string
	mode    runMode
}

// Coordinator owns the shared session. All state transitions happen on
// the Run loop; public methods submit commands and wait for the loop's
// reply.
type Coordinator struct {
	log    *zap.SugaredLogger
	cfg    Config
	driver Driver

	cmds     chan *command
	done     chan struct{}
	stopOnce sync.Once

	// startCtx bounds engine start attempts to the session lifetime, so
	// Close aborts a boot still in flight.
	startCtx    context.Context
	startCancel context.CancelFunc

	// epoch identifies the current search. It is bumped by every command
	// that invalidates in-flight engine output.
	epoch atomic.Uint64

	handlersMut sync.Mutex
	handlers    map[int]func(Event)
	nextHandler int

	// Fields below are owned by the Run loop.
	state           State
	search          searchState
	mode            runMode
	history         []string
	update          Update
	bestMovePending bool
	pendingGo       *goIntent
	pendingIntent   *command
	wantStopped     bool
	threads         int
}

// New builds a coordinator around the given driver. Call Run to start
// processing commands.
func New(cfg Config, driver Driver, log *zap.SugaredLogger) *Coordinator {
	if cfg.Threads <= 0 {
		cfg.Threads = 1
	}
	if cfg.MoveTime <= 0 {
		cfg.MoveTime = time.Second
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Coordinator{
		log:         log.Named("analysis"),
		cfg:         cfg,
		driver:      driver,
		cmds:        make(chan *command, commandBuffer),
		done:        make(chan struct{}),
		handlers:    map[int]func(Event){},
		threads:     cfg.Threads,
		startCtx:    ctx,
		startCancel: cancel,
	}
}

// Run processes commands and engine events until Close is called.
func (c *Coordinator) Run() error {
	unsubscribe := c.driver.Subscribe(c.onDriverEvent)
	defer unsubscribe()
	for {
		select {
		case cmd := <-c.cmds:
			c.handle(cmd)
		case <-c.done:
			return nil
		}
	}
}

// Close stops the command loop and shuts down the engine if it is up.
// An engine start still in flight is cancelled.
func (c *Coordinator) Close() error {
	c.stopOnce.Do(func() {
		c.startCancel()
		close(c.done)
	})
	if err := c.driver.Stop(); err != nil && !errors.Is(err, engine.ErrNotRunning) {
		return fmt.Errorf("stopping engine: %w", err)
	}
	return nil
}

// Subscribe registers a handler for session events. Handlers are invoked
// sequentially from the session loop and must not block. The returned
// function removes the subscription.
func (c *Coordinator) Subscribe(h func(Event)) func() {
	c.handlersMut.Lock()
	defer c.handlersMut.Unlock()
	id := c.nextHandler
	c.nextHandler++
	c.handlers[id] = h
	return func() {
		c.handlersMut.Lock()
		defer c.handlersMut.Unlock()
		delete(c.handlers, id)
	}
}

// EngineStatus reports the driver's current process status.
func (c *Coordinator) EngineStatus() engine.Status {
	return c.driver.Status()
}

// StartEngine launches the engine process if it is not already running.
func (c *Coordinator) StartEngine(ctx context.Context) error {
	return c.dispatch(ctx, &command{kind: cmdStartEngine})
}

// StopEngine terminates the engine process. Stopping an engine that is
// not running is a no-op.
func (c *Coordinator) StopEngine(ctx context.Context) error {
	return c.dispatch(ctx, &command{kind: cmdStopEngine})
}

// StartAnalysis begins continuous analysis of the position reached by
// playing history from the base position, starting the engine first if
// necessary. Requesting the position already being analyzed is a no-op.
func (c *Coordinator) StartAnalysis(ctx context.Context, history []string) error {
	return c.dispatch(ctx, &command{kind: cmdStartAnalysis, history: history})
}

// UpdatePosition retargets the current analysis at a new position.
func (c *Coordinator) UpdatePosition(ctx context.Context, history []string) error {
	return c.dispatch(ctx, &command{kind: cmdUpdatePosition, history: history})
}

// MakeMove plays move on top of history and runs a fixed-time search of
// the resulting position. The search ends on its own with a best move.
func (c *Coordinator) MakeMove(ctx context.Context, move string, history []string) error {
	return c.dispatch(ctx, &command{kind: cmdMakeMove, move: move, history: history})
}

// StopAnalysis halts the current search. The engine stays running.
func (c *Coordinator) StopAnalysis(ctx context.Context) error {
	return c.dispatch(ctx, &command{kind: cmdStopAnalysis})
}

// SetThreads changes the engine's search thread count. Any active
// analysis is stopped and not resumed. Setting the current count again
// is a no-op.
func (c *Coordinator) SetThreads(ctx context.Context, n int) error {
	if n <= 0 {
		return fmt.Errorf("%w: %d", ErrInvalidThreads, n)
	}
	return c.dispatch(ctx, &command{kind: cmdSetThreads, threads: n})
}

func (c *Coordinator) dispatch(ctx context.Context, cmd *command) error {
	cmd.reply = make(chan error, 1)
	select {
	case c.cmds <- cmd:
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-cmd.reply:
		return err
	case <-c.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// onDriverEvent queues an engine event behind any commands already
// submitted. The event is tagged with the epoch observed on arrival so
// the loop can recognize output from superseded searches.
func (c *Coordinator) onDriverEvent(ev engine.Event) {
	cmd := &command{kind: cmdDriverEvent, ev: ev, epoch: c.epoch.Load()}
	select {
	case c.cmds <- cmd:
	case <-c.done:
	}
}

func (c *Coordinator) handle(cmd *command) {
	switch cmd.kind {
	case cmdDriverEvent:
		c.handleDriverEvent(cmd)
	case cmdStartResult:
		c.handleStartResult(cmd)
	case cmdStopResult:
		c.handleStopResult(cmd)
	case cmdStartEngine:
		c.handleStartEngine(cmd)
	case cmdStopEngine:
		c.handleStopEngine(cmd)
	case cmdStartAnalysis, cmdUpdatePosition, cmdMakeMove:
		c.handleAnalyze(cmd)
	case cmdStopAnalysis:
		c.reply(cmd, c.stopAnalysis())
	case cmdSetThreads:
		c.reply(cmd, c.setThreads(cmd.threads))
	}
}

func (c *Coordinator) reply(cmd *command, err error) {
	if cmd.reply != nil {
		cmd.reply <- err
	}
}

func (c *Coordinator) handleStartEngine(cmd *command) {
	switch c.state {
	case Stopped:
		c.stash(cmd)
		c.beginStart()
	case Initializing, Stopping:
		c.stash(cmd)
	default:
		c.reply(cmd, nil)
	}
}

func (c *Coordinator) handleAnalyze(cmd *command) {
	switch c.state {
	case Stopped:
		c.stash(cmd)
		c.beginStart()
	case Initializing, Stopping:
		c.stash(cmd)
	default:
		c.reply(cmd, c.startRun(cmd))
	}
}

// stash parks an intent to be replayed once the engine start or stop in
// flight settles. A newer intent supersedes an older one; the superseded
// caller is released because its command was accepted and then
// overridden.
func (c *Coordinator) stash(cmd *command) {
	if c.pendingIntent != nil {
		c.reply(c.pendingIntent, nil)
	}
	c.pendingIntent = cmd
	c.wantStopped = false
}

// beginStart launches the engine without blocking the session loop. The
// outcome is fed back in as a command so state transitions stay on the
// loop.
func (c *Coordinator) beginStart() {
	c.state = Initializing
	threads := c.threads
	go func() {
		err := c.driver.Start(c.startCtx, threads)
		res := &command{kind: cmdStartResult, threads: threads, err: err}
		select {
		case c.cmds <- res:
		case <-c.done:
		}
	}()
}

func (c *Coordinator) handleStartResult(res *command) {
	intent := c.pendingIntent
	c.pendingIntent = nil
	if res.err != nil {
		// No automatic retry: the next command that needs the engine
		// attempts a fresh start.
		c.state = Stopped
		c.wantStopped = false
		err := fmt.Errorf("starting engine: %w", res.err)
		c.publish(StatusEvent{Status: engine.Status{}})
		c.publish(ErrorEvent{Err: err})
		if intent != nil {
			c.reply(intent, err)
		}
		return
	}
	if c.wantStopped {
		// A stop request arrived while the process was coming up.
		c.wantStopped = false
		c.beginStop(nil)
		return
	}
	c.state = Ready
	if res.threads != c.threads {
		// The thread count changed while the engine was starting.
		if err := c.driver.Send(uci.SetThreads(c.threads)); err != nil {
			err = c.runFailure(fmt.Errorf("setting thread count: %w", err))
			if intent != nil {
				c.reply(intent, err)
			}
			return
		}
	}
	if intent != nil {
		c.handle(intent)
	}
}

// startRun points the engine at a new position. An in-flight search is
// told to stop first; its remaining output is discarded and the new
// search is issued once the engine acknowledges with its final best move.
func (c *Coordinator) startRun(cmd *command) error {
	history := cmd.history
	mode := modeInfinite
	if cmd.kind == cmdMakeMove {
		mode = modeTimed
		if cmd.move != "" {
			history = append(append([]string{}, history...), cmd.move)
		}
	}
	dedup := cmd.kind == cmdStartAnalysis || cmd.kind == cmdUpdatePosition
	if dedup && c.state == Analyzing && c.mode == modeInfinite && equalHistories(history, c.history) {
		c.log.Debugw("already analyzing requested position", "Moves", history)
		return nil
	}

	c.epoch.Add(1)
	c.history = append([]string{}, history...)
	c.mode = mode
	if c.search == searchActive {
		if err := c.driver.Send(uci.Stop()); err != nil {
			return c.runFailure(fmt.Errorf("interrupting search: %w", err))
		}
		c.search = searchStopping
	}
	if c.search == searchStopping {
		c.pendingGo = &goIntent{history: c.history, mode: mode}
		c.state = Analyzing
		return nil
	}
	return c.issueGo(c.history, mode)
}

func (c *Coordinator) issueGo(history []string, mode runMode) error {
	if err := c.driver.Send(uci.Position(c.cfg.Base, history)); err != nil {
		return c.runFailure(fmt.Errorf("setting position: %w", err))
	}
	line := uci.GoInfinite()
	if mode == modeTimed {
		line = uci.GoMoveTime(c.cfg.MoveTime)
	}
	if err := c.driver.Send(line); err != nil {
		return c.runFailure(fmt.Errorf("starting search: %w", err))
	}
	c.update = Update{}
	c.bestMovePending = mode == modeTimed
	c.search = searchActive
	c.state = Analyzing
	return nil
}

func (c *Coordinator) stopAnalysis() error {
	if c.state != Analyzing {
		return nil
	}
	c.epoch.Add(1)
	c.pendingGo = nil
	c.bestMovePending = false
	if c.search == searchActive {
		if err := c.driver.Send(uci.Stop()); err != nil {
			return c.runFailure(fmt.Errorf("stopping search: %w", err))
		}
		c.search = searchStopping
	}
	c.state = Ready
	return nil
}

func (c *Coordinator) setThreads(n int) error {
	if n == c.threads {
		return nil
	}
	if c.state == Stopped || c.state == Initializing || c.state == Stopping {
		// Applied via the init sequence when the engine next starts.
		c.threads = n
		c.publish(ThreadsEvent{Threads: n})
		return nil
	}
	c.epoch.Add(1)
	c.pendingGo = nil
	c.bestMovePending = false
	if c.search == searchActive {
		if err := c.driver.Send(uci.Stop()); err != nil {
			return c.runFailure(fmt.Errorf("interrupting search: %w", err))
		}
		c.search = searchStopping
	}
	if err := c.driver.Send(uci.SetThreads(n)); err != nil {
		return c.runFailure(fmt.Errorf("setting thread count: %w", err))
	}
	c.threads = n
	c.state = Ready
	c.publish(ThreadsEvent{Threads: n})
	return nil
}

func (c *Coordinator) handleStopEngine(cmd *command) {
	switch c.state {
	case Stopped:
		c.reply(cmd, nil)
		return
	case Initializing:
		// The process is still coming up; stop it as soon as the start
		// attempt settles.
		c.wantStopped = true
		if c.pendingIntent != nil {
			c.reply(c.pendingIntent, nil)
			c.pendingIntent = nil
		}
		c.reply(cmd, nil)
		return
	case Stopping:
		// Already on its way down; a start waiting on the shutdown is
		// superseded by this stop.
		if c.pendingIntent != nil {
			c.reply(c.pendingIntent, nil)
			c.pendingIntent = nil
		}
		c.reply(cmd, nil)
		return
	}
	c.epoch.Add(1)
	c.pendingGo = nil
	c.bestMovePending = false
	c.search = searchIdle
	c.beginStop(cmd)
}

// beginStop shuts the engine down without blocking the session loop. The
// driver publishes its status change synchronously on the goroutine that
// stops it, and that event has to travel through the loop's own queue;
// stopping from the loop could wedge the loop behind a full queue. The
// outcome is fed back in as a command, like engine starts.
func (c *Coordinator) beginStop(cmd *command) {
	c.state = Stopping
	var reply chan error
	if cmd != nil {
		reply = cmd.reply
	}
	go func() {
		err := c.driver.Stop()
		res := &command{kind: cmdStopResult, err: err, reply: reply}
		select {
		case c.cmds <- res:
		case <-c.done:
		}
	}()
}

func (c *Coordinator) handleStopResult(res *command) {
	err := res.err
	if err != nil && !errors.Is(err, engine.ErrNotRunning) {
		c.log.Errorw("stopping engine", "Error", err)
		err = fmt.Errorf("stopping engine: %w", err)
	} else {
		err = nil
	}
	c.reply(res, err)
	c.state = Stopped
	if intent := c.pendingIntent; intent != nil {
		c.pendingIntent = nil
		c.handle(intent)
	}
}

func (c *Coordinator) handleDriverEvent(cmd *command) {
	switch ev := cmd.ev.(type) {
	case engine.StatusEvent:
		c.publish(StatusEvent{Status: ev.Status})
	case engine.ExitEvent:
		c.engineExited(ev)
	case engine.InfoEvent:
		c.applyInfo(ev.Info, cmd.epoch)
	case engine.BestMoveEvent:
		c.applyBestMove(ev.BestMove, cmd.epoch)
	}
}

// engineExited handles an engine crash. The session resets so the next
// analysis request starts a fresh process.
func (c *Coordinator) engineExited(ev engine.ExitEvent) {
	c.epoch.Add(1)
	c.pendingGo = nil
	c.bestMovePending = false
	c.search = searchIdle
	if c.state != Stopping {
		// An in-flight shutdown finishes its own transition.
		c.state = Stopped
	}
	c.publish(ErrorEvent{Err: ev.Err})
}

// applyInfo folds a progress report into the current run's snapshot. The
// report is dropped if it belongs to a superseded search: either the
// engine is still winding down a stopped search, or the report was
// queued before the epoch moved on.
func (c *Coordinator) applyInfo(info uci.Info, epoch uint64) {
	if c.search == searchStopping || epoch != c.epoch.Load() || c.state != Analyzing {
		return
	}
	changed := false
	if info.HasDepth {
		c.update.Depth = info.Depth
		changed = true
	}
	if info.HasScore {
		c.update.Score = info.Score
		changed = true
	}
	if len(info.PV) > 0 {
		c.update.PV = info.PV
		// The PV head stands in for the best move until the engine
		// commits to one.
		c.update.BestMove = info.PV[0]
		changed = true
	}
	if !changed {
		return
	}
	c.publish(UpdateEvent{Update: c.update})
}

func (c *Coordinator) applyBestMove(bm uci.BestMove, epoch uint64) {
	if c.search == searchStopping {
		// Final reply of a superseded search. The engine is idle again,
		// so a queued position change can now be issued.
		c.search = searchIdle
		if g := c.pendingGo; g != nil {
			c.pendingGo = nil
			if err := c.issueGo(g.history, g.mode); err != nil {
				c.log.Debugw("issuing queued search", "Error", err)
			}
		}
		return
	}
	if epoch != c.epoch.Load() || c.search != searchActive {
		return
	}
	// Natural end of a fixed-time search.
	c.search = searchIdle
	c.state = Ready
	if !c.bestMovePending {
		return
	}
	c.bestMovePending = false
	c.update.BestMove = bm.Move
	c.publish(UpdateEvent{Update: c.update})
}

// runFailure records a failed engine interaction. The error is published
// so every connected client sees it, not just the one whose command
// triggered it.
func (c *Coordinator) runFailure(err error) error {
	c.log.Errorw("engine command failed", "Error", err)
	c.pendingGo = nil
	c.bestMovePending = false
	c.search = searchIdle
	if errors.Is(err, engine.ErrNotRunning) {
		c.state = Stopped
	} else {
		c.state = Ready
	}
	c.publish(ErrorEvent{Err: err})
	return err
}

func (c *Coordinator) publish(ev Event) {
	c.handlersMut.Lock()
	handlers := make([]func(Event), 0, len(c.handlers))
	for _, h := range c.handlers {
		handlers = append(handlers, h)
	}
	c.handlersMut.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

func equalHistories(a, b []string) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i] != b[i] {
			return false
		}
	}
	return true
}
