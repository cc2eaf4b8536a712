// Package engine drives one external UCI-style analysis engine process. The
// driver owns the process lifecycle, writes protocol lines to its stdin, and
// decodes its stdout into events delivered synchronously to subscribers in
// the order the engine produced them.
package engine

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os/exec"
	"sort"
	"sync"
	"time"

	"github.com/tetraboard/enginehost/uci"
	"go.uber.org/zap"
)

var (
	// ErrNotRunning is returned when an operation needs a live engine
	// process and there is none.
	ErrNotRunning = errors.New("engine not running")

	// ErrAlreadyRunning is returned by Start when the engine process is
	// already up.
	ErrAlreadyRunning = errors.New("engine already running")

	// ErrUnexpectedExit reports an engine process that died without Stop
	// being called.
	ErrUnexpectedExit = errors.New("engine process exited unexpectedly")
)

// Status is the driver's lifecycle state. It is broadcast to clients on
// every transition.
type Status struct {
	Running     bool `json:"running"`
	Initialized bool `json:"initialized"`
}

// Event is a notification raised by the driver: a decoded engine protocol
// event, a lifecycle transition, or a process failure.
type Event interface {
	engineEvent()
}

// InfoEvent carries one decoded "info" line from the current search.
type InfoEvent struct {
	Info uci.Info
}

// BestMoveEvent carries the engine's final move choice for a search.
type BestMoveEvent struct {
	BestMove uci.BestMove
}

// StatusEvent reports a lifecycle transition.
type StatusEvent struct {
	Status Status
}

// ExitEvent is raised when the engine process exits without a stop request.
// Err is always non-nil and wraps ErrUnexpectedExit.
type ExitEvent struct {
	Err error
}

func (InfoEvent) engineEvent()     {}
func (BestMoveEvent) engineEvent() {}
func (StatusEvent) engineEvent()   {}
func (ExitEvent) engineEvent()     {}

// Handler receives driver events. Handlers are invoked synchronously from
// the driver's read loop, so they must not block; hand the event off to a
// queue if processing is slow.
type Handler func(Event)

// Config holds the engine process parameters.
type Config struct {
	// Path is the engine binary. Required.
	Path string

	// Args are extra command line arguments for the engine binary.
	Args []string

	// Options are auxiliary engine options sent during initialization,
	// in addition to the thread count.
	Options map[string]string

	// StopGrace is how long Stop waits for the process to exit after
	// "quit" before killing it. Defaults to 2s.
	StopGrace time.Duration
}

// Driver owns one external engine process. The zero value is not usable;
// use New. All methods are safe for concurrent use.
//
// The driver holds no analysis state: position and thread count are the
// caller's to replay across restarts.
type Driver struct {
	log *zap.SugaredLogger
	cfg Config

	mut         sync.Mutex
	cur         *proc
	running     bool
	initialized bool

	handlersMut sync.Mutex
	handlers    map[int]Handler
	nextHandler int
}

// proc is the per-run process state, so that a lingering old process can
// never clobber the state of a fresh Start.
type proc struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	exited chan struct{}

	// stopping is set (under the driver mutex) once an exit is expected,
	// suppressing crash events.
	stopping bool
}

// New creates a driver for the engine at cfg.Path. The process is not
// started until Start.
func New(cfg Config, log *zap.SugaredLogger) *Driver {
	if cfg.StopGrace <= 0 {
		cfg.StopGrace = 2 * time.Second
	}
	return &Driver{
		log:      log.Named("engine"),
		cfg:      cfg,
		handlers: map[int]Handler{},
	}
}

// Start spawns the engine process, wires up its pipes, and writes the
// initialization sequence: handshake, thread count, auxiliary options,
// new-game, ready-check. On success the driver is running and initialized
// and a StatusEvent is raised.
//
// Cancelling ctx before the init sequence completes kills the process
// and returns the context error. A spawn failure leaves the driver
// not-ready; the caller surfaces the error and decides whether to retry.
func (d *Driver) Start(ctx context.Context, threads int) error {
	d.mut.Lock()
	defer d.mut.Unlock()

	if d.running {
		return ErrAlreadyRunning
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	cmd := exec.Command(d.cfg.Path, d.cfg.Args...)
	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("opening stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("opening stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("opening stderr pipe: %w", err)
	}

	d.log.Infof("starting engine process %q", d.cfg.Path)
	if err := cmd.Start(); err != nil {
		return fmt.Errorf("spawning engine process %q: %w", d.cfg.Path, err)
	}

	p := &proc{cmd: cmd, stdin: stdin, exited: make(chan struct{})}
	d.cur = p

	// drain both pipes before waiting on the process, per os/exec pipe rules
	var pipes sync.WaitGroup
	pipes.Add(2)
	go func() {
		defer pipes.Done()
		d.readLoop(stdout)
	}()
	go func() {
		defer pipes.Done()
		d.drainStderr(stderr)
	}()
	go func() {
		pipes.Wait()
		waitErr := cmd.Wait()
		close(p.exited)
		d.finalize(p, waitErr)
	}()

	for _, line := range d.initLines(threads) {
		err := ctx.Err()
		if err == nil {
			_, err = fmt.Fprintln(stdin, line)
		}
		if err != nil {
			p.stopping = true
			d.cur = nil
			cmd.Process.Kill()
			return fmt.Errorf("initializing engine: %w", err)
		}
	}

	d.running = true
	d.initialized = true
	st := Status{Running: true, Initialized: true}

	// publish outside the lock so handlers can call back into the driver
	d.mut.Unlock()
	d.publish(StatusEvent{Status: st})
	d.mut.Lock()
	return nil
}

func (d *Driver) initLines(threads int) []string {
	lines := []string{uci.Handshake(), uci.SetThreads(threads)}
	names := make([]string, 0, len(d.cfg.Options))
	for name := range d.cfg.Options {
		names = append(names, name)
	}
	sort.Strings(names)
	for _, name := range names {
		lines = append(lines, uci.SetOption(name, d.cfg.Options[name]))
	}
	return append(lines, uci.NewGame(), uci.IsReady())
}

// Stop asks the engine to quit and marks the driver stopped immediately,
// without waiting for the process to exit. If the process lingers past the
// configured grace period it is killed. Lines the engine emits between the
// quit command and its exit are still decoded and delivered; stale-run
// filtering is the caller's job.
func (d *Driver) Stop() error {
	d.mut.Lock()
	if !d.running {
		d.mut.Unlock()
		return ErrNotRunning
	}
	p := d.cur
	p.stopping = true
	d.running = false
	d.initialized = false
	d.mut.Unlock()

	d.publish(StatusEvent{Status: Status{}})

	if _, err := fmt.Fprintln(p.stdin, uci.Quit()); err != nil {
		d.log.Debugf("writing quit: %s", err)
	}
	p.stdin.Close()

	go func() {
		select {
		case <-p.exited:
		case <-time.After(d.cfg.StopGrace):
			d.log.Infof("engine did not exit within %s, killing", d.cfg.StopGrace)
			p.cmd.Process.Kill()
		}
	}()

	return nil
}

// Send writes one protocol line to the engine's stdin. Writes from
// concurrent callers are serialized.
func (d *Driver) Send(line string) error {
	d.mut.Lock()
	defer d.mut.Unlock()
	if !d.running {
		return ErrNotRunning
	}
	d.log.Debugf("engine <- %s", line)
	if _, err := fmt.Fprintln(d.cur.stdin, line); err != nil {
		return fmt.Errorf("writing to engine stdin: %w", err)
	}
	return nil
}

// Subscribe registers a handler for driver events and returns a function
// that removes it. A handler observes events in the order the engine
// produced them.
func (d *Driver) Subscribe(h Handler) func() {
	d.handlersMut.Lock()
	id := d.nextHandler
	d.nextHandler++
	d.handlers[id] = h
	d.handlersMut.Unlock()
	return func() {
		d.handlersMut.Lock()
		delete(d.handlers, id)
		d.handlersMut.Unlock()
	}
}

// Status reports the driver's current lifecycle state.
func (d *Driver) Status() Status {
	d.mut.Lock()
	defer d.mut.Unlock()
	return Status{Running: d.running, Initialized: d.initialized}
}

func (d *Driver) publish(ev Event) {
	d.handlersMut.Lock()
	handlers := make([]Handler, 0, len(d.handlers))
	for _, h := range d.handlers {
		handlers = append(handlers, h)
	}
	d.handlersMut.Unlock()
	for _, h := range handlers {
		h(ev)
	}
}

// readLoop splits engine stdout into lines, buffering partial lines across
// reads, and publishes one event per decoded line. A line the codec does
// not recognize is logged and skipped; only EOF ends the loop.
func (d *Driver) readLoop(stdout io.Reader) {
	log := d.log.Named("read_loop")
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		line := scanner.Text()
		switch ev := uci.Decode(line).(type) {
		case uci.Info:
			d.publish(InfoEvent{Info: ev})
		case uci.BestMove:
			d.publish(BestMoveEvent{BestMove: ev})
		default:
			log.Debugf("ignoring engine line %q", line)
		}
	}
	if err := scanner.Err(); err != nil {
		log.Debugf("reading engine stdout: %s", err)
	}
}

func (d *Driver) drainStderr(stderr io.Reader) {
	log := d.log.Named("stderr")
	scanner := bufio.NewScanner(stderr)
	for scanner.Scan() {
		log.Debugf("engine stderr: %s", scanner.Text())
	}
}

// finalize runs once the process has exited and both pipes are drained. An
// exit that was neither requested nor superseded by a newer process is a
// crash: the driver flips to stopped and raises a status event plus an
// ExitEvent.
func (d *Driver) finalize(p *proc, waitErr error) {
	d.mut.Lock()
	crashed := d.cur == p && !p.stopping
	if d.cur == p {
		d.cur = nil
		d.running = false
		d.initialized = false
	}
	d.mut.Unlock()

	if !crashed {
		d.log.Debugf("engine process exited, err=%v", waitErr)
		return
	}

	err := ErrUnexpectedExit
	if waitErr != nil {
		err = fmt.Errorf("%w: %s", ErrUnexpectedExit, waitErr)
	}
	d.log.Errorf("%s", err)
	d.publish(StatusEvent{Status: Status{}})
	d.publish(ExitEvent{Err: err})
}
