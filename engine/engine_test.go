package engine

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetraboard/enginehost/uci"
	"go.uber.org/zap"
)

var log *zap.SugaredLogger

func init() {
	l, err := zap.NewProduction()
	if err != nil {
		panic(err)
	}
	log = l.Sugar()
}

// respondingEngine speaks just enough of the protocol to exercise the
// driver: handshake replies, a two-report infinite search, a one-report
// fixed-time search, and a final best move on stop.
const respondingEngine = `#!/bin/sh
searching=0
while IFS= read -r line; do
	set -- $line
	case "$1" in
	uci)
		echo "id name fakefish"
		echo "uciok"
		;;
	isready)
		echo "readyok"
		;;
	go)
		if [ "$2" = "movetime" ]; then
			echo "info depth 3 score cp 52 pv d2d4 d7d5"
			echo "bestmove d2d4"
		else
			searching=1
			echo "info depth 1 score cp 10 pv a2a3"
			echo "info depth 2 score cp 35 pv e2e4 e7e5"
		fi
		;;
	stop)
		if [ "$searching" = "1" ]; then
			searching=0
			echo "bestmove e2e4"
		fi
		;;
	quit)
		exit 0
		;;
	esac
done
`

// recordingEngine copies everything it is told to the file named by its
// first argument.
const recordingEngine = `#!/bin/sh
cat > "$1"
`

// crashingEngine dies as soon as a search starts.
const crashingEngine = `#!/bin/sh
while IFS= read -r line; do
	case "$line" in
	go*)
		exit 7
		;;
	esac
done
`

// chunkedEngine emits a line in two pieces, then two lines in one piece,
// to exercise the driver's line buffering.
const chunkedEngine = `#!/bin/sh
printf 'info depth 9'
sleep 0.2
printf ' score cp 42 pv h2h3\n'
printf 'info depth 10 score cp 43 pv h2h3 a7a6\ninfo depth 11 score cp 44 pv h2h3\n'
while IFS= read -r line; do
	if [ "$line" = "quit" ]; then
		exit 0
	fi
done
`

func writeScript(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.sh")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0755))
	return path
}

func nextEvent(t *testing.T, events <-chan Event) Event {
	t.Helper()
	select {
	case ev := <-events:
		return ev
	case <-time.After(10 * time.Second):
		t.Fatal("timed out waiting for engine event")
		return nil
	}
}

func requireStatus(t *testing.T, events <-chan Event, want Status) {
	t.Helper()
	ev := nextEvent(t, events)
	st, ok := ev.(StatusEvent)
	require.True(t, ok, "expected StatusEvent, got %T", ev)
	require.Equal(t, want, st.Status)
}

func requireInfo(t *testing.T, events <-chan Event) uci.Info {
	t.Helper()
	ev := nextEvent(t, events)
	info, ok := ev.(InfoEvent)
	require.True(t, ok, "expected InfoEvent, got %T", ev)
	return info.Info
}

func requireBestMove(t *testing.T, events <-chan Event) uci.BestMove {
	t.Helper()
	ev := nextEvent(t, events)
	bm, ok := ev.(BestMoveEvent)
	require.True(t, ok, "expected BestMoveEvent, got %T", ev)
	return bm.BestMove
}

func TestStartWritesInitSequence(t *testing.T) {
	outFile := filepath.Join(t.TempDir(), "sent")
	d := New(Config{
		Path:    writeScript(t, recordingEngine),
		Args:    []string{outFile},
		Options: map[string]string{"MultiPV": "2", "Hash": "128"},
	}, log)

	require.NoError(t, d.Start(context.Background(), 4))
	require.NoError(t, d.Stop())

	want := []string{
		"uci",
		"setoption name Threads value 4",
		"setoption name Hash value 128",
		"setoption name MultiPV value 2",
		"ucinewgame",
		"isready",
		"quit",
	}
	require.Eventually(t, func() bool {
		b, err := os.ReadFile(outFile)
		if err != nil {
			return false
		}
		return strings.TrimSpace(string(b)) == strings.Join(want, "\n")
	}, 10*time.Second, 10*time.Millisecond, "engine never received the full init sequence")
}

func TestAnalysisEventStream(t *testing.T) {
	d := New(Config{Path: writeScript(t, respondingEngine)}, log)
	events := make(chan Event, 32)
	defer d.Subscribe(func(ev Event) { events <- ev })()

	require.NoError(t, d.Start(context.Background(), 1))
	requireStatus(t, events, Status{Running: true, Initialized: true})
	require.Equal(t, Status{Running: true, Initialized: true}, d.Status())

	require.NoError(t, d.Send(uci.Position("", []string{"e2e4"})))
	require.NoError(t, d.Send(uci.GoInfinite()))

	info := requireInfo(t, events)
	assert.Equal(t, 1, info.Depth)
	assert.True(t, info.HasDepth)
	assert.Equal(t, 0.1, info.Score)
	assert.True(t, info.HasScore)
	assert.Equal(t, []string{"a2a3"}, info.PV)

	info = requireInfo(t, events)
	assert.Equal(t, 2, info.Depth)
	assert.Equal(t, 0.35, info.Score)
	assert.Equal(t, []string{"e2e4", "e7e5"}, info.PV)

	require.NoError(t, d.Send(uci.Stop()))
	bm := requireBestMove(t, events)
	assert.Equal(t, "e2e4", bm.Move)

	require.NoError(t, d.Stop())
	requireStatus(t, events, Status{})
	require.Equal(t, Status{}, d.Status())
}

func TestFixedTimeSearch(t *testing.T) {
	d := New(Config{Path: writeScript(t, respondingEngine)}, log)
	events := make(chan Event, 32)
	defer d.Subscribe(func(ev Event) { events <- ev })()

	require.NoError(t, d.Start(context.Background(), 1))
	defer d.Stop()
	requireStatus(t, events, Status{Running: true, Initialized: true})

	require.NoError(t, d.Send(uci.Position("", nil)))
	require.NoError(t, d.Send(uci.GoMoveTime(250*time.Millisecond)))

	info := requireInfo(t, events)
	assert.Equal(t, 3, info.Depth)
	bm := requireBestMove(t, events)
	assert.Equal(t, "d2d4", bm.Move)
}

func TestLineBufferingAcrossReads(t *testing.T) {
	d := New(Config{Path: writeScript(t, chunkedEngine)}, log)
	events := make(chan Event, 32)
	defer d.Subscribe(func(ev Event) { events <- ev })()

	require.NoError(t, d.Start(context.Background(), 1))
	defer d.Stop()
	requireStatus(t, events, Status{Running: true, Initialized: true})

	// The first line arrives in two pieces and must come through whole,
	// the next two arrive in a single piece and must come through split.
	info := requireInfo(t, events)
	assert.Equal(t, 9, info.Depth)
	assert.Equal(t, 0.42, info.Score)
	assert.Equal(t, []string{"h2h3"}, info.PV)

	info = requireInfo(t, events)
	assert.Equal(t, 10, info.Depth)
	assert.Equal(t, []string{"h2h3", "a7a6"}, info.PV)

	info = requireInfo(t, events)
	assert.Equal(t, 11, info.Depth)
}

func TestStartWhileRunning(t *testing.T) {
	d := New(Config{Path: writeScript(t, respondingEngine)}, log)
	require.NoError(t, d.Start(context.Background(), 1))
	defer d.Stop()
	require.ErrorIs(t, d.Start(context.Background(), 1), ErrAlreadyRunning)
}

func TestSpawnFailure(t *testing.T) {
	d := New(Config{Path: filepath.Join(t.TempDir(), "missing-engine")}, log)

	err := d.Start(context.Background(), 1)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "spawning engine process")

	assert.Equal(t, Status{}, d.Status())
	assert.ErrorIs(t, d.Send(uci.IsReady()), ErrNotRunning)
	assert.ErrorIs(t, d.Stop(), ErrNotRunning)
}

func TestStartHonorsContext(t *testing.T) {
	d := New(Config{Path: writeScript(t, respondingEngine)}, log)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	require.ErrorIs(t, d.Start(ctx, 1), context.Canceled)
	assert.Equal(t, Status{}, d.Status())

	// The aborted attempt leaves the driver usable.
	require.NoError(t, d.Start(context.Background(), 1))
	defer d.Stop()
	assert.Equal(t, Status{Running: true, Initialized: true}, d.Status())
}

func TestUnexpectedExit(t *testing.T) {
	d := New(Config{Path: writeScript(t, crashingEngine)}, log)
	events := make(chan Event, 32)
	defer d.Subscribe(func(ev Event) { events <- ev })()

	require.NoError(t, d.Start(context.Background(), 1))
	requireStatus(t, events, Status{Running: true, Initialized: true})

	require.NoError(t, d.Send(uci.GoInfinite()))

	requireStatus(t, events, Status{})
	ev := nextEvent(t, events)
	exit, ok := ev.(ExitEvent)
	require.True(t, ok, "expected ExitEvent, got %T", ev)
	require.ErrorIs(t, exit.Err, ErrUnexpectedExit)
	assert.Equal(t, Status{}, d.Status())

	// A crashed engine can be relaunched.
	require.NoError(t, d.Start(context.Background(), 1))
	defer d.Stop()
	requireStatus(t, events, Status{Running: true, Initialized: true})
}

func TestStopAndRestart(t *testing.T) {
	d := New(Config{Path: writeScript(t, respondingEngine)}, log)
	events := make(chan Event, 32)
	defer d.Subscribe(func(ev Event) { events <- ev })()

	require.NoError(t, d.Start(context.Background(), 1))
	requireStatus(t, events, Status{Running: true, Initialized: true})

	require.NoError(t, d.Stop())
	requireStatus(t, events, Status{})
	assert.ErrorIs(t, d.Send(uci.IsReady()), ErrNotRunning)
	assert.ErrorIs(t, d.Stop(), ErrNotRunning)

	require.NoError(t, d.Start(context.Background(), 2))
	requireStatus(t, events, Status{Running: true, Initialized: true})
	require.NoError(t, d.Stop())
}

func TestUnsubscribe(t *testing.T) {
	d := New(Config{Path: writeScript(t, respondingEngine)}, log)
	events := make(chan Event, 32)
	defer d.Subscribe(func(ev Event) { events <- ev })()
	removed := make(chan Event, 32)
	unsubscribe := d.Subscribe(func(ev Event) { removed <- ev })
	unsubscribe()

	require.NoError(t, d.Start(context.Background(), 1))
	defer d.Stop()

	requireStatus(t, events, Status{Running: true, Initialized: true})
	assert.Empty(t, removed)
}
