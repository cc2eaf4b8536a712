package enginehost

import (
	"context"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/tetraboard/enginehost/analysis"
	"github.com/tetraboard/enginehost/broker"
	"github.com/tetraboard/enginehost/client"
	"github.com/tetraboard/enginehost/engine"
	"github.com/tetraboard/enginehost/wire"
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

// fakeEngine is a scripted stand-in for a real engine: a two-report
// infinite search, a one-report fixed-time search, and a final best move
// on stop.
const fakeEngine = `#!/bin/sh
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

func writeScript(t *testing.T, contents string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "engine.sh")
	require.NoError(t, os.WriteFile(path, []byte(contents), 0755))
	return path
}

// clientRecorder collects the frames one client observes.
type clientRecorder struct {
	mut      sync.Mutex
	updates  []wire.AnalysisUpdate
	statuses []wire.EngineStatus
	threads  []int
}

func record(c *client.Client) *clientRecorder {
	r := &clientRecorder{}
	c.Subscribe(wire.TypeAnalysisUpdate, func(env wire.Envelope) {
		var up wire.AnalysisUpdate
		if env.Decode(&up) == nil {
			r.mut.Lock()
			r.updates = append(r.updates, up)
			r.mut.Unlock()
		}
	})
	c.Subscribe(wire.TypeEngineStatus, func(env wire.Envelope) {
		var st wire.EngineStatus
		if env.Decode(&st) == nil {
			r.mut.Lock()
			r.statuses = append(r.statuses, st)
			r.mut.Unlock()
		}
	})
	c.Subscribe(wire.TypeThreadsUpdated, func(env wire.Envelope) {
		var tu wire.ThreadsUpdated
		if env.Decode(&tu) == nil {
			r.mut.Lock()
			r.threads = append(r.threads, tu.ThreadCount)
			r.mut.Unlock()
		}
	})
	return r
}

func (r *clientRecorder) updateCount() int {
	r.mut.Lock()
	defer r.mut.Unlock()
	return len(r.updates)
}

func (r *clientRecorder) updateList() []wire.AnalysisUpdate {
	r.mut.Lock()
	defer r.mut.Unlock()
	return append([]wire.AnalysisUpdate{}, r.updates...)
}

func (r *clientRecorder) threadList() []int {
	r.mut.Lock()
	defer r.mut.Unlock()
	return append([]int{}, r.threads...)
}

func (r *clientRecorder) lastStatus() (running bool, ok bool) {
	r.mut.Lock()
	defer r.mut.Unlock()
	if len(r.statuses) == 0 {
		return false, false
	}
	return r.statuses[len(r.statuses)-1].Running, true
}

// TestSharedAnalysisSession drives the whole stack end to end: one
// engine process, one session, one broker, and two clients that both
// observe and steer the same analysis.
func TestSharedAnalysisSession(t *testing.T) {
	ctx := context.Background()

	script := writeScript(t, fakeEngine)
	eng := engine.New(engine.Config{Path: script}, log)
	coordinator := analysis.New(analysis.Config{}, eng, log)
	go coordinator.Run()
	t.Cleanup(func() { coordinator.Close() })

	b, err := broker.New(coordinator, broker.WithListenAddr("127.0.0.1:0"))
	require.NoError(t, err)
	go b.Run()
	t.Cleanup(func() { b.Stop() })
	require.Eventually(t, func() bool { return b.Addr() != "" }, 10*time.Second, 10*time.Millisecond)

	c1 := client.New(log, b.Addr())
	t.Cleanup(func() { c1.Close() })
	c2 := client.New(log, b.Addr())
	t.Cleanup(func() { c2.Close() })
	r1 := record(c1)
	r2 := record(c2)

	require.NoError(t, c1.WaitForServer(ctx))
	require.Eventually(t, func() bool { return b.Clients() == 2 }, 10*time.Second, 10*time.Millisecond)

	// One tab requests analysis; every tab gets the stream.
	require.NoError(t, c1.StartAnalysis(ctx, []string{"d2d4"}))
	run := []wire.AnalysisUpdate{
		{Depth: 1, Score: 0.1, PV: []string{"a2a3"}, BestMove: "a2a3"},
		{Depth: 2, Score: 0.35, PV: []string{"e2e4", "e7e5"}, BestMove: "e2e4"},
	}
	for _, r := range []*clientRecorder{r1, r2} {
		require.Eventually(t, func() bool { return r.updateCount() == 2 }, 10*time.Second, 10*time.Millisecond)
		assert.Equal(t, run, r.updateList())
		require.Eventually(t, func() bool {
			running, ok := r.lastStatus()
			return ok && running
		}, 10*time.Second, 10*time.Millisecond)
	}

	// Reconfiguring interrupts the search for everyone and does not
	// resume it on its own.
	require.NoError(t, c2.SetThreads(ctx, 4))
	for _, r := range []*clientRecorder{r1, r2} {
		require.Eventually(t, func() bool { return len(r.threadList()) == 1 }, 10*time.Second, 10*time.Millisecond)
		assert.Equal(t, []int{4}, r.threadList())
	}
	time.Sleep(250 * time.Millisecond)
	assert.Equal(t, 2, r1.updateCount(), "no reports may arrive between the reconfigure and the next request")
	assert.Equal(t, 2, r2.updateCount())

	// The other tab resumes; both see the fresh run.
	require.NoError(t, c2.StartAnalysis(ctx, []string{"d2d4"}))
	for _, r := range []*clientRecorder{r1, r2} {
		require.Eventually(t, func() bool { return r.updateCount() == 4 }, 10*time.Second, 10*time.Millisecond)
		assert.Equal(t, run, r.updateList()[2:])
	}

	// Playing a move switches to a bounded search that ends in a best
	// move.
	require.NoError(t, c1.MakeMove(ctx, "g1f3", []string{"d2d4"}))
	moveReport := wire.AnalysisUpdate{Depth: 3, Score: 0.52, PV: []string{"d2d4", "d7d5"}, BestMove: "d2d4"}
	for _, r := range []*clientRecorder{r1, r2} {
		require.Eventually(t, func() bool { return r.updateCount() == 6 }, 10*time.Second, 10*time.Millisecond)
		assert.Equal(t, moveReport, r.updateList()[4])
		assert.Equal(t, moveReport, r.updateList()[5])
	}

	// Shutting the engine down reaches every tab.
	require.NoError(t, c1.StopEngine(ctx))
	for _, r := range []*clientRecorder{r1, r2} {
		require.Eventually(t, func() bool {
			running, ok := r.lastStatus()
			return ok && !running
		}, 10*time.Second, 10*time.Millisecond)
	}
}
