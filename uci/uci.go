// Package uci encodes commands for and decodes output from a UCI-style
// analysis engine. It is a pure line codec: no state, no I/O.
package uci

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// StartPos is the base position descriptor for the initial game position.
const StartPos = "startpos"

// mateBase offsets mate scores so they rank outside any realistic
// centipawn-derived score while preserving ordering by moves-to-mate.
const mateBase = 10000

// Handshake returns the protocol handshake line.
func Handshake() string { return "uci" }

// IsReady returns the synchronization probe line. The engine answers
// "readyok" once all preceding commands have been processed.
func IsReady() string { return "isready" }

// NewGame returns the line that resets the engine's game state.
func NewGame() string { return "ucinewgame" }

// SetOption returns a "setoption" line for the named engine option.
func SetOption(name, value string) string {
	return fmt.Sprintf("setoption name %s value %s", name, value)
}

// SetThreads returns the option line configuring the engine's search
// thread count.
func SetThreads(n int) string { return SetOption("Threads", strconv.Itoa(n)) }

// Position returns a "position" line for the given base position and move
// history. An empty base means the standard starting position.
func Position(base string, moves []string) string {
	if base == "" {
		base = StartPos
	}
	if len(moves) == 0 {
		return "position " + base
	}
	return "position " + base + " moves " + strings.Join(moves, " ")
}

// GoInfinite returns the line starting an unbounded search, terminated only
// by a stop command.
func GoInfinite() string { return "go infinite" }

// GoMoveTime returns the line starting a fixed-time search. The engine
// reports its best move when the budget elapses.
func GoMoveTime(d time.Duration) string {
	return fmt.Sprintf("go movetime %d", d.Milliseconds())
}

// Stop returns the line interrupting the current search. The engine answers
// with a final "bestmove" line.
func Stop() string { return "stop" }

// Quit returns the line asking the engine process to exit.
func Quit() string { return "quit" }

// Event is a decoded engine output line. The concrete type is one of Info,
// BestMove, or Unknown.
type Event interface {
	uciEvent()
}

// Info carries the incremental search fields of an "info" line. Fields the
// engine omitted are left unset and flagged absent rather than zero-filled.
type Info struct {
	Depth    int
	HasDepth bool

	// Score is the evaluation in pawn units from the engine's point of
	// view. Mate scores are folded in as sign(n) * (10000 - |n|) so they
	// always dominate centipawn scores and closer mates rank higher.
	Score    float64
	HasScore bool
	Mate     bool

	// PV is the principal variation. Its head stands in as the best move
	// until a BestMove event arrives.
	PV []string
}

// BestMove is the engine's final move choice for a search.
type BestMove struct {
	Move   string
	Ponder string
}

// Unknown is any output line the codec does not recognize, such as "uciok",
// "readyok", "id" lines, or garbage. Callers ignore it.
type Unknown struct {
	Line string
}

func (Info) uciEvent()     {}
func (BestMove) uciEvent() {}
func (Unknown) uciEvent()  {}

// Decode classifies a single engine output line. It is tolerant: malformed
// field values are skipped, and lines of no interest decode to Unknown.
// Decode never fails.
func Decode(line string) Event {
	fields := strings.Fields(line)
	if len(fields) == 0 {
		return Unknown{Line: line}
	}
	switch fields[0] {
	case "bestmove":
		return decodeBestMove(fields)
	case "info":
		return decodeInfo(fields)
	}
	return Unknown{Line: line}
}

func decodeBestMove(fields []string) Event {
	if len(fields) < 2 {
		return Unknown{Line: strings.Join(fields, " ")}
	}
	ev := BestMove{Move: fields[1]}
	for i := 2; i < len(fields)-1; i++ {
		if fields[i] == "ponder" {
			ev.Ponder = fields[i+1]
		}
	}
	return ev
}

func decodeInfo(fields []string) Event {
	var ev Info
	for i := 1; i < len(fields); i++ {
		switch fields[i] {
		case "depth":
			if i+1 >= len(fields) {
				continue
			}
			d, err := strconv.Atoi(fields[i+1])
			if err != nil || d < 0 {
				continue
			}
			ev.Depth = d
			ev.HasDepth = true
			i++
		case "score":
			if i+2 >= len(fields) {
				continue
			}
			v, err := strconv.Atoi(fields[i+2])
			if err != nil {
				continue
			}
			switch fields[i+1] {
			case "cp":
				ev.Score = float64(v) / 100
				ev.HasScore = true
			case "mate":
				ev.Score = mateScore(v)
				ev.HasScore = true
				ev.Mate = true
			default:
				continue
			}
			i += 2
		case "pv":
			// the pv is the tail of the line
			if i+1 < len(fields) {
				ev.PV = append([]string(nil), fields[i+1:]...)
			}
			i = len(fields)
		}
	}
	return ev
}

func mateScore(n int) float64 {
	if n < 0 {
		return float64(-(mateBase + n))
	}
	return float64(mateBase - n)
}
