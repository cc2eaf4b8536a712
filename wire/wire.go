// Package wire defines the JSON messages exchanged between the streaming
// broker and its WebSocket clients. Every frame in either direction is an
// Envelope whose Type selects the payload carried in Data.
package wire

import (
	"encoding/json"
	"fmt"
)

// Message types sent by clients.
const (
	TypeGetEngineStatus = "getEngineStatus"
	TypeStartAnalysis   = "startAnalysis"
	TypeUpdatePosition  = "updatePosition"
	TypeMakeMove        = "makeMove"
	TypeStopAnalysis    = "stopAnalysis"
	TypeStartEngine     = "startEngine"
	TypeStopEngine      = "stopEngine"
	TypeSetThreads      = "setThreads"
	TypePong            = "pong"
)

// Message types sent by the broker.
const (
	TypeEngineStatus   = "engineStatus"
	TypeAnalysisUpdate = "analysisUpdate"
	TypeThreadsUpdated = "threadsUpdated"
	TypeError          = "error"
	TypePing           = "ping"
)

// Envelope is the frame format for every message on the wire.
type Envelope struct {
	Type string          `json:"type"`
	Data json.RawMessage `json:"data,omitempty"`
}

// New builds an envelope of the given type, marshaling payload into Data.
// A nil payload produces an envelope with no data, which is valid for
// types like ping and pong.
func New(typ string, payload interface{}) (Envelope, error) {
	env := Envelope{Type: typ}
	if payload == nil {
		return env, nil
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return Envelope{}, fmt.Errorf("marshaling %s payload: %w", typ, err)
	}
	env.Data = b
	return env, nil
}

// Decode unmarshals the envelope's payload into v.
func (e Envelope) Decode(v interface{}) error {
	if len(e.Data) == 0 {
		return fmt.Errorf("%s message has no payload", e.Type)
	}
	if err := json.Unmarshal(e.Data, v); err != nil {
		return fmt.Errorf("unmarshaling %s payload: %w", e.Type, err)
	}
	return nil
}

// StartAnalysis requests continuous analysis of the position reached by
// playing MoveHistory from the base position.
type StartAnalysis struct {
	MoveHistory []string `json:"moveHistory"`
}

// UpdatePosition retargets the current analysis at a new position.
type UpdatePosition struct {
	MoveHistory []string `json:"moveHistory"`
}

// MakeMove plays Move on top of MoveHistory and requests a fixed-time
// search of the resulting position. MoveHistory excludes Move.
type MakeMove struct {
	Move        string   `json:"move"`
	MoveHistory []string `json:"moveHistory"`
}

// SetThreads changes the engine's search thread count.
type SetThreads struct {
	Threads int `json:"threads"`
}

// EngineStatus reports whether the engine process is up and has completed
// its initialization handshake.
type EngineStatus struct {
	Running     bool `json:"running"`
	Initialized bool `json:"initialized"`
}

// AnalysisUpdate is the merged snapshot of the current search, broadcast
// whenever the engine reports progress. Score is in pawn units from the
// side to move's perspective. BestMove is set once the engine commits to
// a move; before that the head of PV stands in for it.
type AnalysisUpdate struct {
	Depth    int      `json:"depth"`
	Score    float64  `json:"score"`
	PV       []string `json:"pv"`
	BestMove string   `json:"bestMove,omitempty"`
}

// ThreadsUpdated announces a change to the engine's thread count.
type ThreadsUpdated struct {
	ThreadCount int `json:"threadCount"`
}

// Error reports a failed command or an engine fault.
type Error struct {
	Message string `json:"message"`
}
