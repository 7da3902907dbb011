// Package types defines the domain model shared by the fractalpool components:
// pool elements, work units, sessions and the per-job counters.
package types

import (
	"fmt"
	"time"
)

// ElementID is the stable identifier of a pool element (PE).
type ElementID uint32

// NoElement is the undefined pool element identifier.
const NoElement ElementID = 0

// String renders the identifier the way pool users display it ($0000abcd).
func (id ElementID) String() string {
	return fmt.Sprintf("$%08x", uint32(id))
}

// Liveness is the reachability state of a pool element
type Liveness string

const (
	LivenessReachable   Liveness = "reachable"   // heartbeats current, selectable
	LivenessSuspected   Liveness = "suspected"   // lease expired once, selectable as a last resort
	LivenessUnreachable Liveness = "unreachable" // failed or reported unreachable, never selected
)

// PoolElement is one interchangeable calculation server.
type PoolElement struct {
	ID       ElementID `json:"id"`
	Address  string    `json:"address"`
	Liveness Liveness  `json:"liveness"`
	Load     float64   `json:"load"`
	LastSeen time.Time `json:"last_seen"`
	LastUsed time.Time `json:"last_used"`

	// Static elements come from configuration and never expire by lease.
	Static bool `json:"static"`
}

// UnitID identifies a work unit within one job.
type UnitID int

// UnitState is the lifecycle state of a work unit.
type UnitState string

const (
	UnitPending   UnitState = "pending"   // waiting for a session
	UnitAssigned  UnitState = "assigned"  // held by exactly one session
	UnitCompleted UnitState = "completed" // result accepted
	UnitFailed    UnitState = "failed"    // retry budget exhausted
)

// Tile is the spatial descriptor of a work unit: a rectangle of the image.
type Tile struct {
	X      int `json:"x" yaml:"x"`
	Y      int `json:"y" yaml:"y"`
	Width  int `json:"width" yaml:"width"`
	Height int `json:"height" yaml:"height"`
}

// Points returns the number of pixels covered by the tile.
func (t Tile) Points() int {
	return t.Width * t.Height
}

// WorkUnit is an indivisible portion of a job, assigned to one element at a time.
type WorkUnit struct {
	ID    UnitID    `json:"id"`
	Tile  Tile      `json:"tile"`
	State UnitState `json:"state"`

	// Session and AssignedElement are lookups only, valid while State is assigned.
	Session         SessionID `json:"session,omitempty"`
	AssignedElement ElementID `json:"assigned_element,omitempty"`

	// ExcludedElement is avoided for the next attempt only.
	ExcludedElement ElementID `json:"excluded_element,omitempty"`

	Attempts   int       `json:"attempts"`
	AssignedAt time.Time `json:"assigned_at,omitempty"`
	Result     []uint32  `json:"-"`

	// Checkpoint is where the next attempt resumes; every point before it is
	// already in Partial.
	Checkpoint Checkpoint `json:"checkpoint"`
	Partial    []uint32   `json:"-"`
}

// Checkpoint is a position in a tile. Points are sent in row-major order, so
// a checkpoint also marks every point before it as delivered.
type Checkpoint struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// CheckpointAt converts a row-major offset into a tile of the given width.
func CheckpointAt(offset, width int) Checkpoint {
	if width <= 0 {
		return Checkpoint{}
	}
	return Checkpoint{X: offset % width, Y: offset / width}
}

// Offset is the row-major index of the checkpoint in a tile of the given width.
func (c Checkpoint) Offset(width int) int {
	return c.Y*width + c.X
}

// IsZero reports whether the checkpoint is the start of the tile.
func (c Checkpoint) IsZero() bool {
	return c.X == 0 && c.Y == 0
}

// SessionID identifies a calculation session slot (1-based).
type SessionID int

// Counts summarizes a job's units by state.
type Counts struct {
	Total     int `json:"total"`
	Pending   int `json:"pending"`
	Assigned  int `json:"assigned"`
	Completed int `json:"completed"`
	Failed    int `json:"failed"`
}

// Processed is the number of units that reached a final state.
func (c Counts) Processed() int {
	return c.Completed + c.Failed
}

// Consistent reports whether every unit is accounted for exactly once.
func (c Counts) Consistent() bool {
	return c.Pending+c.Assigned+c.Completed+c.Failed == c.Total
}

// Algorithm selects the fractal iteration used by pool elements.
type Algorithm uint32

const (
	AlgorithmTest        Algorithm = 0
	AlgorithmMandelbrot  Algorithm = 1
	AlgorithmMandelbrotN Algorithm = 2
)

// Parameter describes the fractal image calculated by a job.
type Parameter struct {
	Width         int        `json:"width"`
	Height        int        `json:"height"`
	MaxIterations int        `json:"max_iterations"`
	Algorithm     Algorithm  `json:"algorithm"`
	C1            complex128 `json:"-"`
	C2            complex128 `json:"-"`
	N             float64    `json:"n"`
}

// Job is one image calculation split into tiles.
type Job struct {
	ID        string    `json:"id"`
	Parameter Parameter `json:"parameter"`
	Tiles     []Tile    `json:"tiles"`
}

// JobStatus is the terminal outcome of a job run.
type JobStatus string

const (
	JobCompleted JobStatus = "completed"
	JobFailed    JobStatus = "failed"
	JobCancelled JobStatus = "cancelled"
)

// Packet is one result packet received from a pool element.
//
// A packet with Resume set carries no points: it is the element's resume
// marker, and (StartX, StartY) is the checkpoint another element can continue
// the tile from.
type Packet struct {
	UnitID    UnitID
	ElementID ElementID
	StartX    int
	StartY    int
	Points    []uint32
	Final     bool
	Resume    bool
}

// Failover records the move of a unit away from a failed element.
type Failover struct {
	Unit    UnitID    `json:"unit"`
	Session SessionID `json:"session"`
	From    ElementID `json:"from"`
	To      ElementID `json:"to"`
	Attempt int       `json:"attempt"`
	Reason  string    `json:"reason"`
	At      time.Time `json:"at"`
}
