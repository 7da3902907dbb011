package coordinator

import (
	"fmt"
	"time"

	"github.com/ChuLiYu/fractalpool/pkg/types"
)

// Progress is reported after every unit that reached a final state.
type Progress struct {
	UnitsProcessed int
	TotalUnits     int
	LastElementID  types.ElementID
}

func (p Progress) String() string {
	return fmt.Sprintf("%d/%d processed", p.UnitsProcessed, p.TotalUnits)
}

// Report summarizes a finished job run.
type Report struct {
	JobID     string           `json:"job_id"`
	Status    types.JobStatus  `json:"status"`
	Counts    types.Counts     `json:"counts"`
	Failovers []types.Failover `json:"failovers"`
	Elapsed   time.Duration    `json:"elapsed"`
	// Image is the row-major result; pixels of failed units stay zero.
	Image []uint32 `json:"-"`
}

// Observer receives job progress. Callbacks run on the coordinator loop and
// must not block.
type Observer interface {
	OnProgress(Progress)
	OnCompleted(Report)
	OnFailed(Report, error)
}

// NopObserver ignores every callback.
type NopObserver struct{}

func (NopObserver) OnProgress(Progress)    {}
func (NopObserver) OnCompleted(Report)     {}
func (NopObserver) OnFailed(Report, error) {}
