package progress

import "fmt"

// Stage is a step of the pipeline. Stages are totally ordered; a successful
// run only ever moves forward.
type Stage string

const (
	StageQueued       Stage = "queued"
	StageScraping     Stage = "scraping"
	StageScraped      Stage = "scraped"
	StageAIProcessing Stage = "ai_processing"
	StageAIProcessed  Stage = "ai_processed"
	StageStored       Stage = "stored"
	StageFailed       Stage = "failed"
)

var stageRank = map[Stage]int{
	StageQueued:       0,
	StageScraping:     1,
	StageScraped:      2,
	StageAIProcessing: 3,
	StageAIProcessed:  4,
	StageStored:       5,
	StageFailed:       6,
}

// Stages returns every stage in order.
func Stages() []Stage {
	return []Stage{
		StageQueued, StageScraping, StageScraped,
		StageAIProcessing, StageAIProcessed, StageStored, StageFailed,
	}
}

// ParseStage validates a wire value.
func ParseStage(s string) (Stage, error) {
	st := Stage(s)
	if !st.Valid() {
		return "", fmt.Errorf("unknown stage %q", s)
	}
	return st, nil
}

// Valid reports whether s is a known stage.
func (s Stage) Valid() bool {
	_, ok := stageRank[s]
	return ok
}

// Rank is the position of s in the stage order, or -1 for unknown stages.
func (s Stage) Rank() int {
	r, ok := stageRank[s]
	if !ok {
		return -1
	}
	return r
}

// Before reports whether s comes strictly before other.
func (s Stage) Before(other Stage) bool {
	return s.Rank() < other.Rank()
}

// IsTerminal reports whether no further transitions are expected after s.
func (s Stage) IsTerminal() bool {
	return s == StageStored || s == StageFailed
}

func (s Stage) String() string {
	return string(s)
}
