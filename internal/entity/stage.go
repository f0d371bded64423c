package entity

// Stage is one step of the counting pipeline. The order is fixed: a task
// only ever moves forward through it.
type Stage int

const (
	StagePreprocess Stage = iota
	StageSegment
	StageExtract
	StageClassify
	StageMap
	StageCount
	StageExplain
	StageDone
)

// PipelineStages lists the processing stages in execution order.
// StageDone is a terminal marker, not a processing stage.
var PipelineStages = [...]Stage{
	StagePreprocess,
	StageSegment,
	StageExtract,
	StageClassify,
	StageMap,
	StageCount,
	StageExplain,
}

func (s Stage) String() string {
	switch s {
	case StagePreprocess:
		return "preprocess"
	case StageSegment:
		return "segment"
	case StageExtract:
		return "extract"
	case StageClassify:
		return "classify"
	case StageMap:
		return "map"
	case StageCount:
		return "count"
	case StageExplain:
		return "explain"
	case StageDone:
		return "done"
	default:
		return "unknown"
	}
}

// Next returns the stage that follows s. StageDone is a fixed point.
func (s Stage) Next() Stage {
	if s >= StageDone {
		return StageDone
	}
	return s + 1
}

// Terminal reports whether s is past the last processing stage.
func (s Stage) Terminal() bool { return s == StageDone }
