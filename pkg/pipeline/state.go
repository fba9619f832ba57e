package pipeline

import (
	"fmt"
	"image"
)

// State is the lifecycle position of a single prediction
type State int

const (
	Idle State = iota
	Preprocessing
	Normalizing
	Inferring
	Done
	Failed
)

func (s State) String() string {
	switch s {
	case Idle:
		return "idle"
	case Preprocessing:
		return "preprocessing"
	case Normalizing:
		return "normalizing"
	case Inferring:
		return "inferring"
	case Done:
		return "done"
	case Failed:
		return "failed"
	default:
		return fmt.Sprintf("state(%d)", int(s))
	}
}

// Terminal reports whether no further transitions can happen
func (s State) Terminal() bool {
	return s == Done || s == Failed
}

// Stage names used in errors and logs
const (
	StageConfig     = "config"
	StageCapture    = "capture"
	StageCrop       = "crop"
	StagePad        = "pad"
	StageEnhance    = "enhance"
	StageResize     = "resize"
	StageCenterCrop = "center_crop"
	StageNormalize  = "normalize"
	StageInfer      = "infer"
)

// Snapshot identifies one of the recorded intermediate images
type Snapshot int

const (
	Original Snapshot = iota
	Cropped
	Squared
	Enhanced
	Resized
	Final
)

// SnapshotCount is the number of intermediates recorded per run
const SnapshotCount = 6

var snapshotNames = [SnapshotCount]string{"original", "cropped", "squared", "enhanced", "resized", "final"}

func (s Snapshot) String() string {
	if s < 0 || int(s) >= SnapshotCount {
		return fmt.Sprintf("snapshot(%d)", int(s))
	}
	return snapshotNames[s]
}

// Intermediates holds the image after each preprocessing step. Every field
// is an independent buffer.
type Intermediates struct {
	Original *image.NRGBA
	Cropped  *image.NRGBA
	Squared  *image.NRGBA
	Enhanced *image.NRGBA
	Resized  *image.NRGBA
	Final    *image.NRGBA
}

// Get returns the snapshot s, or nil when it was not reached
func (i *Intermediates) Get(s Snapshot) *image.NRGBA {
	switch s {
	case Original:
		return i.Original
	case Cropped:
		return i.Cropped
	case Squared:
		return i.Squared
	case Enhanced:
		return i.Enhanced
	case Resized:
		return i.Resized
	case Final:
		return i.Final
	default:
		return nil
	}
}

func (i *Intermediates) set(s Snapshot, img *image.NRGBA) {
	switch s {
	case Original:
		i.Original = img
	case Cropped:
		i.Cropped = img
	case Squared:
		i.Squared = img
	case Enhanced:
		i.Enhanced = img
	case Resized:
		i.Resized = img
	case Final:
		i.Final = img
	}
}

// Observer receives progress from a running prediction. Calls are made from
// the goroutine running the pipeline, in order. Snapshot images are shared
// with the Result and must not be modified.
type Observer interface {
	OnStateChange(requestID string, from, to State)
	OnSnapshot(requestID string, s Snapshot, img *image.NRGBA)
}

// ObserverFuncs adapts optional callbacks to the Observer interface
type ObserverFuncs struct {
	StateChange func(requestID string, from, to State)
	Snapshot    func(requestID string, s Snapshot, img *image.NRGBA)
}

func (o ObserverFuncs) OnStateChange(requestID string, from, to State) {
	if o.StateChange != nil {
		o.StateChange(requestID, from, to)
	}
}

func (o ObserverFuncs) OnSnapshot(requestID string, s Snapshot, img *image.NRGBA) {
	if o.Snapshot != nil {
		o.Snapshot(requestID, s, img)
	}
}
