package stage

import (
	"errors"
	"fmt"

	"fleetradar/internal/domain"
)

// Info describes one stage of the maintenance lifecycle.
type Info struct {
	Name       string
	SLASeconds int
}

// Order is the authoritative stage sequence. Sequence comparisons index into
// this slice; nothing relies on map enumeration order.
var Order = []domain.Stage{
	domain.StageReceive,
	domain.StageIdentify,
	domain.StageDecide,
	domain.StageExecute,
	domain.StageConclude,
}

// Table maps each stage to its display name and SLA budget.
var Table = map[domain.Stage]Info{
	domain.StageReceive:  {Name: "Receive", SLASeconds: 3600},
	domain.StageIdentify: {Name: "Identify", SLASeconds: 7200},
	domain.StageDecide:   {Name: "Decide", SLASeconds: 3600},
	domain.StageExecute:  {Name: "Execute", SLASeconds: 14400},
	domain.StageConclude: {Name: "Conclude", SLASeconds: 1800},
}

var eventStages = map[string]domain.Stage{
	"maintenance.created":    domain.StageReceive,
	"maintenance.identified": domain.StageIdentify,
	"maintenance.approved":   domain.StageDecide,
	"maintenance.started":    domain.StageExecute,
	"maintenance.completed":  domain.StageConclude,
}

// ErrUnknownEvent marks an event kind with no stage mapping. Permanent;
// callers reject the request without retrying.
var ErrUnknownEvent = errors.New("unknown maintenance event")

// SequenceError reports an attempted transition that does not move strictly
// forward through the stage order.
type SequenceError struct {
	From domain.Stage
	To   domain.Stage
}

func (e SequenceError) Error() string {
	return fmt.Sprintf("invalid stage sequence: current stage %s, attempted stage %s", e.From, e.To)
}

// ForEvent maps an inbound event kind to its target stage.
func ForEvent(event string) (domain.Stage, error) {
	s, ok := eventStages[event]
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownEvent, event)
	}
	return s, nil
}

// Index returns the position of s in Order, or -1 if unknown.
func Index(s domain.Stage) int {
	for i, st := range Order {
		if st == s {
			return i
		}
	}
	return -1
}

// Previous returns the stage immediately before s, if any.
func Previous(s domain.Stage) (domain.Stage, bool) {
	idx := Index(s)
	if idx <= 0 {
		return "", false
	}
	return Order[idx-1], true
}

// ValidateSequence enforces strict forward movement: the target must have a
// greater index than the current stage. Equal or lesser indices fail.
func ValidateSequence(current, target domain.Stage) error {
	if Index(target) <= Index(current) {
		return SequenceError{From: current, To: target}
	}
	return nil
}

// SeedWindows builds the initial stage map for a new process, with every
// stage present and its SLA taken from Table.
func SeedWindows() map[domain.Stage]domain.StageWindow {
	windows := make(map[domain.Stage]domain.StageWindow, len(Order))
	for _, s := range Order {
		windows[s] = domain.StageWindow{SLASeconds: Table[s].SLASeconds}
	}
	return windows
}
