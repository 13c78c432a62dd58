package jobs

import (
	"time"

	"github.com/you/jobq/internal/queue"
)

type outcomeKind uint8

const (
	outcomeProceed outcomeKind = iota
	outcomeRedelay
	outcomeFail
)

// outcome is the result of one pass through the processing pipeline. The
// pipeline never talks to the engine directly; engineResult translates it.
type outcome struct {
	kind   outcomeKind
	result any
	until  time.Time
	err    error
}

func proceed(result any) outcome      { return outcome{kind: outcomeProceed, result: result} }
func redelay(until time.Time) outcome { return outcome{kind: outcomeRedelay, until: until} }
func fail(err error) outcome          { return outcome{kind: outcomeFail, err: err} }

func (o outcome) engineResult() (any, error) {
	switch o.kind {
	case outcomeRedelay:
		return nil, queue.Redelay(o.until)
	case outcomeFail:
		return nil, o.err
	}
	return o.result, nil
}
