package purchase

import (
	"sync/atomic"

	"github.com/sirupsen/logrus"

	"github.com/furkansenharputlu/f-license-validator/lcs"
)

// gate accepts the first outcome offered and drops the rest.
type gate struct {
	resolved atomic.Bool
	done     chan lcs.OperationOutcome
	log      *logrus.Entry
}

func newGate(log *logrus.Entry) *gate {
	return &gate{
		done: make(chan lcs.OperationOutcome, 1),
		log:  log,
	}
}

// resolve reports whether out was the first outcome. It never blocks.
func (g *gate) resolve(out lcs.OperationOutcome) bool {
	if !g.resolved.CompareAndSwap(false, true) {
		g.log.WithField("kind", out.Kind).Debug("Operation already resolved, ignoring outcome")
		return false
	}

	g.done <- out
	return true
}

func (g *gate) wait() <-chan lcs.OperationOutcome {
	return g.done
}
