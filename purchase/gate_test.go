package purchase

import (
	"sync/atomic"
	"testing"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"golang.org/x/sync/errgroup"

	"github.com/furkansenharputlu/f-license-validator/lcs"
)

func TestGate(t *testing.T) {
	g := newGate(logrus.NewEntry(logrus.New()))

	var wins int32
	var eg errgroup.Group
	for i := 0; i < 64; i++ {
		kind := lcs.ChannelError
		if i%2 == 0 {
			kind = lcs.Cancelled
		}

		eg.Go(func() error {
			if g.resolve(lcs.Failure(kind, lcs.TestUsername, "")) {
				atomic.AddInt32(&wins, 1)
			}
			return nil
		})
	}
	_ = eg.Wait()

	assert.Equal(t, int32(1), wins)
	assert.Len(t, g.done, 1)
	out := <-g.wait()
	assert.Contains(t, []lcs.ErrorKind{lcs.ChannelError, lcs.Cancelled}, out.Kind)
	assert.False(t, g.resolve(lcs.Licensed(lcs.TestUsername, "L1")))
	assert.Len(t, g.done, 0)
}
