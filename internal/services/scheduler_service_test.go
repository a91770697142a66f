package services

import (
	"context"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"

	"settlement-backend/internal/testutil"
)

type orderLog struct {
	mu    sync.Mutex
	calls []string
}

func (o *orderLog) add(s string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.calls = append(o.calls, s)
}

type stubLoop struct {
	name string
	log  *orderLog
	ctx  context.Context
}

func (s *stubLoop) Start(ctx context.Context) {
	s.ctx = ctx
	s.log.add("start " + s.name)
}

func (s *stubLoop) Stop() {
	s.log.add("stop " + s.name)
}

func TestSchedulerOrdering(t *testing.T) {
	calls := &orderLog{}
	a := &stubLoop{name: "deposits", log: calls}
	b := &stubLoop{name: "settlement", log: calls}

	s := NewSchedulerService(nil, testutil.Logger())
	s.Register("deposits", a)
	s.Register("missing", nil)
	s.Register("settlement", b)

	s.Start(context.Background())
	assert.NoError(t, a.ctx.Err())
	s.Stop()

	assert.Equal(t, []string{"start deposits", "start settlement", "stop settlement", "stop deposits"}, calls.calls)
	assert.Error(t, a.ctx.Err(), "loop context is cancelled on stop")
}
