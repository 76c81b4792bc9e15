package gpu

import (
	"log"
	"os"
	"testing"

	"github.com/stretchr/testify/require"
)

var tCtx *Context
var tWorker *QueueWorker

func TestMain(m *testing.M) {
	ctx, err := NewContext(ContextOptions{AppName: "gpu-test"})
	if err != nil {
		log.Fatalf("fatal: NewContext failed: %v", err)
	}
	tCtx = ctx
	worker, err := NewQueueWorker(ctx, ctx.Graphics)
	if err != nil {
		log.Fatalf("fatal: NewQueueWorker failed: %v", err)
	}
	tWorker = worker
	code := m.Run()
	tWorker.Destroy()
	tCtx.Destroy()
	os.Exit(code)
}

func withRecorder(t *testing.T, fn func(rec *Recorder)) {
	t.Helper()
	rec, err := tWorker.Begin()
	require.NoError(t, err)
	fn(rec)
	require.NoError(t, tWorker.Submit(rec, nil, nil, nil))
	require.NoError(t, tWorker.Wait())
}
