package workers

import (
	"context"
	"io"
	"sync"
	"testing"
	"time"

	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yoockh/threadline/internal/cache"
	"github.com/yoockh/threadline/internal/models"
	pgrepo "github.com/yoockh/threadline/internal/repositories/postgres"
	"github.com/yoockh/threadline/internal/services"
	"github.com/yoockh/threadline/internal/testutil"
)

type memUploader struct {
	mu      sync.Mutex
	objects map[string][]byte
}

func (u *memUploader) Upload(_ context.Context, name, _ string, r io.Reader) (string, error) {
	b, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	u.mu.Lock()
	defer u.mu.Unlock()
	u.objects[name] = b
	return "mem://" + name, nil
}

func (u *memUploader) has(name string) bool {
	u.mu.Lock()
	defer u.mu.Unlock()
	_, ok := u.objects[name]
	return ok
}

func TestExportWorkerPool_ProcessesJobs(t *testing.T) {
	db := testutil.NewDB(t)
	_, rdb := testutil.NewRedis(t)
	log := testutil.NewLogger()
	threads := services.NewThreadService(pgrepo.NewThreadRepo(db), cache.Noop{}, 0, log)
	up := &memUploader{objects: map[string][]byte{}}
	exports := services.NewExportService(threads, rdb, up)

	ctx, cancel := context.WithCancel(context.Background())
	pool := &ExportWorkerPool{Redis: rdb, Exports: exports, NumWorkers: 2, Logger: log, Block: 50 * time.Millisecond}
	require.NoError(t, pool.Start(ctx))
	t.Cleanup(func() {
		cancel()
		pool.Wait()
	})

	th, err := threads.Create(context.Background(), models.CreateThreadParams{Title: "export me"})
	require.NoError(t, err)
	job, err := exports.Enqueue(context.Background(), th.ID)
	require.NoError(t, err)

	// a malformed entry is acked and dropped
	require.NoError(t, rdb.XAdd(context.Background(), &goredis.XAddArgs{
		Stream: services.ExportStream,
		Values: map[string]any{"thread_id": ""},
	}).Err())

	assert.Eventually(t, func() bool { return up.has(job.ObjectName) }, 5*time.Second, 20*time.Millisecond)

	assert.Eventually(t, func() bool {
		pending, err := rdb.XPending(context.Background(), services.ExportStream, pool.Group).Result()
		return err == nil && pending.Count == 0
	}, 5*time.Second, 20*time.Millisecond)
}

func TestExportWorkerPool_RequiresDeps(t *testing.T) {
	assert.Error(t, (&ExportWorkerPool{}).Start(context.Background()))
}

func TestStaleSweeper(t *testing.T) {
	ctx := context.Background()
	db := testutil.NewDB(t)
	log := testutil.NewLogger()
	repo := pgrepo.NewThreadRepo(db)
	threads := services.NewThreadService(repo, cache.Noop{}, 0, log)
	guard := services.NewMemoryGuard()

	stream := func(title string) (string, string) {
		th, err := threads.Create(ctx, models.CreateThreadParams{Title: title})
		require.NoError(t, err)
		th, err = threads.AddMessage(ctx, th.ID, models.MessagePayload{
			Role: models.RoleAssistant, Content: "partial", Status: models.StatusStreaming,
		})
		require.NoError(t, err)
		return th.ID, th.Messages[0].ID
	}
	abandonedThread, abandonedMsg := stream("abandoned")
	activeThread, activeMsg := stream("active")

	release, err := guard.Acquire(ctx, activeThread)
	require.NoError(t, err)
	defer release()

	sw := &StaleSweeper{
		Repo:    repo,
		Threads: threads,
		Guard:   guard,
		Logger:  log,
		After:   10 * time.Minute,
		now:     func() time.Time { return time.Now().Add(time.Hour) },
	}
	n, err := sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	th, err := threads.Get(ctx, abandonedThread)
	require.NoError(t, err)
	m := th.FindMessage(abandonedMsg)
	require.NotNil(t, m)
	assert.Equal(t, models.StatusInterrupted, m.Status)
	assert.Equal(t, "partial", m.Content)
	assert.Contains(t, m.Metadata, "error")

	th, err = threads.Get(ctx, activeThread)
	require.NoError(t, err)
	assert.Equal(t, models.StatusStreaming, th.FindMessage(activeMsg).Status)

	// fresh messages are left alone
	sw.now = time.Now
	n, err = sw.SweepOnce(ctx)
	require.NoError(t, err)
	assert.Zero(t, n)
}
