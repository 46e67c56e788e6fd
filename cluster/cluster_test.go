package cluster

import (
	"context"
	"os"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readFile(path string) (string, error) {
	data, err := os.ReadFile(path)
	return string(data), err
}

func containsLine(data, line string) bool {
	for _, l := range strings.Split(data, "\n") {
		if strings.TrimSpace(l) == line {
			return true
		}
	}
	return false
}

func TestWorkerIndex(t *testing.T) {
	_, ok := WorkerIndex()
	assert.False(t, ok)

	t.Setenv(WorkerIndexEnv, "3")
	idx, ok := WorkerIndex()
	require.True(t, ok)
	assert.Equal(t, 3, idx)

	t.Setenv(WorkerIndexEnv, "junk")
	_, ok = WorkerIndex()
	assert.False(t, ok)

	t.Setenv(WorkerIndexEnv, "-1")
	_, ok = WorkerIndex()
	assert.False(t, ok)
}

func TestSupervisorDefaults(t *testing.T) {
	s := NewSupervisor()
	assert.Greater(t, s.Workers(), 0)

	s = NewSupervisor(func(o *Options) {
		o.Workers = 4
	})
	assert.Equal(t, 4, s.Workers())
}

func TestRunStopsOnContextCancel(t *testing.T) {
	s := NewSupervisor(func(o *Options) {
		o.Workers = 2
		o.Command = []string{"sleep", "30"}
		o.RestartBackoff = 10 * time.Millisecond
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	time.Sleep(100 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("supervisor did not stop after cancel")
	}
}

func TestRunExhaustsRestartBudget(t *testing.T) {
	s := NewSupervisor(func(o *Options) {
		o.Workers = 1
		o.Command = []string{"false"}
		o.MaxRestarts = 2
		o.RestartBackoff = 5 * time.Millisecond
	})

	err := s.Run(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "restart budget")
}

func TestWorkersSeeIndexAndAddr(t *testing.T) {
	dir := t.TempDir()
	s := NewSupervisor(func(o *Options) {
		o.Workers = 2
		o.BasePort = 9200
		o.Command = []string{"sh", "-c", "echo \"$AGENTPOOL_WORKER_INDEX $AGENTPOOL_SERVER_ADDR\" >> " + dir + "/seen; sleep 30"}
		o.RestartBackoff = 10 * time.Millisecond
	})

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Run(ctx) }()

	require.Eventually(t, func() bool {
		data, err := readFile(dir + "/seen")
		return err == nil && len(data) > 0 &&
			containsLine(data, "0 :9200") && containsLine(data, "1 :9201")
	}, 5*time.Second, 20*time.Millisecond)

	cancel()
	<-done
}
