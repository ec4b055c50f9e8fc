package cmd

import (
	"os"
	"path/filepath"
	"testing"

	"go-civitai-batch/internal/config"
	"go-civitai-batch/internal/events"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type sinkFn func()

func (f sinkFn) Publish(events.Event) { f() }

func newTestEvent() events.Event { return events.New(events.DownloadStarted) }

func TestResolveInputsMergesAndDedupes(t *testing.T) {
	cfg := config.Config{}
	cfg.Inputs.Users = []string{"alice", "https://civitai.com/user/bob"}
	cfg.Inputs.Models = []string{"7"}

	dir := t.TempDir()
	modelsFile := filepath.Join(dir, "models.txt")
	require.NoError(t, os.WriteFile(modelsFile, []byte("# list\n8\nhttps://civitai.com/models/9/some-slug\n7\n"), 0600))

	users, ids, err := resolveInputs(cfg, []string{"alice", "carol"}, []string{"10"}, "", modelsFile)
	require.NoError(t, err)
	assert.Equal(t, []string{"alice", "bob", "carol"}, users)
	assert.Equal(t, []int{7, 10, 8, 9}, ids)
}

func TestResolveInputsRejectsBadEntries(t *testing.T) {
	_, _, err := resolveInputs(config.Config{}, nil, []string{"not-a-model"}, "", "")
	assert.Error(t, err)

	_, _, err = resolveInputs(config.Config{}, []string{""}, nil, "", "")
	assert.Error(t, err)
}

func TestPipelineWorkersSerialByDefault(t *testing.T) {
	model, image := pipelineWorkers(config.Defaults())
	assert.Equal(t, 1, model, "one model download at a time without parallel mode")
	assert.Equal(t, 1, image, "one image download at a time without parallel mode")
}

func TestPipelineWorkersWithParallelMode(t *testing.T) {
	cfg := config.Defaults()
	cfg.ParallelMode = true
	model, image := pipelineWorkers(cfg)
	assert.Equal(t, cfg.MaxConcurrentDownloads, model)
	assert.Equal(t, 2, image)
}

func TestFanoutDeliversInOrder(t *testing.T) {
	f := &fanout{}
	var order []string
	f.add(sinkFn(func() { order = append(order, "a") }))
	f.add(sinkFn(func() { order = append(order, "b") }))
	f.Publish(newTestEvent())
	assert.Equal(t, []string{"a", "b"}, order)
}
