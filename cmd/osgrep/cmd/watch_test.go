package cmd

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/osgrep/osgrep/internal/watcher"
)

func TestWatchCmd_RejectsTooManyArgs(t *testing.T) {
	rootCmd := NewRootCmd()
	watchCmd, _, _ := rootCmd.Find([]string{"watch"})
	require.NotNil(t, watchCmd)
	assert.Error(t, watchCmd.Args(watchCmd, []string{"a", "b"}))
}

func TestWatchCmd_Registered(t *testing.T) {
	rootCmd := NewRootCmd()
	watchCmd, _, err := rootCmd.Find([]string{"watch"})
	require.NoError(t, err)
	assert.Equal(t, "watch [path]", watchCmd.Use)
}

func TestSummarizeBatch_Empty(t *testing.T) {
	assert.Equal(t, "watch event", summarizeBatch(nil))
}

func TestSummarizeBatch_SingleEvent(t *testing.T) {
	batch := []watcher.FileEvent{{Path: "main.go", Operation: watcher.OpModify, Timestamp: time.Now()}}
	assert.Equal(t, "MODIFY main.go", summarizeBatch(batch))
}

func TestSummarizeBatch_MultipleEvents(t *testing.T) {
	batch := []watcher.FileEvent{
		{Path: "a.go", Operation: watcher.OpModify},
		{Path: "b.go", Operation: watcher.OpCreate},
	}
	assert.Equal(t, "2 file changes", summarizeBatch(batch))
}
