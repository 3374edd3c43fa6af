package listeners

import (
	"bytes"
	"context"
	"errors"
	"log/slog"
	"testing"
	"time"

	"github.com/INLOpen/nexuslake/compaction"
	"github.com/INLOpen/nexuslake/core"
	"github.com/INLOpen/nexuslake/hooks"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestFailureAlerterListener_OnEvent(t *testing.T) {
	var logBuf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&logBuf, nil))

	listener := NewFailureAlerterListener(logger)
	require.NotNil(t, listener)

	t.Run("Alerts on fatal failure", func(t *testing.T) {
		logBuf.Reset() // Clear buffer for this sub-test

		payload := hooks.PostCompactionPayload{
			TabletID: 123,
			TableID:  9,
			Kind:     core.CompactionBase,
			State:    compaction.TaskFailedFatal.String(),
			Duration: 3 * time.Second,
			Err:      errors.New("merge failed: disk full"),
		}
		event := hooks.NewPostCompactionEvent(payload)

		err := listener.OnEvent(context.Background(), event)
		require.NoError(t, err)

		logOutput := logBuf.String()
		assert.Contains(t, logOutput, "Compaction task failed", "Log should contain the alert message")
		assert.Contains(t, logOutput, `"tablet_id":123`, "Log should contain the tablet ID")
		assert.Contains(t, logOutput, "disk full", "Log should contain the error")
	})

	t.Run("Stays quiet on success", func(t *testing.T) {
		logBuf.Reset()
		payload := hooks.PostCompactionPayload{
			TabletID: 123,
			Kind:     core.CompactionBase,
			State:    compaction.TaskSucceeded.String(),
		}
		require.NoError(t, listener.OnEvent(context.Background(), hooks.NewPostCompactionEvent(payload)))
		assert.Empty(t, logBuf.String(), "Listener should not log for successful compactions")
	})

	t.Run("Stays quiet on benign failure", func(t *testing.T) {
		logBuf.Reset()
		payload := hooks.PostCompactionPayload{
			TabletID: 123,
			Kind:     core.CompactionCumulative,
			State:    compaction.TaskFailedBenign.String(),
			Err:      core.ErrNoSuitableVersion,
		}
		require.NoError(t, listener.OnEvent(context.Background(), hooks.NewPostCompactionEvent(payload)))
		assert.Empty(t, logBuf.String(), "Listener should not log for benign outcomes")
	})

	t.Run("Ignores other event types", func(t *testing.T) {
		logBuf.Reset()
		event := hooks.NewPostTabletCreateEvent(hooks.TabletCreatePayload{TabletID: 123})
		require.NoError(t, listener.OnEvent(context.Background(), event))
		assert.Empty(t, logBuf.String(), "Listener should not log for non-PostCompaction events")
	})
}
