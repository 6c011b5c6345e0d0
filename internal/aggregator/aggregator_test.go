package aggregator

import (
	"fmt"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/botfleet-console/internal/botlog"
)

func logRec(botID *int64, level botlog.Level, msg string) botlog.LogRecord {
	return botlog.LogRecord{BotID: botID, Level: level, Message: msg}
}

// TestAggregatorSingleScopeScenario feeds mixed-source records into a bot-scoped buffer.
func TestAggregatorSingleScopeScenario(t *testing.T) {
	t.Parallel()

	agg := New(botlog.Single(42))
	agg.OnLogEvent(logRec(botlog.BotID(42), botlog.LevelError, "a"))
	agg.OnLogEvent(logRec(botlog.BotID(99), botlog.LevelError, "b"))
	agg.OnLogEvent(logRec(botlog.BotID(42), botlog.LevelInfo, "c"))

	logs := agg.Logs()
	require.Len(t, logs, 2)
	require.Equal(t, "a", logs[0].Message)
	require.Equal(t, botlog.LevelError, logs[0].Level)
	require.Equal(t, "c", logs[1].Message)
	require.Equal(t, botlog.LevelInfo, logs[1].Level)
	require.Equal(t, Stats{Total: 2, Errors: 1}, agg.Stats())
	require.Equal(t, uint64(1), agg.Dropped())
}

// TestAggregatorEvictsOldest keeps the tail of the stream once capacity is exceeded.
func TestAggregatorEvictsOldest(t *testing.T) {
	t.Parallel()

	agg := New(botlog.All(), WithCapacity(3))
	for _, msg := range []string{"A", "B", "C", "D", "E"} {
		agg.OnLogEvent(logRec(nil, botlog.LevelInfo, msg))
	}

	logs := agg.Logs()
	require.Len(t, logs, 3)
	require.Equal(t, []string{"C", "D", "E"}, messages(logs))
}

// TestAggregatorBufferIsSuffixOfAccepted checks the buffer against the full accepted sequence.
func TestAggregatorBufferIsSuffixOfAccepted(t *testing.T) {
	t.Parallel()

	for _, capacity := range []int{1, 2, 7, 50} {
		agg := New(botlog.Single(1), WithCapacity(capacity))
		var accepted []string
		for i := 0; i < 120; i++ {
			var id *int64
			switch i % 3 {
			case 0:
				id = botlog.BotID(1)
			case 1:
				id = botlog.BotID(2)
			}
			rec := logRec(id, botlog.LevelInfo, fmt.Sprintf("m%d", i))
			if botlog.AcceptsLog(agg.Scope(), rec) {
				accepted = append(accepted, rec.Message)
			}
			agg.OnLogEvent(rec)
			require.LessOrEqual(t, agg.Len(), capacity)
		}
		want := accepted
		if len(want) > capacity {
			want = want[len(want)-capacity:]
		}
		require.Equal(t, want, messages(agg.Logs()), "capacity %d", capacity)
	}
}

func TestAggregatorSystemMessagesPassSingleScope(t *testing.T) {
	t.Parallel()

	agg := New(botlog.Single(5))
	agg.OnLogEvent(logRec(nil, botlog.LevelWarning, "maintenance"))
	agg.OnLogEvent(logRec(botlog.BotID(7), botlog.LevelWarning, "other"))

	require.Equal(t, []string{"maintenance"}, messages(agg.Logs()))
	require.Equal(t, Stats{Total: 1, Warnings: 1}, agg.Stats())
}

func TestAggregatorProgressReplacesSlot(t *testing.T) {
	t.Parallel()

	agg := New(botlog.All())
	_, ok := agg.Progress()
	require.False(t, ok)

	agg.OnProgressEvent(botlog.ProgressRecord{BotID: 1, Current: 1, Total: 10, Percentage: 10})
	agg.OnProgressEvent(botlog.ProgressRecord{BotID: 2, Current: 12, Total: 10, Percentage: 120})

	p, ok := agg.Progress()
	require.True(t, ok)
	require.Equal(t, int64(2), p.BotID)
	require.InDelta(t, 120.0, p.Percentage, 0.0001)
}

func TestAggregatorProgressScopeFilter(t *testing.T) {
	t.Parallel()

	agg := New(botlog.Single(1))
	agg.OnProgressEvent(botlog.ProgressRecord{BotID: 1, Message: "mine"})
	agg.OnProgressEvent(botlog.ProgressRecord{BotID: 2, Message: "theirs"})

	p, ok := agg.Progress()
	require.True(t, ok)
	require.Equal(t, "mine", p.Message)
}

func TestAggregatorClear(t *testing.T) {
	t.Parallel()

	agg := New(botlog.All(), WithCapacity(4))
	for i, level := range []botlog.Level{botlog.LevelError, botlog.LevelWarning, botlog.LevelSuccess, botlog.LevelDebug, botlog.LevelError} {
		agg.OnLogEvent(logRec(botlog.BotID(int64(i)), level, "x"))
	}
	agg.OnProgressEvent(botlog.ProgressRecord{BotID: 1})
	require.Equal(t, Stats{Total: 4, Errors: 1, Warnings: 1, Successes: 1}, agg.Stats())

	agg.Clear()

	require.Equal(t, Stats{}, agg.Stats())
	require.Empty(t, agg.Logs())
	_, ok := agg.Progress()
	require.False(t, ok)

	agg.OnLogEvent(logRec(nil, botlog.LevelInfo, "after"))
	require.Equal(t, []string{"after"}, messages(agg.Logs()))
}

func TestAggregatorCapacityDefaults(t *testing.T) {
	t.Parallel()

	require.Equal(t, DefaultCapacity, New(botlog.All()).Capacity())
	require.Equal(t, DefaultCapacity, New(botlog.All(), WithCapacity(0)).Capacity())
	require.Equal(t, 500, New(botlog.All(), WithCapacity(500)).Capacity())
	require.Equal(t, MaxCapacity, New(botlog.All(), WithCapacity(2_000_000_000)).Capacity())
}

func messages(logs []botlog.LogRecord) []string {
	out := make([]string, 0, len(logs))
	for _, l := range logs {
		out = append(out, l.Message)
	}
	return out
}
