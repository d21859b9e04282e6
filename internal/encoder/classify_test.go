package encoder

import (
	"syscall"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestClassifyIntentTakesPriority(t *testing.T) {
	t.Parallel()

	// A recorded intent wins over any exit status, even a SIGKILL.
	counters := newErrorCounters(10)
	counters.observe("Non-monotonous DTS in output stream")
	counters.observe("Non-monotonous DTS in output stream")
	counters.observe("Non-monotonous DTS in output stream")

	tests := []struct {
		intent Intent
		want   ExitClass
	}{
		{IntentUser, ClassUserStop},
		{IntentShutdown, ClassSystemStop},
		{IntentUpdate, ClassUpdating},
	}
	for _, tt := range tests {
		class, kind := Classify(-1, syscall.SIGKILL, tt.intent, counters)
		assert.Equal(t, tt.want, class, "intent %s", tt.intent)
		assert.Equal(t, KindUnknown, kind)
		assert.True(t, class.Stopped())
		assert.False(t, class.CrashLike())
	}
}

func TestClassifyFatalIntentKeepsStderrKind(t *testing.T) {
	t.Parallel()

	counters := newErrorCounters(10)
	kind, crossed := counters.observe("input.mp4: No such file or directory")
	assert.True(t, crossed)
	assert.Equal(t, KindFileNotFound, kind)

	// The fatal kill came from that detection; the exit must report the
	// kind that triggered it, not UNKNOWN.
	class, kind := Classify(1, 0, IntentFatal, counters)
	assert.Equal(t, ClassFatalStop, class)
	assert.Equal(t, KindFileNotFound, kind)

	class, kind = Classify(1, 0, IntentFatal, nil)
	assert.Equal(t, ClassFatalStop, class)
	assert.Equal(t, KindUnknown, kind)
}

func TestClassifyRestartIntentIsCrash(t *testing.T) {
	t.Parallel()

	counters := newErrorCounters(10)
	for range 3 {
		counters.observe("Non-monotonous DTS in output stream")
	}

	// An in-band restart kill keeps its crash classification so the restart
	// budget sees it.
	class, kind := Classify(-1, syscall.SIGTERM, IntentRestart, counters)
	assert.Equal(t, ClassCrash, class)
	assert.Equal(t, KindDTS, kind)
	assert.True(t, class.CrashLike())
}

func TestClassifyNormalExit(t *testing.T) {
	t.Parallel()

	class, kind := Classify(0, 0, IntentNone, newErrorCounters(10))
	assert.Equal(t, ClassNormalExit, class)
	assert.Equal(t, KindUnknown, kind)
}

func TestClassifyExternalKill(t *testing.T) {
	t.Parallel()

	for _, sig := range []syscall.Signal{syscall.SIGKILL, syscall.SIGTERM, syscall.SIGINT} {
		class, kind := Classify(-1, sig, IntentNone, newErrorCounters(10))
		assert.Equal(t, ClassExternalKill, class, "signal %v", sig)
		assert.Equal(t, KindUnknown, kind)
		assert.True(t, class.CrashLike())
	}
}

func TestClassifyOOMExitCode(t *testing.T) {
	t.Parallel()

	class, kind := Classify(137, 0, IntentNone, newErrorCounters(10))
	assert.Equal(t, ClassCrash, class)
	assert.Equal(t, KindOOM, kind)
	assert.True(t, kind.Fatal())
}

func TestClassifyCrashWithDominantKind(t *testing.T) {
	t.Parallel()

	counters := newErrorCounters(10)
	for range 3 {
		counters.observe("rtmp://x: Non-monotonous DTS in output stream; previous: 100, current: 50")
	}

	class, kind := Classify(1, 0, IntentNone, counters)
	assert.Equal(t, ClassCrash, class)
	assert.Equal(t, KindDTS, kind)
	assert.False(t, kind.Fatal())
}

func TestClassifyCrashBelowThresholdIsUnknown(t *testing.T) {
	t.Parallel()

	counters := newErrorCounters(10)
	counters.observe("Non-monotonous DTS in output stream")

	class, kind := Classify(1, 0, IntentNone, counters)
	assert.Equal(t, ClassCrash, class)
	assert.Equal(t, KindUnknown, kind, "one DTS line is below the threshold of 3")
}

func TestClassifyNilCounters(t *testing.T) {
	t.Parallel()

	class, kind := Classify(1, 0, IntentNone, nil)
	assert.Equal(t, ClassCrash, class)
	assert.Equal(t, KindUnknown, kind)
}

func TestMatchLineTable(t *testing.T) {
	t.Parallel()

	tests := []struct {
		line string
		want ErrorKind
	}{
		{"Non-monotonous DTS in output stream 0:1", KindDTS},
		{"NON-MONOTONOUS PTS in output stream", KindPTS},
		{"/tmp/x.mp4: No such file or directory", KindFileNotFound},
		{"rtmp://host/live: Permission denied", KindPermission},
		{"Connection refused", KindConnRefused},
		{"rtmp://host: Connection timed out", KindConnTimeout},
		{"Operation timed out", KindConnTimeout},
		{"Invalid data found when processing input", KindCorrupt},
		{"moov atom not found", KindCorrupt},
		{"Cannot allocate memory", KindOOM},
		{"RTMP handshake failed", KindRTMP},
		{"Server returned 403 Forbidden: access error", KindRTMP},
		{"frame=  100 fps= 25", KindUnknown},
		{"", KindUnknown},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, matchLine(tt.line), "line %q", tt.line)
	}
}

func TestErrorCountersThresholdCrossing(t *testing.T) {
	t.Parallel()

	c := newErrorCounters(10)

	// Threshold 3: first two observations must not notify.
	_, crossed := c.observe("Non-monotonous DTS")
	assert.False(t, crossed)
	_, crossed = c.observe("Non-monotonous DTS")
	assert.False(t, crossed)
	kind, crossed := c.observe("Non-monotonous DTS")
	assert.True(t, crossed)
	assert.Equal(t, KindDTS, kind)

	// Only once per run per kind.
	_, crossed = c.observe("Non-monotonous DTS")
	assert.False(t, crossed)
	assert.Equal(t, 4, c.count(KindDTS))
}

func TestErrorCountersFatalKindCrossesImmediately(t *testing.T) {
	t.Parallel()

	c := newErrorCounters(10)
	kind, crossed := c.observe("input.mp4: No such file or directory")
	assert.True(t, crossed)
	assert.Equal(t, KindFileNotFound, kind)
}

func TestLineRingKeepsTail(t *testing.T) {
	t.Parallel()

	r := newLineRing(3)
	r.push("a")
	r.push("b")
	assert.Equal(t, []string{"a", "b"}, r.lines())

	r.push("c")
	r.push("d")
	assert.Equal(t, []string{"b", "c", "d"}, r.lines())
}
