// errkind.go: real-time stderr classification. The encoder's stderr is the
// only live signal about what is going wrong inside it; a fixed table of
// substring matchers maps lines onto error kinds with per-kind thresholds.
package encoder

import (
	"strings"
	"sync"
)

// ErrorKind identifies a recognized encoder failure signature. The string
// values are wire-visible in restart requests and status messages.
type ErrorKind string

const (
	KindDTS          ErrorKind = "DTS_DISCONTINUITY"
	KindPTS          ErrorKind = "PTS_DISCONTINUITY"
	KindFileNotFound ErrorKind = "FILE_NOT_FOUND"
	KindPermission   ErrorKind = "PERMISSION"
	KindConnRefused  ErrorKind = "CONN_REFUSED"
	KindConnTimeout  ErrorKind = "CONN_TIMEOUT"
	KindCorrupt      ErrorKind = "CORRUPT"
	KindOOM          ErrorKind = "OOM"
	KindRTMP         ErrorKind = "RTMP"
	KindUnknown      ErrorKind = "UNKNOWN"
)

// ShortTag returns the compact tag embedded in status messages, e.g.
// "[DTS_ERRORS]". The control plane parses these today.
func (k ErrorKind) ShortTag() string {
	switch k {
	case KindDTS:
		return "DTS_ERRORS"
	case KindPTS:
		return "PTS_ERRORS"
	case KindConnRefused, KindConnTimeout, KindRTMP:
		return "NETWORK_ERRORS"
	case KindFileNotFound:
		return "FILE_NOT_FOUND"
	case KindPermission:
		return "PERMISSION_DENIED"
	case KindCorrupt:
		return "CORRUPT_INPUT"
	case KindOOM:
		return "OUT_OF_MEMORY"
	default:
		return "UNKNOWN_ERROR"
	}
}

// Reason returns the short failure name carried in restart-request
// reasons, e.g. "DTS". Unknown kinds fall back to the generic crash-loop
// reason.
func (k ErrorKind) Reason() string {
	switch k {
	case KindDTS:
		return "DTS"
	case KindPTS:
		return "PTS"
	case KindConnRefused, KindConnTimeout, KindRTMP:
		return "NETWORK"
	case KindFileNotFound:
		return "FILE_NOT_FOUND"
	case KindPermission:
		return "PERMISSION"
	case KindCorrupt:
		return "CORRUPT"
	case KindOOM:
		return "OOM"
	default:
		return "crash_loop"
	}
}

// Fatal reports whether this kind forbids automatic restarts.
func (k ErrorKind) Fatal() bool {
	switch k {
	case KindFileNotFound, KindPermission, KindCorrupt, KindOOM:
		return true
	default:
		return false
	}
}

// matcher is one row of the stderr classification table.
type matcher struct {
	kind      ErrorKind
	threshold int
	// every needle must appear in the lowercased line
	needles [][]string
}

// stderrMatchers is evaluated in order; first match wins per line.
var stderrMatchers = []matcher{
	{kind: KindDTS, threshold: 3, needles: [][]string{{"non-monotonous dts"}}},
	{kind: KindPTS, threshold: 3, needles: [][]string{{"non-monotonous pts"}}},
	{kind: KindFileNotFound, threshold: 1, needles: [][]string{{"no such file or directory"}}},
	{kind: KindPermission, threshold: 1, needles: [][]string{{"permission denied"}}},
	{kind: KindConnRefused, threshold: 3, needles: [][]string{{"connection refused"}}},
	{kind: KindConnTimeout, threshold: 3, needles: [][]string{{"connection timed out"}, {"timed out"}}},
	{kind: KindCorrupt, threshold: 1, needles: [][]string{{"invalid data found"}, {"moov atom not found"}}},
	{kind: KindOOM, threshold: 1, needles: [][]string{{"cannot allocate memory"}}},
	{kind: KindRTMP, threshold: 3, needles: [][]string{{"rtmp"}, {"server returned 4", "error"}}},
}

// matchLine returns the kind a stderr line matches, or KindUnknown.
func matchLine(line string) ErrorKind {
	lower := strings.ToLower(line)
	for i := range stderrMatchers {
		for _, group := range stderrMatchers[i].needles {
			all := true
			for _, needle := range group {
				if !strings.Contains(lower, needle) {
					all = false
					break
				}
			}
			if all {
				return stderrMatchers[i].kind
			}
		}
	}
	return KindUnknown
}

// threshold returns the detection threshold for a kind.
func threshold(kind ErrorKind) int {
	for i := range stderrMatchers {
		if stderrMatchers[i].kind == kind {
			return stderrMatchers[i].threshold
		}
	}
	return 1
}

// Detection is emitted once per run per kind when a counter crosses its
// threshold.
type Detection struct {
	StreamID int64
	Kind     ErrorKind
	Count    int
	Line     string // the line that crossed the threshold
}

// errorCounters tracks per-kind counts and the stderr tail for one child
// run. All methods are safe for concurrent use.
type errorCounters struct {
	mu       sync.Mutex
	counts   map[ErrorKind]int
	notified map[ErrorKind]bool
	tail     *lineRing
}

func newErrorCounters(tailSize int) *errorCounters {
	return &errorCounters{
		counts:   make(map[ErrorKind]int),
		notified: make(map[ErrorKind]bool),
		tail:     newLineRing(tailSize),
	}
}

// observe records one stderr line. It returns the kind and true when the
// kind's threshold is crossed for the first time in this run.
func (c *errorCounters) observe(line string) (ErrorKind, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	c.tail.push(line)

	kind := matchLine(line)
	if kind == KindUnknown {
		return kind, false
	}

	c.counts[kind]++
	if c.counts[kind] >= threshold(kind) && !c.notified[kind] {
		c.notified[kind] = true
		return kind, true
	}
	return kind, false
}

// count returns the current count for a kind.
func (c *errorCounters) count(kind ErrorKind) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.counts[kind]
}

// snapshot copies the counter map.
func (c *errorCounters) snapshot() map[ErrorKind]int {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[ErrorKind]int, len(c.counts))
	for k, v := range c.counts {
		out[k] = v
	}
	return out
}

// dominantKind returns the kind with the highest count among those that
// crossed their threshold, or KindUnknown when none did.
func (c *errorCounters) dominantKind() ErrorKind {
	c.mu.Lock()
	defer c.mu.Unlock()

	best := KindUnknown
	bestCount := 0
	for kind, n := range c.counts {
		if n >= threshold(kind) && n > bestCount {
			best = kind
			bestCount = n
		}
	}
	return best
}

// tailLines returns the retained stderr tail, oldest first.
func (c *errorCounters) tailLines() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.tail.lines()
}

// lineRing is a bounded ring of stderr lines.
type lineRing struct {
	buf   []string
	next  int
	count int
}

func newLineRing(size int) *lineRing {
	if size < 1 {
		size = 1
	}
	return &lineRing{buf: make([]string, size)}
}

func (r *lineRing) push(line string) {
	r.buf[r.next] = line
	r.next = (r.next + 1) % len(r.buf)
	if r.count < len(r.buf) {
		r.count++
	}
}

// lines returns the retained lines oldest first.
func (r *lineRing) lines() []string {
	out := make([]string, 0, r.count)
	start := r.next - r.count
	if start < 0 {
		start += len(r.buf)
	}
	for i := 0; i < r.count; i++ {
		out = append(out, r.buf[(start+i)%len(r.buf)])
	}
	return out
}
