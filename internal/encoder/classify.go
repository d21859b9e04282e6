// classify.go: exit classification. Classification is a pure function of
// (exit code, signal, recorded stop intent, stderr counters) so it can be
// tested exhaustively without a process.
package encoder

import (
	"syscall"
	"time"
)

// Intent records why a stop was requested, written before any signal is
// sent. IntentNone means nobody asked the child to die.
type Intent int

const (
	IntentNone Intent = iota
	IntentUser
	IntentUpdate
	IntentShutdown
	IntentFatal
	// IntentRestart marks an in-band restart: the stream manager is killing
	// the child because a stderr threshold crossed. The exit still counts as
	// a crash so restart accounting sees it.
	IntentRestart
)

// String returns the intent name used in logs and stop messages.
func (i Intent) String() string {
	switch i {
	case IntentUser:
		return "user"
	case IntentUpdate:
		return "update"
	case IntentShutdown:
		return "shutdown"
	case IntentFatal:
		return "fatal"
	case IntentRestart:
		return "restart"
	default:
		return "none"
	}
}

// ExitClass is the supervisor's verdict on one child exit.
type ExitClass int

const (
	ClassNormalExit ExitClass = iota
	ClassUserStop
	ClassSystemStop
	ClassUpdating
	ClassFatalStop
	ClassCrash
	ClassExternalKill
)

// String returns the class name used in logs.
func (c ExitClass) String() string {
	switch c {
	case ClassNormalExit:
		return "normal-exit"
	case ClassUserStop:
		return "user-stop"
	case ClassSystemStop:
		return "system-stop"
	case ClassUpdating:
		return "updating"
	case ClassFatalStop:
		return "fatal-stop"
	case ClassCrash:
		return "crash"
	case ClassExternalKill:
		return "external-kill"
	default:
		return "unknown"
	}
}

// Stopped reports whether the exit was requested by this agent.
func (c ExitClass) Stopped() bool {
	switch c {
	case ClassUserStop, ClassSystemStop, ClassUpdating, ClassFatalStop:
		return true
	default:
		return false
	}
}

// CrashLike reports whether the exit should go through crash policy.
func (c ExitClass) CrashLike() bool {
	return c == ClassCrash || c == ClassExternalKill
}

// ExitEvent is the one-shot result of a child run, delivered to the stream
// manager after the child is reaped.
type ExitEvent struct {
	StreamID   int64
	Code       int            // exit code, -1 when signalled
	Signal     syscall.Signal // 0 when the child exited on its own
	Class      ExitClass
	Kind       ErrorKind // dominant stderr kind for crashes, else KindUnknown
	StderrTail []string  // bounded tail, oldest first
	Runtime    time.Duration
}

// oomExitCode is what the kernel's OOM killer leaves behind (128+SIGKILL),
// surfaced by container runtimes as a plain exit code.
const oomExitCode = 137

// Classify derives the exit class per the priority order: recorded intent
// first, then clean exit, then external signals, then crash with the
// dominant stderr kind.
func Classify(code int, signal syscall.Signal, intent Intent, counters *errorCounters) (ExitClass, ErrorKind) {
	// 1. We asked for this. Whatever the exit status says, it is not a crash.
	switch intent {
	case IntentUser:
		return ClassUserStop, KindUnknown
	case IntentShutdown:
		return ClassSystemStop, KindUnknown
	case IntentUpdate:
		return ClassUpdating, KindUnknown
	case IntentFatal:
		// The kill was triggered by a fatal stderr kind; the exit report
		// must carry that kind, not the bare exit status.
		if counters != nil {
			return ClassFatalStop, counters.dominantKind()
		}
		return ClassFatalStop, KindUnknown
	case IntentRestart:
		if counters != nil {
			return ClassCrash, counters.dominantKind()
		}
		return ClassCrash, KindUnknown
	}

	// 2. Clean exit. For looping streams this is still unexpected, but that
	// is the manager's judgement, not the classifier's.
	if code == 0 {
		return ClassNormalExit, KindUnknown
	}

	kind := KindUnknown
	if counters != nil {
		kind = counters.dominantKind()
	}

	// OOM kills surface as exit 137 with no stderr warning.
	if code == oomExitCode {
		return ClassCrash, KindOOM
	}

	// 3. Killed from outside with no recorded intent.
	switch signal {
	case syscall.SIGKILL, syscall.SIGTERM, syscall.SIGINT:
		if kind == KindUnknown {
			return ClassExternalKill, KindUnknown
		}
		// A threshold crossed before the kill: the in-band detector was
		// already terminating this child.
		return ClassCrash, kind
	}

	// 4. Everything else is a crash.
	return ClassCrash, kind
}
