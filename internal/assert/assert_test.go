package assert

import (
	"testing"
)

func TestResultStringAndInt(t *testing.T) {
	ret := map[string]any{
		"USER": "root",
		"PROCESSES": []map[string]any{
			{"PID": 1, "CMD": "init"},
			{"PID": 42, "CMD": "sshd"},
		},
	}

	For(t, ret).Path("USER").Exists().String("root")
	For(t, ret).Path("PROCESSES").Len(2)
	For(t, ret).Path("PROCESSES.1.CMD").String("sshd")
	For(t, ret).Path("PROCESSES.1.PID").Int(42)
	For(t, ret).Path("NOPE").Missing()
}

func TestResultBoolAndFloat(t *testing.T) {
	ret := map[string]any{"OK": true, "LOAD": 1.5}
	For(t, ret).Path("OK").Bool(true)
	For(t, ret).Path("LOAD").Float(1.5)
}

func TestResultFailuresAreReportedViaSubtest(t *testing.T) {
	ret := map[string]any{"USER": "root"}

	t.Run("wrong string", func(t *testing.T) {
		sub := &recordingT{T: t}
		For(sub, ret).Path("USER").String("nobody")
		if !sub.failed {
			t.Fatal("expected failure to be recorded")
		}
	})

	t.Run("missing field asserted present", func(t *testing.T) {
		sub := &recordingT{T: t}
		For(sub, ret).Path("GHOST").Exists()
		if !sub.failed {
			t.Fatal("expected failure to be recorded")
		}
	})
}

// recordingT lets the failure-path tests above observe a Fatalf without
// actually aborting the outer test, since *testing.T.Fatalf always calls
// runtime.Goexit.
type recordingT struct {
	*testing.T
	failed bool
}

func (r *recordingT) Fatalf(format string, args ...any) {
	r.failed = true
}

func (r *recordingT) Helper() {}
