package monitoring

import (
	"fmt"
	"testing"
)

func TestSetLoggerCaptures(t *testing.T) {
	orig := Logf
	defer SetLogger(orig)

	var got string
	SetLogger(func(format string, v ...interface{}) {
		got = fmt.Sprintf(format, v...)
	})

	Logf("venue %s started", "demo")
	if got != "venue demo started" {
		t.Errorf("captured log = %q, want %q", got, "venue demo started")
	}
}

func TestSetLoggerNilIsNoop(t *testing.T) {
	orig := Logf
	defer SetLogger(orig)

	SetLogger(nil)
	// Must not panic.
	Logf("dropped %d samples", 3)
}
