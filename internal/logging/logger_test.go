package logging

import (
	"bytes"
	"fmt"
	"strings"
	"testing"

	baselog "github.com/grailbio/base/log"
)

type bufOutputter struct {
	buf   bytes.Buffer
	level baselog.Level
}

func (b *bufOutputter) Level() baselog.Level { return b.level }

func (b *bufOutputter) Output(calldepth int, level baselog.Level, s string) error {
	if level > b.level {
		return nil
	}
	fmt.Fprintln(&b.buf, s)
	return nil
}

func TestLoggerLevelFiltering(t *testing.T) {
	out := &bufOutputter{level: baselog.Debug}
	logger := NewLogger(&Config{Level: LevelWarn, Outputter: out})

	logger.Debugf("debug %d", 1)
	logger.Infof("info %d", 2)
	if out.buf.Len() != 0 {
		t.Fatalf("expected no output below configured level, got %q", out.buf.String())
	}

	logger.Warnf("warn %d", 3)
	if !strings.Contains(out.buf.String(), "warn 3") {
		t.Fatalf("expected warn message, got %q", out.buf.String())
	}
}

func TestDefaultLoggerRoundTrip(t *testing.T) {
	out := &bufOutputter{level: baselog.Debug}
	SetDefault(NewLogger(&Config{Level: LevelDebug, Outputter: out}))
	t.Cleanup(func() { SetDefault(nil) })

	Debugf("hello %s", "world")
	if !strings.Contains(out.buf.String(), "hello world") {
		t.Fatalf("expected message via package-level Debugf, got %q", out.buf.String())
	}
}

func TestSetDefaultReplacesLogger(t *testing.T) {
	first := &bufOutputter{level: baselog.Debug}
	second := &bufOutputter{level: baselog.Debug}

	SetDefault(NewLogger(&Config{Level: LevelInfo, Outputter: first}))
	Infof("one")
	SetDefault(NewLogger(&Config{Level: LevelInfo, Outputter: second}))
	t.Cleanup(func() { SetDefault(nil) })
	Infof("two")

	if !strings.Contains(first.buf.String(), "one") {
		t.Fatalf("expected first outputter to receive 'one', got %q", first.buf.String())
	}
	if strings.Contains(first.buf.String(), "two") {
		t.Fatalf("first outputter should not see messages after SetDefault, got %q", first.buf.String())
	}
	if !strings.Contains(second.buf.String(), "two") {
		t.Fatalf("expected second outputter to receive 'two', got %q", second.buf.String())
	}
}
