package logging

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"testing"
	"time"

	"go.viam.com/test"
)

type windowSummary struct {
	Local  []uint64
	Fixed  []uint64
	passes int
}

// expectLine reads one line from out and compares it against want, which lists the level, logger
// name, caller file, message and, optionally, the json fields. The time and line number are only
// checked for shape.
func expectLine(t *testing.T, out *bytes.Buffer, want ...string) {
	t.Helper()

	line, err := out.ReadString('\n')
	test.That(t, err, test.ShouldBeNil)
	parts := strings.Split(strings.TrimSuffix(line, "\n"), "\t")
	test.That(t, len(parts), test.ShouldEqual, len(want)+1)

	_, err = time.Parse(DefaultTimeFormatStr, parts[0])
	test.That(t, err, test.ShouldBeNil)
	test.That(t, parts[1], test.ShouldEqual, want[0])
	test.That(t, parts[2], test.ShouldEqual, want[1])

	file, lineNo, found := strings.Cut(parts[3], ":")
	test.That(t, found, test.ShouldBeTrue)
	test.That(t, file, test.ShouldEqual, want[2])
	_, err = strconv.Atoi(lineNo)
	test.That(t, err, test.ShouldBeNil)

	test.That(t, parts[4], test.ShouldEqual, want[3])
	if len(want) == 4 {
		return
	}
	var gotFields, wantFields map[string]any
	test.That(t, json.Unmarshal([]byte(parts[5]), &gotFields), test.ShouldBeNil)
	test.That(t, json.Unmarshal([]byte(want[4]), &wantFields), test.ShouldBeNil)
	test.That(t, gotFields, test.ShouldResemble, wantFields)
}

func TestConsoleOutputFormat(t *testing.T) {
	out := &bytes.Buffer{}
	logger := &impl{"localba", NewAtomicLevelAt(DEBUG), false, []Appender{NewWriterAppender(out)}}
	const file = "logging/impl_test.go"

	logger.Info("window selected")
	expectLine(t, out, "INFO", "localba", file, "window selected")

	logger.Debugf("pass %d of %d", 1, 2)
	expectLine(t, out, "DEBUG", "localba", file, "pass 1 of 2")

	logger.Warnw("edges excluded", "pass", 1, "count", 3)
	expectLine(t, out, "WARN", "localba", file, "edges excluded", `{"pass":1,"count":3}`)

	// unexported fields are not serialized
	logger.Infow("committed", "window", windowSummary{Local: []uint64{4, 3}, Fixed: []uint64{1}, passes: 2})
	expectLine(t, out, "INFO", "localba", file, "committed", `{"window":{"Local":[4,3],"Fixed":[1]}}`)

	logger.Errorw("bad scene", "path")
	expectLine(t, out, "ERROR", "localba", file, "bad scene", `{"path":"unpaired log key"}`)
	test.That(t, out.Len(), test.ShouldEqual, 0)
}

func TestDebugContext(t *testing.T) {
	out := &bytes.Buffer{}
	logger := &impl{"scene", NewAtomicLevelAt(INFO), true, []Appender{NewWriterAppender(out)}}

	logger.CDebugf(context.Background(), "hidden")
	logger.Debugw("hidden", "points", 120)
	test.That(t, out.Len(), test.ShouldEqual, 0)

	ctx := WithDebugRun(context.Background(), "")
	test.That(t, IsDebugMode(ctx), test.ShouldBeTrue)
	test.That(t, DebugRunName(ctx), test.ShouldHaveLength, 6)
	logger.CDebugw(ctx, "rendered", "keyframes", 5)
	expectLine(t, out, "DEBUG", "scene", "logging/impl_test.go", "rendered", `{"keyframes":5}`)

	test.That(t, DebugRunName(WithDebugRun(ctx, "ba-run")), test.ShouldEqual, "ba-run")
}

func TestSubloggerAndObserver(t *testing.T) {
	logger, observed := NewObservedTestLogger(t)
	sub := logger.Sublogger("localba")
	sub.Debugw("window selected", "local", 2, "fixed", 1)
	sub.Infof("committed %d keyframes", 2)
	sub.Sublogger("gating").Warn("outlier")

	test.That(t, observed.Len(), test.ShouldEqual, 3)
	entries := observed.All()
	test.That(t, entries[0].LoggerName, test.ShouldEqual, "localba")
	test.That(t, entries[0].Message, test.ShouldEqual, "window selected")
	test.That(t, entries[0].ContextMap()["local"], test.ShouldEqual, int64(2))
	test.That(t, entries[1].Message, test.ShouldEqual, "committed 2 keyframes")
	test.That(t, entries[2].LoggerName, test.ShouldEqual, "localba.gating")
	test.That(t, logger.Sync(), test.ShouldBeNil)

	sub.SetLevel(ERROR)
	test.That(t, sub.GetLevel(), test.ShouldEqual, ERROR)
	test.That(t, logger.GetLevel(), test.ShouldEqual, DEBUG)
}

func TestLevels(t *testing.T) {
	out := &bytes.Buffer{}
	logger := &impl{"lvl", NewAtomicLevelAt(WARN), false, []Appender{NewWriterAppender(out)}}
	logger.Info("dropped")
	test.That(t, out.Len(), test.ShouldEqual, 0)
	logger.Warn("kept")
	test.That(t, out.Len(), test.ShouldBeGreaterThan, 0)

	for _, tc := range []struct {
		in  string
		out Level
	}{{"debug", DEBUG}, {"INFO", INFO}, {"Warn", WARN}, {"error", ERROR}} {
		level, err := LevelFromString(tc.in)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, level, test.ShouldEqual, tc.out)
	}
	_, err := LevelFromString("verbose")
	test.That(t, err, test.ShouldNotBeNil)
}

func TestFileAppender(t *testing.T) {
	path := filepath.Join(t.TempDir(), "logs", "localba.log")
	appender := NewFileAppender(path)
	logger := &impl{"file", NewAtomicLevelAt(INFO), true, []Appender{appender}}
	logger.Infow("run done", "outliers", 2)
	logger.Debug("dropped")
	test.That(t, logger.Sync(), test.ShouldBeNil)
	test.That(t, appender.Close(), test.ShouldBeNil)

	contents, err := os.ReadFile(path)
	test.That(t, err, test.ShouldBeNil)
	test.That(t, bytes.Count(contents, []byte("\n")), test.ShouldEqual, 1)
	expectLine(t, bytes.NewBuffer(contents), "INFO", "file", "logging/impl_test.go", "run done", `{"outliers":2}`)

	scanner := bufio.NewScanner(bytes.NewReader(contents))
	test.That(t, scanner.Scan(), test.ShouldBeTrue)
	test.That(t, strings.SplitN(scanner.Text(), "\t", 2)[0], test.ShouldEndWith, "Z")
}
