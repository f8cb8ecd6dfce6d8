package logging_test

import (
	"bytes"
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/m-mizutani/gt"
	"github.com/m-mizutani/reverie/pkg/utils/logging"
)

func TestNewConsole(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := logging.New("info", "console", buf)
	gt.V(t, logger).NotNil()

	logger.Info("memory saved", "id", 3)
	gt.S(t, buf.String()).Contains("memory saved")
}

func TestNewJSON(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := logging.New("debug", "json", buf)
	logger.Debug("window selected", "start", 1, "end", 2)

	var rec map[string]any
	gt.NoError(t, json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &rec))
	gt.Equal(t, rec["msg"], any("window selected"))
	gt.Equal(t, rec["start"], any(float64(1)))
}

func TestLevels(t *testing.T) {
	testCases := []struct {
		level       string
		expectDebug bool
		expectInfo  bool
		expectWarn  bool
	}{
		{"debug", true, true, true},
		{"info", false, true, true},
		{"warning", false, false, true},
		{"ERROR", false, false, false},
		{"bogus", false, true, true},
	}

	for _, tc := range testCases {
		t.Run(tc.level, func(t *testing.T) {
			buf := &bytes.Buffer{}
			logger := logging.New(tc.level, "console", buf)

			logger.Debug("debug message")
			logger.Info("info message")
			logger.Warn("warn message")
			logger.Error("error message")

			out := buf.String()
			check := func(expect bool, msg string) {
				if expect {
					gt.S(t, out).Contains(msg)
				} else {
					gt.S(t, out).NotContains(msg)
				}
			}
			check(tc.expectDebug, "debug message")
			check(tc.expectInfo, "info message")
			check(tc.expectWarn, "warn message")
			gt.S(t, out).Contains("error message")
		})
	}
}

func TestParseLevel(t *testing.T) {
	_, ok := logging.ParseLevel("warn")
	gt.True(t, ok)
	_, ok = logging.ParseLevel("verbose")
	gt.False(t, ok)
}

func TestWithAndFrom(t *testing.T) {
	buf := &bytes.Buffer{}
	logger := logging.New("info", "console", buf).With("component", "reflection")

	ctx := logging.With(context.Background(), logger)
	got := logging.From(ctx)
	gt.Equal(t, got, logger)

	got.Info("cycle started")
	gt.S(t, buf.String()).Contains("cycle started")
	gt.S(t, buf.String()).Contains("reflection")
}

func TestFromUsesDefault(t *testing.T) {
	original := logging.Default()
	defer logging.SetDefault(original)

	buf := &bytes.Buffer{}
	custom := logging.New("warn", "console", buf)
	logging.SetDefault(custom)

	got := logging.From(context.Background())
	gt.Equal(t, got, custom)
	got.Warn("from default")
	gt.S(t, buf.String()).Contains("from default")
}

func TestDiscard(t *testing.T) {
	logger := logging.Discard()
	gt.V(t, logger).NotNil()
	logger.Error("nothing")
}
