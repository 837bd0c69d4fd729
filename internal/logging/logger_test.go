package logging

import (
	"bytes"
	"strings"
	"testing"
)

func TestDefaultLogger_LevelFiltering(t *testing.T) {
	tests := []struct {
		level     Level
		wantError bool
		wantWarn  bool
		wantInfo  bool
		wantDebug bool
	}{
		{LevelError, true, false, false, false},
		{LevelWarn, true, true, false, false},
		{LevelInfo, true, true, true, false},
		{LevelDebug, true, true, true, true},
	}

	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			var buf bytes.Buffer
			logger := NewLogger(&buf, tt.level)

			logger.Errorf("error message")
			logger.Warnf("warn message")
			logger.Infof("info message")
			logger.Debugf("debug message")

			output := buf.String()

			if got := strings.Contains(output, "ERROR "); got != tt.wantError {
				t.Errorf("Error logged: got %v, want %v", got, tt.wantError)
			}
			if got := strings.Contains(output, "WARN "); got != tt.wantWarn {
				t.Errorf("Warn logged: got %v, want %v", got, tt.wantWarn)
			}
			if got := strings.Contains(output, "INFO "); got != tt.wantInfo {
				t.Errorf("Info logged: got %v, want %v", got, tt.wantInfo)
			}
			if got := strings.Contains(output, "DEBUG "); got != tt.wantDebug {
				t.Errorf("Debug logged: got %v, want %v", got, tt.wantDebug)
			}
		})
	}
}

func TestDefaultLogger_FatalCallsHandler(t *testing.T) {
	var buf bytes.Buffer
	logger := NewLogger(&buf, LevelError)

	var got string
	logger.SetFatalHandler(func(msg string) { got = msg })
	logger.Fatalf("%sgen %d: highest seq %d < lowest seq %d", NSMerge, 7, 1, 9)

	if !strings.Contains(buf.String(), "FATAL [merge] gen 7") {
		t.Errorf("fatal line missing, got %q", buf.String())
	}
	if got != "[merge] gen 7: highest seq 1 < lowest seq 9" {
		t.Errorf("handler got %q", got)
	}
}

func TestDiscardLogger(t *testing.T) {
	// Just verify it doesn't panic
	Discard.Errorf("error %d", 1)
	Discard.Warnf("warn %d", 1)
	Discard.Infof("info %d", 1)
	Discard.Debugf("debug %d", 1)
	Discard.Fatalf("fatal %d", 1)
}

func TestLevelString(t *testing.T) {
	tests := []struct {
		level Level
		want  string
	}{
		{LevelError, "ERROR"},
		{LevelWarn, "WARN"},
		{LevelInfo, "INFO"},
		{LevelDebug, "DEBUG"},
		{Level(99), "UNKNOWN"},
	}

	for _, tt := range tests {
		if got := tt.level.String(); got != tt.want {
			t.Errorf("Level(%d).String() = %q, want %q", tt.level, got, tt.want)
		}
		if tt.want == "UNKNOWN" {
			continue
		}
		parsed, err := ParseLevel(tt.want)
		if err != nil || parsed != tt.level {
			t.Errorf("ParseLevel(%q) = %v, %v", tt.want, parsed, err)
		}
	}
}

func TestNamespaceConstants(t *testing.T) {
	namespaces := []string{NSPool, NSCache, NSVolume, NSRepo, NSFlush, NSMerge, NSManager}
	for _, ns := range namespaces {
		if !strings.HasPrefix(ns, "[") || !strings.HasSuffix(ns, "] ") {
			t.Errorf("namespace %q should be in [name] format", ns)
		}
	}
}

func TestOrDefault(t *testing.T) {
	var typedNil *DefaultLogger
	if !IsNil(typedNil) {
		t.Error("typed nil should be detected")
	}
	if OrDefault(typedNil) == nil {
		t.Error("OrDefault returned nil")
	}
	if OrDefault(Discard) != Discard {
		t.Error("OrDefault replaced a valid logger")
	}
}
