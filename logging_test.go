package hal

import (
	"bytes"
	"strings"
	"testing"

	"github.com/rs/zerolog"
)

func TestZerologCallback(t *testing.T) {
	tests := []struct {
		level LogLevel
		want  string
	}{
		{LogLevelError, `"level":"error"`},
		{LogLevelWarning, `"level":"warn"`},
		{LogLevelInfo, `"level":"info"`},
		{LogLevelDebug, `"level":"debug"`},
	}
	for _, tt := range tests {
		t.Run(tt.level.String(), func(t *testing.T) {
			var buf bytes.Buffer
			cb := ZerologCallback(zerolog.New(&buf).Level(zerolog.DebugLevel))
			cb(tt.level, "clock mismatch")

			out := buf.String()
			for _, s := range []string{tt.want, `"component":"pn54x"`, `"message":"clock mismatch"`} {
				if !strings.Contains(out, s) {
					t.Errorf("%q missing from %s", s, out)
				}
			}
		})
	}
}

func TestZerologCallbackDropsNone(t *testing.T) {
	var buf bytes.Buffer
	cb := ZerologCallback(zerolog.New(&buf))
	cb(LogLevelNone, "dropped")
	if buf.Len() != 0 {
		t.Errorf("wrote %s", buf.String())
	}
}

func TestZerologCallbackHonorsLevel(t *testing.T) {
	var buf bytes.Buffer
	cb := ZerologCallback(zerolog.New(&buf).Level(zerolog.WarnLevel))
	cb(LogLevelDebug, "noise")
	if buf.Len() != 0 {
		t.Errorf("debug message written at warn level: %s", buf.String())
	}
}
