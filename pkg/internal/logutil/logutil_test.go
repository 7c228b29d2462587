package logutil

import (
    "bytes"
    "encoding/json"
    "log"
    "strings"
    "testing"
)

func TestPlainPrefixes(t *testing.T) {
    SetJSON(false)
    var buf bytes.Buffer
    l := log.New(&buf, "", 0)
    Warnf(l, "entry %s dropped", "a")
    if got := buf.String(); got != "WARN entry a dropped\n" {
        t.Fatalf("got %q", got)
    }
}

func TestJSONMode(t *testing.T) {
    SetJSON(true)
    defer SetJSON(false)
    var buf bytes.Buffer
    l := log.New(&buf, "", 0)
    Errorf(l, "boom %d", 7)
    var evt map[string]any
    if err := json.Unmarshal([]byte(strings.TrimSpace(buf.String())), &evt); err != nil {
        t.Fatalf("not json: %v (%q)", err, buf.String())
    }
    if evt["level"] != "error" || evt["msg"] != "boom 7" {
        t.Fatalf("unexpected event: %#v", evt)
    }
}

func TestDebugGated(t *testing.T) {
    SetJSON(false)
    var buf bytes.Buffer
    l := log.New(&buf, "", 0)
    SetDebug(false)
    Debugf(l, "hidden")
    if buf.Len() != 0 { t.Fatalf("debug leaked: %q", buf.String()) }
    SetDebug(true)
    defer SetDebug(false)
    Debugf(l, "shown")
    if !strings.HasPrefix(buf.String(), "DEBUG shown") { t.Fatalf("got %q", buf.String()) }
}
