package logutil

import (
    "encoding/json"
    "fmt"
    "log"
    "os"
    "sync/atomic"
    "time"
)

var jsonMode atomic.Bool

func init() {
    if os.Getenv("ENSEMBLE_LOG_JSON") == "1" || os.Getenv("ENSEMBLE_LOG_FORMAT") == "json" {
        jsonMode.Store(true)
    }
}

// SetJSON switches JSON line output on or off.
func SetJSON(enabled bool) { jsonMode.Store(enabled) }

func Infof(l *log.Logger, f string, args ...any)  { logf(l, "info", f, args...) }
func Warnf(l *log.Logger, f string, args ...any)  { logf(l, "warn", f, args...) }
func Errorf(l *log.Logger, f string, args ...any) { logf(l, "error", f, args...) }

// Fatalf logs at the highest level. It does not exit; process termination
// is the caller's decision.
func Fatalf(l *log.Logger, f string, args ...any) { logf(l, "fatal", f, args...) }

func logf(l *log.Logger, level, f string, args ...any) {
    if l == nil { l = log.Default() }
    msg := fmt.Sprintf(f, args...)
    if jsonMode.Load() {
        evt := map[string]any{
            "ts":    time.Now().UTC().Format(time.RFC3339Nano),
            "level": level,
            "msg":   msg,
        }
        b, _ := json.Marshal(evt)
        l.Println(string(b))
        return
    }
    var p string
    switch level {
    case "info":
        p = "INFO "
    case "warn":
        p = "WARN "
    case "fatal":
        p = "FATAL "
    default:
        p = "ERROR "
    }
    _ = l.Output(3, p+msg)
}
