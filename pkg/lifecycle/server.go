package lifecycle

import (
    "log"
    "os"

    "github.com/amirimatin/go-ensemble/pkg/internal/logutil"
)

// Server is a kind of local ensemble server the runner can start.
type Server interface {
    // Start blocks until the local member has joined the ensemble and is
    // serving, or returns an error.
    Start(configFile string) error
    // Shutdown stops the server, unblocking a pending Start.
    Shutdown()
    // Reconfigurable reports whether this server kind supports live
    // membership changes. Kinds that do not must never be left half-started.
    Reconfigurable() bool
}

// PropertySetter is optionally implemented by servers that accept engine
// properties which are not part of the config file.
type PropertySetter interface {
    SetProperties(props map[string]string)
}

// Terminator ends the host process. Deep logic never exits directly; it
// asks the injected Terminator so tests can observe the decision.
type Terminator interface {
    Die(msg string)
}

// TerminatorFunc adapts a function to Terminator.
type TerminatorFunc func(msg string)

func (f TerminatorFunc) Die(msg string) { f(msg) }

// ProcessTerminator logs msg and exits with status 1.
type ProcessTerminator struct {
    Logger *log.Logger
}

func (p ProcessTerminator) Die(msg string) {
    logutil.Fatalf(p.Logger, "%s", msg)
    os.Exit(1)
}
