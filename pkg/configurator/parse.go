package configurator

import (
    "bufio"
    "fmt"
    "io"
    "os"
    "strconv"
    "strings"

    "github.com/amirimatin/go-ensemble/pkg/ensemble"
)

// Parsed is a config file read back by the engine.
type Parsed struct {
    Values  map[string]string
    Servers []ensemble.Member
}

// Parse reads key=value lines. server.<id> lines are decoded into Servers in
// file order; blank lines and '#' comments are skipped.
func Parse(r io.Reader) (*Parsed, error) {
    p := &Parsed{Values: make(map[string]string)}
    s := bufio.NewScanner(r)
    n := 0
    for s.Scan() {
        n++
        line := strings.TrimSpace(s.Text())
        if line == "" || strings.HasPrefix(line, "#") { continue }
        key, value, ok := strings.Cut(line, "=")
        if !ok { return nil, fmt.Errorf("config line %d: missing '='", n) }
        if strings.HasPrefix(key, "server.") {
            m, err := ensemble.ParseServerSpec(line)
            if err != nil { return nil, fmt.Errorf("config line %d: %w", n, err) }
            p.Servers = append(p.Servers, m)
            continue
        }
        p.Values[key] = value
    }
    if err := s.Err(); err != nil { return nil, err }
    return p, nil
}

// ParseFile parses the config file at path.
func ParseFile(path string) (*Parsed, error) {
    f, err := os.Open(path)
    if err != nil { return nil, err }
    defer f.Close()
    return Parse(f)
}

// ReadMyID reads a member id file.
func ReadMyID(path string) (int, error) {
    raw, err := os.ReadFile(path)
    if err != nil { return 0, err }
    id, err := strconv.Atoi(strings.TrimSpace(string(raw)))
    if err != nil { return 0, fmt.Errorf("myid file %s: %w", path, err) }
    return id, nil
}

// String returns the value of key or def when absent.
func (p *Parsed) String(key, def string) string {
    if v, ok := p.Values[key]; ok { return v }
    return def
}

// Int returns the integer value of key or def when absent or malformed.
func (p *Parsed) Int(key string, def int) int {
    v, ok := p.Values[key]
    if !ok { return def }
    n, err := strconv.Atoi(v)
    if err != nil { return def }
    return n
}

// Bool accepts true/false and yes/no.
func (p *Parsed) Bool(key string, def bool) bool {
    switch strings.ToLower(p.Values[key]) {
    case "true", "yes":
        return true
    case "false", "no":
        return false
    default:
        return def
    }
}

// List splits a comma-joined value.
func (p *Parsed) List(key string) []string {
    v := p.Values[key]
    if v == "" { return nil }
    return strings.Split(v, ",")
}
