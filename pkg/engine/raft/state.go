package raftengine

import (
    "encoding/json"
    "fmt"
    "sync"

    "github.com/amirimatin/go-ensemble/pkg/ensemble"
)

// State is the replicated dynamic configuration: the server list the
// ensemble last committed and the log index it was committed at.
type State struct {
    mu      sync.RWMutex
    version uint64
    servers []ensemble.Member
}

// NewState returns an empty configuration state.
func NewState() *State { return &State{} }

// ApplySet replaces the dynamic configuration. Older versions are ignored so
// replays after a restore are harmless.
func (s *State) ApplySet(version uint64, servers []ensemble.Member) error {
    if len(servers) == 0 { return fmt.Errorf("state: empty server list") }
    s.mu.Lock(); defer s.mu.Unlock()
    if version < s.version { return nil }
    s.version = version
    s.servers = append([]ensemble.Member(nil), servers...)
    return nil
}

// Current returns the version and rendered server specs.
func (s *State) Current() (uint64, []string) {
    s.mu.RLock(); defer s.mu.RUnlock()
    out := make([]string, 0, len(s.servers))
    for _, m := range s.servers {
        out = append(out, ensemble.ServerSpec(m))
    }
    return s.version, out
}

// Lookup finds a member of the committed configuration by id.
func (s *State) Lookup(id int) (ensemble.Member, bool) {
    s.mu.RLock(); defer s.mu.RUnlock()
    for _, m := range s.servers {
        if m.ID == id { return m, true }
    }
    return ensemble.Member{}, false
}

type snapshotV1 struct {
    Version uint64   `json:"version"`
    Servers []string `json:"servers"`
}

// Snapshot encodes state as stable JSON for ease of debugging.
func (s *State) Snapshot() ([]byte, error) {
    v, servers := s.Current()
    return json.Marshal(snapshotV1{Version: v, Servers: servers})
}

func (s *State) Restore(buf []byte) error {
    var snap snapshotV1
    if err := json.Unmarshal(buf, &snap); err != nil { return err }
    members := make([]ensemble.Member, 0, len(snap.Servers))
    for _, spec := range snap.Servers {
        m, err := ensemble.ParseServerSpec(spec)
        if err != nil { return err }
        members = append(members, m)
    }
    s.mu.Lock(); defer s.mu.Unlock()
    s.version = snap.Version
    s.servers = members
    return nil
}
