package raftengine

import (
    "encoding/json"
    "fmt"
    "io"

    "github.com/hashicorp/raft"

    "github.com/amirimatin/go-ensemble/pkg/ensemble"
)

const opSetConfig = "SetConfig"

// command is a raft log entry. Payload semantics depend on Op.
type command struct {
    Op      string          `json:"op"`
    Payload json.RawMessage `json:"payload"`
}

type setConfigPayload struct {
    Servers []string `json:"servers"`
}

func encodeSetConfig(members []ensemble.Member) ([]byte, error) {
    p := setConfigPayload{}
    for _, m := range members {
        p.Servers = append(p.Servers, ensemble.ServerSpec(m))
    }
    raw, err := json.Marshal(p)
    if err != nil { return nil, err }
    return json.Marshal(command{Op: opSetConfig, Payload: raw})
}

// configFSM bridges raft Apply/Snapshot to State. A committed SetConfig
// returns its log index, which becomes the config version.
type configFSM struct {
    st *State
}

func newConfigFSM(st *State) *configFSM { return &configFSM{st: st} }

func (f *configFSM) Apply(l *raft.Log) any {
    var cmd command
    if err := json.Unmarshal(l.Data, &cmd); err != nil { return err }
    switch cmd.Op {
    case opSetConfig:
        var p setConfigPayload
        if err := json.Unmarshal(cmd.Payload, &p); err != nil { return err }
        members := make([]ensemble.Member, 0, len(p.Servers))
        for _, spec := range p.Servers {
            m, err := ensemble.ParseServerSpec(spec)
            if err != nil { return err }
            members = append(members, m)
        }
        if err := f.st.ApplySet(l.Index, members); err != nil { return err }
        return l.Index
    default:
        return fmt.Errorf("fsm: unknown op %q", cmd.Op)
    }
}

func (f *configFSM) Snapshot() (raft.FSMSnapshot, error) {
    blob, err := f.st.Snapshot()
    if err != nil { return nil, err }
    return &snapshot{blob: blob}, nil
}

func (f *configFSM) Restore(rc io.ReadCloser) error {
    defer rc.Close()
    data, err := io.ReadAll(rc)
    if err != nil { return err }
    return f.st.Restore(data)
}

type snapshot struct{ blob []byte }

func (s *snapshot) Persist(sink raft.SnapshotSink) error {
    if _, err := sink.Write(s.blob); err != nil { _ = sink.Cancel(); return err }
    return sink.Close()
}

func (s *snapshot) Release() {}

var _ raft.FSM = (*configFSM)(nil)
