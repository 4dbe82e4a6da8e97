package raftengine

import (
    "fmt"
    "net"
    "strconv"
    "time"

    "github.com/hashicorp/raft"

    "github.com/amirimatin/go-ensemble/pkg/ensemble"
)

type changeKind int

const (
    addVoter changeKind = iota
    addNonvoter
    demoteVoter
    removeServer
)

func (k changeKind) String() string {
    switch k {
    case addVoter:
        return "add-voter"
    case addNonvoter:
        return "add-nonvoter"
    case demoteVoter:
        return "demote"
    case removeServer:
        return "remove"
    default:
        return "unknown"
    }
}

// change is one raft membership operation.
type change struct {
    kind changeKind
    id   raft.ServerID
    addr raft.ServerAddress
}

func (c change) String() string {
    if c.addr == "" { return fmt.Sprintf("%s %s", c.kind, c.id) }
    return fmt.Sprintf("%s %s@%s", c.kind, c.id, c.addr)
}

func serverID(m ensemble.Member) raft.ServerID { return raft.ServerID(strconv.Itoa(m.ID)) }

func serverAddr(m ensemble.Member) raft.ServerAddress {
    return raft.ServerAddress(net.JoinHostPort(m.Hostname, strconv.Itoa(m.QuorumPort)))
}

func suffrage(m ensemble.Member) raft.ServerSuffrage {
    if m.Joining { return raft.Nonvoter }
    return raft.Voter
}

// bootstrapConfiguration maps the static member list to raft servers.
// Observers join as nonvoters.
func bootstrapConfiguration(members []ensemble.Member) raft.Configuration {
    var cfg raft.Configuration
    for _, m := range members {
        cfg.Servers = append(cfg.Servers, raft.Server{Suffrage: suffrage(m), ID: serverID(m), Address: serverAddr(m)})
    }
    return cfg
}

// planChanges computes the operations turning current into target. Additions
// and suffrage changes come first, in target order, so quorum grows before it
// shrinks. Removals follow, with self last since removing the leader makes it
// step down.
func planChanges(current raft.Configuration, target []ensemble.Member, self raft.ServerID) []change {
    existing := make(map[raft.ServerID]raft.Server, len(current.Servers))
    for _, s := range current.Servers {
        existing[s.ID] = s
    }
    wanted := make(map[raft.ServerID]bool, len(target))
    var out []change
    for _, m := range target {
        id, addr, want := serverID(m), serverAddr(m), suffrage(m)
        wanted[id] = true
        cur, ok := existing[id]
        if ok && cur.Address != addr {
            out = append(out, change{kind: removeServer, id: id})
            ok = false
        }
        switch {
        case !ok && want == raft.Voter:
            out = append(out, change{kind: addVoter, id: id, addr: addr})
        case !ok:
            out = append(out, change{kind: addNonvoter, id: id, addr: addr})
        case want == raft.Voter && cur.Suffrage != raft.Voter:
            out = append(out, change{kind: addVoter, id: id, addr: addr})
        case want == raft.Nonvoter && cur.Suffrage == raft.Voter:
            out = append(out, change{kind: demoteVoter, id: id})
        }
    }
    removeSelf := false
    for _, s := range current.Servers {
        if wanted[s.ID] { continue }
        if s.ID == self { removeSelf = true; continue }
        out = append(out, change{kind: removeServer, id: s.ID})
    }
    if removeSelf {
        out = append(out, change{kind: removeServer, id: self})
    }
    return out
}

type membershipChanger interface {
    AddVoter(id raft.ServerID, address raft.ServerAddress, prevIndex uint64, timeout time.Duration) raft.IndexFuture
    AddNonvoter(id raft.ServerID, address raft.ServerAddress, prevIndex uint64, timeout time.Duration) raft.IndexFuture
    DemoteVoter(id raft.ServerID, prevIndex uint64, timeout time.Duration) raft.IndexFuture
    RemoveServer(id raft.ServerID, prevIndex uint64, timeout time.Duration) raft.IndexFuture
}

func (c change) apply(r membershipChanger, timeout time.Duration) error {
    var f raft.IndexFuture
    switch c.kind {
    case addVoter:
        f = r.AddVoter(c.id, c.addr, 0, timeout)
    case addNonvoter:
        f = r.AddNonvoter(c.id, c.addr, 0, timeout)
    case demoteVoter:
        f = r.DemoteVoter(c.id, 0, timeout)
    case removeServer:
        f = r.RemoveServer(c.id, 0, timeout)
    default:
        return fmt.Errorf("engine: unknown change %d", c.kind)
    }
    return f.Error()
}
