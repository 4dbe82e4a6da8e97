package ensemble

import (
    "errors"
    "strings"
    "testing"

    "github.com/stretchr/testify/require"
)

func threeMembers() Spec {
    return Spec{
        DataDir: "/var/lib/ensemble",
        MyID:    1,
        Members: []Member{
            {ID: 1, Hostname: "node1", QuorumPort: 2182, ElectionPort: 2183, ClientPort: 2181},
            {ID: 2, Hostname: "node2", QuorumPort: 2182, ElectionPort: 2183, ClientPort: 2181},
            {ID: 3, Hostname: "node3", QuorumPort: 2182, ElectionPort: 2183, ClientPort: 2181},
        },
    }
}

func TestServerSpec_Observer(t *testing.T) {
    m := Member{ID: 4, Hostname: "node4", QuorumPort: 2182, ElectionPort: 2183, ClientPort: 2181, Joining: true}
    require.Equal(t, "server.4=node4:2182:2183:observer;2181", ServerSpec(m))
    require.True(t, strings.HasSuffix(ServerSpec(m), ":observer;2181"))

    m.Joining = false
    require.Equal(t, "server.4=node4:2182:2183;2181", ServerSpec(m))
    require.NotContains(t, ServerSpec(m), "observer")
}

func TestReconfigTargets_ExcludeRetired(t *testing.T) {
    s := threeMembers()
    s.Members[2].Retired = true

    targets := s.ReconfigTargets()
    require.Len(t, targets, 2)
    for _, tgt := range targets {
        require.False(t, strings.HasPrefix(tgt, "server.3="), "retired member in targets: %s", tgt)
    }
    // retired members still appear in the static view
    require.Len(t, s.ServerSpecs(), 3)
}

func TestSelf_MissingMyID(t *testing.T) {
    s := threeMembers()
    s.MyID = 7
    _, err := s.Self()
    require.Error(t, err)
    require.True(t, errors.Is(err, ErrInvalidArgument))
    require.Contains(t, err.Error(), "7")
}

func TestSelf_OutOfRange(t *testing.T) {
    s := threeMembers()
    s.MyID = 256
    _, err := s.Self()
    require.ErrorIs(t, err, ErrInvalidArgument)
}

func TestValidate_Ports(t *testing.T) {
    s := threeMembers()
    require.NoError(t, s.Validate())
    s.Members[1].ClientPort = 0
    require.ErrorIs(t, s.Validate(), ErrInvalidArgument)
}

func TestLocalConnectionSpec(t *testing.T) {
    s := threeMembers()
    s.MyID = 2
    cs, err := s.LocalConnectionSpec()
    require.NoError(t, err)
    require.Equal(t, "node2:2181", cs)
}

func TestArtifactPaths(t *testing.T) {
    s := threeMembers()
    require.Equal(t, "/var/lib/ensemble/zoo.cfg", s.ConfigFilePath())
    require.Equal(t, "/var/lib/ensemble/myid", s.MyIDFilePath())
    s.ConfigFile = "/etc/ensemble/zoo.cfg"
    require.Equal(t, "/etc/ensemble/zoo.cfg", s.ConfigFilePath())
}

func TestParseServerSpec_RoundTrip(t *testing.T) {
    for _, m := range []Member{
        {ID: 0, Hostname: "a.example.com", QuorumPort: 2182, ElectionPort: 2183, ClientPort: 2181},
        {ID: 255, Hostname: "10.0.0.5", QuorumPort: 1, ElectionPort: 2, ClientPort: 3, Joining: true},
    } {
        got, err := ParseServerSpec(ServerSpec(m))
        require.NoError(t, err)
        require.Equal(t, m, got)
    }
}

func TestParseServerSpec_Malformed(t *testing.T) {
    for _, s := range []string{
        "",
        "server.1",
        "peer.1=a:1:2;3",
        "server.x=a:1:2;3",
        "server.1=a:1:2",
        "server.1=a:1;3",
        "server.1=a:1:2:voter;3",
        "server.1=a:1:0;3",
    } {
        _, err := ParseServerSpec(s)
        require.ErrorIs(t, err, ErrInvalidArgument, s)
    }
}

func TestParseServerList(t *testing.T) {
    ms, err := ParseServerList("server.1=a:1:2;3,server.4=d:1:2:observer;3")
    require.NoError(t, err)
    require.Len(t, ms, 2)
    require.True(t, ms[1].Joining)
}
