package ensemble

import (
    "fmt"
    "path/filepath"
    "sort"
    "strconv"
    "strings"
    "time"
)

// MaxMemberID is the largest member id the consensus engine accepts.
const MaxMemberID = 255

// SnapshotRetention controls automatic purging of old snapshots and logs.
type SnapshotRetention struct {
    PurgeIntervalHours int `yaml:"purge-interval-hours" json:"purgeIntervalHours"`
    RetainCount        int `yaml:"retain-count" json:"retainCount"`
}

// Member describes one peer of the ensemble as seen by the local host.
type Member struct {
    ID           int    `yaml:"id" json:"id"`
    Hostname     string `yaml:"hostname" json:"hostname"`
    QuorumPort   int    `yaml:"quorum-port" json:"quorumPort"`
    ElectionPort int    `yaml:"election-port" json:"electionPort"`
    ClientPort   int    `yaml:"client-port" json:"clientPort"`
    // Joining members are admitted as observers until they have caught up.
    Joining bool `yaml:"joining" json:"joining"`
    // Retired members stay in the static config but are dropped from
    // reconfiguration targets.
    Retired bool `yaml:"retired" json:"retired"`
}

// Spec is the structured description of an ensemble from the local host's
// point of view. A Spec is never mutated after it has been handed to the
// coordinator; a configuration change always arrives as a new Spec.
type Spec struct {
    TickTime             time.Duration `yaml:"tick-time" json:"tickTime"`
    InitLimitTicks       int           `yaml:"init-limit" json:"initLimit"`
    SyncLimitTicks       int           `yaml:"sync-limit" json:"syncLimit"`
    MaxClientConnections int           `yaml:"max-client-connections" json:"maxClientConnections"`
    SnapshotCount        int           `yaml:"snapshot-count" json:"snapshotCount"`
    DataDir              string        `yaml:"data-dir" json:"dataDir"`

    SnapshotRetention         SnapshotRetention `yaml:"snapshot-retention" json:"snapshotRetention"`
    SnapshotCompressionMethod string            `yaml:"snapshot-compression-method" json:"snapshotCompressionMethod"`
    JuteMaxBufferBytes        int               `yaml:"jute-max-buffer" json:"juteMaxBuffer"`
    TrustEmptySnapshot        bool              `yaml:"trust-empty-snapshot" json:"trustEmptySnapshot"`
    LeaderCloseSocketAsync    bool              `yaml:"leader-close-socket-async" json:"leaderCloseSocketAsync"`
    LearnerAsyncSending       bool              `yaml:"learner-async-sending" json:"learnerAsyncSending"`

    MyID    int      `yaml:"myid" json:"myid"`
    Members []Member `yaml:"members" json:"members"`

    DynamicReconfigEnabled bool   `yaml:"dynamic-reconfig" json:"dynamicReconfig"`
    TLSConfigFileRef       string `yaml:"tls-config-file" json:"tlsConfigFile,omitempty"`

    // Artifact locations. Empty means <DataDir>/zoo.cfg and <DataDir>/myid.
    ConfigFile string `yaml:"config-file" json:"configFile,omitempty"`
    MyIDFile   string `yaml:"myid-file" json:"myidFile,omitempty"`
}

// Self returns the member entry describing the local host.
func (s Spec) Self() (Member, error) {
    if s.MyID < 0 || s.MyID > MaxMemberID {
        return Member{}, fmt.Errorf("%w: myid %d outside [0,%d]", ErrInvalidArgument, s.MyID, MaxMemberID)
    }
    for _, m := range s.Members {
        if m.ID == s.MyID { return m, nil }
    }
    return Member{}, fmt.Errorf("%w: no member with id %d (myid) in ensemble %v", ErrInvalidArgument, s.MyID, s.Hostnames())
}

// Validate checks the invariants the local host relies on before rendering
// or starting anything. Uniqueness of member ids is the caller's concern.
func (s Spec) Validate() error {
    if _, err := s.Self(); err != nil { return err }
    for _, m := range s.Members {
        if m.ID < 0 || m.ID > MaxMemberID {
            return fmt.Errorf("%w: member id %d outside [0,%d]", ErrInvalidArgument, m.ID, MaxMemberID)
        }
        if m.Hostname == "" {
            return fmt.Errorf("%w: member %d has empty hostname", ErrInvalidArgument, m.ID)
        }
        for _, p := range []int{m.QuorumPort, m.ElectionPort, m.ClientPort} {
            if p <= 0 || p > 65535 {
                return fmt.Errorf("%w: member %d has invalid port %d", ErrInvalidArgument, m.ID, p)
            }
        }
    }
    return nil
}

// ConfigFilePath returns where the engine config file is written.
func (s Spec) ConfigFilePath() string {
    if s.ConfigFile != "" { return s.ConfigFile }
    return filepath.Join(s.DataDir, "zoo.cfg")
}

// MyIDFilePath returns where the member id file is written.
func (s Spec) MyIDFilePath() string {
    if s.MyIDFile != "" { return s.MyIDFile }
    return filepath.Join(s.DataDir, "myid")
}

// ServerSpec renders the dynamic-config entry for a member:
//
//    server.<id>=<hostname>:<quorumPort>:<electionPort>[:observer];<clientPort>
func ServerSpec(m Member) string {
    var sb strings.Builder
    sb.WriteString("server.")
    sb.WriteString(strconv.Itoa(m.ID))
    sb.WriteString("=")
    sb.WriteString(m.Hostname)
    sb.WriteString(":")
    sb.WriteString(strconv.Itoa(m.QuorumPort))
    sb.WriteString(":")
    sb.WriteString(strconv.Itoa(m.ElectionPort))
    if m.Joining {
        sb.WriteString(":observer")
    }
    sb.WriteString(";")
    sb.WriteString(strconv.Itoa(m.ClientPort))
    return sb.String()
}

// ServerSpecs renders every member, retired ones included, in member order.
func (s Spec) ServerSpecs() []string {
    out := make([]string, 0, len(s.Members))
    for _, m := range s.Members {
        out = append(out, ServerSpec(m))
    }
    return out
}

// ReconfigTargets renders the members a reconfiguration should converge to.
func (s Spec) ReconfigTargets() []string {
    out := make([]string, 0, len(s.Members))
    for _, m := range s.Members {
        if m.Retired { continue }
        out = append(out, ServerSpec(m))
    }
    return out
}

// LocalConnectionSpec is the "<hostname>:<clientPort>" of the local member.
func (s Spec) LocalConnectionSpec() (string, error) {
    self, err := s.Self()
    if err != nil { return "", err }
    return self.Hostname + ":" + strconv.Itoa(self.ClientPort), nil
}

// Hostnames lists member hostnames sorted, for log messages.
func (s Spec) Hostnames() []string {
    out := make([]string, 0, len(s.Members))
    for _, m := range s.Members {
        out = append(out, m.Hostname)
    }
    sort.Strings(out)
    return out
}

// Describe summarizes the ensemble for fatal log messages.
func (s Spec) Describe() string {
    return fmt.Sprintf("ensemble member %d of %d (members: %s)", s.MyID, len(s.Members), strings.Join(s.Hostnames(), ", "))
}

// ParseServerSpec is the inverse of ServerSpec. The observer marker is
// reported through Member.Joining.
func ParseServerSpec(spec string) (Member, error) {
    var m Member
    key, value, ok := strings.Cut(strings.TrimSpace(spec), "=")
    if !ok || !strings.HasPrefix(key, "server.") {
        return m, fmt.Errorf("%w: malformed server spec %q", ErrInvalidArgument, spec)
    }
    id, err := strconv.Atoi(strings.TrimPrefix(key, "server."))
    if err != nil || id < 0 || id > MaxMemberID {
        return m, fmt.Errorf("%w: bad member id in %q", ErrInvalidArgument, spec)
    }
    m.ID = id
    addrs, client, ok := strings.Cut(value, ";")
    if !ok {
        return m, fmt.Errorf("%w: missing client port in %q", ErrInvalidArgument, spec)
    }
    parts := strings.Split(addrs, ":")
    if len(parts) == 4 && parts[3] == "observer" {
        m.Joining = true
        parts = parts[:3]
    }
    if len(parts) != 3 || parts[0] == "" {
        return m, fmt.Errorf("%w: malformed address list in %q", ErrInvalidArgument, spec)
    }
    m.Hostname = parts[0]
    ports := []*int{&m.QuorumPort, &m.ElectionPort, &m.ClientPort}
    for i, raw := range []string{parts[1], parts[2], client} {
        p, err := strconv.Atoi(raw)
        if err != nil || p <= 0 || p > 65535 {
            return m, fmt.Errorf("%w: bad port %q in %q", ErrInvalidArgument, raw, spec)
        }
        *ports[i] = p
    }
    return m, nil
}

// ParseServerList parses the comma-joined form sent with a reconfiguration.
func ParseServerList(servers string) ([]Member, error) {
    var out []Member
    for _, s := range strings.Split(servers, ",") {
        if strings.TrimSpace(s) == "" { continue }
        m, err := ParseServerSpec(s)
        if err != nil { return nil, err }
        out = append(out, m)
    }
    return out, nil
}
