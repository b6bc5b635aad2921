package domain

import (
	"fmt"
	"net"
	"strconv"
	"strings"
)

// BackendKind tags the two supported backends.
type BackendKind string

const (
	KindBolt BackendKind = "neo4j"
	KindAGE  BackendKind = "age"
)

const (
	defaultBoltDatabase = "neo4j"
	defaultAGEPort      = 5432
)

// Descriptor identifies how to reach a backend. The set of implementations is
// closed: BoltTarget and RelationalGraphTarget. Descriptors never hold a live
// socket and are immutable once built.
type Descriptor interface {
	Kind() BackendKind
	// Key is a stable identity used for caching. It never contains the secret.
	Key() string
	Validate() error
	descriptor()
}

// BoltTarget reaches a Bolt-protocol property-graph store.
type BoltTarget struct {
	Address  string // bolt://host:7687, neo4j://host, ...
	Username string
	Secret   string
	Database string
}

func (BoltTarget) descriptor() {}

func (BoltTarget) Kind() BackendKind { return KindBolt }

func (t BoltTarget) Key() string {
	return fmt.Sprintf("%s|%s|%s|%s", KindBolt, t.Address, t.Username, t.Database)
}

func (t BoltTarget) Validate() error {
	if strings.TrimSpace(t.Address) == "" {
		return Validationf("bolt address is required")
	}
	return nil
}

// RelationalGraphTarget reaches PostgreSQL with the AGE graph extension.
type RelationalGraphTarget struct {
	Address   string // host:port
	Username  string
	Secret    string
	Database  string
	GraphName string
}

func (RelationalGraphTarget) descriptor() {}

func (RelationalGraphTarget) Kind() BackendKind { return KindAGE }

func (t RelationalGraphTarget) Key() string {
	return fmt.Sprintf("%s|%s|%s|%s|%s", KindAGE, t.Address, t.Username, t.Database, t.GraphName)
}

func (t RelationalGraphTarget) Validate() error {
	switch {
	case strings.TrimSpace(t.Address) == "":
		return Validationf("postgres address is required")
	case strings.TrimSpace(t.Database) == "":
		return Validationf("postgres database is required")
	case strings.TrimSpace(t.Username) == "":
		return Validationf("postgres username is required")
	case strings.TrimSpace(t.GraphName) == "":
		return Validationf("graph name is required")
	}
	return nil
}

// HostPort splits Address, applying the default PostgreSQL port.
func (t RelationalGraphTarget) HostPort() (string, uint16, error) {
	host, portStr, err := net.SplitHostPort(t.Address)
	if err != nil {
		// bare host without a port
		return t.Address, defaultAGEPort, nil
	}
	port, err := strconv.ParseUint(portStr, 10, 16)
	if err != nil {
		return "", 0, Validationf("invalid port %q", portStr)
	}
	return host, uint16(port), nil
}

// DescriptorSpec is the serialized form of a descriptor, used by the presets
// file and the HTTP API.
type DescriptorSpec struct {
	Name      string `json:"name,omitempty" yaml:"name"`
	Type      string `json:"type" yaml:"type"`
	URI       string `json:"uri,omitempty" yaml:"uri"`
	Host      string `json:"host,omitempty" yaml:"host"`
	Port      int    `json:"port,omitempty" yaml:"port"`
	Username  string `json:"username,omitempty" yaml:"username"`
	Password  string `json:"password,omitempty" yaml:"password"`
	Database  string `json:"database,omitempty" yaml:"database"`
	GraphName string `json:"graph_name,omitempty" yaml:"graph_name"`
}

// Descriptor converts the spec into a validated Descriptor.
func (s DescriptorSpec) Descriptor() (Descriptor, error) {
	kind := BackendKind(strings.ToLower(strings.TrimSpace(s.Type)))
	if kind == "" {
		kind = KindBolt
	}

	var d Descriptor
	switch kind {
	case KindBolt:
		db := s.Database
		if db == "" {
			db = defaultBoltDatabase
		}
		d = BoltTarget{
			Address:  s.URI,
			Username: s.Username,
			Secret:   s.Password,
			Database: db,
		}
	case KindAGE:
		port := s.Port
		if port == 0 {
			port = defaultAGEPort
		}
		if port < 0 || port > 65535 {
			return nil, Validationf("port %d is out of range", port)
		}
		d = RelationalGraphTarget{
			Address:   net.JoinHostPort(s.Host, strconv.Itoa(port)),
			Username:  s.Username,
			Secret:    s.Password,
			Database:  s.Database,
			GraphName: s.GraphName,
		}
		if strings.TrimSpace(s.Host) == "" {
			return nil, Validationf("postgres host is required")
		}
	default:
		return nil, Validationf("unknown connection type %q", s.Type)
	}

	if err := d.Validate(); err != nil {
		return nil, err
	}
	return d, nil
}

// GraphName returns the AGE graph name, or "" for Bolt descriptors.
func GraphName(d Descriptor) string {
	if t, ok := d.(RelationalGraphTarget); ok {
		return t.GraphName
	}
	return ""
}
