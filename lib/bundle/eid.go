package bundle

import (
	"strconv"
	"strings"

	"github.com/samber/oops"
)

// EID is a bundle endpoint identifier such as "dtn://node/app" or "ipn:12.3".
type EID string

// NoneEID is the null endpoint.
const NoneEID EID = "dtn:none"

const (
	SchemeDTN = "dtn"
	SchemeIPN = "ipn"
)

// ParseEID validates s and returns it as an EID.
func ParseEID(s string) (EID, error) {
	s = strings.TrimSpace(s)
	if s == "" {
		return NoneEID, oops.Wrapf(ErrInvalidEID, "empty endpoint identifier")
	}
	if s == string(NoneEID) {
		return NoneEID, nil
	}
	switch {
	case strings.HasPrefix(s, "dtn://"):
		if len(s) == len("dtn://") || strings.HasPrefix(s[len("dtn://"):], "/") {
			return NoneEID, oops.Wrapf(ErrInvalidEID, "missing node name in %q", s)
		}
		return EID(s), nil
	case strings.HasPrefix(s, "ipn:"):
		node, service, ok := strings.Cut(s[len("ipn:"):], ".")
		if !ok {
			return NoneEID, oops.Wrapf(ErrInvalidEID, "ipn endpoint %q has no service number", s)
		}
		if _, err := strconv.ParseUint(node, 10, 64); err != nil {
			return NoneEID, oops.Wrapf(ErrInvalidEID, "ipn node number in %q", s)
		}
		if _, err := strconv.ParseUint(service, 10, 64); err != nil {
			return NoneEID, oops.Wrapf(ErrInvalidEID, "ipn service number in %q", s)
		}
		return EID(s), nil
	default:
		return NoneEID, oops.Wrapf(ErrInvalidEID, "unsupported scheme in %q", s)
	}
}

// MustParseEID is like ParseEID but panics on malformed input. Intended for
// constants and tests.
func MustParseEID(s string) EID {
	eid, err := ParseEID(s)
	if err != nil {
		panic(err)
	}
	return eid
}

func (e EID) String() string {
	return string(e)
}

// IsNone reports whether e is the null endpoint.
func (e EID) IsNone() bool {
	return e == "" || e == NoneEID
}

// Scheme returns "dtn" or "ipn".
func (e EID) Scheme() string {
	scheme, _, _ := strings.Cut(string(e), ":")
	return scheme
}

// Node strips the application part and returns the node endpoint.
func (e EID) Node() EID {
	s := string(e)
	switch {
	case strings.HasPrefix(s, "dtn://"):
		rest := s[len("dtn://"):]
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			return EID("dtn://" + rest[:i])
		}
		return e
	case strings.HasPrefix(s, "ipn:"):
		node, _, _ := strings.Cut(s[len("ipn:"):], ".")
		return EID("ipn:" + node + ".0")
	default:
		return e
	}
}

// Application returns the demux part of the endpoint: the path for dtn
// endpoints and the service number for ipn endpoints.
func (e EID) Application() string {
	s := string(e)
	switch {
	case strings.HasPrefix(s, "dtn://"):
		rest := s[len("dtn://"):]
		if i := strings.IndexByte(rest, '/'); i >= 0 {
			return rest[i+1:]
		}
		return ""
	case strings.HasPrefix(s, "ipn:"):
		_, service, _ := strings.Cut(s[len("ipn:"):], ".")
		if service == "0" {
			return ""
		}
		return service
	default:
		return ""
	}
}

// SameHost reports whether both endpoints belong to the same node.
func (e EID) SameHost(other EID) bool {
	if e.IsNone() || other.IsNone() {
		return false
	}
	return e.Node() == other.Node()
}

// Add appends an application to the node part of e.
func (e EID) Add(app string) EID {
	n := e.Node()
	if e.Scheme() == SchemeIPN {
		node, _, _ := strings.Cut(string(n)[len("ipn:"):], ".")
		return EID("ipn:" + node + "." + app)
	}
	return EID(string(n) + "/" + strings.TrimPrefix(app, "/"))
}
