package routing

import (
	"regexp"
	"strings"

	"github.com/samber/oops"

	"github.com/go-i2p/go-dtn/lib/bundle"
	"github.com/go-i2p/go-dtn/lib/netdb"
)

// StaticRoute forwards bundles whose destination matches Pattern to NextHop.
type StaticRoute struct {
	Pattern *regexp.Regexp
	NextHop bundle.EID
}

// Match reports whether the route applies to destination.
func (r StaticRoute) Match(destination bundle.EID) bool {
	return r.Pattern.MatchString(destination.String())
}

func (r StaticRoute) String() string {
	return r.Pattern.String() + " " + r.NextHop.String()
}

// ParseStaticRoutes parses "<destination regexp> <next hop>" lines. Empty
// lines and lines starting with '#' are skipped.
func ParseStaticRoutes(lines []string) ([]StaticRoute, error) {
	var routes []StaticRoute
	for i, line := range lines {
		line = strings.TrimSpace(line)
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}
		fields := strings.Fields(line)
		if len(fields) != 2 {
			return nil, oops.In("routing").With("line", i+1).Errorf("static route needs a pattern and a next hop: %q", line)
		}
		pattern, err := regexp.Compile(fields[0])
		if err != nil {
			return nil, oops.In("routing").With("line", i+1).Wrapf(err, "invalid static route pattern")
		}
		hop, err := bundle.ParseEID(fields[1])
		if err != nil {
			return nil, oops.In("routing").With("line", i+1).Wrapf(err, "invalid next hop")
		}
		routes = append(routes, StaticRoute{Pattern: pattern, NextHop: hop.Node()})
	}
	return routes, nil
}

// StaticExtension forwards bundles along configured routes.
type StaticExtension struct {
	searchExtension
	routes []StaticRoute
}

// NewStaticExtension creates an extension for routes. The first matching
// route decides the next hop.
func NewStaticExtension(routes []StaticRoute) *StaticExtension {
	s := &StaticExtension{routes: routes}
	s.name = "static"
	s.options = func(bundle.EID) searchOptions {
		return searchOptions{accept: s.accept}
	}
	return s
}

// Routes returns the configured routes.
func (s *StaticExtension) Routes() []StaticRoute {
	return append([]StaticRoute(nil), s.routes...)
}

// NextHop returns the next hop for destination.
func (s *StaticExtension) NextHop(destination bundle.EID) (bundle.EID, bool) {
	for _, r := range s.routes {
		if r.Match(destination) {
			return r.NextHop, true
		}
	}
	return "", false
}

func (s *StaticExtension) accept(e *netdb.Entry, meta bundle.MetaBundle) (bool, error) {
	if meta.Destination.Node() == e.EID() {
		return false, nil
	}
	hop, ok := s.NextHop(meta.Destination)
	return ok && hop == e.EID(), nil
}
