// Package filter implements the bundle filter tables evaluated at
// validation, input, output and routing time.
package filter

import (
	"errors"
	"regexp"
	"strconv"
	"strings"
	"sync"

	"github.com/samber/oops"

	"github.com/go-i2p/go-dtn/lib/bundle"
	"github.com/go-i2p/go-dtn/lib/node"
)

var (
	// ErrRejected marks a bundle refused by a REJECT rule.
	ErrRejected = errors.New("bundle rejected by filter")
	// ErrDropped marks a bundle silently discarded by a DROP rule.
	ErrDropped = errors.New("bundle dropped by filter")
)

// Action is the verdict of a rule.
type Action int

const (
	// Skip leaves the decision to the following rules.
	Skip Action = iota
	Accept
	Reject
	Drop
)

func (a Action) String() string {
	switch a {
	case Accept:
		return "ACCEPT"
	case Reject:
		return "REJECT"
	case Drop:
		return "DROP"
	default:
		return "SKIP"
	}
}

// Err maps Reject and Drop to their sentinel errors and everything else to nil.
func (a Action) Err() error {
	switch a {
	case Reject:
		return ErrRejected
	case Drop:
		return ErrDropped
	default:
		return nil
	}
}

// ParseAction parses ACCEPT, REJECT, DROP or SKIP.
func ParseAction(s string) (Action, error) {
	switch strings.ToUpper(strings.TrimSpace(s)) {
	case "ACCEPT":
		return Accept, nil
	case "REJECT":
		return Reject, nil
	case "DROP":
		return Drop, nil
	case "SKIP":
		return Skip, nil
	default:
		return Skip, oops.In("filter").Errorf("unknown filter action %q", s)
	}
}

// Context is what a rule sees about a bundle.
type Context struct {
	Peer     bundle.EID
	Bundle   bundle.MetaBundle
	Protocol node.Protocol
	Local    bool
}

// Rule matches bundles and yields an action. Nil patterns and an undefined
// protocol match everything.
type Rule struct {
	Action      Action
	Source      *regexp.Regexp
	Destination *regexp.Regexp
	Peer        *regexp.Regexp
	Protocol    node.Protocol
	// MaxPayload matches bundles with a larger payload when non-zero.
	MaxPayload uint64
}

// Matches reports whether the rule applies to ctx.
func (r Rule) Matches(ctx Context) bool {
	if r.Source != nil && !r.Source.MatchString(ctx.Bundle.Source.String()) {
		return false
	}
	if r.Destination != nil && !r.Destination.MatchString(ctx.Bundle.Destination.String()) {
		return false
	}
	if r.Peer != nil && !r.Peer.MatchString(ctx.Peer.String()) {
		return false
	}
	if r.Protocol != node.ProtoUndefined && r.Protocol != ctx.Protocol {
		return false
	}
	if r.MaxPayload > 0 && ctx.Bundle.PayloadLength <= r.MaxPayload {
		return false
	}
	return true
}

// ParseRule reads a rule of the form
//
//	ACTION [source=<re>] [destination=<re>] [peer=<re>] [protocol=<name>] [payload_above=<n>]
func ParseRule(spec string) (Rule, error) {
	fields := strings.Fields(spec)
	if len(fields) == 0 {
		return Rule{}, oops.In("filter").Errorf("empty filter rule")
	}
	action, err := ParseAction(fields[0])
	if err != nil {
		return Rule{}, err
	}
	rule := Rule{Action: action}
	for _, f := range fields[1:] {
		key, value, ok := strings.Cut(f, "=")
		if !ok {
			return Rule{}, oops.In("filter").With("rule", spec).Errorf("malformed match %q", f)
		}
		switch key {
		case "source", "destination", "peer":
			re, err := regexp.Compile(value)
			if err != nil {
				return Rule{}, oops.In("filter").With("rule", spec).Wrapf(err, "invalid %s pattern", key)
			}
			switch key {
			case "source":
				rule.Source = re
			case "destination":
				rule.Destination = re
			default:
				rule.Peer = re
			}
		case "protocol":
			rule.Protocol = node.ParseProtocol(value)
		case "payload_above":
			n, err := strconv.ParseUint(value, 10, 64)
			if err != nil {
				return Rule{}, oops.In("filter").With("rule", spec).Wrapf(err, "invalid size %q", value)
			}
			rule.MaxPayload = n
		default:
			return Rule{}, oops.In("filter").With("rule", spec).Errorf("unknown match %q", key)
		}
	}
	return rule, nil
}

// Table is an ordered rule list. The first rule that matches with a
// deciding action wins; without one the bundle is accepted.
type Table struct {
	mu    sync.RWMutex
	name  string
	rules []Rule
}

// NewTable creates an empty table.
func NewTable(name string) *Table {
	return &Table{name: name}
}

func (t *Table) Name() string {
	return t.name
}

// Append adds a rule at the end.
func (t *Table) Append(r Rule) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rules = append(t.rules, r)
}

// Set replaces all rules.
func (t *Table) Set(rules []Rule) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.rules = append([]Rule(nil), rules...)
}

// Len returns the number of rules.
func (t *Table) Len() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.rules)
}

// Evaluate returns the verdict for ctx.
func (t *Table) Evaluate(ctx Context) Action {
	if t == nil {
		return Accept
	}
	t.mu.RLock()
	defer t.mu.RUnlock()
	for _, r := range t.rules {
		if r.Action == Skip || !r.Matches(ctx) {
			continue
		}
		return r.Action
	}
	return Accept
}

// Tables groups the four filter tables.
type Tables struct {
	Validation *Table
	Input      *Table
	Output     *Table
	Routing    *Table
}

// NewTables creates four empty tables.
func NewTables() *Tables {
	return &Tables{
		Validation: NewTable("validation"),
		Input:      NewTable("input"),
		Output:     NewTable("output"),
		Routing:    NewTable("routing"),
	}
}

// Load parses rule specs into the named tables. Unknown table names fail.
func (ts *Tables) Load(specs map[string][]string) error {
	for name, list := range specs {
		var table *Table
		switch strings.ToLower(name) {
		case "validation":
			table = ts.Validation
		case "input":
			table = ts.Input
		case "output":
			table = ts.Output
		case "routing":
			table = ts.Routing
		default:
			return oops.In("filter").Errorf("unknown filter table %q", name)
		}
		rules := make([]Rule, 0, len(list))
		for _, spec := range list {
			r, err := ParseRule(spec)
			if err != nil {
				return err
			}
			rules = append(rules, r)
		}
		table.Set(rules)
	}
	return nil
}
