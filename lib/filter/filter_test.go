package filter

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/go-i2p/go-dtn/lib/bundle"
	"github.com/go-i2p/go-dtn/lib/node"
)

func ctxFor(src, dst bundle.EID, payload uint64) Context {
	var meta bundle.MetaBundle
	meta.Source = src
	meta.Destination = dst
	meta.PayloadLength = payload
	return Context{Peer: "dtn://peer", Bundle: meta, Protocol: node.ProtoTCP}
}

func TestParseRule(t *testing.T) {
	r, err := ParseRule("reject source=^dtn://spam/.* protocol=tcp payload_above=1024")
	require.NoError(t, err)
	assert.Equal(t, Reject, r.Action)
	assert.NotNil(t, r.Source)
	assert.Nil(t, r.Destination)
	assert.Equal(t, node.ProtoTCP, r.Protocol)
	assert.Equal(t, uint64(1024), r.MaxPayload)

	for _, bad := range []string{
		"",
		"ALLOW",
		"ACCEPT source",
		"ACCEPT color=red",
		"DROP source=(",
		"DROP payload_above=lots",
	} {
		_, err := ParseRule(bad)
		assert.Error(t, err, bad)
	}
}

func TestRuleMatches(t *testing.T) {
	r, err := ParseRule("DROP destination=^dtn://sink payload_above=10")
	require.NoError(t, err)

	assert.True(t, r.Matches(ctxFor("dtn://a/x", "dtn://sink/app", 11)))
	assert.False(t, r.Matches(ctxFor("dtn://a/x", "dtn://sink/app", 10)), "payload at the threshold")
	assert.False(t, r.Matches(ctxFor("dtn://a/x", "dtn://other/app", 11)))

	udp, err := ParseRule("REJECT protocol=udp")
	require.NoError(t, err)
	assert.False(t, udp.Matches(ctxFor("dtn://a/x", "dtn://b/y", 1)))
}

func TestTableFirstDecidingRuleWins(t *testing.T) {
	table := NewTable("input")
	assert.Equal(t, Accept, table.Evaluate(ctxFor("dtn://a/x", "dtn://b/y", 1)), "empty table accepts")

	require.NoError(t, (&Tables{Input: table}).Load(map[string][]string{"input": {
		"SKIP source=^dtn://a",
		"REJECT source=^dtn://a",
		"DROP",
	}}))
	assert.Equal(t, 3, table.Len())
	assert.Equal(t, Reject, table.Evaluate(ctxFor("dtn://a/x", "dtn://b/y", 1)))
	assert.Equal(t, Drop, table.Evaluate(ctxFor("dtn://c/x", "dtn://b/y", 1)))

	var missing *Table
	assert.Equal(t, Accept, missing.Evaluate(ctxFor("dtn://a/x", "dtn://b/y", 1)))
}

func TestActionErr(t *testing.T) {
	assert.ErrorIs(t, Reject.Err(), ErrRejected)
	assert.ErrorIs(t, Drop.Err(), ErrDropped)
	assert.NoError(t, Accept.Err())
	assert.NoError(t, Skip.Err())
}

func TestTablesLoad(t *testing.T) {
	ts := NewTables()
	require.NoError(t, ts.Load(map[string][]string{
		"Output":  {"REJECT peer=^dtn://untrusted"},
		"routing": {"ACCEPT"},
	}))
	assert.Equal(t, 1, ts.Output.Len())
	assert.Equal(t, 1, ts.Routing.Len())
	assert.Equal(t, 0, ts.Input.Len())

	assert.Error(t, ts.Load(map[string][]string{"forward": {"ACCEPT"}}))
	assert.Error(t, ts.Load(map[string][]string{"input": {"NOPE"}}))
}
