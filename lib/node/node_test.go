package node

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewNormalisesEID(t *testing.T) {
	n := New("dtn://alpha/app")
	assert.Equal(t, "dtn://alpha", n.EID().String())
	assert.True(t, n.IsEmpty())
}

func TestAddRefreshesSameURI(t *testing.T) {
	n := New("dtn://alpha")
	n.Add(URI{Type: TypeDiscovered, Protocol: ProtoTCP, Value: "ip=10.0.0.1;port=4556;", Expire: 10})
	n.Add(URI{Type: TypeDiscovered, Protocol: ProtoTCP, Value: "ip=10.0.0.1;port=4556;", Expire: 20, Priority: 5})
	uris := n.URIs()
	require.Len(t, uris, 1)
	assert.Equal(t, uint64(20), uris[0].Expire)
	assert.Equal(t, 5, uris[0].Priority)
}

func TestURIsOrderedByPriority(t *testing.T) {
	n := New("dtn://alpha")
	n.Add(URI{Type: TypeStaticGlobal, Protocol: ProtoUDP, Value: "ip=a;", Priority: 1})
	n.Add(URI{Type: TypeStaticGlobal, Protocol: ProtoTCP, Value: "ip=b;", Priority: 10})
	n.Add(URI{Type: TypeStaticGlobal, Protocol: ProtoHTTP, Value: "ip=c;", Priority: 5})
	uris := n.URIs()
	require.Len(t, uris, 3)
	assert.Equal(t, ProtoTCP, uris[0].Protocol)
	assert.Equal(t, ProtoHTTP, uris[1].Protocol)
	assert.Equal(t, ProtoUDP, uris[2].Protocol)
}

func TestExpireDropsLapsedEntries(t *testing.T) {
	n := New("dtn://alpha")
	n.Add(URI{Type: TypeDiscovered, Protocol: ProtoTCP, Value: "ip=a;", Expire: 100})
	n.Add(URI{Type: TypeStaticLocal, Protocol: ProtoUDP, Value: "ip=b;"})
	n.AddAttribute(Attribute{Type: TypeDiscovered, Name: "dtnd", Value: "x", Expire: 100})

	assert.False(t, n.Expire(100))
	assert.True(t, n.Expire(101))
	assert.Len(t, n.URIs(), 1)
	assert.Empty(t, n.Attributes())
	assert.False(t, n.IsEmpty())
}

func TestIsAvailableWithoutGlobalConnectivity(t *testing.T) {
	global := New("dtn://alpha")
	global.Add(URI{Type: TypeStaticGlobal, Protocol: ProtoTCP, Value: "ip=a;"})
	assert.True(t, global.IsAvailable(true))
	assert.False(t, global.IsAvailable(false), "global-only routes are suppressed")

	local := New("dtn://beta")
	local.Add(URI{Type: TypeStaticGlobal, Protocol: ProtoTCP, Value: "ip=a;"})
	local.Add(URI{Type: TypeDiscovered, Protocol: ProtoUDP, Value: "ip=b;"})
	assert.True(t, local.IsAvailable(false))

	empty := New("dtn://gamma")
	empty.AddAttribute(Attribute{Name: "svc"})
	assert.False(t, empty.IsAvailable(true))
}

func TestMergeAndSubtract(t *testing.T) {
	a := New("dtn://alpha")
	a.Add(URI{Type: TypeDiscovered, Protocol: ProtoTCP, Value: "ip=a;"})

	b := New("dtn://alpha")
	b.Add(URI{Type: TypeConnected, Protocol: ProtoTCP, Value: "ip=a;"})
	b.SetConnectImmediately(true)

	a.Merge(b)
	assert.Len(t, a.URIs(), 2)
	assert.True(t, a.ConnectImmediately())
	assert.True(t, a.HasType(TypeConnected))

	a.Subtract(b)
	assert.Len(t, a.URIs(), 1)
	assert.False(t, a.HasType(TypeConnected))
}

func TestCloneIsIndependent(t *testing.T) {
	a := New("dtn://alpha")
	a.Add(URI{Type: TypeDiscovered, Protocol: ProtoTCP, Value: "ip=a;"})
	c := a.Clone()
	c.Add(URI{Type: TypeDiscovered, Protocol: ProtoUDP, Value: "ip=b;"})
	assert.Len(t, a.URIs(), 1)
	assert.Len(t, c.URIs(), 2)
}

func TestDecodeURI(t *testing.T) {
	host, port, err := URI{Value: "ip=192.168.1.4;port=4556;"}.Decode()
	require.NoError(t, err)
	assert.Equal(t, "192.168.1.4", host)
	assert.Equal(t, 4556, port)

	_, _, err = URI{Value: "port=1;"}.Decode()
	assert.Error(t, err)
	_, _, err = URI{Value: "ip=a;port=x;"}.Decode()
	assert.Error(t, err)
}

func TestProtocolNames(t *testing.T) {
	assert.Equal(t, ProtoTCP, ParseProtocol("TCP"))
	assert.Equal(t, ProtoDatagramUDP, ParseProtocol("dgram:udp"))
	assert.Equal(t, ProtoUnsupported, ParseProtocol("carrier-pigeon"))
	assert.Equal(t, "p2p:wifi", ProtoP2PWifi.String())
	assert.True(t, ProtoP2PWifi.IsP2P())
	assert.False(t, ProtoTCP.IsP2P())
}
