package bootstrap

import (
	"net"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/wikimedia/limitation/internal/decay"
)

func freeUDPPort(t *testing.T) int {
	t.Helper()
	l, err := net.ListenUDP("udp", &net.UDPAddr{IP: net.ParseIP("127.0.0.1"), Port: 0})
	require.NoError(t, err)
	defer l.Close()
	return l.LocalAddr().(*net.UDPAddr).Port
}

func TestSetupBindsMasterPortWhenFree(t *testing.T) {
	port := freeUDPPort(t)
	b := &Bootstrapper{
		ListenAddress: "127.0.0.1",
		ListenPort:    port,
		Store:         decay.NewStore(time.Second, 0.1, nil),
	}
	res, err := b.Setup()
	require.NoError(t, err)
	require.True(t, res.IsMaster)
	defer res.Node.Close()
}

func TestSetupFallsBackOnConflict(t *testing.T) {
	port := freeUDPPort(t)

	occupied := &Bootstrapper{
		ListenAddress: "127.0.0.1",
		ListenPort:    port,
		Store:         decay.NewStore(time.Second, 0.1, nil),
	}
	res1, err := occupied.Setup()
	require.NoError(t, err)
	require.True(t, res1.IsMaster)
	defer res1.Node.Close()

	contender := &Bootstrapper{
		ListenAddress: "127.0.0.1",
		ListenPort:    port,
		Interval:      10 * time.Millisecond,
		Store:         decay.NewStore(time.Second, 0.1, nil),
	}
	res2, err := contender.Setup()
	require.NoError(t, err)
	require.False(t, res2.IsMaster)
	defer res2.Node.Close()
}
