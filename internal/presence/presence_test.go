package presence

import (
	"strconv"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"
)

type fakeConn string

func (c fakeConn) ID() string                     { return string(c) }
func (c fakeConn) Emit(string, interface{}) error { return nil }

func TestRegisterLookup(t *testing.T) {
	table := NewTable()

	_, ok := table.Lookup("u1")
	require.False(t, ok)

	table.Register("u1", fakeConn("a"))
	c, ok := table.Lookup("u1")
	require.True(t, ok)
	require.Equal(t, "a", c.ID())
}

func TestRegisterLastWriteWins(t *testing.T) {
	table := NewTable()

	table.Register("u1", fakeConn("a"))
	table.Register("u1", fakeConn("b"))

	c, ok := table.Lookup("u1")
	require.True(t, ok)
	require.Equal(t, "b", c.ID())
	require.Equal(t, 1, table.Len())
}

func TestUnregister(t *testing.T) {
	table := NewTable()
	table.Register("u1", fakeConn("a"))

	userID, ok := table.Unregister(fakeConn("a"))
	require.True(t, ok)
	require.Equal(t, "u1", userID)

	_, ok = table.Lookup("u1")
	require.False(t, ok)

	_, ok = table.Unregister(fakeConn("a"))
	require.False(t, ok)
}

func TestUnregisterStaleConnection(t *testing.T) {
	table := NewTable()
	table.Register("u1", fakeConn("a"))
	table.Register("u1", fakeConn("b"))

	userID, ok := table.Unregister(fakeConn("a"))
	require.True(t, ok)
	require.Equal(t, "u1", userID)

	c, ok := table.Lookup("u1")
	require.True(t, ok)
	require.Equal(t, "b", c.ID())
}

func TestRegisterRebindConnection(t *testing.T) {
	table := NewTable()
	table.Register("u1", fakeConn("a"))
	table.Register("u2", fakeConn("a"))

	_, ok := table.Lookup("u1")
	require.False(t, ok)

	c, ok := table.Lookup("u2")
	require.True(t, ok)
	require.Equal(t, "a", c.ID())

	userID, ok := table.Unregister(fakeConn("a"))
	require.True(t, ok)
	require.Equal(t, "u2", userID)
	require.Zero(t, table.Len())
}

func TestOnline(t *testing.T) {
	table := NewTable()
	table.Register("u3", fakeConn("c"))
	table.Register("u1", fakeConn("a"))
	table.Register("u2", fakeConn("b"))

	require.Equal(t, []string{"u1", "u2", "u3"}, table.Online())
	require.Empty(t, NewTable().Online())
}

func TestConcurrentAccess(t *testing.T) {
	table := NewTable()

	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			id := strconv.Itoa(i)
			conn := fakeConn("c" + id)
			table.Register("u"+id, conn)
			_, _ = table.Lookup("u" + id)
			_ = table.Online()
			table.Unregister(conn)
		}(i)
	}
	wg.Wait()

	require.Zero(t, table.Len())
}
