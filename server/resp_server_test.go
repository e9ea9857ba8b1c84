package server

import (
	"bytes"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/virtsec/isopage"
)

type testConn struct {
	in  *bytes.Reader
	out bytes.Buffer
}

func (c *testConn) Read(p []byte) (int, error) {
	return c.in.Read(p)
}

func (c *testConn) Write(p []byte) (int, error) {
	return c.out.Write(p)
}

func newTestStore(t testing.TB) *isopage.MessageStore {
	t.Helper()
	reg := isopage.NewDomainRegistry()
	codec, err := isopage.NewCodec(reg)
	require.NoError(t, err)
	store, err := isopage.NewMessageStore(isopage.StoreOptions{
		Registry:  reg,
		Codec:     codec,
		Switcher:  isopage.NewAccessSwitcher(reg),
		OwnerName: t.Name(),
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	return store
}

func bulk(s string) string {
	return fmt.Sprintf("$%d\r\n%s\r\n", len(s), s)
}

func command(args ...string) string {
	out := fmt.Sprintf("*%d\r\n", len(args))
	for _, a := range args {
		out += bulk(a)
	}
	return out
}

func serve(t *testing.T, s *RespServer, request string) string {
	t.Helper()
	conn := &testConn{in: bytes.NewReader([]byte(request))}
	require.NoError(t, s.Serve(conn))
	return conn.out.String()
}

func TestRespSetGet(t *testing.T) {
	s := NewRespServer(newTestStore(t))

	out := serve(t, s, command("SET", "msg", "hello")+command("GET", "msg"))
	assert.Equal(t, "+OK\r\n"+bulk("hello"), out)
}

func TestRespGetEmpty(t *testing.T) {
	s := NewRespServer(newTestStore(t))

	out := serve(t, s, command("GET", "msg"))
	assert.Equal(t, "$-1\r\n", out)
}

func TestRespSetReplaces(t *testing.T) {
	s := NewRespServer(newTestStore(t))

	out := serve(t, s,
		command("SET", "msg", "x")+command("SET", "msg", "y")+command("GET", "msg"))
	assert.Equal(t, "+OK\r\n+OK\r\n"+bulk("y"), out)
}

func TestRespSetOversize(t *testing.T) {
	s := NewRespServer(newTestStore(t))

	big := string(bytes.Repeat([]byte{'a'}, isopage.PageSize+1))
	out := serve(t, s, command("SET", "msg", big))
	assert.Equal(t, "-ERR payload exceeds page size\r\n", out)

	// The slot is still empty.
	out = serve(t, s, command("EXISTS", "msg"))
	assert.Equal(t, ":0\r\n", out)
}

func TestRespDelExists(t *testing.T) {
	s := NewRespServer(newTestStore(t))

	out := serve(t, s, command("EXISTS", "msg"))
	assert.Equal(t, ":0\r\n", out)

	out = serve(t, s, command("SET", "msg", "here")+command("EXISTS", "msg"))
	assert.Equal(t, "+OK\r\n:1\r\n", out)

	out = serve(t, s, command("DEL", "msg")+command("DEL", "msg"))
	assert.Equal(t, ":1\r\n:0\r\n", out)
}

func TestRespCaseInsensitiveCommands(t *testing.T) {
	s := NewRespServer(newTestStore(t))

	out := serve(t, s, command("set", "msg", "lower")+command("GeT", "msg"))
	assert.Equal(t, "+OK\r\n"+bulk("lower"), out)
}

func TestRespUnsupportedCommand(t *testing.T) {
	s := NewRespServer(newTestStore(t))

	conn := &testConn{in: bytes.NewReader([]byte(command("INCR", "msg")))}
	err := s.Serve(conn)
	assert.Error(t, err)
}
