package cache

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// fakeValkey speaks enough RESP2 to exercise the provider.
type fakeValkey struct {
	ln       net.Listener
	password string

	mu       sync.Mutex
	data     map[string]string
	commands []string
	dials    int
}

func startFakeValkey(t *testing.T, password string) *fakeValkey {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	f := &fakeValkey{ln: ln, password: password, data: map[string]string{}}
	go f.serve()
	t.Cleanup(func() { _ = ln.Close() })
	return f
}

func (f *fakeValkey) addr() string { return f.ln.Addr().String() }

func (f *fakeValkey) seen() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]string(nil), f.commands...)
}

func (f *fakeValkey) serve() {
	for {
		conn, err := f.ln.Accept()
		if err != nil {
			return
		}
		f.mu.Lock()
		f.dials++
		f.mu.Unlock()
		go f.handle(conn)
	}
}

func (f *fakeValkey) handle(conn net.Conn) {
	defer conn.Close()
	r := bufio.NewReader(conn)
	authed := f.password == ""
	for {
		args, err := readCommand(r)
		if err != nil {
			return
		}
		cmd := strings.ToUpper(args[0])
		f.mu.Lock()
		f.commands = append(f.commands, cmd)
		f.mu.Unlock()

		if cmd == "AUTH" {
			if args[len(args)-1] == f.password {
				authed = true
				fmt.Fprint(conn, "+OK\r\n")
			} else {
				fmt.Fprint(conn, "-WRONGPASS invalid password\r\n")
			}
			continue
		}
		if !authed {
			fmt.Fprint(conn, "-NOAUTH Authentication required.\r\n")
			continue
		}
		fmt.Fprint(conn, f.exec(cmd, args[1:]))
	}
}

func (f *fakeValkey) exec(cmd string, args []string) string {
	f.mu.Lock()
	defer f.mu.Unlock()
	switch cmd {
	case "PING":
		return "+PONG\r\n"
	case "SELECT":
		return "+OK\r\n"
	case "GET":
		v, ok := f.data[args[0]]
		if !ok {
			return "$-1\r\n"
		}
		return fmt.Sprintf("$%d\r\n%s\r\n", len(v), v)
	case "SET":
		nx := false
		for _, a := range args[2:] {
			if strings.EqualFold(a, "NX") {
				nx = true
			}
		}
		if _, exists := f.data[args[0]]; exists && nx {
			return "$-1\r\n"
		}
		f.data[args[0]] = args[1]
		return "+OK\r\n"
	case "DEL":
		_, existed := f.data[args[0]]
		delete(f.data, args[0])
		if existed {
			return ":1\r\n"
		}
		return ":0\r\n"
	default:
		return "-ERR unknown command\r\n"
	}
}

func readCommand(r *bufio.Reader) ([]string, error) {
	header, err := r.ReadString('\n')
	if err != nil {
		return nil, err
	}
	n, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(header, "*")))
	if err != nil {
		return nil, err
	}
	args := make([]string, 0, n)
	for i := 0; i < n; i++ {
		sizeLine, err := r.ReadString('\n')
		if err != nil {
			return nil, err
		}
		size, err := strconv.Atoi(strings.TrimSpace(strings.TrimPrefix(sizeLine, "$")))
		if err != nil {
			return nil, err
		}
		buf := make([]byte, size+2)
		if _, err := io.ReadFull(r, buf); err != nil {
			return nil, err
		}
		args = append(args, string(buf[:size]))
	}
	return args, nil
}

func TestValkeyProviderRoundTrip(t *testing.T) {
	server := startFakeValkey(t, "")
	ctx := context.Background()

	p, err := NewValkeyProvider(ctx, ValkeyConfig{Addr: server.addr(), KeyPrefix: "devhops:"})
	require.NoError(t, err)
	defer p.Close()

	_, err = p.Get(ctx, "deployments:checkout")
	assert.ErrorIs(t, err, ErrCacheMiss)

	require.NoError(t, p.Set(ctx, "deployments:checkout", []byte(`[{"id":"d1"}]`), time.Minute))
	got, err := p.Get(ctx, "deployments:checkout")
	require.NoError(t, err)
	assert.Equal(t, `[{"id":"d1"}]`, string(got))

	server.mu.Lock()
	_, prefixed := server.data["devhops:deployments:checkout"]
	server.mu.Unlock()
	assert.True(t, prefixed, "keys should carry the configured prefix")

	require.NoError(t, p.Del(ctx, "deployments:checkout"))
	_, err = p.Get(ctx, "deployments:checkout")
	assert.ErrorIs(t, err, ErrCacheMiss)
}

func TestValkeyProviderSetNX(t *testing.T) {
	server := startFakeValkey(t, "")
	ctx := context.Background()
	p, err := NewValkeyProvider(ctx, ValkeyConfig{Addr: server.addr()})
	require.NoError(t, err)
	defer p.Close()

	ok, err := p.SetNX(ctx, "lock", []byte("a"), time.Second)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = p.SetNX(ctx, "lock", []byte("b"), time.Second)
	require.NoError(t, err)
	assert.False(t, ok)

	got, err := p.Get(ctx, "lock")
	require.NoError(t, err)
	assert.Equal(t, "a", string(got))
}

func TestValkeyProviderAuthenticatesAndSelects(t *testing.T) {
	server := startFakeValkey(t, "s3cret")
	ctx := context.Background()

	p, err := NewValkeyProvider(ctx, ValkeyConfig{Addr: server.addr(), Username: "engine", Password: "s3cret", DB: 2})
	require.NoError(t, err)
	defer p.Close()

	assert.Equal(t, []string{"AUTH", "SELECT", "PING"}, server.seen()[:3])
}

func TestValkeyProviderRejectsBadPassword(t *testing.T) {
	server := startFakeValkey(t, "s3cret")

	_, err := NewValkeyProvider(context.Background(), ValkeyConfig{Addr: server.addr(), Password: "nope"})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "WRONGPASS")
}

func TestValkeyProviderReusesConnections(t *testing.T) {
	server := startFakeValkey(t, "")
	ctx := context.Background()
	p, err := NewValkeyProvider(ctx, ValkeyConfig{Addr: server.addr(), PoolSize: 1})
	require.NoError(t, err)
	defer p.Close()

	for i := 0; i < 5; i++ {
		require.NoError(t, p.Set(ctx, "k", []byte("v"), 0))
	}
	server.mu.Lock()
	dials := server.dials
	server.mu.Unlock()
	assert.Equal(t, 1, dials)
}

func TestValkeyProviderServerErrorIsReturned(t *testing.T) {
	server := startFakeValkey(t, "")
	ctx := context.Background()
	p, err := NewValkeyProvider(ctx, ValkeyConfig{Addr: server.addr()})
	require.NoError(t, err)
	defer p.Close()

	_, err = p.do(ctx, "FLUSHALL")
	require.Error(t, err)
	assert.True(t, isServerError(err))
	// connection stays usable after an error reply
	require.NoError(t, p.Set(ctx, "k", []byte("v"), 0))
}

func TestValkeyProviderRequiresAddr(t *testing.T) {
	_, err := NewValkeyProvider(context.Background(), ValkeyConfig{})
	require.Error(t, err)
}

func TestValkeyProviderClosed(t *testing.T) {
	server := startFakeValkey(t, "")
	ctx := context.Background()
	p, err := NewValkeyProvider(ctx, ValkeyConfig{Addr: server.addr()})
	require.NoError(t, err)
	require.NoError(t, p.Close())
	require.NoError(t, p.Close())

	_, err = p.Get(ctx, "k")
	require.Error(t, err)
	assert.False(t, errors.Is(err, ErrCacheMiss))
}
