package local

import (
	"context"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/risehq/rise/pkg/backend"
)

func testState(t *testing.T) *State {
	t.Helper()
	s, err := OpenState(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func TestStateRoundTrip(t *testing.T) {
	s := testState(t)
	id := uuid.New()

	_, ok, err := s.Get(id)
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, s.Put(id, &Entry{ContainerID: "shop-20260115-120000", HostPort: 20001}))
	entry, ok, err := s.Get(id)
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, "shop-20260115-120000", entry.ContainerID)
	assert.Equal(t, 20001, entry.HostPort)

	require.NoError(t, s.Delete(id))
	_, ok, err = s.Get(id)
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestAllocatePort(t *testing.T) {
	s := testState(t)

	p1, err := s.AllocatePort(20000, 20002)
	require.NoError(t, err)
	assert.Equal(t, 20000, p1)

	p2, err := s.AllocatePort(20000, 20002)
	require.NoError(t, err)
	assert.Equal(t, 20001, p2)

	s.ReleasePort(p1)
	p3, err := s.AllocatePort(20000, 20002)
	require.NoError(t, err)
	assert.Equal(t, 20000, p3)
}

func TestAllocatePortExhaustion(t *testing.T) {
	s := testState(t)

	_, err := s.AllocatePort(20000, 20000)
	require.NoError(t, err)
	_, err = s.AllocatePort(20000, 20000)
	assert.Error(t, err)
}

func TestDeleteFreesPort(t *testing.T) {
	s := testState(t)
	id := uuid.New()

	port, err := s.AllocatePort(20000, 20000)
	require.NoError(t, err)
	require.NoError(t, s.Put(id, &Entry{ContainerID: "c", HostPort: port}))

	require.NoError(t, s.Delete(id))
	again, err := s.AllocatePort(20000, 20000)
	require.NoError(t, err)
	assert.Equal(t, port, again)
}

func TestProber(t *testing.T) {
	healthy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer healthy.Close()
	failing := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer failing.Close()

	p := NewProber(2 * time.Second)

	res := p.Check(context.Background(), healthy.URL)
	assert.True(t, res.Healthy)
	assert.Contains(t, res.Message, "200")

	res = p.Check(context.Background(), failing.URL)
	assert.False(t, res.Healthy)
	assert.Contains(t, res.Message, "500")

	res = p.Check(context.Background(), "http://127.0.0.1:1/")
	assert.False(t, res.Healthy)
}

func writeLogFile(t *testing.T, lines []string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "app.log")
	require.NoError(t, os.WriteFile(path, []byte(strings.Join(lines, "\n")+"\n"), 0o644))
	return path
}

func TestLogStreamTail(t *testing.T) {
	path := writeLogFile(t, []string{"one", "two", "three", "four"})

	rc, err := openLogStream(context.Background(), path, backend.LogOptions{TailLines: 2})
	require.NoError(t, err)
	defer rc.Close()

	out := make([]byte, 64)
	n, _ := rc.Read(out)
	assert.Equal(t, "three\nfour\n", string(out[:n]))
}

func TestLogStreamFollowStopsOnContextCancel(t *testing.T) {
	path := writeLogFile(t, []string{"hello"})

	ctx, cancel := context.WithCancel(context.Background())
	rc, err := openLogStream(ctx, path, backend.LogOptions{Follow: true})
	require.NoError(t, err)
	defer rc.Close()

	out := make([]byte, 64)
	n, err := rc.Read(out)
	require.NoError(t, err)
	assert.Equal(t, "hello\n", string(out[:n]))

	cancel()
	_, err = rc.Read(out)
	assert.Error(t, err)
}
