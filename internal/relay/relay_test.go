package relay

import (
	"bytes"
	"io"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

type syncBuffer struct {
	mu      sync.Mutex
	buf     bytes.Buffer
	flushed bool
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) Flush() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.flushed = true
	return nil
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

func TestRelayCopiesUntilEOF(t *testing.T) {
	t.Parallel()

	dst := &syncBuffer{}
	r := Start(strings.NewReader("warning: slow page\n"), dst, nil)
	r.Wait()

	assert.Equal(t, "warning: slow page\n", dst.String())
	assert.True(t, dst.flushed)
}

func TestRelayStopThenSourceClosed(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	dst := &syncBuffer{}
	r := Start(pr, dst, nil)

	_, err := pw.Write([]byte("first\n"))
	require.NoError(t, err)
	require.Eventually(t, func() bool { return dst.String() == "first\n" }, time.Second, time.Millisecond)

	r.Stop()
	require.NoError(t, pw.Close())
	r.Wait()
	assert.Equal(t, "first\n", dst.String())
}

type failingWriter struct{}

func (failingWriter) Write([]byte) (int, error) { return 0, io.ErrClosedPipe }

func TestRelayEndsOnWriteFailure(t *testing.T) {
	t.Parallel()

	pr, pw := io.Pipe()
	r := Start(pr, failingWriter{}, nil)
	go func() { _, _ = pw.Write([]byte("x")) }()
	r.Wait()
	require.NoError(t, pw.Close())
}
