package pipe

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/zhmu/dogfood-sub000/mem"
)

func withZone(t *testing.T) {
	t.Helper()
	mem.ResetForTest()
	mem.RegisterMemory(make([]byte, 64*mem.PageSize))
}

func TestPipeWriteThenRead(t *testing.T) {
	withZone(t)
	p, err := New()
	require.NoError(t, err)

	n, err := p.Write([]byte("hello"))
	require.NoError(t, err)
	require.Equal(t, 5, n)

	buf := make([]byte, 5)
	n, err = p.Read(buf)
	require.NoError(t, err)
	require.Equal(t, "hello", string(buf[:n]))
}

func TestPipeReadBlocksUntilWrite(t *testing.T) {
	withZone(t)
	p, err := New()
	require.NoError(t, err)

	done := make(chan struct{})
	var got string
	go func() {
		buf := make([]byte, 4)
		n, _ := p.Read(buf)
		got = string(buf[:n])
		close(done)
	}()

	time.Sleep(10 * time.Millisecond)
	_, err = p.Write([]byte("data"))
	require.NoError(t, err)

	select {
	case <-done:
		require.Equal(t, "data", got)
	case <-time.After(time.Second):
		t.Fatal("read did not unblock after write")
	}
}

func TestPipeReadReturnsEOFAfterWriterCloses(t *testing.T) {
	withZone(t)
	p, err := New()
	require.NoError(t, err)

	p.CloseWriter()
	buf := make([]byte, 4)
	n, err := p.Read(buf)
	require.NoError(t, err)
	require.Zero(t, n)
}

func TestPipeWriteFailsAfterReadersGone(t *testing.T) {
	withZone(t)
	p, err := New()
	require.NoError(t, err)

	p.CloseReader()
	_, err = p.Write([]byte("x"))
	require.Error(t, err)
}
