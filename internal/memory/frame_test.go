package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCallFrame_PushAndEncode(t *testing.T) {
	m := newManager(t, 0, 1<<20)
	f, err := m.CreateCallStackFrame(2)
	require.NoError(t, err)

	require.NoError(t, f.Push(0xdead))
	require.NoError(t, f.Push(7))
	require.Error(t, f.Push(1), "frame is full")

	b := f.Bytes()
	require.Len(t, b, int(f.Size()))

	args, ret, err := ParseFrame(b)
	require.NoError(t, err)
	assert.Equal(t, []uint64{0xdead, 7}, args)
	assert.Zero(t, ret)

	f.Reset()
	assert.Empty(t, f.Args())
	args, _, err = ParseFrame(f.Bytes())
	require.NoError(t, err)
	assert.Empty(t, args)
}

func TestParseFrame_Malformed(t *testing.T) {
	_, _, err := ParseFrame(make([]byte, 7))
	require.Error(t, err)

	b := newCallFrame(0, 1).Bytes()
	b[SlotArgCount*8] = 5
	_, _, err = ParseFrame(b)
	require.Error(t, err)
}

func TestCallFrame_Reused(t *testing.T) {
	m := newManager(t, 0, 1<<20)
	f, err := m.CreateCallStackFrame(1)
	require.NoError(t, err)
	require.NoError(t, f.Push(1))
	f.Reset()
	require.NoError(t, f.Push(2))
	assert.Equal(t, []uint64{2}, f.Args())

	m.Reset(context.Background())
	g, err := m.CreateCallStackFrame(1)
	require.NoError(t, err)
	assert.Equal(t, f.Offset(), g.Offset(), "reset reuses the call stack")
}

func TestCallFrame_Frame(t *testing.T) {
	f := newCallFrame(64, 1)
	require.NoError(t, f.Push(9))

	df := f.Frame(0x1040)
	assert.Equal(t, uint64(0x1040), df.Address)
	assert.Equal(t, f.Bytes(), df.Data)
}
