package assembler

import (
	"context"
	"errors"
	"fmt"
	"math/rand"
	"testing"

	"github.com/google/go-cmp/cmp"
	"github.com/specialistvlad/accelgrid/internal/bytecode"
	"github.com/specialistvlad/accelgrid/internal/graph"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func ops(p *bytecode.Program) []bytecode.Opcode {
	out := make([]bytecode.Opcode, len(p.Instructions))
	for i, in := range p.Instructions {
		out[i] = in.Op
	}
	return out
}

func mustTask(t *testing.T, g *graph.Graph, index, device int, args ...graph.Argument) *graph.TaskNode {
	t.Helper()
	task := graph.Add(g, graph.NewTask(index, fmt.Sprintf("task%d", index), args...))
	require.NoError(t, task.SetDevice(device))
	return task
}

func TestCompile_SingleTaskScenario(t *testing.T) {
	g := graph.New()
	p := graph.AddUnique(g, graph.NewParameter(0))
	in := graph.AddUnique(g, graph.NewCopyIn(0, p))
	task := mustTask(t, g, 0, 0, graph.Argument{Value: p, Access: graph.AccessReadWrite})
	task.DependsOn(in)
	graph.AddUnique(g, graph.NewWriteHost(task, p))

	prog, err := Compile(context.Background(), g)
	require.NoError(t, err)

	assert.Equal(t, []bytecode.Opcode{
		bytecode.OpBegin, bytecode.OpCopyIn, bytecode.OpLaunchTask, bytecode.OpWriteHost, bytecode.OpEnd,
	}, ops(prog))
	assert.Equal(t, 0, prog.Instructions[1].Operand, "COPY_IN moves parameter 0")
	assert.Equal(t, 0, prog.Instructions[2].Operand, "LAUNCH_TASK runs task 0")
	assert.Equal(t, 0, prog.Instructions[3].Operand, "WRITE_HOST returns parameter 0")

	want := &bytecode.Program{
		Version:    bytecode.Version,
		Parameters: 1,
		EventSlots: 3,
		Devices:    []bytecode.Device{{MaxArgs: 1}},
		Tasks: []bytecode.Task{{Name: "task0", Device: 0, Args: []bytecode.ArgRef{
			{Kind: bytecode.ArgParameter, Index: 0, Access: bytecode.AccessReadWrite},
		}}},
		Instructions: prog.Instructions,
	}
	if diff := cmp.Diff(want, prog); diff != "" {
		t.Errorf("program mismatch (-want +got):\n%s", diff)
	}
	assert.True(t, g.Sealed())
}

func TestCompile_FlagsAndSlots(t *testing.T) {
	g := graph.New()
	p := graph.AddUnique(g, graph.NewParameter(0))
	in := graph.NewCopyIn(0, p)
	in.SetBlocking(true)
	in.SetCacheable(false)
	graph.Add(g, in)
	graph.Add(g, graph.NewAllocate(0, graph.AddUnique(g, graph.NewParameter(1))))

	prog, err := Compile(context.Background(), g)
	require.NoError(t, err)

	copyIn := prog.Instructions[1]
	assert.Equal(t, bytecode.OpCopyIn, copyIn.Op)
	assert.Equal(t, bytecode.Blocking, copyIn.Flags.BlockingMode())
	assert.Equal(t, bytecode.NonCacheable, copyIn.Flags.CacheMode())
	assert.Equal(t, bytecode.NoSlot, copyIn.EventSlot, "blocking operations record no handle")

	allocate := prog.Instructions[2]
	assert.Equal(t, bytecode.OpAllocate, allocate.Op)
	assert.Equal(t, 1, allocate.Operand)
	assert.Equal(t, bytecode.NoSlot, allocate.EventSlot)
	assert.Equal(t, 0, prog.EventSlots)
}

func TestCompile_CrossDeviceBarrier(t *testing.T) {
	g := graph.New()
	a := graph.AddUnique(g, graph.NewParameter(0))
	b := graph.AddUnique(g, graph.NewParameter(1))

	producer := mustTask(t, g, 0, 0, graph.Argument{Value: a, Access: graph.AccessReadWrite})
	producer.DependsOn(graph.AddUnique(g, graph.NewCopyIn(0, a)))
	out := graph.AddUnique(g, graph.NewWriteHost(producer, a))

	handoff := graph.AddUnique(g, graph.NewCopyIn(1, a))
	handoff.DependsOn(out)
	consumer := mustTask(t, g, 1, 1,
		graph.Argument{Value: a, Access: graph.AccessRead},
		graph.Argument{Value: b, Access: graph.AccessWrite})
	consumer.DependsOn(handoff, producer)

	prog, err := Compile(context.Background(), g)
	require.NoError(t, err)

	assert.Equal(t, []bytecode.Opcode{
		bytecode.OpBegin,
		bytecode.OpCopyIn,     // a -> dev0
		bytecode.OpLaunchTask, // task0 on dev0
		bytecode.OpWriteHost,  // a <- dev0
		bytecode.OpBarrier,    // dev1 waits for the write-back
		bytecode.OpCopyIn,     // a -> dev1
		bytecode.OpBarrier,    // dev1 waits for task0
		bytecode.OpLaunchTask, // task1 on dev1
		bytecode.OpEnd,
	}, ops(prog))

	writeBack := prog.Instructions[3]
	first := prog.Instructions[4]
	assert.Equal(t, 1, first.Device)
	assert.Equal(t, writeBack.EventSlot, first.WaitSlot)

	launch0 := prog.Instructions[2]
	second := prog.Instructions[6]
	assert.Equal(t, 1, second.Device)
	assert.Equal(t, launch0.EventSlot, second.WaitSlot)

	assert.Equal(t, []bytecode.Device{{MaxArgs: 1}, {MaxArgs: 2}}, prog.Devices)
	assert.Equal(t, bytecode.AccessWrite, prog.Tasks[1].Args[1].Access)
}

func TestCompile_SameDeviceNeedsNoBarrier(t *testing.T) {
	g := graph.New()
	p := graph.AddUnique(g, graph.NewParameter(0))
	first := mustTask(t, g, 0, 0, graph.Argument{Value: p, Access: graph.AccessReadWrite})
	second := mustTask(t, g, 1, 0, graph.Argument{Value: p, Access: graph.AccessReadWrite})
	second.DependsOn(first)

	prog, err := Compile(context.Background(), g)
	require.NoError(t, err)
	assert.NotContains(t, ops(prog), bytecode.OpBarrier)
}

func TestCompile_ExplicitBarrier(t *testing.T) {
	g := graph.New()
	p := graph.AddUnique(g, graph.NewParameter(0))
	in0 := graph.AddUnique(g, graph.NewCopyIn(0, p))
	in1 := graph.AddUnique(g, graph.NewCopyIn(1, p))
	sync := graph.NewCopyIn(2, p)
	sync.SetBlocking(true)
	graph.Add(g, sync)

	barrier := graph.NewBarrier(1, in0, in1, sync)
	barrier.SetBlocking(true)
	graph.Add(g, barrier)

	prog, err := Compile(context.Background(), g)
	require.NoError(t, err)

	var barriers []bytecode.Instruction
	for _, in := range prog.Instructions {
		if in.Op == bytecode.OpBarrier {
			barriers = append(barriers, in)
		}
	}
	require.Len(t, barriers, 2, "the blocking copy has no slot to wait on")
	assert.Equal(t, prog.Instructions[1].EventSlot, barriers[0].WaitSlot)
	assert.Equal(t, prog.Instructions[2].EventSlot, barriers[1].WaitSlot)
	for _, b := range barriers {
		assert.Equal(t, 1, b.Device)
		assert.Equal(t, bytecode.Blocking, b.Flags.BlockingMode())
	}
}

func TestCompile_StructureErrors(t *testing.T) {
	tests := []struct {
		name  string
		build func(t *testing.T) (*graph.Graph, graph.NodeID)
	}{
		{
			name: "dangling operand",
			build: func(t *testing.T) (*graph.Graph, graph.NodeID) {
				g := graph.New()
				p := graph.Add(g, graph.NewParameter(0))
				task := mustTask(t, g, 0, 0, graph.Argument{Value: p})
				g.Delete(p)
				return g, task.ID()
			},
		},
		{
			name: "multiple begin",
			build: func(t *testing.T) (*graph.Graph, graph.NodeID) {
				g := graph.New()
				b := graph.Add(g, &graph.BeginNode{})
				return g, b.ID()
			},
		},
		{
			name: "task without device",
			build: func(t *testing.T) (*graph.Graph, graph.NodeID) {
				g := graph.New()
				task := graph.Add(g, graph.NewTask(0, "orphan"))
				return g, task.ID()
			},
		},
		{
			name: "duplicate task index",
			build: func(t *testing.T) (*graph.Graph, graph.NodeID) {
				g := graph.New()
				mustTask(t, g, 0, 0)
				dup := mustTask(t, g, 0, 1)
				return g, dup.ID()
			},
		},
		{
			name: "sparse task index",
			build: func(t *testing.T) (*graph.Graph, graph.NodeID) {
				g := graph.New()
				task := mustTask(t, g, 3, 0)
				return g, task.ID()
			},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			g, want := tc.build(t)

			prog, err := Compile(context.Background(), g)
			require.Error(t, err)
			assert.Nil(t, prog, "no partial program on failure")
			assert.False(t, g.Sealed())

			var se *graph.StructureError
			require.True(t, errors.As(err, &se), "got %T: %v", err, err)
			assert.ErrorIs(t, err, graph.ErrGraphStructure)
			assert.Equal(t, want, se.NodeID)
			assert.Equal(t, "assembler", se.Stage())
		})
	}
}

// randomGraph builds a structurally valid schedule: every task reads a few
// parameters, each first placed with a CopyIn on the task's device, and some
// tasks depend on earlier ones.
func randomGraph(t *testing.T, rng *rand.Rand) *graph.Graph {
	g := graph.New()
	params := rng.Intn(6) + 1
	devices := rng.Intn(3) + 1
	var tasks []*graph.TaskNode
	count := rng.Intn(8) + 1
	for i := 0; i < count; i++ {
		device := rng.Intn(devices)
		var args []graph.Argument
		var copies []graph.Node
		for range rng.Intn(4) + 1 {
			p := graph.AddUnique(g, graph.NewParameter(rng.Intn(params)))
			copies = append(copies, graph.AddUnique(g, graph.NewCopyIn(device, p)))
			args = append(args, graph.Argument{Value: p, Access: graph.Access(rng.Intn(3))})
		}
		if rng.Intn(2) == 0 {
			args = append(args, graph.Argument{Value: graph.AddUnique(g, graph.NewConstant(rng.Intn(3)))})
		}
		task := mustTask(t, g, i, device, args...)
		task.DependsOn(copies...)
		if len(tasks) > 0 && rng.Intn(2) == 0 {
			task.DependsOn(tasks[rng.Intn(len(tasks))])
		}
		if rng.Intn(3) == 0 {
			graph.AddUnique(g, graph.NewWriteHost(task, args[0].Value.(*graph.ParameterNode)))
		}
		tasks = append(tasks, task)
	}
	return g
}

func TestCompile_ValidGraphsAlwaysCompile(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 200; i++ {
		g := randomGraph(t, rng)

		prog, err := Compile(context.Background(), g)
		require.NoError(t, err, "graph %d", i)
		require.NoError(t, prog.Validate())

		assert.Equal(t, bytecode.OpBegin, prog.Instructions[0].Op)
		assert.Equal(t, bytecode.OpEnd, prog.Instructions[len(prog.Instructions)-1].Op)

		b, err := bytecode.Encode(prog)
		require.NoError(t, err)
		decoded, err := bytecode.Decode(b)
		require.NoError(t, err)
		again, err := bytecode.Encode(decoded)
		require.NoError(t, err)
		require.Equal(t, b, again)
	}
}

func TestCompile_Deterministic(t *testing.T) {
	first, err := Compile(context.Background(), randomGraph(t, rand.New(rand.NewSource(1))))
	require.NoError(t, err)
	second, err := Compile(context.Background(), randomGraph(t, rand.New(rand.NewSource(1))))
	require.NoError(t, err)

	assert.Empty(t, cmp.Diff(first, second))
}
