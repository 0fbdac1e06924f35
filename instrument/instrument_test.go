package instrument

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/deepnoodle-ai/linecov/bytecode"
	"github.com/deepnoodle-ai/linecov/coverage"
	"github.com/deepnoodle-ai/linecov/op"
	"github.com/deepnoodle-ai/linecov/vm"
)

const testPath = "src/main.x"

// buildStraightLineModule builds:
//
//	1: x = 1
//	2: y = x + 2
//	3: return y
func buildStraightLineModule(t *testing.T) *bytecode.Code {
	t.Helper()
	b := bytecode.NewBuilder(bytecode.BuilderParams{
		Name:      "main",
		Filename:  testPath,
		Package:   "app",
		IsModule:  true,
		FirstLine: 1,
		StackSize: 2,
	})
	x := b.AddName("x")
	y := b.AddName("y")

	b.SetLine(1)
	b.Emit(op.LoadConst, uint32(b.Constant(int64(1))))
	b.Emit(op.StoreGlobal, uint32(x))
	b.SetLine(2)
	b.Emit(op.LoadGlobal, uint32(x))
	b.Emit(op.LoadConst, uint32(b.Constant(int64(2))))
	b.Emit(op.BinaryOp, uint32(op.Add))
	b.Emit(op.StoreGlobal, uint32(y))
	b.SetLine(3)
	b.Emit(op.LoadGlobal, uint32(y))
	b.Emit(op.ReturnValue)

	code, err := b.Build()
	require.NoError(t, err)
	return code
}

// buildLoopModule builds a module that iterates 3 times over a body of
// bodyLines statements, each adding 1 to a global sum.
func buildLoopModule(t *testing.T, bodyLines int) *bytecode.Code {
	t.Helper()
	b := bytecode.NewBuilder(bytecode.BuilderParams{
		Name:      "loop",
		Filename:  testPath,
		Package:   "app",
		IsModule:  true,
		FirstLine: 1,
		StackSize: 3,
	})
	sum := b.AddName("sum")
	i := b.AddName("i")

	b.SetLine(1)
	b.Emit(op.LoadConst, uint32(b.Constant(int64(0))))
	b.Emit(op.StoreGlobal, uint32(sum))
	b.SetLine(2)
	b.Emit(op.LoadConst, uint32(b.Constant(int64(3))))
	b.Emit(op.GetIter)

	top := b.NewLabel()
	exit := b.NewLabel()
	b.Bind(top)
	b.SetLine(3)
	b.EmitJump(op.ForIter, exit)
	b.Emit(op.StoreGlobal, uint32(i))
	for n := 0; n < bodyLines; n++ {
		b.SetLine(4 + n)
		b.Emit(op.LoadGlobal, uint32(sum))
		b.Emit(op.LoadConst, uint32(b.Constant(int64(1))))
		b.Emit(op.BinaryOp, uint32(op.Add))
		b.Emit(op.StoreGlobal, uint32(sum))
	}
	b.EmitJump(op.JumpBackward, top)
	b.Bind(exit)
	b.SetLine(4 + bodyLines)
	b.Emit(op.LoadGlobal, uint32(sum))
	b.Emit(op.ReturnValue)

	code, err := b.Build()
	require.NoError(t, err)
	return code
}

func runUnit(t *testing.T, code *bytecode.Code, opts ...vm.Option) any {
	t.Helper()
	result, err := vm.New(code, opts...).Run(context.Background())
	require.NoError(t, err)
	return result
}

func TestInstrumentStraightLine(t *testing.T) {
	original := buildStraightLineModule(t)
	before := original.Instructions()

	collector := coverage.NewCollector()
	ctx := collector.NewContext()
	instrumented, lines, err := Instrument(original, ctx.Hook(), testPath, "app")
	require.NoError(t, err)

	// Reported executable lines
	require.Equal(t, []int{1, 2, 3}, lines.Sorted())

	// The input is untouched
	require.Equal(t, before, original.Instructions())

	// One hook plus one descriptor per trapped line
	require.Equal(t, original.ConstantCount()+4, instrumented.ConstantCount())

	// Both versions compute the same value
	require.Equal(t, int64(3), runUnit(t, original))
	require.Equal(t, int64(3), runUnit(t, instrumented))

	// Every line was recorded exactly once per context
	require.Equal(t, []int{1, 2, 3}, ctx.Lines(testPath).Sorted())
	ctx.Close()
	require.Equal(t, []int{1, 2, 3}, collector.Snapshot()[testPath].Sorted())
}

func TestInstrumentLineTableAttribution(t *testing.T) {
	original := buildStraightLineModule(t)
	instrumented, _, err := Instrument(original, bytecode.HookRef{}, testPath, "app")
	require.NoError(t, err)

	origStarts, err := bytecode.LineStarts(original.LineTable(), original.FirstLine())
	require.NoError(t, err)
	starts, err := bytecode.LineStarts(instrumented.LineTable(), instrumented.FirstLine())
	require.NoError(t, err)
	require.Len(t, starts, 3)
	for i, s := range starts {
		require.Equal(t, origStarts[i].Line, s.Line)
		// The trap carries no location, so the line still begins at the
		// propagated original instruction, 4 slots after the trap's
		// hook load.
		require.Equal(t, original.OpcodeAt(origStarts[i].Offset), instrumented.OpcodeAt(s.Offset))
		trapOffset := s.Offset - 4*bytecode.InstructionWidth
		require.Equal(t, op.LoadConst, instrumented.OpcodeAt(trapOffset))
	}

	// The line table spans exactly the rewritten stream
	units := 0
	table := instrumented.LineTable()
	for pos := 0; pos < len(table); {
		chunk, next, err := bytecode.ParseLineChunk(table, pos)
		require.NoError(t, err)
		units += chunk.Units
		pos = next
	}
	require.Equal(t, instrumented.InstructionCount(), units)
}

func TestInstrumentStackSize(t *testing.T) {
	original := buildStraightLineModule(t)
	instrumented, _, err := Instrument(original, bytecode.HookRef{}, testPath, "app")
	require.NoError(t, err)
	require.Equal(t, original.StackSize()+2, instrumented.StackSize())
}

func TestInstrumentLoopPreservesBehavior(t *testing.T) {
	original := buildLoopModule(t, 5)
	require.Equal(t, int64(15), runUnit(t, original))

	collector := coverage.NewCollector()
	ctx := collector.NewContext()
	instrumented, lines, err := Instrument(original, ctx.Hook(), testPath, "app")
	require.NoError(t, err)
	require.Equal(t, int64(15), runUnit(t, instrumented))

	// Lines 1..9: setup, iterator, loop header, 5 body lines, exit
	require.Equal(t, []int{1, 2, 3, 4, 5, 6, 7, 8, 9}, lines.Sorted())
	require.Equal(t, lines.Sorted(), ctx.Lines(testPath).Sorted())
}

func TestInstrumentGrowsBackwardJumpAcrossWidthThreshold(t *testing.T) {
	// 40 body lines keep the backward jump one byte wide before
	// instrumentation and push it past 255 instruction units after.
	original := buildLoopModule(t, 40)

	var backJumps int
	for offset := 0; offset < original.InstructionBytes(); offset += bytecode.InstructionWidth {
		if original.OpcodeAt(offset) == op.JumpBackward {
			backJumps++
			require.NotEqual(t, op.ExtendedArg, original.OpcodeAt(offset-bytecode.InstructionWidth))
		}
	}
	require.Equal(t, 1, backJumps)
	require.Equal(t, int64(120), runUnit(t, original))

	instrumented, lines, err := Instrument(original, bytecode.HookRef{}, testPath, "app")
	require.NoError(t, err)

	// The widened jump now carries an ExtendedArg prefix
	found := false
	for offset := 0; offset < instrumented.InstructionBytes(); offset += bytecode.InstructionWidth {
		if instrumented.OpcodeAt(offset) == op.JumpBackward {
			require.Equal(t, op.ExtendedArg, instrumented.OpcodeAt(offset-bytecode.InstructionWidth))
			found = true
		}
	}
	require.True(t, found)

	// The line table still spans the stream exactly, prefix insertions
	// included.
	units := 0
	table := instrumented.LineTable()
	for pos := 0; pos < len(table); {
		chunk, next, err := bytecode.ParseLineChunk(table, pos)
		require.NoError(t, err)
		units += chunk.Units
		pos = next
	}
	require.Equal(t, instrumented.InstructionCount(), units)

	// Behavior is unchanged and every line is observed
	collector := coverage.NewCollector()
	ctx := collector.NewContext()
	require.Equal(t, int64(120), runUnit(t, instrumented, vm.WithLineHook(ctx.Hook())))
	require.Equal(t, 44, lines.Count())
	require.Equal(t, lines.Sorted(), ctx.Lines(testPath).Sorted())
}

func TestInstrumentExceptionRegionPreserved(t *testing.T) {
	b := bytecode.NewBuilder(bytecode.BuilderParams{
		Name: "protected", Filename: testPath, Package: "app", IsModule: true, FirstLine: 1, StackSize: 2,
	})
	x := b.AddName("x")
	start := b.NewLabel()
	end := b.NewLabel()
	handler := b.NewLabel()

	b.SetLine(1)
	b.Emit(op.LoadConst, uint32(b.Constant(int64(1))))
	b.Emit(op.StoreGlobal, uint32(x))
	b.Bind(start)
	b.SetLine(2)
	b.Emit(op.LoadConst, uint32(b.Constant("boom")))
	b.Emit(op.Throw)
	b.Bind(end)
	b.Bind(handler)
	b.SetLine(3)
	b.Emit(op.ReturnValue)
	b.Protect(start, end, handler, 0)

	original, err := b.Build()
	require.NoError(t, err)
	require.Equal(t, "boom", runUnit(t, original))

	collector := coverage.NewCollector()
	ctx := collector.NewContext()
	instrumented, lines, err := Instrument(original, ctx.Hook(), testPath, "app")
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 3}, lines.Sorted())

	// The handler must resolve to the propagated instruction, not to the
	// trap injected ahead of it.
	entries, err := bytecode.ParseExceptionTable(instrumented.ExceptionTable())
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, op.ReturnValue, instrumented.OpcodeAt(entries[0].Handler))
	require.Equal(t, 0, entries[0].Depth)

	// Dispatch still reaches the handler with the raised value. Lines 1
	// and 2 execute normally; the handler is entered through dispatch,
	// which bypasses its trap.
	require.Equal(t, "boom", runUnit(t, instrumented))
	require.Equal(t, []int{1, 2}, ctx.Lines(testPath).Sorted())
}

func TestInstrumentSkipsReraiseLine(t *testing.T) {
	b := bytecode.NewBuilder(bytecode.BuilderParams{
		Name: "reraise", Filename: testPath, Package: "app", IsModule: true, FirstLine: 1, StackSize: 2,
	})
	start := b.NewLabel()
	end := b.NewLabel()
	handler := b.NewLabel()

	b.Bind(start)
	b.SetLine(1)
	b.Emit(op.LoadConst, uint32(b.Constant("kaboom")))
	b.Emit(op.Throw)
	b.Bind(end)
	b.Bind(handler)
	b.SetLine(2)
	b.Emit(op.Reraise)
	b.Protect(start, end, handler, 0)

	original, err := b.Build()
	require.NoError(t, err)

	instrumented, lines, err := Instrument(original, bytecode.HookRef{}, testPath, "app")
	require.NoError(t, err)

	// Line 2 is executable but the Reraise keeps its trap out: only the
	// hook and one descriptor were added.
	require.Equal(t, []int{1, 2}, lines.Sorted())
	require.Equal(t, original.ConstantCount()+2, instrumented.ConstantCount())

	// The exception still escapes both versions with the same value
	for _, code := range []*bytecode.Code{original, instrumented} {
		_, err := vm.New(code).Run(context.Background())
		var exc *vm.Exception
		require.ErrorAs(t, err, &exc)
		require.Equal(t, "kaboom", exc.Value)
	}
}

func TestInstrumentNestedUnits(t *testing.T) {
	child := bytecode.NewBuilder(bytecode.BuilderParams{
		Name: "f", Filename: testPath, Package: "app", FirstLine: 10, StackSize: 1,
	})
	child.SetLine(10)
	child.Emit(op.LoadConst, uint32(child.Constant(int64(7))))
	child.Emit(op.ReturnValue)
	childCode, err := child.Build()
	require.NoError(t, err)

	b := bytecode.NewBuilder(bytecode.BuilderParams{
		Name: "main", Filename: testPath, Package: "app", IsModule: true, FirstLine: 1, StackSize: 2,
	})
	f := b.AddName("f")
	b.SetLine(1)
	b.Emit(op.MakeFunction, uint32(b.Constant(childCode)))
	b.Emit(op.StoreGlobal, uint32(f))
	b.SetLine(2)
	b.Emit(op.LoadGlobal, uint32(f))
	b.Emit(op.Call, 0)
	b.Emit(op.ReturnValue)
	original, err := b.Build()
	require.NoError(t, err)
	require.Equal(t, int64(7), runUnit(t, original))

	collector := coverage.NewCollector()
	ctx := collector.NewContext()
	instrumented, lines, err := Instrument(original, ctx.Hook(), testPath, "app")
	require.NoError(t, err)

	// Module lines plus the nested unit's line
	require.Equal(t, []int{1, 2, 10}, lines.Sorted())

	// The nested constant was replaced by its instrumented form
	var rewrittenChild *bytecode.Code
	for i := 0; i < instrumented.ConstantCount(); i++ {
		if c, ok := instrumented.ConstantAt(i).(*bytecode.Code); ok {
			rewrittenChild = c
		}
	}
	require.NotNil(t, rewrittenChild)
	require.Greater(t, rewrittenChild.InstructionCount(), childCode.InstructionCount())

	require.Equal(t, int64(7), runUnit(t, instrumented))
	require.Equal(t, []int{1, 2, 10}, ctx.Lines(testPath).Sorted())
}

func TestInstrumentImportTracking(t *testing.T) {
	b := bytecode.NewBuilder(bytecode.BuilderParams{
		Name: "imports", Filename: testPath, Package: "app", IsModule: true, FirstLine: 1, StackSize: 3,
	})
	x := b.AddName("x")
	stringsName := b.AddName("strings")
	utilsName := b.AddName("utils")
	helperName := b.AddName("helper")
	depth := b.Constant(int64(0))
	fromlist := b.Constant(nil)

	b.SetLine(1)
	b.Emit(op.LoadConst, uint32(b.Constant(int64(1))))
	b.Emit(op.StoreGlobal, uint32(x))

	b.SetLine(2) // import strings
	b.Emit(op.LoadConst, uint32(depth))
	b.Emit(op.LoadConst, uint32(fromlist))
	b.Emit(op.ImportName, uint32(stringsName))
	b.Emit(op.StoreGlobal, uint32(stringsName))

	b.SetLine(3) // from utils import helper
	b.Emit(op.LoadConst, uint32(depth))
	b.Emit(op.LoadConst, uint32(fromlist))
	b.Emit(op.ImportName, uint32(utilsName))
	b.Emit(op.ImportFrom, uint32(helperName))
	b.Emit(op.StoreGlobal, uint32(helperName))
	b.Emit(op.PopTop)

	b.SetLine(4)
	b.Emit(op.Nil)
	b.Emit(op.ReturnValue)

	original, err := b.Build()
	require.NoError(t, err)

	collector := coverage.NewCollector()
	ctx := collector.NewContext()
	instrumented, lines, err := Instrument(original, ctx.Hook(), testPath, "app")
	require.NoError(t, err)
	require.Equal(t, []int{1, 2, 3, 4}, lines.Sorted())

	// Inspect the descriptors added to the constant pool
	deps := map[int]*bytecode.PackageDep{}
	for i := original.ConstantCount(); i < instrumented.ConstantCount(); i++ {
		if d, ok := instrumented.ConstantAt(i).(bytecode.LineDescriptor); ok {
			deps[d.Line] = d.Dep
		}
	}
	require.NotNil(t, deps[1])
	require.Equal(t, "app", deps[1].Package)
	require.Equal(t, []string{""}, deps[1].Imports) // module self dependency
	require.NotNil(t, deps[2])
	require.Equal(t, []string{"strings"}, deps[2].Imports)
	require.NotNil(t, deps[3])
	require.Equal(t, []string{"utils", "utils.helper"}, deps[3].Imports)
	require.Nil(t, deps[4])

	// Recorded dependencies reach the collector
	runUnit(t, instrumented)
	ctx.Close()
	recorded := collector.Dependencies()["app"]
	sort.Strings(recorded)
	require.Equal(t, []string{"", "strings", "utils", "utils.helper"}, recorded)
}

func TestInstrumentSkipsPrologue(t *testing.T) {
	b := bytecode.NewBuilder(bytecode.BuilderParams{
		Name: "prologue", Filename: testPath, Package: "app", IsModule: true, FirstLine: 1, StackSize: 1,
	})
	b.SetLine(1)
	b.Emit(op.Resume, 0)
	b.SetLine(2)
	b.Emit(op.Nil)
	b.Emit(op.ReturnValue)
	original, err := b.Build()
	require.NoError(t, err)

	instrumented, lines, err := Instrument(original, bytecode.HookRef{}, testPath, "app")
	require.NoError(t, err)

	// The prologue line is not counted or trapped; only line 2 is.
	require.Equal(t, []int{2}, lines.Sorted())
	require.Equal(t, original.ConstantCount()+2, instrumented.ConstantCount())
	require.Equal(t, op.Resume, instrumented.OpcodeAt(0))
}

func TestInstrumentMalformedUnits(t *testing.T) {
	t.Run("odd length", func(t *testing.T) {
		code := bytecode.NewCode(bytecode.CodeParams{
			Name:         "bad",
			Instructions: []byte{byte(op.Nil), 0, byte(op.ReturnValue)},
		})
		_, _, err := Instrument(code, bytecode.HookRef{}, testPath, "app")
		var ierr *Error
		require.ErrorAs(t, err, &ierr)
		require.Equal(t, "bad", ierr.Unit)
	})

	t.Run("dangling prefix", func(t *testing.T) {
		code := bytecode.NewCode(bytecode.CodeParams{
			Name:         "bad",
			Instructions: []byte{byte(op.Nil), 0, byte(op.ExtendedArg), 1},
		})
		_, _, err := Instrument(code, bytecode.HookRef{}, testPath, "app")
		require.Error(t, err)
	})

	t.Run("jump out of range", func(t *testing.T) {
		code := bytecode.NewCode(bytecode.CodeParams{
			Name:         "bad",
			Instructions: []byte{byte(op.JumpForward), 200, byte(op.ReturnValue), 0},
		})
		_, _, err := Instrument(code, bytecode.HookRef{}, testPath, "app")
		require.Error(t, err)
	})

	t.Run("bad exception table", func(t *testing.T) {
		code := bytecode.NewCode(bytecode.CodeParams{
			Name:           "bad",
			Instructions:   []byte{byte(op.Nil), 0, byte(op.ReturnValue), 0},
			ExceptionTable: []byte{0x80},
		})
		_, _, err := Instrument(code, bytecode.HookRef{}, testPath, "app")
		require.Error(t, err)
	})

	t.Run("exception offset out of range", func(t *testing.T) {
		table := bytecode.CompileExceptionTable([]bytecode.ExceptionTableEntry{
			{Start: 0, End: 0, Handler: 10},
		})
		code := bytecode.NewCode(bytecode.CodeParams{
			Name:           "bad",
			Instructions:   []byte{byte(op.Nil), 0, byte(op.ReturnValue), 0},
			ExceptionTable: table,
		})
		_, _, err := Instrument(code, bytecode.HookRef{}, testPath, "app")
		require.Error(t, err)
	})

	t.Run("import name out of range", func(t *testing.T) {
		code := bytecode.NewCode(bytecode.CodeParams{
			Name:      "bad",
			Constants: []any{int64(0), nil},
			Instructions: []byte{
				byte(op.LoadConst), 0,
				byte(op.LoadConst), 1,
				byte(op.ImportName), 5,
				byte(op.ReturnValue), 0,
			},
		})
		_, _, err := Instrument(code, bytecode.HookRef{}, testPath, "app")
		require.Error(t, err)
	})
}

func TestErrorFormatting(t *testing.T) {
	cause := errors.New("cause")
	err := &Error{Unit: "u", Path: "p.x", Offset: 4, Reason: "broken", Err: cause}
	require.Contains(t, err.Error(), `"u"`)
	require.Contains(t, err.Error(), "offset 4")
	require.ErrorIs(t, err, cause)

	err = &Error{Unit: "u", Path: "p.x", Offset: -1, Reason: "broken"}
	require.NotContains(t, err.Error(), "offset")
}

func TestBatchRun(t *testing.T) {
	good1 := buildStraightLineModule(t)
	good2 := buildLoopModule(t, 2)
	bad := bytecode.NewCode(bytecode.CodeParams{
		Name:         "bad",
		Instructions: []byte{byte(op.ExtendedArg), 1},
	})

	batch := NewBatch(bytecode.HookRef{}, WithConcurrency(2))
	results, err := batch.Run(context.Background(), []Target{
		{Code: good1, Path: testPath, Package: "app"},
		{Code: bad, Path: "src/bad.x", Package: "app"},
		{Code: good2, Path: testPath, Package: "app"},
	})

	// The malformed unit is reported but does not sink the batch
	require.Error(t, err)
	require.Len(t, results, 2)
	for _, r := range results {
		require.NotNil(t, r.Code)
		require.Greater(t, r.Lines.Count(), 0)
	}
}

func TestBatchRunAllGood(t *testing.T) {
	batch := NewBatch(bytecode.HookRef{})
	results, err := batch.Run(context.Background(), []Target{
		{Code: buildStraightLineModule(t), Path: testPath, Package: "app"},
	})
	require.NoError(t, err)
	require.Len(t, results, 1)
	require.Equal(t, []int{1, 2, 3}, results[0].Lines.Sorted())
}
