package instrument

import (
	"strings"

	"github.com/deepnoodle-ai/linecov/bytecode"
	"github.com/deepnoodle-ai/linecov/coverage"
	"github.com/deepnoodle-ai/linecov/op"
)

// maxFixupPasses bounds the branch fixup loop. Convergence is guaranteed
// because prefix insertions only ever grow offsets and each pass can widen a
// branch by at most one operand byte, so exceeding the bound is an internal
// invariant violation, not an input condition.
const maxFixupPasses = 8

// Instrument rewrites a code unit so that the line hook is invoked the first
// time control reaches each source line, and reports the unit's statically
// reachable lines. Nested units found in the constant pool are instrumented
// recursively and their lines are included in the result.
//
// hook is placed in the constant pool and must be something the executor can
// call with one bytecode.LineDescriptor argument, or the bytecode.HookRef
// placeholder for units that will be serialized. path names the source file
// the descriptors refer to and pkg is the unit's package for import
// dependency tagging.
//
// The input is never modified. The rewritten unit preserves the observable
// behavior of the original aside from the hook invocations themselves.
func Instrument(code *bytecode.Code, hook any, path string, pkg string) (*bytecode.Code, *coverage.Lines, error) {
	insns := code.Instructions()
	if len(insns)%bytecode.InstructionWidth != 0 {
		return nil, nil, errorf(code.Name(), path, -1, "odd instruction stream length %d", len(insns))
	}

	excEntries, err := bytecode.ParseExceptionTable(code.ExceptionTable())
	if err != nil {
		return nil, nil, &Error{Unit: code.Name(), Path: path, Offset: -1, Reason: "bad exception table", Err: err}
	}
	excOffsets := map[int]struct{}{}
	for _, e := range excEntries {
		for _, offset := range []int{e.Start, e.End, e.Handler} {
			if offset < 0 || offset >= len(insns) {
				return nil, nil, errorf(code.Name(), path, offset, "exception table offset out of range")
			}
			excOffsets[offset] = struct{}{}
		}
	}

	starts, err := bytecode.LineStarts(code.LineTable(), code.FirstLine())
	if err != nil {
		return nil, nil, &Error{Unit: code.Name(), Path: path, Offset: -1, Reason: "bad line table", Err: err}
	}
	lineStarts := make(map[int]int, len(starts))
	for _, s := range starts {
		lineStarts[s.Offset] = s.Line
	}

	// The prologue must stay first: nothing is injected at or before Resume.
	resumeOffset := noOffset
	for offset := 0; offset < len(insns); offset += bytecode.InstructionWidth {
		if op.Code(insns[offset]) == op.Resume {
			resumeOffset = offset
			break
		}
	}

	newConsts := make([]any, code.ConstantCount(), code.ConstantCount()+1)
	for i := range newConsts {
		newConsts[i] = code.ConstantAt(i)
	}
	hookIndex := len(newConsts)
	newConsts = append(newConsts, hook)

	seen := coverage.NewLines()

	type jumpRec struct {
		instr     *instruction
		endOrig   int
		startOrig int
	}

	var out []*instruction
	var jumps []jumpRec
	traps := map[int]int{}              // original offset -> injected slots
	lineMap := map[int]*instruction{}   // original line start -> first trap slot
	var ext []byte                      // pending ExtendedArg chunks
	var curArg, prevArg, prevPrev int   // operand history for import tracking
	var curImportName string            // active "import x" name
	lastDescIndex := -1                 // constant index of the latest descriptor

	for offset := 0; offset < len(insns); offset += bytecode.InstructionWidth {
		opcode := op.Code(insns[offset])
		argByte := insns[offset+1]

		if line, isStart := lineStarts[offset]; isStart && offset > resumeOffset {
			if !op.NoTrapBefore(opcode) {
				// Inject the trap call ahead of the line's first instruction
				// and remember its size for the line table rebuild.
				var dep *bytecode.PackageDep
				if code.IsModule() && len(newConsts) == code.ConstantCount()+1 {
					// First executable line of a module: mark the module as
					// depending on its own package.
					dep = &bytecode.PackageDep{Package: pkg, Imports: []string{""}}
				}
				descIndex := len(newConsts)
				newConsts = append(newConsts, bytecode.LineDescriptor{Line: line, Path: path, Dep: dep})
				trapInstrs := trapCall(hookIndex, descIndex)
				traps[offset] = len(trapInstrs)
				out = append(out, trapInstrs...)
				lineMap[offset] = trapInstrs[0]
				lastDescIndex = descIndex
			}
			seen.Add(line)
		}

		in := &instruction{offset: offset, opcode: opcode, arg: argByte}
		out = append(out, in)

		if opcode == op.ExtendedArg {
			ext = append(ext, argByte)
			continue
		}
		prevPrev = prevArg
		prevArg = curArg
		curArg = 0
		for _, b := range ext {
			curArg = curArg<<8 | int(b)
		}
		curArg = curArg<<8 | int(argByte)
		ext = ext[:0]

		switch opcode {
		case op.ImportName:
			if curArg >= code.NameCount() {
				return nil, nil, errorf(code.Name(), path, offset, "import name index %d out of range", curArg)
			}
			depth, ok := importDepth(newConsts, prevPrev)
			if !ok {
				return nil, nil, errorf(code.Name(), path, offset, "import depth constant missing")
			}
			curImportName = code.NameAt(curArg)
			importPkg := pkg
			if depth > 1 {
				// Relative import of a parent package: trim one component
				// per level above the first.
				parts := strings.Split(pkg, ".")
				keep := len(parts) - (depth - 1)
				if keep < 0 {
					keep = 0
				}
				importPkg = strings.Join(parts[:keep], ".")
			}
			if lastDescIndex >= 0 {
				desc := newConsts[lastDescIndex].(bytecode.LineDescriptor)
				desc.Dep = &bytecode.PackageDep{Package: importPkg, Imports: []string{curImportName}}
				newConsts[lastDescIndex] = desc
			}
		case op.ImportFrom:
			// The "from" target may itself be a module; extend the previous
			// import names since the package has not changed.
			if curArg >= code.NameCount() {
				return nil, nil, errorf(code.Name(), path, offset, "import name index %d out of range", curArg)
			}
			if lastDescIndex >= 0 {
				desc := newConsts[lastDescIndex].(bytecode.LineDescriptor)
				if desc.Dep != nil {
					dep := &bytecode.PackageDep{
						Package: desc.Dep.Package,
						Imports: append(append([]string{}, desc.Dep.Imports...), curImportName+"."+code.NameAt(curArg)),
					}
					desc.Dep = dep
					newConsts[lastDescIndex] = desc
				}
			}
		}

		if dir, isJump := op.Direction(opcode); isJump {
			endOrig := offset + bytecode.InstructionWidth + (curArg<<1)*int(dir)
			if endOrig < 0 || endOrig >= len(insns) {
				return nil, nil, errorf(code.Name(), path, offset, "jump target %d out of range", endOrig)
			}
			jumps = append(jumps, jumpRec{instr: in, endOrig: endOrig, startOrig: offset})
		}
	}
	if len(ext) > 0 {
		return nil, nil, errorf(code.Name(), path, len(insns), "dangling prefix instruction")
	}

	// Offsets that must survive as addressable instruction starts: jump
	// targets and exception table boundaries.
	targetOffsets := map[int]struct{}{}
	for offset := range excOffsets {
		targetOffsets[offset] = struct{}{}
	}
	for _, j := range jumps {
		targetOffsets[j.endOrig] = struct{}{}
	}

	// Reassign offsets and map the surviving original offsets to their new
	// positions. Exception boundaries resolve to the propagated original
	// instruction, never to an injected trap.
	offsetMap := map[int]int{}
	for index, in := range out {
		newOffset := index * bytecode.InstructionWidth
		if in.offset != noOffset {
			if _, ok := targetOffsets[in.offset]; ok {
				offsetMap[in.offset] = newOffset
			}
		}
		in.offset = newOffset
	}

	// Build branches. A jump that lands on the start of a line is redirected
	// to the beginning of that line's trap call so the line is recorded.
	branches := make([]*branch, 0, len(jumps))
	for _, j := range jumps {
		newEnd, ok := offsetMap[j.endOrig]
		if !ok {
			return nil, nil, errorf(code.Name(), path, j.startOrig, "unresolved jump target %d", j.endOrig)
		}
		target := out[newEnd/bytecode.InstructionWidth]
		if trap, ok := lineMap[j.endOrig]; ok {
			target = trap
		}
		br := &branch{start: j.instr, end: target}
		target.targets = append(target.targets, br)
		branches = append(branches, br)
	}

	// Resolve exception entries to instruction references so they follow
	// further layout changes.
	type excRef struct {
		start, end, handler *instruction
		depth               int
	}
	excRefs := make([]excRef, len(excEntries))
	for i, e := range excEntries {
		excRefs[i] = excRef{
			start:   out[offsetMap[e.Start]/bytecode.InstructionWidth],
			end:     out[offsetMap[e.End]/bytecode.InstructionWidth],
			handler: out[offsetMap[e.Handler]/bytecode.InstructionWidth],
			depth:   e.Depth,
		}
	}

	// Branch fixup: resolve operands, adding ExtendedArg prefixes when a
	// distance outgrows its encoding. An insertion shifts everything after
	// it, which can push other branches over their own width threshold, so
	// iterate to a fixed point.
	type extRun struct {
		instr *instruction
		units int
	}
	var exts []extRun
	passes := 0
	for {
		passes++
		if passes > maxFixupPasses {
			return nil, nil, errorf(code.Name(), path, -1, "branch fixup did not converge after %d passes", maxFixupPasses)
		}
		grown := false
		for _, br := range branches {
			jumpInstr := br.start
			newArg := br.arg()
			jumpInstr.arg = byte(newArg & 0xFF)
			newArg >>= 8
			inserted := 0
			index := jumpInstr.offset / bytecode.InstructionWidth
			var extInstr *instruction
			for newArg > 0 {
				if index > 0 && out[index-1].opcode == op.ExtendedArg {
					// Reuse an existing prefix slot
					index--
					out[index].arg = byte(newArg & 0xFF)
				} else {
					extInstr = &instruction{offset: index * bytecode.InstructionWidth, opcode: op.ExtendedArg, arg: byte(newArg & 0xFF)}
					out = append(out, nil)
					copy(out[index+1:], out[index:])
					out[index] = extInstr
					inserted++
					// The first slot of this jump's encoding moved: any
					// branch or redirect that targeted the old first slot
					// must now target the new prefix.
					head := out[index+1]
					if len(head.targets) > 0 {
						for _, t := range head.targets {
							t.end = extInstr
						}
						extInstr.targets = append(extInstr.targets, head.targets...)
						head.targets = nil
					}
				}
				newArg >>= 8
			}
			if inserted > 0 {
				exts = append(exts, extRun{instr: extInstr, units: inserted})
				for i := index + 1; i < len(out); i++ {
					out[i].offset = i * bytecode.InstructionWidth
				}
				grown = true
			}
		}
		if !grown {
			break
		}
	}

	// Emit the final instruction stream.
	newCode := make([]byte, 0, len(out)*bytecode.InstructionWidth)
	for _, in := range out {
		newCode = append(newCode, byte(in.opcode), in.arg)
	}

	// Rebuild the exception table from the now-stable positions.
	newExcEntries := make([]bytecode.ExceptionTableEntry, len(excRefs))
	for i, e := range excRefs {
		newExcEntries[i] = bytecode.ExceptionTableEntry{
			Start:   e.start.offset,
			End:     e.end.offset,
			Handler: e.handler.offset,
			Depth:   e.depth,
		}
	}

	// Rebuild the line table, inserting no-line runs for the injected traps
	// and widening runs over the inserted prefixes.
	extRuns := make([]prefixRun, len(exts))
	for i, e := range exts {
		extRuns[i] = prefixRun{offset: e.instr.offset, units: e.units}
	}
	newLineTable, err := rebuildLineTable(code.LineTable(), traps, extRuns)
	if err != nil {
		return nil, nil, &Error{Unit: code.Name(), Path: path, Offset: -1, Reason: "line table rebuild failed", Err: err}
	}

	// Instrument nested units recursively.
	for i := 0; i < code.ConstantCount(); i++ {
		if child, ok := newConsts[i].(*bytecode.Code); ok {
			newChild, childLines, err := Instrument(child, hook, path, pkg)
			if err != nil {
				return nil, nil, err
			}
			newConsts[i] = newChild
			seen.Merge(childLines)
		}
	}

	names := make([]string, code.NameCount())
	for i := range names {
		names[i] = code.NameAt(i)
	}

	rewritten := bytecode.NewCode(bytecode.CodeParams{
		Name:           code.Name(),
		Filename:       code.Filename(),
		Package:        code.Package(),
		IsModule:       code.IsModule(),
		Instructions:   newCode,
		Constants:      newConsts,
		Names:          names,
		LineTable:      newLineTable,
		FirstLine:      code.FirstLine(),
		ExceptionTable: bytecode.CompileExceptionTable(newExcEntries),
		StackSize:      code.StackSize() + trapStackCost,
	})
	return rewritten, seen, nil
}

// importDepth reads the relative import depth constant referenced two
// operands before an ImportName instruction.
func importDepth(consts []any, index int) (int, bool) {
	if index < 0 || index >= len(consts) {
		return 0, false
	}
	switch v := consts[index].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	default:
		return 0, false
	}
}
