package bytecode

import "fmt"

// HookRef marks a constant-pool slot that holds the line hook. A serialized
// unit cannot embed a live callable, so instrumented units carry this
// placeholder and the executor binds it to the real hook at run time.
type HookRef struct{}

// PackageDep tags a line descriptor with the package dependency introduced
// by an import statement on that line. Build-graph collaborators use it to
// relate covered lines to imported modules.
type PackageDep struct {
	Package string
	Imports []string
}

// LineDescriptor is the per-callsite argument passed to the line hook. One
// descriptor is added to the constant pool for every injected trap call.
type LineDescriptor struct {
	Line int
	Path string
	Dep  *PackageDep
}

// String returns a compact representation used by disassembly output.
func (d LineDescriptor) String() string {
	if d.Dep != nil {
		return fmt.Sprintf("line %d %s dep=%s", d.Line, d.Path, d.Dep.Package)
	}
	return fmt.Sprintf("line %d %s", d.Line, d.Path)
}
