package profiler

// Category tags a timing sample with the phase of work it measures.
type Category string

// The engine's profiling buckets. Layout is split by phase so a slow
// reflow can be attributed to style recalc, box construction, constraint
// solving or display list build rather than "layout".
const (
	CatScriptRun    Category = "script.run"
	CatStyleRecalc  Category = "layout.style"
	CatBoxBuild     Category = "layout.box-build"
	CatLayoutSolve  Category = "layout.solve"
	CatDisplayBuild Category = "layout.display-list"
	CatImageDecode  Category = "image.decode"
	CatFetch        Category = "resource.fetch"
	CatCompositing  Category = "compositor.frame"
)

// Categories lists every bucket in report order.
func Categories() []Category {
	return []Category{
		CatScriptRun,
		CatStyleRecalc,
		CatBoxBuild,
		CatLayoutSolve,
		CatDisplayBuild,
		CatImageDecode,
		CatFetch,
		CatCompositing,
	}
}

func (c Category) String() string { return string(c) }
