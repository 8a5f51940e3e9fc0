package migration

// orderOperations returns the execution order of ops as indexes into ops.
// Operations keep their list order except where views require otherwise:
//
//   - a create or alter of a view runs after every operation in ops that
//     creates something it depends on, and never ahead of a non-view
//     operation listed before it;
//   - a drop of a view runs before every operation in ops that drops or
//     renames away something it depends on;
//   - operations on the same view keep their relative order.
//
// before supplies the dependencies of existing views for drops; it may be nil.
func orderOperations(ops []Operation, before *Snapshot) ([]int, error) {
	n := len(ops)
	edges := make([][]bool, n)
	for i := range edges {
		edges[i] = make([]bool, n)
	}
	edge := func(from, to int) {
		if from != to {
			edges[from][to] = true
		}
	}

	lastPlain := -1
	for i, op := range ops {
		switch op.(type) {
		case CreateView, AlterView, DropView:
			name := viewOf(op).Name
			for j := 0; j < i; j++ {
				if isViewOp(ops[j]) && key(viewOf(ops[j]).Name) == key(name) {
					edge(j, i)
				}
			}
		default:
			if lastPlain >= 0 {
				edge(lastPlain, i)
			}
			lastPlain = i
		}

		switch o := op.(type) {
		case CreateView, AlterView:
			if lastPlain >= 0 {
				edge(lastPlain, i)
			}
			for _, dep := range viewOf(o).DependsOn {
				for j, other := range ops {
					if creates(other, dep) {
						edge(j, i)
					}
				}
			}
		case DropView:
			deps := o.View.DependsOn
			if before != nil {
				if cur, ok := before.View(o.View.Name); ok {
					deps = append(append([]string(nil), deps...), cur.DependsOn...)
				}
			}
			for _, dep := range deps {
				for j, other := range ops {
					if removes(other, dep) {
						edge(i, j)
					}
				}
			}
		}
	}

	return topoSort(ops, edges)
}

func isViewOp(op Operation) bool {
	switch op.(type) {
	case CreateView, AlterView, DropView:
		return true
	}
	return false
}

// creates reports whether op makes a table or view called name exist.
func creates(op Operation, name string) bool {
	switch o := op.(type) {
	case CreateTable:
		return key(o.Table.Name) == key(name)
	case RenameTable:
		return key(o.To) == key(name)
	case CreateView:
		return key(o.View.Name) == key(name)
	case AlterView:
		return key(o.View.Name) == key(name)
	}
	return false
}

// removes reports whether op makes a table or view called name disappear.
func removes(op Operation, name string) bool {
	switch o := op.(type) {
	case DropTable:
		return key(o.Table.Name) == key(name)
	case RenameTable:
		return key(o.From) == key(name) && key(o.To) != key(name)
	case DropView:
		return key(o.View.Name) == key(name)
	}
	return false
}

func viewOf(op Operation) ViewDef {
	switch o := op.(type) {
	case CreateView:
		return o.View
	case AlterView:
		return o.View
	case DropView:
		return o.View
	}
	return ViewDef{}
}

// topoSort orders ops so that every edge from i to j puts i before j. Among
// operations that are ready at the same time the earliest listed wins, so an
// already valid order is left untouched.
func topoSort(ops []Operation, edges [][]bool) ([]int, error) {
	n := len(ops)
	indegree := make([]int, n)
	for i := range edges {
		for j, ok := range edges[i] {
			if ok {
				indegree[j]++
			}
		}
	}

	out := make([]int, 0, n)
	done := make([]bool, n)
	for len(out) < n {
		next := -1
		for i := 0; i < n; i++ {
			if !done[i] && indegree[i] == 0 {
				next = i
				break
			}
		}
		if next < 0 {
			var cycle []string
			for i := 0; i < n; i++ {
				if !done[i] && isViewOp(ops[i]) {
					cycle = append(cycle, viewOf(ops[i]).Name)
				}
			}
			return nil, &CyclicViewDependencyError{Views: cycle}
		}
		done[next] = true
		out = append(out, next)
		for j, ok := range edges[next] {
			if ok {
				indegree[j]--
			}
		}
	}
	return out, nil
}
