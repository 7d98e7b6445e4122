package rendergraph

type mark uint8

const (
	unmarked mark = iota
	inProgress
	done
)

// topologicalSort orders passes so that every pass comes after the passes
// it depends on. It runs a depth first search from each pass into the passes
// depending on it; a pass met again while still in progress closes a cycle.
// The returned slice holds indices into passes.
func topologicalSort(passes []*Pass) ([]int, error) {
	marks := make([]mark, len(passes))
	postOrder := make([]int, 0, len(passes))
	stack := make([]int, 0, len(passes))

	var visit func(i int) error
	visit = func(i int) error {
		switch marks[i] {
		case done:
			return nil
		case inProgress:
			return cycleFrom(passes, stack, i)
		}

		marks[i] = inProgress
		stack = append(stack, i)
		for j, other := range passes {
			if j == i || !other.IsDependingOn(passes[i]) {
				continue
			}
			if err := visit(j); err != nil {
				return err
			}
		}
		stack = stack[:len(stack)-1]
		marks[i] = done
		postOrder = append(postOrder, i)
		return nil
	}

	for i := range passes {
		if marks[i] == unmarked {
			if err := visit(i); err != nil {
				return nil, err
			}
		}
	}

	// post order lists dependents first
	order := make([]int, len(postOrder))
	for i, idx := range postOrder {
		order[len(postOrder)-1-i] = idx
	}
	return order, nil
}

func cycleFrom(passes []*Pass, stack []int, closing int) error {
	names := []string{}
	started := false
	for _, idx := range stack {
		if idx == closing {
			started = true
		}
		if started {
			names = append(names, passes[idx].name)
		}
	}
	names = append(names, passes[closing].name)
	return &CycleError{Passes: names}
}

// reorderForOverlap reshuffles a valid order so that consecutive passes
// depend on each other as little as possible, which lets the GPU overlap
// their execution. At each step it picks, among the passes whose
// dependencies are all placed, the one that is independent of the longest
// run of passes at the end of the placed sequence. Ties keep the earliest
// candidate.
func reorderForOverlap(passes []*Pass, order []int) []int {
	if len(order) < 3 {
		return order
	}

	remaining := append([]int(nil), order...)
	placed := make([]int, 0, len(order))
	placed = append(placed, remaining[0])
	remaining = remaining[1:]

	for len(remaining) > 0 {
		best := -1
		bestOverlap := -1

		for i, candidate := range remaining {
			if dependsOnAny(passes[candidate], passes, remaining[:i]) {
				continue
			}

			overlap := 0
			for k := len(placed) - 1; k >= 0; k-- {
				if passes[candidate].IsDependingOn(passes[placed[k]]) {
					break
				}
				overlap++
			}

			if overlap > bestOverlap {
				best = i
				bestOverlap = overlap
			}
			if overlap == len(placed) {
				break
			}
		}

		placed = append(placed, remaining[best])
		remaining = append(remaining[:best], remaining[best+1:]...)
	}
	return placed
}

func dependsOnAny(p *Pass, passes []*Pass, indices []int) bool {
	for _, idx := range indices {
		if p.IsDependingOn(passes[idx]) {
			return true
		}
	}
	return false
}
