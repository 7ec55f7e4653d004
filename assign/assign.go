// Package assign solves the rectangular linear assignment problem used to associate
// tracks with detections.
package assign

import (
	"math"

	hg "github.com/charles-haynes/munkres"
	"github.com/pkg/errors"
)

// Result holds the accepted row/col pairs and everything left unmatched, in index order.
type Result struct {
	Matches       [][2]int
	UnmatchedRows []int
	UnmatchedCols []int
}

// Solver finds a minimum-cost perfect assignment of a square matrix.
// It returns rowsol where rowsol[i] is the column assigned to row i.
type Solver interface {
	Solve(cost [][]float64) ([]int, error)
}

// JV is the shortest augmenting path solver with row and column potentials.
type JV struct{}

// Munkres delegates to github.com/charles-haynes/munkres.
type Munkres struct{}

// SolverByName maps a configuration value to a Solver.
func SolverByName(name string) (Solver, error) {
	switch name {
	case "", "jv", "lapjv":
		return JV{}, nil
	case "munkres", "hungarian":
		return Munkres{}, nil
	default:
		return nil, errors.Errorf("unknown assignment solver %q", name)
	}
}

// Linear gates and solves a rows x cols cost matrix with the default solver.
func Linear(cost [][]float64, rows, cols int, thresh float64) Result {
	res, err := LinearWith(JV{}, cost, rows, cols, thresh)
	if err != nil {
		// JV never fails on a square finite matrix.
		return unmatchedAll(rows, cols)
	}
	return res
}

// LinearWith extends the matrix to (rows+cols) square, filling the padding with thresh/2
// (or max+1 when thresh is not finite) and the dummy-to-dummy block with 0, then keeps only
// the assignments that stay inside the original matrix. A pair is therefore matched only when
// its cost beats sending both sides to padding.
func LinearWith(s Solver, cost [][]float64, rows, cols int, thresh float64) (Result, error) {
	if rows == 0 || cols == 0 || len(cost) == 0 {
		return unmatchedAll(rows, cols), nil
	}

	pad := thresh / 2
	if math.IsInf(thresh, 0) || math.IsNaN(thresh) {
		max := math.Inf(-1)
		for _, row := range cost {
			for _, c := range row {
				if c > max {
					max = c
				}
			}
		}
		pad = max + 1
	}

	n := rows + cols
	ext := make([][]float64, n)
	for i := range ext {
		ext[i] = make([]float64, n)
		for j := range ext[i] {
			switch {
			case i < rows && j < cols:
				ext[i][j] = cost[i][j]
			case i >= rows && j >= cols:
				ext[i][j] = 0
			default:
				ext[i][j] = pad
			}
		}
	}

	rowsol, err := s.Solve(ext)
	if err != nil {
		return Result{}, err
	}

	var res Result
	colUsed := make([]bool, cols)
	for i := 0; i < rows; i++ {
		j := rowsol[i]
		if j >= 0 && j < cols && (math.IsInf(thresh, 0) || cost[i][j] <= thresh) {
			res.Matches = append(res.Matches, [2]int{i, j})
			colUsed[j] = true
		} else {
			res.UnmatchedRows = append(res.UnmatchedRows, i)
		}
	}
	for j := 0; j < cols; j++ {
		if !colUsed[j] {
			res.UnmatchedCols = append(res.UnmatchedCols, j)
		}
	}
	return res, nil
}

func unmatchedAll(rows, cols int) Result {
	var res Result
	for i := 0; i < rows; i++ {
		res.UnmatchedRows = append(res.UnmatchedRows, i)
	}
	for j := 0; j < cols; j++ {
		res.UnmatchedCols = append(res.UnmatchedCols, j)
	}
	return res
}

// Solve implements Solver.
func (JV) Solve(cost [][]float64) ([]int, error) {
	n := len(cost)
	if n == 0 {
		return nil, nil
	}
	for _, row := range cost {
		if len(row) != n {
			return nil, errors.Errorf("cost matrix must be square, got %dx%d", n, len(row))
		}
	}
	const inf = math.MaxFloat64 / 2

	// 1-indexed; column 0 is the virtual start of each augmenting path.
	u := make([]float64, n+1)
	v := make([]float64, n+1)
	p := make([]int, n+1)
	way := make([]int, n+1)
	minv := make([]float64, n+1)
	used := make([]bool, n+1)

	for i := 1; i <= n; i++ {
		p[0] = i
		j0 := 0
		for j := 1; j <= n; j++ {
			minv[j] = inf
			used[j] = false
		}
		for {
			used[j0] = true
			i0 := p[j0]
			delta := inf
			j1 := -1
			for j := 1; j <= n; j++ {
				if used[j] {
					continue
				}
				cur := cost[i0-1][j-1] - u[i0] - v[j]
				if cur < minv[j] {
					minv[j] = cur
					way[j] = j0
				}
				if minv[j] < delta {
					delta = minv[j]
					j1 = j
				}
			}
			if j1 < 0 {
				return nil, errors.New("no augmenting path, cost matrix has non-finite entries")
			}
			for j := 0; j <= n; j++ {
				if used[j] {
					u[p[j]] += delta
					v[j] -= delta
				} else {
					minv[j] -= delta
				}
			}
			j0 = j1
			if p[j0] == 0 {
				break
			}
		}
		for j0 != 0 {
			j1 := way[j0]
			p[j0] = p[j1]
			j0 = j1
		}
	}

	rowsol := make([]int, n)
	for j := 1; j <= n; j++ {
		if p[j] > 0 {
			rowsol[p[j]-1] = j - 1
		}
	}
	return rowsol, nil
}

// Solve implements Solver.
func (Munkres) Solve(cost [][]float64) ([]int, error) {
	if len(cost) == 0 {
		return nil, nil
	}
	// the library may mutate its input
	c := make([][]float64, len(cost))
	for i, row := range cost {
		c[i] = append([]float64(nil), row...)
	}
	ha, err := hg.NewHungarianAlgorithm(c)
	if err != nil {
		return nil, errors.Wrap(err, "munkres")
	}
	return ha.Execute(), nil
}
