package assign

import (
	"math"
	"math/rand"
	"testing"

	"go.viam.com/test"
)

func bruteForceMin(cost [][]float64) float64 {
	n := len(cost)
	perm := make([]int, n)
	for i := range perm {
		perm[i] = i
	}
	best := math.Inf(1)
	var rec func(k int)
	rec = func(k int) {
		if k == n {
			s := 0.0
			for i, j := range perm {
				s += cost[i][j]
			}
			if s < best {
				best = s
			}
			return
		}
		for i := k; i < n; i++ {
			perm[k], perm[i] = perm[i], perm[k]
			rec(k + 1)
			perm[k], perm[i] = perm[i], perm[k]
		}
	}
	rec(0)
	return best
}

func TestJVOptimal(t *testing.T) {
	r := rand.New(rand.NewSource(7))
	for trial := 0; trial < 50; trial++ {
		n := 1 + r.Intn(6)
		cost := make([][]float64, n)
		for i := range cost {
			cost[i] = make([]float64, n)
			for j := range cost[i] {
				cost[i][j] = r.Float64()
			}
		}
		rowsol, err := JV{}.Solve(cost)
		test.That(t, err, test.ShouldBeNil)

		seen := map[int]bool{}
		total := 0.0
		for i, j := range rowsol {
			test.That(t, seen[j], test.ShouldBeFalse)
			seen[j] = true
			total += cost[i][j]
		}
		test.That(t, total, test.ShouldAlmostEqual, bruteForceMin(cost), 1e-9)
	}
}

func TestJVRejectsNonSquare(t *testing.T) {
	_, err := JV{}.Solve([][]float64{{1, 2}})
	test.That(t, err, test.ShouldNotBeNil)
}

func TestLinearUniqueOptimum(t *testing.T) {
	cost := [][]float64{
		{0.1, 0.9},
		{0.9, 0.2},
	}
	for _, s := range []Solver{JV{}, Munkres{}} {
		res, err := LinearWith(s, cost, 2, 2, 0.8)
		test.That(t, err, test.ShouldBeNil)
		test.That(t, res.Matches, test.ShouldResemble, [][2]int{{0, 0}, {1, 1}})
		test.That(t, res.UnmatchedRows, test.ShouldBeEmpty)
		test.That(t, res.UnmatchedCols, test.ShouldBeEmpty)
	}
}

func TestLinearThreshold(t *testing.T) {
	r := rand.New(rand.NewSource(42))
	for trial := 0; trial < 100; trial++ {
		rows, cols := 1+r.Intn(5), 1+r.Intn(5)
		cost := make([][]float64, rows)
		for i := range cost {
			cost[i] = make([]float64, cols)
			for j := range cost[i] {
				cost[i][j] = r.Float64()
			}
		}
		thresh := 0.2 + 0.6*r.Float64()
		res := Linear(cost, rows, cols, thresh)

		test.That(t, len(res.Matches)+len(res.UnmatchedRows), test.ShouldEqual, rows)
		test.That(t, len(res.Matches)+len(res.UnmatchedCols), test.ShouldEqual, cols)
		rowsSeen, colsSeen := map[int]bool{}, map[int]bool{}
		for _, m := range res.Matches {
			test.That(t, cost[m[0]][m[1]], test.ShouldBeLessThanOrEqualTo, thresh)
			test.That(t, rowsSeen[m[0]], test.ShouldBeFalse)
			test.That(t, colsSeen[m[1]], test.ShouldBeFalse)
			rowsSeen[m[0]], colsSeen[m[1]] = true, true
		}
	}
}

func TestLinearAllAboveThreshold(t *testing.T) {
	cost := [][]float64{{0.95, 0.99}, {0.97, 0.92}, {0.91, 0.93}}
	res := Linear(cost, 3, 2, 0.8)
	test.That(t, res.Matches, test.ShouldBeEmpty)
	test.That(t, res.UnmatchedRows, test.ShouldResemble, []int{0, 1, 2})
	test.That(t, res.UnmatchedCols, test.ShouldResemble, []int{0, 1})
}

func TestLinearEmpty(t *testing.T) {
	res := Linear(nil, 0, 3, 0.5)
	test.That(t, res.Matches, test.ShouldBeEmpty)
	test.That(t, res.UnmatchedRows, test.ShouldBeEmpty)
	test.That(t, res.UnmatchedCols, test.ShouldResemble, []int{0, 1, 2})

	res = Linear([][]float64{}, 2, 0, 0.5)
	test.That(t, res.UnmatchedRows, test.ShouldResemble, []int{0, 1})
	test.That(t, res.UnmatchedCols, test.ShouldBeEmpty)
}

func TestLinearInfiniteThreshold(t *testing.T) {
	cost := [][]float64{{5, 1}, {1, 5}, {3, 3}}
	res := Linear(cost, 3, 2, math.Inf(1))
	test.That(t, res.Matches, test.ShouldResemble, [][2]int{{0, 1}, {1, 0}})
	test.That(t, res.UnmatchedRows, test.ShouldResemble, []int{2})
}

func TestSolverByName(t *testing.T) {
	s, err := SolverByName("munkres")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, s, test.ShouldHaveSameTypeAs, Munkres{})
	s, err = SolverByName("")
	test.That(t, err, test.ShouldBeNil)
	test.That(t, s, test.ShouldHaveSameTypeAs, JV{})
	_, err = SolverByName("greedy")
	test.That(t, err, test.ShouldNotBeNil)
}
