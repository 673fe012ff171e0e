package problem

import (
	"context"
	"errors"
	"math/rand"
	"sync"
)

// Difficulty bands.
const (
	DifficultyEasy   = "easy"
	DifficultyMedium = "medium"
	DifficultyHard   = "hard"
)

// ErrNoProblem is returned when the catalog has nothing for a band.
var ErrNoProblem = errors.New("no problem available")

// TestCase is one input/output pair for the judging sandbox.
type TestCase struct {
	Input    string `json:"input"`
	Expected string `json:"expected"`
}

// Problem describes one duel problem: the visible cases drive test runs, the
// full suite (visible + hidden) decides submissions.
type Problem struct {
	ID                 string
	Title              string
	Signature          string
	Difficulty         string
	VisibleCases       []TestCase
	HiddenCases        []TestCase
	ExpectedComplexity string
}

// FullSuite returns visible plus hidden cases.
func (p *Problem) FullSuite() []TestCase {
	suite := make([]TestCase, 0, len(p.VisibleCases)+len(p.HiddenCases))
	suite = append(suite, p.VisibleCases...)
	suite = append(suite, p.HiddenCases...)
	return suite
}

// Selector picks a problem for a match.
type Selector interface {
	Pick(ctx context.Context, avgRating int) (*Problem, error)
	Get(ctx context.Context, id string) (*Problem, error)
}

// BandThresholds maps average rating to difficulty. Product policy, not a
// correctness contract, so it stays configurable.
type BandThresholds struct {
	MediumAt int
	HardAt   int
}

// Catalog is an in-memory problem source with rating-banded selection.
type Catalog struct {
	mu     sync.RWMutex
	byID   map[string]*Problem
	byBand map[string][]*Problem
	bands  BandThresholds
}

// NewCatalog builds a catalog from a problem list.
func NewCatalog(problems []Problem, bands BandThresholds) *Catalog {
	if bands.MediumAt <= 0 {
		bands.MediumAt = 1100
	}
	if bands.HardAt <= 0 {
		bands.HardAt = 1500
	}
	c := &Catalog{
		byID:   make(map[string]*Problem),
		byBand: make(map[string][]*Problem),
		bands:  bands,
	}
	for i := range problems {
		p := &problems[i]
		c.byID[p.ID] = p
		c.byBand[p.Difficulty] = append(c.byBand[p.Difficulty], p)
	}
	return c
}

// Pick selects a random problem whose difficulty matches the players' average
// rating band, falling back to easier bands when a band is empty.
func (c *Catalog) Pick(ctx context.Context, avgRating int) (*Problem, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	order := []string{DifficultyEasy}
	switch {
	case avgRating >= c.bands.HardAt:
		order = []string{DifficultyHard, DifficultyMedium, DifficultyEasy}
	case avgRating >= c.bands.MediumAt:
		order = []string{DifficultyMedium, DifficultyEasy}
	}

	for _, band := range order {
		pool := c.byBand[band]
		if len(pool) > 0 {
			return pool[rand.Intn(len(pool))], nil
		}
	}
	return nil, ErrNoProblem
}

// Get returns a problem by id.
func (c *Catalog) Get(ctx context.Context, id string) (*Problem, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	p, ok := c.byID[id]
	if !ok {
		return nil, ErrNoProblem
	}
	return p, nil
}

// DefaultProblems is a starter set used when no external catalog is loaded.
func DefaultProblems() []Problem {
	return []Problem{
		{
			ID:         "two-sum",
			Title:      "Two Sum",
			Signature:  "twoSum(nums, target)",
			Difficulty: DifficultyEasy,
			VisibleCases: []TestCase{
				{Input: "[2,7,11,15]\n9", Expected: "[0,1]"},
				{Input: "[3,2,4]\n6", Expected: "[1,2]"},
			},
			HiddenCases: []TestCase{
				{Input: "[3,3]\n6", Expected: "[0,1]"},
				{Input: "[1,5,9,13]\n22", Expected: "[2,3]"},
			},
			ExpectedComplexity: "O(n)",
		},
		{
			ID:         "longest-substring",
			Title:      "Longest Substring Without Repeating Characters",
			Signature:  "lengthOfLongestSubstring(s)",
			Difficulty: DifficultyMedium,
			VisibleCases: []TestCase{
				{Input: "abcabcbb", Expected: "3"},
				{Input: "bbbbb", Expected: "1"},
			},
			HiddenCases: []TestCase{
				{Input: "pwwkew", Expected: "3"},
				{Input: "", Expected: "0"},
			},
			ExpectedComplexity: "O(n)",
		},
		{
			ID:         "median-sorted-arrays",
			Title:      "Median of Two Sorted Arrays",
			Signature:  "findMedianSortedArrays(nums1, nums2)",
			Difficulty: DifficultyHard,
			VisibleCases: []TestCase{
				{Input: "[1,3]\n[2]", Expected: "2.0"},
				{Input: "[1,2]\n[3,4]", Expected: "2.5"},
			},
			HiddenCases: []TestCase{
				{Input: "[0,0]\n[0,0]", Expected: "0.0"},
				{Input: "[]\n[1]", Expected: "1.0"},
			},
			ExpectedComplexity: "O(log(m+n))",
		},
	}
}
