package threadkit

import (
	"math"
	"strings"

	"golang.org/x/exp/slices"
)

// Sibling comparators. Every criterion falls back to (createdAt, id) so
// repeated sorts of equal-ranked nodes always produce the same order.

func sortNodes(criterion SortCriterion, nodes []*CommentNode) {
	slices.SortStableFunc(nodes, func(a *CommentNode, b *CommentNode) int {
		return compareNodes(criterion, a, b)
	})
}

func compareNodes(criterion SortCriterion, a *CommentNode, b *CommentNode) int {
	switch criterion {
	case SortNewest:
		if c := b.CreatedAt.Compare(a.CreatedAt); c != 0 {
			return c
		}
	case SortOldest:
		if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
			return c
		}
	case SortControversial:
		ca := controversy(a)
		cb := controversy(b)
		if ca < cb {
			return 1
		} else if cb < ca {
			return -1
		}
	default:
		// top
		if a.Score() < b.Score() {
			return 1
		} else if b.Score() < a.Score() {
			return -1
		}
	}
	if c := a.CreatedAt.Compare(b.CreatedAt); c != 0 {
		return c
	}
	return strings.Compare(a.Id, b.Id)
}

// controversy grows with total engagement and with how evenly the votes
// split: magnitude^balance where magnitude is the total vote count and
// balance is the minority share over the majority. Many near-even votes
// outrank few or lopsided votes.
func controversy(node *CommentNode) float64 {
	ups := float64(len(node.UpvoterIds))
	downs := float64(len(node.DownvoterIds))
	magnitude := ups + downs
	if magnitude == 0 {
		return 0
	}
	var balance float64
	if ups < downs {
		balance = ups / downs
	} else {
		balance = downs / ups
	}
	return math.Pow(magnitude, balance)
}
