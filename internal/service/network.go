// internal/service/network.go
package service

import (
	"context"
	"errors"
	"fmt"
	"sort"

	"github.com/shopspring/decimal"

	"compensation-engine/internal/models"
	"compensation-engine/internal/repository"
)

// Tree is an arena of members addressed by id with a single parent pointer.
// All walks are iterative and guarded by a visited set.
type Tree struct {
	members  map[string]*models.Member
	children map[string][]string
}

// NewTree indexes members by id and by sponsor
func NewTree(members []*models.Member) *Tree {
	t := &Tree{
		members:  make(map[string]*models.Member, len(members)),
		children: make(map[string][]string),
	}
	for _, m := range members {
		t.members[m.ID] = m
	}
	for _, m := range members {
		if sponsor := models.SponsorOf(m); sponsor != "" {
			t.children[sponsor] = append(t.children[sponsor], m.ID)
		}
	}
	for _, ids := range t.children {
		sort.Strings(ids)
	}
	return t
}

func (t *Tree) Member(id string) (*models.Member, bool) {
	m, ok := t.members[id]
	return m, ok
}

func (t *Tree) Len() int {
	return len(t.members)
}

// Children returns the direct recruits of id
func (t *Tree) Children(id string) []*models.Member {
	ids := t.children[id]
	out := make([]*models.Member, 0, len(ids))
	for _, cid := range ids {
		out = append(out, t.members[cid])
	}
	return out
}

// Ancestors walks sponsor pointers upward; index 0 is the direct sponsor (depth 1)
func (t *Tree) Ancestors(id string) ([]*models.Member, error) {
	visited := map[string]bool{id: true}
	var chain []*models.Member

	current, ok := t.members[id]
	if !ok {
		return nil, &NotFoundError{Entity: "member", ID: id}
	}
	for {
		sponsorID := models.SponsorOf(current)
		if sponsorID == "" {
			return chain, nil
		}
		if visited[sponsorID] {
			return chain, fmt.Errorf("%w: member %s reached %s twice", ErrCycle, id, sponsorID)
		}
		visited[sponsorID] = true
		sponsor, ok := t.members[sponsorID]
		if !ok {
			return chain, nil
		}
		chain = append(chain, sponsor)
		current = sponsor
	}
}

// DescendantsAtDepth returns members exactly depth levels below id
func (t *Tree) DescendantsAtDepth(id string, depth int) []*models.Member {
	visited := map[string]bool{id: true}
	frontier := []string{id}
	for d := 0; d < depth && len(frontier) > 0; d++ {
		var next []string
		for _, fid := range frontier {
			for _, cid := range t.children[fid] {
				if visited[cid] {
					continue
				}
				visited[cid] = true
				next = append(next, cid)
			}
		}
		frontier = next
	}
	out := make([]*models.Member, 0, len(frontier))
	for _, fid := range frontier {
		out = append(out, t.members[fid])
	}
	return out
}

// Layers groups reachable members by depth from the roots (layer 0 = roots).
// Members that cannot be reached from a root sit on a sponsor cycle and are returned separately.
func (t *Tree) Layers() (layers [][]string, unreachable []string) {
	visited := make(map[string]bool, len(t.members))
	var roots []string
	for id, m := range t.members {
		sponsor := models.SponsorOf(m)
		if _, ok := t.members[sponsor]; sponsor == "" || !ok {
			roots = append(roots, id)
		}
	}
	sort.Strings(roots)

	frontier := roots
	for _, id := range roots {
		visited[id] = true
	}
	for len(frontier) > 0 {
		layers = append(layers, frontier)
		var next []string
		for _, id := range frontier {
			for _, cid := range t.children[id] {
				if !visited[cid] {
					visited[cid] = true
					next = append(next, cid)
				}
			}
		}
		frontier = next
	}

	for id := range t.members {
		if !visited[id] {
			unreachable = append(unreachable, id)
		}
	}
	sort.Strings(unreachable)
	return layers, unreachable
}

// Depths maps every reachable member to its distance from its root
func (t *Tree) Depths() map[string]int {
	layers, _ := t.Layers()
	depths := make(map[string]int, len(t.members))
	for d, layer := range layers {
		for _, id := range layer {
			depths[id] = d
		}
	}
	return depths
}

// SubtreeTotals sums own value plus every descendant's, bottom-up over the layers
func (t *Tree) SubtreeTotals(values map[string]decimal.Decimal) map[string]decimal.Decimal {
	layers, _ := t.Layers()
	totals := make(map[string]decimal.Decimal, len(t.members))
	for i := len(layers) - 1; i >= 0; i-- {
		for _, id := range layers[i] {
			total := values[id]
			for _, cid := range t.children[id] {
				total = total.Add(totals[cid])
			}
			totals[id] = total
		}
	}
	return totals
}

// Subtree lists id and all of its descendants
func (t *Tree) Subtree(id string) []string {
	visited := map[string]bool{id: true}
	out := []string{id}
	for i := 0; i < len(out); i++ {
		for _, cid := range t.children[out[i]] {
			if !visited[cid] {
				visited[cid] = true
				out = append(out, cid)
			}
		}
	}
	return out
}

// Update replaces the stored copy of m without touching edges
func (t *Tree) Update(m *models.Member) {
	t.members[m.ID] = m
}

// WouldCycle reports whether attaching child under sponsor creates a loop
func (t *Tree) WouldCycle(child, sponsor string) bool {
	if child == sponsor {
		return true
	}
	ancestors, err := t.Ancestors(sponsor)
	if err != nil {
		return true
	}
	for _, a := range ancestors {
		if a.ID == child {
			return true
		}
	}
	return false
}

// sponsorChain reads the upline of id one row at a time, nearest sponsor first.
// The chain read so far is returned with ErrCycle when a member repeats.
func sponsorChain(ctx context.Context, tx repository.Tx, id string) ([]*models.Member, error) {
	visited := map[string]bool{id: true}
	var chain []*models.Member

	current, err := tx.GetMember(ctx, id)
	if err != nil {
		return nil, notFound(err, "member", id)
	}
	for {
		sponsorID := models.SponsorOf(current)
		if sponsorID == "" {
			return chain, nil
		}
		if visited[sponsorID] {
			return chain, fmt.Errorf("%w: member %s reached %s twice", ErrCycle, id, sponsorID)
		}
		visited[sponsorID] = true
		sponsor, err := tx.GetMember(ctx, sponsorID)
		if errors.Is(err, repository.ErrNotFound) {
			return chain, nil
		}
		if err != nil {
			return nil, err
		}
		chain = append(chain, sponsor)
		current = sponsor
	}
}

func containsMember(members []*models.Member, id string) bool {
	for _, m := range members {
		if m.ID == id {
			return true
		}
	}
	return false
}

// loadNetwork builds the tree an event on memberID can touch: the subtree of its
// top-most ancestor. Other branches of the forest are not read.
func loadNetwork(ctx context.Context, tx repository.Tx, memberID string) (*Tree, []*models.Member, error) {
	chain, err := sponsorChain(ctx, tx, memberID)
	if errors.Is(err, ErrCycle) {
		// a looped upline has no top; fall back to the whole table
		members, err := tx.ListMembers(ctx)
		if err != nil {
			return nil, nil, err
		}
		return NewTree(members), members, nil
	}
	if err != nil {
		return nil, nil, err
	}

	root := memberID
	if len(chain) > 0 {
		root = chain[len(chain)-1].ID
	}
	members, err := tx.ListSubtree(ctx, root)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load network of %s: %w", root, err)
	}
	return NewTree(members), members, nil
}
