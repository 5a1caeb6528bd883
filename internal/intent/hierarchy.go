package intent

import (
	"errors"
	"fmt"
)

// MaxHierarchyDepth caps the ancestor walk when assigning molecule parents.
const MaxHierarchyDepth = 16

// Hierarchy errors.
var (
	ErrHierarchyCycle    = errors.New("molecule hierarchy cycle")
	ErrHierarchyTooDeep  = errors.New("molecule hierarchy exceeds max depth")
	ErrHierarchyNotFound = errors.New("molecule not in hierarchy")
)

// Hierarchy is an arena of molecule parent pointers keyed by molecule id.
// Parent assignments are checked with a bounded ancestor walk before they
// are applied, so the arena never contains a cycle.
type Hierarchy struct {
	parent map[string]string // child -> parent ("" for roots)
}

// NewHierarchy creates an empty hierarchy.
func NewHierarchy() *Hierarchy {
	return &Hierarchy{parent: make(map[string]string)}
}

// Add registers id with an optional parent. The parent must already be
// registered when non-empty.
func (h *Hierarchy) Add(id, parentID string) error {
	if _, ok := h.parent[id]; !ok {
		h.parent[id] = ""
	}
	if parentID == "" {
		return nil
	}
	return h.SetParent(id, parentID)
}

// Has reports whether id is registered.
func (h *Hierarchy) Has(id string) bool {
	_, ok := h.parent[id]
	return ok
}

// Parent returns the parent of id ("" for roots).
func (h *Hierarchy) Parent(id string) string {
	return h.parent[id]
}

// CheckParent validates that making parentID the parent of childID keeps
// the hierarchy acyclic and within MaxHierarchyDepth. Nothing is modified.
func (h *Hierarchy) CheckParent(childID, parentID string) error {
	if !h.Has(childID) {
		return fmt.Errorf("%w: %s", ErrHierarchyNotFound, childID)
	}
	if !h.Has(parentID) {
		return fmt.Errorf("%w: %s", ErrHierarchyNotFound, parentID)
	}
	if childID == parentID {
		return fmt.Errorf("%w: %s cannot be its own parent", ErrHierarchyCycle, childID)
	}

	// Walk up from the prospective parent; meeting the child means a cycle.
	cur := parentID
	for depth := 1; cur != ""; depth++ {
		if depth > MaxHierarchyDepth {
			return fmt.Errorf("%w: %d", ErrHierarchyTooDeep, MaxHierarchyDepth)
		}
		if cur == childID {
			return fmt.Errorf("%w: %s is an ancestor of %s", ErrHierarchyCycle, childID, parentID)
		}
		cur = h.parent[cur]
	}
	return nil
}

// SetParent assigns parentID to childID after CheckParent passes.
func (h *Hierarchy) SetParent(childID, parentID string) error {
	if err := h.CheckParent(childID, parentID); err != nil {
		return err
	}
	h.parent[childID] = parentID
	return nil
}

// Ancestors returns the chain of ancestors of id, nearest first.
func (h *Hierarchy) Ancestors(id string) []string {
	var out []string
	cur := h.parent[id]
	for cur != "" && len(out) < MaxHierarchyDepth {
		out = append(out, cur)
		cur = h.parent[cur]
	}
	return out
}
