// Package version maintains the append-only version graph for generated
// artifacts. Versions are immutable once committed; only branch heads
// and tags move, and heads move by compare-and-swap.
package version

import (
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ShayCichocki/crucible/pkg/models"
)

// maxAncestorWalk bounds the merge-base search so a pathological graph
// cannot stall a merge.
const maxAncestorWalk = 1000

// ErrVersionNotFound is returned when a version ID or ref does not resolve.
var ErrVersionNotFound = fmt.Errorf("version not found")

// ErrTagExists is returned when tagging a name that is already taken.
// Tags, like versions, are immutable.
var ErrTagExists = fmt.Errorf("tag already exists")

// HeadConflictError reports a failed compare-and-swap on a branch head.
// The caller should re-read the head and retry on top of it.
type HeadConflictError struct {
	Branch   string
	Expected string
	Actual   string
}

func (e *HeadConflictError) Error() string {
	return fmt.Sprintf("branch %q head moved: expected %q, found %q", e.Branch, e.Expected, e.Actual)
}

// MergeError reports why two versions could not be merged.
type MergeError struct {
	Code string
	A    string
	B    string
}

func (e *MergeError) Error() string {
	return fmt.Sprintf("merge %s..%s: %s", e.A, e.B, e.Code)
}

// MergeNoCommonAncestor is the code for merges between versions with
// no shared history. A search that hits the ancestor walk bound
// reports the same code: past the bound the versions are treated as
// unrelated.
const MergeNoCommonAncestor = "no_common_ancestor"

// CommitInput describes a new version to append.
type CommitInput struct {
	// Branch the version is committed on.
	Branch string
	// ExpectedHead is the branch head the caller based its work on.
	// Empty means the caller expects to create the branch.
	ExpectedHead string
	// ExtraParents holds additional parents beyond the branch head,
	// used when committing a merge.
	ExtraParents []string
	// ArtifactRef references the artifact payload for this version.
	ArtifactRef string
	// Author identifies who or what created the version.
	Author string
	// Message describes the change.
	Message string
}

// Store holds the version graph. Safe for concurrent use.
type Store struct {
	mu       sync.RWMutex
	versions map[string]*models.CapsuleVersion
	heads    map[string]string
	tags     map[string]string
	now      func() time.Time
}

// NewStore creates an empty Store.
func NewStore() *Store {
	return &Store{
		versions: make(map[string]*models.CapsuleVersion),
		heads:    make(map[string]string),
		tags:     make(map[string]string),
		now:      time.Now,
	}
}

// Commit appends a new version on the given branch and advances the
// branch head. The head advance is a compare-and-swap against
// input.ExpectedHead: if another writer moved the head first, Commit
// returns a *HeadConflictError and writes nothing.
func (s *Store) Commit(input CommitInput) (*models.CapsuleVersion, error) {
	if input.Branch == "" {
		return nil, fmt.Errorf("commit: branch is required")
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	actual := s.heads[input.Branch]
	if actual != input.ExpectedHead {
		return nil, &HeadConflictError{Branch: input.Branch, Expected: input.ExpectedHead, Actual: actual}
	}

	var parents []string
	if input.ExpectedHead != "" {
		parents = append(parents, input.ExpectedHead)
	}
	parents = append(parents, input.ExtraParents...)
	if len(parents) > 2 {
		return nil, fmt.Errorf("commit: at most two parents, got %d", len(parents))
	}
	for _, p := range parents {
		if _, ok := s.versions[p]; !ok {
			return nil, fmt.Errorf("commit: parent %q: %w", p, ErrVersionNotFound)
		}
	}

	v := &models.CapsuleVersion{
		ID:          uuid.New().String(),
		ParentIDs:   parents,
		Branch:      input.Branch,
		ArtifactRef: input.ArtifactRef,
		Author:      input.Author,
		Message:     input.Message,
		CreatedAt:   s.now(),
	}
	s.versions[v.ID] = v
	s.heads[input.Branch] = v.ID
	return v, nil
}

// Restore loads previously persisted versions and branch heads into
// the store, replacing nothing that is already present. It is used to
// rebuild the in-memory graph from durable storage on startup. Every
// head must name a loaded version, and every parent must be present in
// either the loaded set or the store.
func (s *Store) Restore(versions []*models.CapsuleVersion, heads map[string]string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	staged := make(map[string]*models.CapsuleVersion, len(versions))
	for _, v := range versions {
		cp := *v
		staged[cp.ID] = &cp
	}
	for _, v := range staged {
		for _, p := range v.ParentIDs {
			if _, ok := staged[p]; ok {
				continue
			}
			if _, ok := s.versions[p]; !ok {
				return fmt.Errorf("restore: version %q parent %q: %w", v.ID, p, ErrVersionNotFound)
			}
		}
	}
	for branch, head := range heads {
		if _, ok := staged[head]; ok {
			continue
		}
		if _, ok := s.versions[head]; !ok {
			return fmt.Errorf("restore: branch %q head %q: %w", branch, head, ErrVersionNotFound)
		}
	}

	for id, v := range staged {
		if _, ok := s.versions[id]; !ok {
			s.versions[id] = v
		}
		for _, tag := range v.Tags {
			if _, ok := s.tags[tag]; !ok {
				s.tags[tag] = id
			}
		}
	}
	for branch, head := range heads {
		s.heads[branch] = head
	}
	return nil
}

// Get returns the version with the given ID.
func (s *Store) Get(id string) (*models.CapsuleVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	v, ok := s.versions[id]
	if !ok {
		return nil, fmt.Errorf("version %q: %w", id, ErrVersionNotFound)
	}
	cp := *v
	return &cp, nil
}

// Head returns the current head of a branch, or "" if the branch does
// not exist.
func (s *Store) Head(branch string) string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.heads[branch]
}

// Branches returns all branch names with their head version IDs.
func (s *Store) Branches() map[string]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make(map[string]string, len(s.heads))
	for b, h := range s.heads {
		out[b] = h
	}
	return out
}

// Tag points a name at a version. Tags never move once set.
func (s *Store) Tag(name, versionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	v, ok := s.versions[versionID]
	if !ok {
		return fmt.Errorf("tag %q: version %q: %w", name, versionID, ErrVersionNotFound)
	}
	if _, taken := s.tags[name]; taken {
		return fmt.Errorf("tag %q: %w", name, ErrTagExists)
	}
	s.tags[name] = versionID
	v.Tags = append(v.Tags, name)
	return nil
}

// Resolve maps a ref to a version ID. A ref is tried as a tag, then a
// branch name, then a raw version ID.
func (s *Store) Resolve(ref string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if id, ok := s.tags[ref]; ok {
		return id, nil
	}
	if id, ok := s.heads[ref]; ok {
		return id, nil
	}
	if _, ok := s.versions[ref]; ok {
		return ref, nil
	}
	return "", fmt.Errorf("ref %q: %w", ref, ErrVersionNotFound)
}

// History walks ancestors from the given version, first parent before
// second, breadth first, each version once. The walk order is fully
// determined by the graph. A limit of 0 means no limit.
func (s *Store) History(fromID string, limit int) ([]*models.CapsuleVersion, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	start, ok := s.versions[fromID]
	if !ok {
		return nil, fmt.Errorf("history from %q: %w", fromID, ErrVersionNotFound)
	}

	var out []*models.CapsuleVersion
	seen := map[string]bool{start.ID: true}
	queue := []*models.CapsuleVersion{start}
	for len(queue) > 0 {
		v := queue[0]
		queue = queue[1:]
		cp := *v
		out = append(out, &cp)
		if limit > 0 && len(out) == limit {
			break
		}
		for _, p := range v.ParentIDs {
			if !seen[p] {
				seen[p] = true
				queue = append(queue, s.versions[p])
			}
		}
	}
	return out, nil
}

// MergeBase finds the nearest common ancestor of two versions. The
// search visits at most maxAncestorWalk versions; past that the
// versions count as unrelated rather than scanning the whole graph.
func (s *Store) MergeBase(aID, bID string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if _, ok := s.versions[aID]; !ok {
		return "", fmt.Errorf("merge base of %q: %w", aID, ErrVersionNotFound)
	}
	if _, ok := s.versions[bID]; !ok {
		return "", fmt.Errorf("merge base of %q: %w", bID, ErrVersionNotFound)
	}

	seenA := map[string]bool{aID: true}
	seenB := map[string]bool{bID: true}
	queueA := []string{aID}
	queueB := []string{bID}
	visited := 0

	// Expand both frontiers in lockstep so the nearer of two candidate
	// ancestors wins.
	for len(queueA) > 0 || len(queueB) > 0 {
		if id, done := stepFrontier(&queueA, seenA, seenB, s.versions, &visited); done {
			return id, nil
		}
		if id, done := stepFrontier(&queueB, seenB, seenA, s.versions, &visited); done {
			return id, nil
		}
		if visited > maxAncestorWalk {
			return "", &MergeError{Code: MergeNoCommonAncestor, A: aID, B: bID}
		}
	}
	return "", &MergeError{Code: MergeNoCommonAncestor, A: aID, B: bID}
}

func stepFrontier(queue *[]string, seen, other map[string]bool, versions map[string]*models.CapsuleVersion, visited *int) (string, bool) {
	if len(*queue) == 0 {
		return "", false
	}
	id := (*queue)[0]
	*queue = (*queue)[1:]
	*visited++
	if other[id] {
		return id, true
	}
	for _, p := range versions[id].ParentIDs {
		if !seen[p] {
			seen[p] = true
			*queue = append(*queue, p)
		}
	}
	return "", false
}

// Merge commits a two-parent version on the target branch joining the
// branch head with otherID. The two versions must share an ancestor.
// Like Commit, the head advance is a compare-and-swap.
func (s *Store) Merge(branch, expectedHead, otherID, artifactRef, author, message string) (*models.CapsuleVersion, error) {
	if expectedHead == "" {
		return nil, fmt.Errorf("merge into %q: branch has no head", branch)
	}
	if _, err := s.MergeBase(expectedHead, otherID); err != nil {
		return nil, err
	}
	return s.Commit(CommitInput{
		Branch:       branch,
		ExpectedHead: expectedHead,
		ExtraParents: []string{otherID},
		ArtifactRef:  artifactRef,
		Author:       author,
		Message:      message,
	})
}
