package models

import "time"

// CapsuleVersion is one immutable entry in an artifact's version graph.
// Versions form a DAG: roots have no parents, ordinary commits have one,
// merges have two. Only pointers (branch heads, tags) ever move.
type CapsuleVersion struct {
	// ID is the unique identifier for this version.
	ID string `json:"id"`
	// ParentIDs holds zero (root), one (commit), or two (merge) parents.
	ParentIDs []string `json:"parent_ids,omitempty"`
	// Branch is the branch this version was committed on.
	Branch string `json:"branch"`
	// Tags are the names pointing at this version.
	Tags []string `json:"tags,omitempty"`
	// ArtifactRef references the stored artifact payload.
	ArtifactRef string `json:"artifact_ref"`
	// Author identifies who or what created the version.
	Author string `json:"author"`
	// Message describes the change.
	Message string `json:"message"`
	// CreatedAt is when the version was committed.
	CreatedAt time.Time `json:"created_at"`
}

// Root returns true if the version has no parents.
func (v *CapsuleVersion) Root() bool {
	return len(v.ParentIDs) == 0
}

// Merge returns true if the version has two parents.
func (v *CapsuleVersion) Merge() bool {
	return len(v.ParentIDs) == 2
}
