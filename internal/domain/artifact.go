package domain

import "time"

// ArtifactFile is a single file inside a submission.
type ArtifactFile struct {
	Path    string
	Content []byte
}

// ArtifactSet is the complete file submission for one cycle. Owned by its
// cycle and never mutated after submission.
type ArtifactSet struct {
	ID          string
	CycleID     string
	ModelID     string
	Files       []ArtifactFile
	ContentHash string
	SubmittedAt time.Time
}

// File returns the file at path, if present.
func (a ArtifactSet) File(path string) (ArtifactFile, bool) {
	for _, f := range a.Files {
		if f.Path == path {
			return f, true
		}
	}
	return ArtifactFile{}, false
}
