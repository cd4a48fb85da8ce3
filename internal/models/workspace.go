package models

// BranchWorkspace is a working clone dedicated to exactly one branch
type BranchWorkspace struct {
	Branch      string
	Path        string // absolute path of the project checkout
	CloneOrigin string // bare remote this workspace was cloned from
}
