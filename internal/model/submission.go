package model

import (
	"fmt"
	"path/filepath"
)

// Submission is one candidate's code folder to be executed against the shared
// input of a batch.
type Submission struct {
	DisplayName string `json:"displayName"`
	FolderPath  string `json:"folderPath"`
}

// SubmissionsFromFolders builds the submission list for a batch. The display
// name is the folder's base name; folders without a usable base name ("/",
// "") are labelled Folder_<n> by their 1-based position.
func SubmissionsFromFolders(folders []string) []Submission {
	subs := make([]Submission, 0, len(folders))
	for i, folder := range folders {
		name := filepath.Base(filepath.Clean(folder))
		if folder == "" || name == "." || name == string(filepath.Separator) {
			name = fmt.Sprintf("Folder_%d", i+1)
		}
		subs = append(subs, Submission{DisplayName: name, FolderPath: folder})
	}
	return subs
}
