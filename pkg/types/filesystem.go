package types

// EntryInfo is one immediate child of a listed directory.
type EntryInfo struct {
	Name        string `json:"name"`
	IsDirectory bool   `json:"isDirectory"`
	Size        int64  `json:"size,omitempty"`
}

// FileInfo provides detailed information about a workspace path.
type FileInfo struct {
	Name        string `json:"name"`
	IsDirectory bool   `json:"isDirectory"`
	Size        int64  `json:"size"`
	Mode        string `json:"mode"`
	ModTime     string `json:"modTime"`
}

// FileRequest addresses a single workspace-relative path.
type FileRequest struct {
	FilePath string `json:"filePath"`
}

// WriteFileRequest is the request body for /api/writeFile.
type WriteFileRequest struct {
	FilePath string `json:"filePath"`
	Content  string `json:"content"`
}

// DirRequest addresses a workspace-relative directory. An empty DirPath means ".".
type DirRequest struct {
	DirPath string `json:"dirPath"`
}

// ReadFileResponse is returned by /api/readFile.
type ReadFileResponse struct {
	Success bool   `json:"success"`
	Content string `json:"content"`
}

// ListDirResponse is returned by /api/listDir.
type ListDirResponse struct {
	Success bool        `json:"success"`
	Files   []EntryInfo `json:"files"`
}

// StatResponse is returned by /api/stat.
type StatResponse struct {
	Success bool      `json:"success"`
	Info    *FileInfo `json:"info"`
}

// WorkspaceResponse is returned by /api/workspace.
type WorkspaceResponse struct {
	Path string `json:"path"`
}
