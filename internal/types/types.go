// Package types provides the wire-level types shared across fsgate packages
// to avoid import cycles between the gateway, api, and component packages.
package types

import "time"

// OperationKind classifies what an operation intends to do with a path.
type OperationKind string

const (
	OpRead   OperationKind = "read"
	OpWrite  OperationKind = "write"
	OpDelete OperationKind = "delete"
)

// BatchOpKind is the kind of a single batch operation.
type BatchOpKind string

const (
	BatchCopy   BatchOpKind = "copy"
	BatchMove   BatchOpKind = "move"
	BatchDelete BatchOpKind = "delete"
)

// BatchOp is one step of a batch_operations request.
// Destination is required for copy and move, forbidden for delete.
type BatchOp struct {
	Kind        BatchOpKind `json:"kind"`
	Source      string      `json:"source"`
	Destination string      `json:"destination,omitempty"`
}

// BatchOpResult carries the per-op outcome of a batch execution.
type BatchOpResult struct {
	Kind        BatchOpKind `json:"kind"`
	Source      string      `json:"source"`
	Destination string      `json:"destination,omitempty"`
	Success     bool        `json:"success"`
	Error       string      `json:"error,omitempty"`
	ErrorCode   string      `json:"errorCode,omitempty"`
}

// EventKind classifies a filesystem event delivered by a watch session.
type EventKind string

const (
	EventCreate EventKind = "create"
	EventModify EventKind = "modify"
	EventDelete EventKind = "delete"
	EventRename EventKind = "rename"
)

// FsEvent is one filesystem event observed by a watch session.
// OldPath is set only for rename events when the underlying facility can
// pair the two sides; otherwise a rename surfaces as delete+create.
type FsEvent struct {
	Kind      EventKind `json:"kind"`
	Path      string    `json:"path"`
	Timestamp time.Time `json:"timestamp"`
	OldPath   string    `json:"oldPath,omitempty"`
}

// SearchType selects what search_files matches the query against.
type SearchType string

const (
	SearchName    SearchType = "name"
	SearchContent SearchType = "content"
	SearchBoth    SearchType = "both"
)

// SearchQuery is the parameter set of a search_files request.
type SearchQuery struct {
	Query         string     `json:"query"`
	Type          SearchType `json:"searchType"`
	FileTypes     []string   `json:"fileTypes,omitempty"`
	MinSize       int64      `json:"minSize,omitempty"`
	MaxSize       int64      `json:"maxSize,omitempty"`
	ModifiedAfter time.Time  `json:"modifiedAfter,omitempty"`
	Limit         int        `json:"limit,omitempty"`
}

// FileMeta is one search hit or index row.
type FileMeta struct {
	Path    string    `json:"path"`
	Size    int64     `json:"size"`
	Mode    uint32    `json:"mode"`
	ModTime time.Time `json:"modTime"`
	IsDir   bool      `json:"isDir"`
	Ext     string    `json:"ext,omitempty"`
	Snippet string    `json:"snippet,omitempty"`
}

// IndexStats summarizes a build_index run.
type IndexStats struct {
	FilesIndexed   int   `json:"filesIndexed"`
	BytesIndexed   int64 `json:"bytesIndexed"`
	ContentIndexed int   `json:"contentIndexed"`
	Skipped        int   `json:"skipped"`
	DurationMs     int64 `json:"durationMs"`
}

// CopyStats summarizes a copy_directory run. Directories are created but do
// not count toward FilesCopied or BytesTransferred.
type CopyStats struct {
	FilesCopied      int   `json:"filesCopied"`
	BytesTransferred int64 `json:"bytesTransferred"`
	DurationMs       int64 `json:"durationMs"`
}

// SyncStats summarizes a sync_directory run.
type SyncStats struct {
	FilesCopied      int   `json:"filesCopied"`
	FilesSkipped     int   `json:"filesSkipped"`
	BytesTransferred int64 `json:"bytesTransferred"`
	DurationMs       int64 `json:"durationMs"`
}

// ChecksumResult is the outcome of a verify_checksum request.
type ChecksumResult struct {
	Match    bool   `json:"match"`
	Expected string `json:"expected"`
	Actual   string `json:"actual"`
}

// DiskEntry is one ranked row in a disk usage report.
type DiskEntry struct {
	Path  string `json:"path"`
	Bytes int64  `json:"bytes"`
}

// UsageReport is the result of analyze_disk_usage.
type UsageReport struct {
	Root         string           `json:"root"`
	TotalBytes   int64            `json:"totalBytes"`
	FileCount    int              `json:"fileCount"`
	LargestFiles []DiskEntry      `json:"largestFiles"`
	LargestDirs  []DiskEntry      `json:"largestDirs"`
	ByExtension  map[string]int64 `json:"byExtension,omitempty"`
	Skipped      int              `json:"skipped"`
}
