package export

import "time"

// TransferManifest describes a complete export for moving the archive
// to another machine.
type TransferManifest struct {
	Version       string            `json:"version"`
	Created       time.Time         `json:"created"`
	SourceHost    string            `json:"source_host"`
	Archives      []ManifestArchive `json:"archives"`
	TotalArchives int               `json:"total_archives"`
	TotalSize     int64             `json:"total_size"`
	Images        []ManifestImage   `json:"images"`
}

// ManifestArchive describes a single split archive in the export.
type ManifestArchive struct {
	Name   string   `json:"name"`
	Size   int64    `json:"size"`
	SHA256 string   `json:"sha256"`
	Files  []string `json:"files"`
}

// ManifestImage is one image in the export inventory.
type ManifestImage struct {
	Name    string `json:"name"`
	Distro  string `json:"distro"`
	Version string `json:"version"`
	Arch    string `json:"arch"`
	Variant string `json:"variant"`
	Size    int64  `json:"size"`
	Digest  string `json:"digest"`
}
