package archive

import "time"

// ImageRecord is one archived image in the index. The index row is a
// cache over the filesystem: CanonicalName matches the hardlink under
// images/ and Digest matches the blob it points at.
type ImageRecord struct {
	ID            int64
	Distro        string
	Version       string
	Arch          string
	Variant       string
	CanonicalName string
	Size          int64
	Algo          string
	Digest        string
	AddedAt       time.Time
	PublishedAt   time.Time
	LastVerified  time.Time
}

// CycleRun records one discovery-to-sync cycle execution.
type CycleRun struct {
	ID             int64
	CycleID        string // uuid assigned by the orchestrator
	StartTime      time.Time
	EndTime        time.Time
	ImagesAdded    int
	ImagesRemoved  int
	ImagesSkipped  int
	ImagesFailed   int
	BytesFetched   int64
	Status         string // "running", "success", "partial", "failed"
	ErrorMessage   string
}

// QuarantineRecord tracks an image pulled out of the archive after its
// content stopped matching its recorded digest.
type QuarantineRecord struct {
	ID            int64
	CanonicalName string
	Digest        string
	Reason        string
	QuarantinedAt time.Time
}
