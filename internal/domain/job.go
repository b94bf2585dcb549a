package domain

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// JobType selects how the download engine fetches a URL. The set of variants
// is closed: ManifestJob, SiteJob and MagnetJob.
type JobType interface {
	fmt.Stringer
	jobType()
}

// ManifestJob is a generic streaming-manifest job (HLS playlist or plain media file).
type ManifestJob struct{}

// SiteJob is handled by a site-specific extractor.
type SiteJob struct {
	Extractor string
}

// MagnetJob is a BitTorrent magnet link.
type MagnetJob struct{}

func (ManifestJob) jobType() {}
func (SiteJob) jobType()     {}
func (MagnetJob) jobType()   {}

func (ManifestJob) String() string { return "m3u8" }
func (j SiteJob) String() string   { return "site:" + j.Extractor }
func (MagnetJob) String() string   { return "magnet" }

// siteExtractors maps host suffixes to extractor ids.
var siteExtractors = []struct {
	host      string
	extractor string
}{
	{host: "bilibili.com", extractor: "bilibili"},
	{host: "b23.tv", extractor: "bilibili"},
	{host: "youtube.com", extractor: "youtube"},
	{host: "youtu.be", extractor: "youtube"},
}

// ClassifyURL maps a URL to the job type used to download it. The result only
// depends on the URL.
func ClassifyURL(rawURL string) JobType {
	trimmed := strings.TrimSpace(rawURL)
	if strings.HasPrefix(strings.ToLower(trimmed), "magnet:") {
		return MagnetJob{}
	}

	lower := strings.ToLower(trimmed)
	if strings.Contains(lower, "m3u8") {
		return ManifestJob{}
	}

	if parsed, err := url.Parse(trimmed); err == nil {
		host := strings.ToLower(parsed.Hostname())
		for _, site := range siteExtractors {
			if host == site.host || strings.HasSuffix(host, "."+site.host) {
				return SiteJob{Extractor: site.extractor}
			}
		}
	}
	return ManifestJob{}
}

// ParseJobType restores a job type from its String form.
func ParseJobType(s string) (JobType, error) {
	switch {
	case s == "m3u8":
		return ManifestJob{}, nil
	case s == "magnet":
		return MagnetJob{}, nil
	case strings.HasPrefix(s, "site:") && len(s) > len("site:"):
		return SiteJob{Extractor: strings.TrimPrefix(s, "site:")}, nil
	}
	return nil, fmt.Errorf("unknown job type %q", s)
}

type JobStatus string

const (
	JobStatusWaiting     JobStatus = "waiting"
	JobStatusDownloading JobStatus = "downloading"
	JobStatusSuccess     JobStatus = "success"
	JobStatusFailed      JobStatus = "failed"
)

func (s JobStatus) IsFinished() bool {
	return s == JobStatusSuccess || s == JobStatusFailed
}

// DownloadJob is the download engine's record of one transfer. Folder holds the
// owning batch task id; it is empty for jobs submitted outside any batch.
type DownloadJob struct {
	ID        int64
	Name      string
	URL       string
	Type      JobType
	Folder    string
	Status    JobStatus
	Filename  string
	Error     string
	CreatedAt time.Time
	UpdatedAt time.Time
}
