package coordinator

import (
	"time"

	"github.com/malston/release-monitor/download"
)

// Decision is the outcome recorded for one repository in a run.
type Decision string

const (
	Downloaded        Decision = "downloaded"
	SkippedVersion    Decision = "skipped_version"
	SkippedPrerelease Decision = "skipped_prerelease"
	SkippedPattern    Decision = "skipped_pattern"
	Failed            Decision = "failed"
)

// RepoResult records the decision for one repository, with the stored file
// descriptors for executed plans.
type RepoResult struct {
	Repository string                    `json:"repository"`
	Tag        string                    `json:"tag,omitempty"`
	Decision   Decision                  `json:"decision"`
	Reason     string                    `json:"reason"`
	Files      []download.DownloadedFile `json:"files,omitempty"`

	// plan is carried from decide to execute and never serialized.
	plan plan
}

// RunReport enumerates every repository's decision for one run.
type RunReport struct {
	StartedAt  time.Time        `json:"started_at"`
	FinishedAt time.Time        `json:"finished_at"`
	Counts     map[Decision]int `json:"counts"`
	Results    []RepoResult     `json:"results"`
}

func (r *RunReport) summarize() {
	r.Counts = map[Decision]int{}
	for _, res := range r.Results {
		r.Counts[res.Decision]++
	}
}

// Failures returns the number of repositories that ended in failure.
func (r *RunReport) Failures() int {
	return r.Counts[Failed]
}
