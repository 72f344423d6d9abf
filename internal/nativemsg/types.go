package nativemsg

import (
	"encoding/json"

	"github.com/hyperdm/hdm/internal/job"
	"github.com/hyperdm/hdm/internal/resolver"
)

// Request types understood by the bridge.
const (
	TypeFetchVariants   = "fetch_variants"
	TypeDownloadVariant = "download_variant"
	TypeDownloadURL     = "download_url"
	TypePause           = "pause"
	TypeResume          = "resume"
	TypeCancel          = "cancel"
	TypeStatus          = "status"
	TypeList            = "list"
	TypeRemove          = "remove"
)

// flexString accepts a JSON string or number; extensions send itags both
// ways.
type flexString string

func (f *flexString) UnmarshalJSON(data []byte) error {
	if len(data) > 0 && data[0] == '"' {
		var s string
		if err := json.Unmarshal(data, &s); err != nil {
			return err
		}

		*f = flexString(s)

		return nil
	}

	var n json.Number
	if err := json.Unmarshal(data, &n); err != nil {
		return err
	}

	*f = flexString(n.String())

	return nil
}

func (f flexString) String() string {
	return string(f)
}

// Request is the decoded payload of one inbound frame.
type Request struct {
	Type          string     `json:"type"`
	CorrelationID string     `json:"correlationId,omitempty"`
	URL           string     `json:"url,omitempty"`
	Filename      string     `json:"filename,omitempty"`
	Quality       string     `json:"quality,omitempty"`
	Itag          flexString `json:"itag,omitempty"`
	Filesize      int64      `json:"filesize,omitempty"`
	JobID         string     `json:"jobId,omitempty"`
	DeleteFile    bool       `json:"deleteFile,omitempty"`
}

// Response is the payload of one outbound frame. Exactly one Response is
// written per Request; Event frames carry progress and are distinguished by
// the event flag so clients can route them separately.
type Response struct {
	CorrelationID string `json:"correlationId,omitempty"`
	Success       bool   `json:"success"`
	Error         string `json:"error,omitempty"`
	// Kind is the error taxonomy tag accompanying failures.
	Kind string `json:"kind,omitempty"`

	Data  []resolver.Variant `json:"data,omitempty"`
	Info  *MediaInfo         `json:"info,omitempty"`
	JobID string             `json:"jobId,omitempty"`
	Job   *job.Snapshot      `json:"job,omitempty"`
	Jobs  []job.Snapshot     `json:"jobs,omitempty"`
}

// MediaInfo carries metadata about a resolved media item.
type MediaInfo struct {
	Title string `json:"title"`
}

// Event is a server-initiated progress frame, not correlated to a request.
type Event struct {
	Event bool           `json:"event"`
	Type  string         `json:"type"`
	Jobs  []job.Snapshot `json:"jobs"`
}
