package storage

import (
	"fmt"
	"net/url"
	"path/filepath"
	"strings"
)

// Location is a run input or output, either a local directory or an object store prefix.
type Location struct {
	Bucket string
	Prefix string
	Path   string
}

func (l Location) IsRemote() bool {
	return l.Bucket != ""
}

func (l Location) String() string {
	if l.IsRemote() {
		return "s3://" + l.Bucket + "/" + l.Prefix
	}
	return l.Path
}

func ParseLocation(location string) (Location, error) {
	if location == "" {
		return Location{}, fmt.Errorf("empty location")
	}

	scheme, rest, ok := strings.Cut(location, "://")
	if !ok {
		return Location{Path: filepath.Clean(location)}, nil
	}

	switch strings.ToLower(scheme) {
	case "file":
		u, err := url.Parse(location)
		if err != nil {
			return Location{}, fmt.Errorf("invalid location %q: %w", location, err)
		}
		return Location{Path: filepath.Clean(filepath.FromSlash(u.Host + u.Path))}, nil
	case "s3":
		bucket, prefix, _ := strings.Cut(rest, "/")
		if bucket == "" {
			return Location{}, fmt.Errorf("invalid location %q: missing bucket", location)
		}
		return Location{Bucket: bucket, Prefix: strings.Trim(prefix, "/")}, nil
	default:
		return Location{}, fmt.Errorf("invalid location %q: unsupported scheme %q", location, scheme)
	}
}
