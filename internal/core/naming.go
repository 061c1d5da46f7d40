package core

import (
	"crypto/sha1"
	"encoding/hex"
	"fmt"
	"maps"
	"net/url"
	"regexp"
	"slices"
	"strings"
)

const DefaultArchiveExt = "tgz"

// Job-level files kept next to a job's results.
const (
	JobImageFile  = "docker_image"
	JobConfigFile = "config.ini"
)

// KeyParts locates an artifact inside a job namespace. Mode and JobID
// override the identity's values when set.
type KeyParts struct {
	Mode     Mode
	JobID    string
	Course   string
	Session  string
	Filename string
}

type ArchiveParts struct {
	Mode    Mode
	JobID   string
	Course  string
	Session string
	Ext     string
}

func resolve(id JobIdentity, mode Mode, jobID string) (Mode, string) {
	if mode == "" {
		mode = id.Mode
	}
	if jobID == "" {
		jobID = id.JobID
	}
	return mode, jobID
}

func joinSet(sep string, parts ...string) string {
	set := make([]string, 0, len(parts))
	for _, p := range parts {
		if p != "" {
			set = append(set, p)
		}
	}
	return strings.Join(set, sep)
}

// StorageKey is user/job/mode/course/session/filename with unset parts omitted.
func StorageKey(id JobIdentity, p KeyParts) string {
	mode, jobID := resolve(id, p.Mode, p.JobID)
	return joinSet("/", id.UserID, jobID, string(mode), p.Course, p.Session, p.Filename)
}

// JobFileKey is user/job/name, independent of the identity's mode.
func JobFileKey(id JobIdentity, name string) string {
	return StorageKey(id.WithMode(""), KeyParts{Filename: name})
}

// StoragePrefix is the directory form of StorageKey, always ending in "/".
func StoragePrefix(id JobIdentity, p KeyParts) string {
	p.Filename = ""
	return StorageKey(id, p) + "/"
}

// ArchiveFilename is user-job-mode-course-session.ext with unset parts omitted.
func ArchiveFilename(id JobIdentity, p ArchiveParts) string {
	mode, jobID := resolve(id, p.Mode, p.JobID)
	ext := p.Ext
	if ext == "" {
		ext = DefaultArchiveExt
	}
	return joinSet("-", id.UserID, jobID, string(mode), p.Course, p.Session) + "." + ext
}

func FeatureCSVName(parts ...string) string {
	return strings.Join(append(parts, "features.csv"), "_")
}

func LabelCSVName(parts ...string) string {
	return strings.Join(append(parts, "labels.csv"), "_")
}

var invalidContainerChars = regexp.MustCompile(`[^a-zA-Z0-9_.-]`)

// ContainerName names a running workload uniquely per job, mode and unit.
func ContainerName(id JobIdentity, mode Mode, course, session string) string {
	name := fmt.Sprintf("MORF-%s-%s-%s-%s", id.MorfID, mode, orNone(course), orNone(session))
	return invalidContainerChars.ReplaceAllString(name, "_")
}

func orNone(s string) string {
	if s == "" {
		return "None"
	}
	return s
}

// WorkloadArg renders an optional unit coordinate the way workloads expect it.
func WorkloadArg(s string) string {
	return orNone(s)
}

// WorkloadFlags renders free-form client args as "--name value" pairs in
// name order.
func WorkloadFlags(args map[string]string) []string {
	flags := make([]string, 0, 2*len(args))
	for _, name := range slices.Sorted(maps.Keys(args)) {
		flags = append(flags, "--"+name, args[name])
	}
	return flags
}

func ParseS3URL(raw string) (bucket, key string, err error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", "", fmt.Errorf("error parsing url %q: %w", raw, err)
	}
	if u.Scheme != "s3" || u.Host == "" {
		return "", "", fmt.Errorf("not an s3 url: %q", raw)
	}
	return u.Host, strings.TrimPrefix(u.Path, "/"), nil
}

func S3URL(bucket, key string) string {
	return "s3://" + bucket + "/" + key
}

// HashCourse hides a course name in published evaluation tables.
func HashCourse(course, userID, secret string) string {
	sum := sha1.Sum([]byte(course + userID + secret))
	return hex.EncodeToString(sum[:])
}
