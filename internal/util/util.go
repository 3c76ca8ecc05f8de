package util

import (
	"crypto/rand"
	"os"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"
)

// Very simple {var} replacement; unknown placeholders are left as-is.
func RenderTemplate(body string, vars map[string]string) string {
	out := body
	for k, v := range vars {
		out = strings.ReplaceAll(out, "{"+k+"}", v)
	}
	return out
}

// NewID returns a prefixed ULID, e.g. "cmp_01J...". Sortable by creation time.
func NewID(prefix string) string {
	t := time.Now().UTC()
	return prefix + "_" + ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

func NewCampaignID() string { return NewID("cmp") }
func NewTargetID() string   { return NewID("tgt") }

// InstanceID names this process, e.g. "worker-7d9f/01J...". Unique per start.
func InstanceID() string {
	host, err := os.Hostname()
	if err != nil || host == "" {
		host = "unknown"
	}
	return host + "/" + ulid.MustNew(ulid.Now(), rand.Reader).String()
}

func NowUTC() time.Time {
	return time.Now().UTC()
}

type Clock interface {
	Now() time.Time
}

type SystemClock struct{}

func (SystemClock) Now() time.Time { return NowUTC() }
