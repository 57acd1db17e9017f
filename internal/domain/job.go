package domain

import (
	"bytes"
	"encoding/json"
	"strconv"
	"strings"
	"time"

	"github.com/cespare/xxhash/v2"
	"golang.org/x/text/unicode/norm"
)

type Status string

const (
	Pending    Status = "PENDING"
	Processing Status = "PROCESSING"
	Retrying   Status = "RETRYING"
	Completed  Status = "COMPLETED"
	DeadLetter Status = "DEAD_LETTER"
)

// Claimable reports whether a job in this status may be picked up by the engine.
func (s Status) Claimable() bool { return s == Pending || s == Retrying }

// Terminal reports whether no further processing happens without operator action.
func (s Status) Terminal() bool { return s == Completed || s == DeadLetter }

type JobType string

const (
	SyncSubscription JobType = "SYNC_SUBSCRIPTION"
	PriceSync        JobType = "PRICE_SYNC"
)

type Job struct {
	ID             string
	DedupKey       string
	Type           JobType
	Status         Status
	Payload        string
	RetryCount     int
	MaxRetries     int
	ErrorMessage   *string
	DelayedUntil   time.Time
	DuplicateCount int
	LastSeen       time.Time
	CreatedAt      time.Time
}

// Exhausted reports whether one more failure would exceed the retry budget.
func (j Job) Exhausted() bool { return j.RetryCount+1 >= j.MaxRetries }

// DedupKey derives the coalescing key for a job: the type plus a digest of the
// normalised payload. Payloads that differ only in whitespace, Unicode
// composition or JSON key order share a key.
func DedupKey(t JobType, payload string) string {
	sum := xxhash.Sum64String(NormalizePayload(payload))
	return string(t) + ":" + strconv.FormatUint(sum, 16)
}

func NormalizePayload(payload string) string {
	p := norm.NFC.String(strings.TrimSpace(payload))
	if p == "" || (p[0] != '{' && p[0] != '[') {
		return p
	}
	var v any
	dec := json.NewDecoder(strings.NewReader(p))
	dec.UseNumber()
	if err := dec.Decode(&v); err != nil || dec.More() {
		return p
	}
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(v); err != nil {
		return p
	}
	return strings.TrimSuffix(buf.String(), "\n")
}
