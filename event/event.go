// Package event parses object-store notification envelopes into object references.
package event

import (
	"encoding/json"
	"net/url"
	"strings"
)

// ObjectRef points at one stored object announced by a notification record.
type ObjectRef struct {
	Bucket string
	Key    string
}

// URI renders the reference as an s3:// location.
func (r ObjectRef) URI() string {
	return "s3://" + r.Bucket + "/" + r.Key
}

func (r ObjectRef) String() string { return r.URI() }

// envelope mirrors the subset of the S3 event notification we read.
// Records is kept raw so one malformed record does not discard its siblings.
type envelope struct {
	Records []json.RawMessage `json:"Records"`
}

const objectCreated = "ObjectCreated:"

type record struct {
	EventName string `json:"eventName"`
	S3        struct {
		Bucket struct {
			Name string `json:"name"`
		} `json:"bucket"`
		Object struct {
			Key string `json:"key"`
		} `json:"object"`
	} `json:"s3"`
}

// Parse extracts every object reference from a message body.
//
// Records whose eventName is set and is not an ObjectCreated event, such as
// ObjectRemoved:Delete, announce nothing to load and are skipped.
//
// Parse never fails: a body that is not JSON, not an object, has no Records
// list, or carries records without bucket/key yields no references for the
// affected part. The returned slice is nil when nothing was found.
func Parse(body string) []ObjectRef {
	var env envelope
	if err := json.Unmarshal([]byte(body), &env); err != nil {
		return nil
	}

	var refs []ObjectRef
	for _, raw := range env.Records {
		var rec record
		if err := json.Unmarshal(raw, &rec); err != nil {
			continue
		}
		if rec.EventName != "" && !strings.HasPrefix(rec.EventName, objectCreated) {
			continue
		}
		bucket := rec.S3.Bucket.Name
		key := decodeKey(rec.S3.Object.Key)
		if bucket == "" || key == "" {
			continue
		}
		refs = append(refs, ObjectRef{Bucket: bucket, Key: key})
	}
	return refs
}

// decodeKey undoes the form encoding S3 applies to object keys in event
// notifications ("+" for space, %XX escapes). Keys that fail to decode are
// returned unchanged.
func decodeKey(k string) string {
	if !strings.ContainsAny(k, "+%") {
		return k
	}
	d, err := url.QueryUnescape(k)
	if err != nil {
		return k
	}
	return d
}
