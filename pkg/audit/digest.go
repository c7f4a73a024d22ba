package audit

import (
	"bytes"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"hash"
	"strconv"
	"time"
)

// Digest is the hex encoded SHA-256 fingerprint of an event's decision record
type Digest string

const fieldDelimiter = "|"

// ComputeDigest fingerprints the hashed subset of an event:
// id, organization, actor, type, description, timestamp and a hash of the metadata.
// Before/after state, security context and compliance tags are deliberately left out
// so they can be redacted without breaking verification.
//
// Each field is written as "<byte length>:<value>|". An absent optional field is the
// empty string.
func ComputeDigest(e Event) (Digest, error) {
	metaHash, err := metadataHash(e.payload.Metadata)
	if err != nil {
		return "", fmt.Errorf("failed to hash metadata: %w", err)
	}

	h := sha256.New()
	for _, field := range []string{
		e.id,
		e.organizationID,
		e.actorID,
		string(e.eventType),
		e.description,
		canonicalTime(e.timestamp),
		metaHash,
	} {
		writeField(h, field)
	}

	return Digest(hex.EncodeToString(h.Sum(nil))), nil
}

// Verify recomputes the digest over the event's current values and compares it with
// the stored one
func Verify(e Event) bool {
	if e.digest == "" {
		return false
	}
	computed, err := ComputeDigest(e)
	if err != nil {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(computed), []byte(e.digest)) == 1
}

// seal stamps the digest onto a freshly built event
func seal(e Event) (Event, error) {
	d, err := ComputeDigest(e)
	if err != nil {
		return Event{}, err
	}
	e.digest = d
	return e, nil
}

func writeField(h hash.Hash, value string) {
	h.Write([]byte(strconv.Itoa(len(value))))
	h.Write([]byte(":"))
	h.Write([]byte(value))
	h.Write([]byte(fieldDelimiter))
}

func canonicalTime(t time.Time) string {
	return t.UTC().Format(time.RFC3339Nano)
}

func metadataHash(metadata map[string]interface{}) (string, error) {
	if metadata == nil {
		metadata = map[string]interface{}{}
	}
	canonical, err := StableJSON(metadata)
	if err != nil {
		return "", err
	}
	sum := sha256.Sum256(canonical)
	return hex.EncodeToString(sum[:]), nil
}

// StableJSON encodes v with deterministic key ordering. Values are normalised through
// a JSON round trip first, so an int and the float64 it decodes to hash the same.
func StableJSON(v interface{}) ([]byte, error) {
	stable, err := normalize(v)
	if err != nil {
		return nil, err
	}
	buf := &bytes.Buffer{}
	enc := json.NewEncoder(buf)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(stable); err != nil {
		return nil, err
	}
	return bytes.TrimSpace(buf.Bytes()), nil
}

func normalize(v interface{}) (interface{}, error) {
	switch val := v.(type) {
	case map[string]interface{}:
		// encoding/json writes map keys in sorted order
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			nv, err := normalize(item)
			if err != nil {
				return nil, err
			}
			out[k] = nv
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, 0, len(val))
		for _, item := range val {
			nv, err := normalize(item)
			if err != nil {
				return nil, err
			}
			out = append(out, nv)
		}
		return out, nil
	case json.Number:
		return val.String(), nil
	case string, float64, bool, nil:
		return val, nil
	default:
		b, err := json.Marshal(val)
		if err != nil {
			return nil, fmt.Errorf("normalize: %w", err)
		}
		var decoded interface{}
		if err := json.Unmarshal(b, &decoded); err != nil {
			return nil, fmt.Errorf("normalize: %w", err)
		}
		return normalize(decoded)
	}
}
