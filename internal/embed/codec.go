// Package embed appends and extracts the serialized comment collection at
// the tail of a markdown document. The visible body stays untouched and
// readable by other tools; comment metadata rides in a single delimited
// JSON block after it.
//
// The JSON originates from a file and is therefore untrusted: decoding is
// allow-listed field by field, and object keys that name reserved
// object internals are dropped outright.
package embed

import (
	"encoding/json"
	"log"
	"strings"

	"inkdown/api/internal/comments"
)

const (
	StartMarker = "<comments-data-start>"
	EndMarker   = "<comments-data-end>"
)

// Embed appends the comment collection to the body inside the delimited
// block. An empty collection is a no-op returning the body unchanged, so
// files that never had comments never grow a block.
func Embed(body string, list []*comments.Comment) string {
	if len(list) == 0 {
		return body
	}
	payload, err := json.MarshalIndent(list, "", "  ")
	if err != nil {
		// Comment values are plain data; this cannot happen with valid
		// records, but the codec must stay total.
		log.Printf("embed: marshal comments: %v", err)
		return body
	}
	var b strings.Builder
	b.WriteString(body)
	b.WriteString("\n\n")
	b.WriteString(StartMarker)
	b.WriteString("\n")
	b.Write(payload)
	b.WriteString("\n")
	b.WriteString(EndMarker)
	b.WriteString("\n")
	return b.String()
}

// Extract splits a persisted file into clean body text and the decoded
// comment collection. A missing block returns the input unchanged with an
// empty list. A malformed block is logged, stripped, and degrades to an
// empty list; Extract never fails the caller's load.
func Extract(markdown string) (string, []*comments.Comment) {
	start := strings.LastIndex(markdown, StartMarker)
	if start < 0 {
		return markdown, nil
	}

	body := strings.TrimSuffix(markdown[:start], "\n\n")
	rest := markdown[start+len(StartMarker):]
	end := strings.Index(rest, EndMarker)
	if end < 0 {
		log.Printf("embed: comment block missing end marker, dropping block")
		return body, nil
	}
	if tail := strings.TrimSpace(rest[end+len(EndMarker):]); tail != "" {
		// Content after the block means this is not the trailing data
		// block; leave the document alone rather than guess.
		return markdown, nil
	}

	list, err := decodeComments([]byte(strings.TrimSpace(rest[:end])))
	if err != nil {
		log.Printf("embed: malformed comment block: %v", err)
		return body, nil
	}
	return body, list
}

// Decoding. Each object passes through an allow-list before it reaches the
// typed records; unknown keys are dropped, reserved key names (prototype
// pollution vectors) are dropped with a log line.

var reservedKeys = map[string]struct{}{
	"__proto__":   {},
	"constructor": {},
	"prototype":   {},
}

var authorKeys = map[string]struct{}{
	"id": {}, "name": {}, "email": {}, "avatar": {},
}

var replyKeys = map[string]struct{}{
	"id": {}, "text": {}, "author": {}, "createdAt": {}, "mentions": {},
}

var commentKeys = map[string]struct{}{
	"id": {}, "text": {}, "author": {}, "createdAt": {}, "updatedAt": {},
	"resolved": {}, "resolvedBy": {}, "resolvedAt": {}, "quotedText": {},
	"mentions": {}, "assignedTo": {}, "taskDueDate": {}, "taskCompleted": {},
	"replies": {},
}

func decodeComments(payload []byte) ([]*comments.Comment, error) {
	var rawList []json.RawMessage
	if err := json.Unmarshal(payload, &rawList); err != nil {
		return nil, err
	}
	out := make([]*comments.Comment, 0, len(rawList))
	for _, raw := range rawList {
		clean, err := sanitizeComment(raw)
		if err != nil {
			return nil, err
		}
		var c comments.Comment
		if err := json.Unmarshal(clean, &c); err != nil {
			return nil, err
		}
		if c.ID == "" {
			return nil, errMissingID
		}
		out = append(out, &c)
	}
	return out, nil
}

var errMissingID = jsonError("comment record has no id")

type jsonError string

func (e jsonError) Error() string { return string(e) }

func sanitizeComment(raw json.RawMessage) (json.RawMessage, error) {
	obj, err := filterKeys(raw, commentKeys)
	if err != nil {
		return nil, err
	}
	for _, key := range []string{"author", "resolvedBy", "assignedTo"} {
		if v, ok := obj[key]; ok && !isNull(v) {
			if obj[key], err = marshalFiltered(v, authorKeys); err != nil {
				return nil, err
			}
		}
	}
	if v, ok := obj["mentions"]; ok && !isNull(v) {
		if obj["mentions"], err = sanitizeAuthorList(v); err != nil {
			return nil, err
		}
	}
	if v, ok := obj["replies"]; ok && !isNull(v) {
		if obj["replies"], err = sanitizeReplyList(v); err != nil {
			return nil, err
		}
	}
	return json.Marshal(obj)
}

func sanitizeReplyList(raw json.RawMessage) (json.RawMessage, error) {
	var rawList []json.RawMessage
	if err := json.Unmarshal(raw, &rawList); err != nil {
		return nil, err
	}
	out := make([]json.RawMessage, 0, len(rawList))
	for _, r := range rawList {
		obj, err := filterKeys(r, replyKeys)
		if err != nil {
			return nil, err
		}
		if v, ok := obj["author"]; ok && !isNull(v) {
			if obj["author"], err = marshalFiltered(v, authorKeys); err != nil {
				return nil, err
			}
		}
		if v, ok := obj["mentions"]; ok && !isNull(v) {
			if obj["mentions"], err = sanitizeAuthorList(v); err != nil {
				return nil, err
			}
		}
		clean, err := json.Marshal(obj)
		if err != nil {
			return nil, err
		}
		out = append(out, clean)
	}
	return json.Marshal(out)
}

func sanitizeAuthorList(raw json.RawMessage) (json.RawMessage, error) {
	var rawList []json.RawMessage
	if err := json.Unmarshal(raw, &rawList); err != nil {
		return nil, err
	}
	out := make([]json.RawMessage, 0, len(rawList))
	for _, r := range rawList {
		clean, err := marshalFiltered(r, authorKeys)
		if err != nil {
			return nil, err
		}
		out = append(out, clean)
	}
	return json.Marshal(out)
}

func marshalFiltered(raw json.RawMessage, allowed map[string]struct{}) (json.RawMessage, error) {
	obj, err := filterKeys(raw, allowed)
	if err != nil {
		return nil, err
	}
	return json.Marshal(obj)
}

func filterKeys(raw json.RawMessage, allowed map[string]struct{}) (map[string]json.RawMessage, error) {
	var obj map[string]json.RawMessage
	if err := json.Unmarshal(raw, &obj); err != nil {
		return nil, err
	}
	for key := range obj {
		if _, reserved := reservedKeys[key]; reserved {
			log.Printf("embed: dropping reserved key %q from comment data", key)
			delete(obj, key)
			continue
		}
		if _, ok := allowed[key]; !ok {
			delete(obj, key)
		}
	}
	return obj, nil
}

func isNull(raw json.RawMessage) bool {
	return len(raw) == 0 || string(raw) == "null"
}
