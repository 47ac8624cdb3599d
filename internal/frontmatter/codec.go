// Package frontmatter round-trips notes to and from Markdown files
// with a YAML front-matter header.
package frontmatter

import (
	"bytes"
	"fmt"
	"regexp"
	"sort"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/flintnotes/flintsync/internal/apperr"
	"github.com/flintnotes/flintsync/internal/models"
)

// Front-matter keys the engine owns. Anything else is preserved
// verbatim in Note.Extra and re-emitted on encode.
const (
	keyID         = "id"
	keyTitle      = "title"
	keyKind       = "kind"
	keyArchived   = "archived"
	keyCreated    = "created"
	keyUpdated    = "updated"
	keyProperties = "properties"
)

// Encode serializes a note as YAML front matter followed by the
// Markdown body. Engine keys come first in a fixed order, then the
// preserved unknown keys sorted by name.
func Encode(n models.Note) ([]byte, error) {
	root := &yaml.Node{Kind: yaml.MappingNode}
	add := func(key string, val any) error {
		kn := &yaml.Node{Kind: yaml.ScalarNode, Value: key}
		vn := &yaml.Node{}
		if err := vn.Encode(val); err != nil {
			return fmt.Errorf("frontmatter: encode %s: %w", key, err)
		}
		root.Content = append(root.Content, kn, vn)
		return nil
	}

	if err := add(keyID, n.ID); err != nil {
		return nil, err
	}
	if err := add(keyTitle, n.Title); err != nil {
		return nil, err
	}
	kind := n.Kind
	if kind == "" {
		kind = models.KindMarkdown
	}
	if err := add(keyKind, string(kind)); err != nil {
		return nil, err
	}
	if !n.CreatedAt.IsZero() {
		if err := add(keyCreated, n.CreatedAt.UTC().Format(time.RFC3339)); err != nil {
			return nil, err
		}
	}
	if !n.UpdatedAt.IsZero() {
		if err := add(keyUpdated, n.UpdatedAt.UTC().Format(time.RFC3339)); err != nil {
			return nil, err
		}
	}
	if n.Archived {
		if err := add(keyArchived, true); err != nil {
			return nil, err
		}
	}
	if len(n.Properties) > 0 {
		if err := add(keyProperties, n.Properties); err != nil {
			return nil, err
		}
	}

	extraKeys := make([]string, 0, len(n.Extra))
	for k := range n.Extra {
		extraKeys = append(extraKeys, k)
	}
	sort.Strings(extraKeys)
	for _, k := range extraKeys {
		if err := add(k, n.Extra[k]); err != nil {
			return nil, err
		}
	}

	header, err := yaml.Marshal(root)
	if err != nil {
		return nil, fmt.Errorf("frontmatter: marshal header: %w", err)
	}

	var buf bytes.Buffer
	buf.WriteString("---\n")
	buf.Write(header)
	buf.WriteString("---\n")
	buf.WriteString(n.Body)
	if !strings.HasSuffix(n.Body, "\n") {
		buf.WriteString("\n")
	}
	return buf.Bytes(), nil
}

// Decode parses a Markdown file into a note. Files without front
// matter, with malformed YAML, or without an id key fail with
// apperr.ErrDecode; the caller treats them as opaque unmanaged
// content. Unknown front-matter keys land in Note.Extra.
func Decode(data []byte) (*models.Note, error) {
	fm, body, ok := splitFrontmatter(data)
	if !ok {
		return nil, fmt.Errorf("frontmatter: no parseable header: %w", apperr.ErrDecode)
	}

	id, _ := fm[keyID].(string)
	if id == "" {
		return nil, fmt.Errorf("frontmatter: missing id: %w", apperr.ErrDecode)
	}

	n := &models.Note{
		ID:   id,
		Body: body,
		Kind: models.KindMarkdown,
	}

	for k, v := range fm {
		switch k {
		case keyID:
			// already consumed
		case keyTitle:
			if s, ok := v.(string); ok {
				n.Title = s
			}
		case keyKind:
			if s, ok := v.(string); ok && s != "" {
				n.Kind = models.NoteKind(s)
			}
		case keyArchived:
			if b, ok := v.(bool); ok {
				n.Archived = b
			}
		case keyCreated:
			n.CreatedAt = parseTime(v)
		case keyUpdated:
			n.UpdatedAt = parseTime(v)
		case keyProperties:
			if m, ok := v.(map[string]any); ok {
				n.Properties = m
			}
		default:
			if n.Extra == nil {
				n.Extra = make(map[string]any)
			}
			n.Extra[k] = v
		}
	}

	return n, nil
}

// splitFrontmatter separates the YAML header (between leading ---
// delimiters) from the Markdown body. ok is false when there is no
// header or the YAML does not parse.
func splitFrontmatter(data []byte) (map[string]any, string, bool) {
	const delim = "---"
	trimmed := bytes.TrimLeft(data, "\n\r")

	if !bytes.HasPrefix(trimmed, []byte(delim)) {
		return nil, string(data), false
	}

	rest := trimmed[len(delim):]
	idx := bytes.Index(rest, []byte("\n"+delim))
	if idx < 0 {
		return nil, string(data), false
	}

	yamlBlock := rest[:idx]
	afterDelim := rest[idx+1+len(delim):]
	body := strings.TrimLeft(string(afterDelim), "\n\r")

	var fm map[string]any
	if err := yaml.Unmarshal(yamlBlock, &fm); err != nil || fm == nil {
		return nil, string(data), false
	}
	return fm, body, true
}

func parseTime(v any) time.Time {
	switch t := v.(type) {
	case time.Time:
		return t
	case string:
		for _, layout := range []string{time.RFC3339, "2006-01-02"} {
			if ts, err := time.Parse(layout, t); err == nil {
				return ts
			}
		}
	}
	return time.Time{}
}

var unsafeFilenameRe = regexp.MustCompile(`[\\/:*?"<>|]+`)

// Filename derives a vault-relative .md filename from a note title,
// falling back to the note id for empty or fully-sanitized titles.
// exists reports whether a candidate path is already taken; collisions
// get a numeric suffix.
func Filename(title, id string, exists func(string) bool) string {
	stem := strings.TrimSpace(unsafeFilenameRe.ReplaceAllString(title, " "))
	stem = strings.Join(strings.Fields(stem), " ")
	if stem == "" {
		stem = id
	}

	candidate := stem + ".md"
	if exists == nil || !exists(candidate) {
		return candidate
	}
	for i := 2; ; i++ {
		candidate = fmt.Sprintf("%s-%d.md", stem, i)
		if !exists(candidate) {
			return candidate
		}
	}
}
