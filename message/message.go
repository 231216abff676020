// Package message turns a raw RFC 5322 message into a typed part tree and
// extracts attachments and the HTML body from it.
package message

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"iter"
	"mime"
	"strings"

	gomessage "github.com/emersion/go-message"
	"github.com/emersion/go-message/mail"
	"golang.org/x/net/html/charset"
	"golang.org/x/text/runes"
	"golang.org/x/text/transform"

	"github.com/dhcgn/mailbox-harvester/model"
)

const maxDepth = 32

// Node is either a *Leaf or a *Multipart.
type Node interface {
	contentType() string
}

// Leaf is a single body part with its transfer encoding already removed.
type Leaf struct {
	Header      gomessage.Header
	ContentType string
	Params      map[string]string
	// Disposition is empty when the part has no Content-Disposition header.
	Disposition string
	Filename    string
	Body        []byte
	// Err is set when the body could not be decoded.
	Err error
}

type Multipart struct {
	Header      gomessage.Header
	ContentType string
	Children    []Node
}

func (l *Leaf) contentType() string      { return l.ContentType }
func (m *Multipart) contentType() string { return m.ContentType }

// IsAttachment reports whether the part carries a Content-Disposition header
// and a filename.
func (l *Leaf) IsAttachment() bool {
	return l.Disposition != "" && l.Filename != ""
}

// DecodeError describes a header value that could not be decoded. The value is
// still used with undecodable bytes replaced.
type DecodeError struct {
	Field string
	Value string
	Err   error
}

func (e *DecodeError) Error() string {
	return fmt.Sprintf("decode %s %q: %v", e.Field, e.Value, e.Err)
}

func (e *DecodeError) Unwrap() error { return e.Err }

// Message is a parsed message.
type Message struct {
	Header mail.Header
	Root   Node
	// Warnings collects problems that did not prevent parsing.
	Warnings []error
}

// Subject returns the decoded subject, or the raw header when it cannot be
// decoded.
func (m *Message) Subject() string {
	subject, err := m.Header.Subject()
	if err != nil {
		return m.Header.Get("Subject")
	}
	return subject
}

// Parse reads the whole message. Unknown charsets and transfer encodings are
// not an error: text is decoded later and attachment bytes are never
// converted.
func Parse(raw []byte) (*Message, error) {
	entity, err := gomessage.Read(bytes.NewReader(raw))
	if err != nil && !recoverable(err) {
		return nil, fmt.Errorf("parse message: %w", err)
	}

	m := &Message{Header: mail.Header{Header: entity.Header}}
	root, err := m.parseEntity(entity, 0)
	if err != nil {
		return nil, err
	}
	m.Root = root
	return m, nil
}

func (m *Message) parseEntity(entity *gomessage.Entity, depth int) (Node, error) {
	if depth > maxDepth {
		return nil, fmt.Errorf("parse message: multipart nesting deeper than %d", maxDepth)
	}

	mediaType, params := "text/plain", map[string]string{}
	if value := entity.Header.Get("Content-Type"); value != "" {
		t, p, err := mime.ParseMediaType(value)
		if err != nil {
			m.Warnings = append(m.Warnings, &DecodeError{Field: "Content-Type", Value: value, Err: err})
			t, _, _ = strings.Cut(strings.ToLower(value), ";")
			t = strings.TrimSpace(t)
		}
		if t != "" {
			mediaType = t
		}
		if p != nil {
			params = p
		}
	}

	if mr := entity.MultipartReader(); mr != nil {
		node := &Multipart{Header: entity.Header, ContentType: mediaType}
		for {
			part, err := mr.NextPart()
			if errors.Is(err, io.EOF) {
				break
			}
			if err != nil && !recoverable(err) {
				m.Warnings = append(m.Warnings, fmt.Errorf("read part of %s: %w", mediaType, err))
				break
			}
			child, err := m.parseEntity(part, depth+1)
			if err != nil {
				return nil, err
			}
			node.Children = append(node.Children, child)
		}
		return node, nil
	}

	leaf := &Leaf{Header: entity.Header, ContentType: mediaType, Params: params}
	leaf.Body, leaf.Err = io.ReadAll(entity.Body)

	// Parameters are decoded here rather than by go-message, which drops
	// values in charsets it cannot convert.
	if value := entity.Header.Get("Content-Disposition"); value != "" {
		disp, dispParams, err := mime.ParseMediaType(value)
		if err != nil && disp == "" {
			disp = "attachment"
		}
		leaf.Disposition = disp

		name := dispParams["filename"]
		if name == "" {
			name = params["name"]
		}
		if name != "" {
			decoded, err := decodeHeaderValue("filename", name)
			if err != nil {
				m.Warnings = append(m.Warnings, err)
			}
			leaf.Filename = decoded
		}
	}

	return leaf, nil
}

// recoverable reports errors after which go-message still hands out a
// readable entity with the body left undecoded.
func recoverable(err error) bool {
	return gomessage.IsUnknownCharset(err) || gomessage.IsUnknownEncoding(err)
}

// Leaves yields every leaf in document order.
func (m *Message) Leaves() iter.Seq[*Leaf] {
	return func(yield func(*Leaf) bool) {
		walk(m.Root, yield)
	}
}

func walk(n Node, yield func(*Leaf) bool) bool {
	switch node := n.(type) {
	case *Leaf:
		return yield(node)
	case *Multipart:
		for _, child := range node.Children {
			if !walk(child, yield) {
				return false
			}
		}
	}
	return true
}

// Attachments yields one payload per attachment. A part whose body could not
// be decoded is yielded together with its error.
func (m *Message) Attachments(id model.MessageID) iter.Seq2[model.Payload, error] {
	return func(yield func(model.Payload, error) bool) {
		for leaf := range m.Leaves() {
			if !leaf.IsAttachment() {
				continue
			}
			p := model.Payload{
				Name:        leaf.Filename,
				ContentType: leaf.ContentType,
				Category:    model.CategoryBlueDart,
				MessageID:   id,
			}
			if leaf.Err != nil {
				if !yield(p, fmt.Errorf("decode attachment %s: %w", leaf.Filename, leaf.Err)) {
					return
				}
				continue
			}
			p.Data = leaf.Body
			if !yield(p, nil) {
				return
			}
		}
	}
}

// HTMLBody returns the first text/html part that is not an attachment,
// decoded to UTF-8.
func (m *Message) HTMLBody() (string, bool) {
	for leaf := range m.Leaves() {
		if leaf.ContentType != "text/html" || strings.EqualFold(leaf.Disposition, "attachment") || leaf.Err != nil {
			continue
		}
		return decodeText(leaf.Body, leaf.Params["charset"]), true
	}
	return "", false
}

var wordDecoder = &mime.WordDecoder{CharsetReader: charset.NewReaderLabel}

func decodeHeaderValue(field, value string) (string, error) {
	decoded, err := wordDecoder.DecodeHeader(value)
	if err != nil {
		return lossyUTF8(value), &DecodeError{Field: field, Value: value, Err: err}
	}
	return lossyUTF8(decoded), nil
}

func decodeText(body []byte, label string) string {
	if label != "" {
		if enc, _ := charset.Lookup(label); enc != nil {
			if out, err := enc.NewDecoder().Bytes(body); err == nil {
				return lossyUTF8(string(out))
			}
		}
	}
	return lossyUTF8(string(body))
}

func lossyUTF8(s string) string {
	out, _, err := transform.String(runes.ReplaceIllFormed(), s)
	if err != nil {
		return strings.ToValidUTF8(s, "�")
	}
	return out
}
