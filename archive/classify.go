package archive

import (
	"bytes"
	"path/filepath"
	"strings"
)

// Kind separates payloads that get expanded from payloads stored as they are.
type Kind int

const (
	KindDocument Kind = iota
	KindArchive
)

func (k Kind) String() string {
	if k == KindArchive {
		return "archive"
	}
	return "document"
}

// Classification is the verdict for one payload, including the name it should
// be stored under.
type Classification struct {
	Kind Kind
	Name string
}

var zipSignature = []byte("PK\x03\x04")

// Office and similar formats are zip containers but must be kept whole.
var containerDocuments = map[string]struct{}{
	".xlsx": {}, ".xlsm": {}, ".xltx": {}, ".xlsb": {},
	".docx": {}, ".docm": {}, ".dotx": {},
	".pptx": {}, ".pptm": {},
	".odt": {}, ".ods": {}, ".odp": {},
	".epub": {}, ".jar": {}, ".apk": {}, ".xps": {},
}

// Classify decides whether a payload is an archive. The declared content type
// and the zip signature are both consulted because servers mislabel content.
// Names without a recognizable extension get ".zip" for archives and
// defaultExt for documents.
func Classify(data []byte, declaredType, name, defaultExt string) Classification {
	ext := strings.ToLower(filepath.Ext(name))

	if _, ok := containerDocuments[ext]; ok {
		return Classification{Kind: KindDocument, Name: name}
	}

	isArchive := ext == ".zip" ||
		zipMediaType(declaredType) ||
		bytes.HasPrefix(data, zipSignature)

	if isArchive {
		if !recognizableExt(ext) {
			name += ".zip"
		}
		return Classification{Kind: KindArchive, Name: name}
	}

	if !recognizableExt(ext) && defaultExt != "" {
		if !strings.HasPrefix(defaultExt, ".") {
			defaultExt = "." + defaultExt
		}
		name += defaultExt
	}
	return Classification{Kind: KindDocument, Name: name}
}

// zipMediaType matches zip as a subtype token, so application/zip and
// application/x-zip-compressed count but application/gzip does not.
func zipMediaType(declared string) bool {
	mediaType, _, _ := strings.Cut(strings.ToLower(declared), ";")
	_, subtype, ok := strings.Cut(strings.TrimSpace(mediaType), "/")
	if !ok {
		return false
	}
	tokens := strings.FieldsFunc(subtype, func(r rune) bool {
		return r == '-' || r == '.' || r == '+'
	})
	for _, token := range tokens {
		if token == "zip" {
			return true
		}
	}
	return false
}

// recognizableExt accepts short alphanumeric extensions with at least one
// letter, so "inv.2024" or "x.123_20240101" count as extensionless.
func recognizableExt(ext string) bool {
	if len(ext) < 2 || len(ext) > 6 {
		return false
	}
	letters := 0
	for _, r := range ext[1:] {
		switch {
		case r >= 'a' && r <= 'z':
			letters++
		case r >= '0' && r <= '9':
		default:
			return false
		}
	}
	return letters > 0
}
