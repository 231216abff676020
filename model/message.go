package model

import "time"

// MessageID identifies a message within one mailbox source. It is assigned by
// the source and never changes.
type MessageID string

// Fingerprint is the hex encoded SHA-256 digest of a payload.
type Fingerprint string

// Category is a storage root. Each category is its own filename namespace.
type Category string

const (
	// CategoryBlueDart holds files delivered as mail attachments.
	CategoryBlueDart Category = "bluedart"
	// CategoryDelhivery holds documents fetched from partner links.
	CategoryDelhivery Category = "delhivery"
)

// Categories lists every storage root in a stable order.
func Categories() []Category {
	return []Category{CategoryBlueDart, CategoryDelhivery}
}

// Message is a raw message as handed over by a mailbox source.
type Message struct {
	ID         MessageID
	ReceivedAt time.Time
	Size       int64
	Raw        []byte
}

// Payload is a candidate file taken from a message or a linked document.
type Payload struct {
	Name        string
	ContentType string
	Data        []byte
	Category    Category
	MessageID   MessageID
	// Source is the URL a linked document was fetched from.
	Source string
}

// StoredEntry is a payload that made it to disk.
type StoredEntry struct {
	Fingerprint Fingerprint
	Category    Category
	Name        string
	// Path is relative to the download root, slash separated.
	Path string
}
