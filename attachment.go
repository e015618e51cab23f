package chatsync

import (
	"fmt"
	"strings"
)

// DefaultAllowedMimeTypes lists accepted attachment types.
var DefaultAllowedMimeTypes = map[string]MessageKind{
	"image/png":          KindImage,
	"image/jpeg":         KindImage,
	"image/gif":          KindImage,
	"image/webp":         KindImage,
	"application/pdf":    KindFile,
	"application/msword": KindFile,
	"application/vnd.openxmlformats-officedocument.wordprocessingml.document":   KindFile,
	"application/vnd.openxmlformats-officedocument.presentationml.presentation": KindFile,
	"application/vnd.openxmlformats-officedocument.spreadsheetml.sheet":         KindFile,
	"application/zip": KindFile,
	"text/plain":      KindFile,
	"text/markdown":   KindFile,
}

// Attachment is a validated file ready for upload.
type Attachment struct {
	FileName string
	MimeType string
	Kind     MessageKind
	Data     []byte
}

// ValidateAttachment checks name, size and type before any network call.
func ValidateAttachment(fileName string, data []byte, maxSize int64, allowed map[string]MessageKind) (*Attachment, error) {
	name := strings.TrimSpace(fileName)
	if name == "" {
		return nil, &ValidationError{Field: "fileName", Reason: "required"}
	}
	if len(data) == 0 {
		return nil, &ValidationError{Field: "file", Reason: "empty"}
	}
	if int64(len(data)) > maxSize {
		return nil, &ValidationError{
			Field:  "file",
			Reason: fmt.Sprintf("%d bytes exceeds the %d byte limit", len(data), maxSize),
		}
	}
	mimeType := guessMimeType(name)
	kind, ok := allowed[mimeType]
	if !ok {
		return nil, &ValidationError{Field: "file", Reason: "type " + mimeType + " is not allowed"}
	}
	return &Attachment{FileName: name, MimeType: mimeType, Kind: kind, Data: data}, nil
}
