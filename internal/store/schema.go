package store

import (
	"fmt"
	"regexp"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/rhizocam/internal/apperr"
	"github.com/starford/rhizocam/internal/models"
)

// Kind is the declared type of a column.
type Kind int

const (
	KindString Kind = iota
	KindInt
	KindTime
)

func (k Kind) String() string {
	switch k {
	case KindString:
		return "string"
	case KindInt:
		return "int"
	case KindTime:
		return "time"
	}
	return "unknown"
}

// Column is one declared field of a collection.
type Column struct {
	Name     string
	Kind     Kind
	Required bool
}

// Row is a loosely typed record, as handed in by untyped callers.
type Row map[string]any

var schemas = map[string][]Column{
	CollectionImages: {
		{Name: "messageIdentifier", Kind: KindString, Required: true},
		{Name: "cameraIdentifier", Kind: KindString, Required: true},
		{Name: "takenAt", Kind: KindTime, Required: true},
		{Name: "sentAt", Kind: KindTime, Required: true},
		{Name: "receivedAt", Kind: KindTime, Required: true},
		{Name: "path", Kind: KindString, Required: true},
		{Name: "rhizotronNumber", Kind: KindInt, Required: true},
		{Name: "sourcePath", Kind: KindString},
	},
	CollectionFiles: {
		{Name: "path", Kind: KindString, Required: true},
		{Name: "file", Kind: KindString, Required: true},
		{Name: "file_version", Kind: KindString, Required: true},
		{Name: "checksum", Kind: KindString},
		{Name: "size", Kind: KindInt},
		{Name: "content_type", Kind: KindString},
		{Name: "updated_at", Kind: KindTime},
	},
}

// Columns returns the declared columns of a collection.
func Columns(collection string) ([]Column, bool) {
	cols, ok := schemas[collection]
	return cols, ok
}

func violation(collection, format string, args ...any) error {
	return fmt.Errorf("store: %s: %w: %s", collection, apperr.ErrSchemaViolation, fmt.Sprintf(format, args...))
}

// checkRow verifies that row only carries declared columns of the declared kinds.
func checkRow(collection string, row Row) error {
	cols, ok := schemas[collection]
	if !ok {
		return violation(collection, "unknown collection")
	}
	declared := make(map[string]Column, len(cols))
	for _, c := range cols {
		declared[c.Name] = c
		if _, present := row[c.Name]; !present && c.Required {
			return violation(collection, "missing column %q", c.Name)
		}
	}
	for name, v := range row {
		c, ok := declared[name]
		if !ok {
			return violation(collection, "unknown column %q", name)
		}
		if !kindMatches(c.Kind, v) {
			return violation(collection, "column %q: want %s, got %T", name, c.Kind, v)
		}
	}
	return nil
}

func kindMatches(k Kind, v any) bool {
	switch k {
	case KindString:
		_, ok := v.(string)
		return ok
	case KindInt:
		switch n := v.(type) {
		case int, int32, int64:
			return true
		case float64:
			// JSON numbers decode to float64; accept integral values only.
			return n == float64(int64(n))
		}
		return false
	case KindTime:
		_, ok := v.(time.Time)
		return ok
	}
	return false
}

func toInt(v any) int {
	switch n := v.(type) {
	case int:
		return n
	case int32:
		return int(n)
	case int64:
		return int(n)
	case float64:
		return int(n)
	}
	return 0
}

func str(row Row, key string) string {
	s, _ := row[key].(string)
	return s
}

func tm(row Row, key string) time.Time {
	t, _ := row[key].(time.Time)
	return t
}

func imageFromRow(row Row) *models.ImageRecord {
	return &models.ImageRecord{
		MessageIdentifier: str(row, "messageIdentifier"),
		CameraIdentifier:  str(row, "cameraIdentifier"),
		TakenAt:           tm(row, "takenAt"),
		SentAt:            tm(row, "sentAt"),
		ReceivedAt:        tm(row, "receivedAt"),
		Path:              str(row, "path"),
		RhizotronNumber:   toInt(row["rhizotronNumber"]),
		SourcePath:        str(row, "sourcePath"),
	}
}

func fileFromRow(row Row) *models.FileRecord {
	return &models.FileRecord{
		Path:        str(row, "path"),
		File:        str(row, "file"),
		FileVersion: str(row, "file_version"),
		Checksum:    str(row, "checksum"),
		Size:        int64(toInt(row["size"])),
		ContentType: str(row, "content_type"),
		UpdatedAt:   tm(row, "updated_at"),
	}
}

var versionTag = regexp.MustCompile(`^v[1-9][0-9]*$`)

var storedPathRule = validation.By(func(value any) error {
	s, _ := value.(string)
	if s == "" {
		return nil
	}
	_, err := models.ParseStoredPath(s)
	return err
})

func validateImage(r *models.ImageRecord) error {
	err := validation.ValidateStruct(r,
		validation.Field(&r.MessageIdentifier, validation.Required),
		validation.Field(&r.CameraIdentifier, validation.Required),
		validation.Field(&r.TakenAt, validation.Required),
		validation.Field(&r.SentAt, validation.Required),
		validation.Field(&r.ReceivedAt, validation.Required),
		validation.Field(&r.Path, validation.Required, storedPathRule),
		validation.Field(&r.RhizotronNumber, validation.Min(0)),
	)
	if err != nil {
		return violation(CollectionImages, "%v", err)
	}
	return nil
}

func validateFile(r *models.FileRecord) error {
	err := validation.ValidateStruct(r,
		validation.Field(&r.Path, validation.Required),
		validation.Field(&r.File, validation.Required, storedPathRule),
		validation.Field(&r.FileVersion, validation.Required, validation.Match(versionTag)),
		validation.Field(&r.Size, validation.Min(int64(0))),
	)
	if err != nil {
		return violation(CollectionFiles, "%v", err)
	}
	return nil
}
