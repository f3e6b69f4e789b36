package ingest

import (
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	validation "github.com/go-ozzo/ozzo-validation/v4"

	"github.com/starford/rhizocam/internal/apperr"
	"github.com/starford/rhizocam/internal/s3i"
)

// ImageValueType is the value type of camera image payloads.
const ImageValueType = "b64 jpeg"

// errNotImage marks a well-formed message that carries no camera image.
var errNotImage = errors.New("ingest: not an image message")

// ImageValue is the value a camera sends in a getValueReply or event.
type ImageValue struct {
	Type    string `json:"type"`
	Path    string `json:"path"`
	TakenAt int64  `json:"takenAt"`
	Image   string `json:"image"`
	// SentAt is set by newer camera firmware, in unix seconds.
	SentAt          *int64 `json:"sentAt,omitempty"`
	RhizotronNumber *int   `json:"rhizotronNumber,omitempty"`
}

// Validate checks the fields every image value must carry.
func (v ImageValue) Validate() error {
	return validation.ValidateStruct(&v,
		validation.Field(&v.Type, validation.Required, validation.In(ImageValueType)),
		validation.Field(&v.TakenAt, validation.Required, validation.Min(int64(1))),
		validation.Field(&v.Image, validation.Required),
		validation.Field(&v.RhizotronNumber, validation.Min(0)),
	)
}

// ImageEvent is a decoded, validated image message.
type ImageEvent struct {
	MessageIdentifier string
	CameraIdentifier  string
	TakenAt           time.Time
	// SentAt is zero when the message does not say when it was sent.
	SentAt          time.Time
	SourcePath      string
	RhizotronNumber int
	Payload         []byte
}

// ParseEvent decodes an S3I message body. Messages that are not camera images
// yield errNotImage; anything unusable yields apperr.ErrMalformedEvent.
func ParseEvent(body []byte) (*ImageEvent, error) {
	msg, err := s3i.Decode(body)
	if errors.Is(err, s3i.ErrUnknownMessageType) {
		return nil, errNotImage
	}
	if err != nil {
		return nil, malformed(err)
	}
	if msg.MessageType != s3i.TypeGetValueReply && msg.MessageType != s3i.TypeEventMessage {
		return nil, errNotImage
	}

	payload := msg.Payload()
	var head struct {
		Type string `json:"type"`
	}
	if len(payload) == 0 || json.Unmarshal(payload, &head) != nil || head.Type != ImageValueType {
		return nil, errNotImage
	}

	var v ImageValue
	if err := json.Unmarshal(payload, &v); err != nil {
		return nil, malformed(fmt.Errorf("value: %w", err))
	}
	if err := validation.ValidateStruct(msg,
		validation.Field(&msg.Sender, validation.Required),
		validation.Field(&msg.Identifier, validation.Required),
	); err != nil {
		return nil, malformed(err)
	}
	if err := v.Validate(); err != nil {
		return nil, malformed(fmt.Errorf("value: %w", err))
	}
	image, err := decodeBase64(v.Image)
	if err != nil {
		return nil, malformed(fmt.Errorf("value: image: %w", err))
	}
	if len(image) == 0 {
		return nil, malformed(errors.New("value: image: empty payload"))
	}

	ev := &ImageEvent{
		MessageIdentifier: msg.Identifier,
		CameraIdentifier:  msg.Sender,
		TakenAt:           time.Unix(v.TakenAt, 0).UTC(),
		SourcePath:        v.Path,
		Payload:           image,
	}
	switch {
	case msg.Timestamp > 0:
		ev.SentAt = time.UnixMilli(msg.Timestamp).UTC()
	case v.SentAt != nil && *v.SentAt > 0:
		ev.SentAt = time.Unix(*v.SentAt, 0).UTC()
	}
	if v.RhizotronNumber != nil {
		ev.RhizotronNumber = *v.RhizotronNumber
	}
	return ev, nil
}

// decodeBase64 accepts standard and URL-safe alphabets, padded or not,
// with embedded line breaks.
func decodeBase64(s string) ([]byte, error) {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '\n', '\r', ' ', '\t':
			return -1
		}
		return r
	}, s)
	var firstErr error
	for _, enc := range []*base64.Encoding{base64.StdEncoding, base64.RawStdEncoding, base64.URLEncoding, base64.RawURLEncoding} {
		b, err := enc.DecodeString(s)
		if err == nil {
			return b, nil
		}
		if firstErr == nil {
			firstErr = err
		}
	}
	return nil, firstErr
}

func malformed(err error) error {
	return fmt.Errorf("%w: %w", apperr.ErrMalformedEvent, err)
}

// ImagePath is the blob path an image is materialized under.
func ImagePath(cameraIdentifier, messageIdentifier string) string {
	return "images/" + pathSegment(cameraIdentifier) + "/" + pathSegment(messageIdentifier) + ".jpg"
}

// pathSegment makes an identifier safe to use as a single path element.
// S3I identifiers look like "s3i:<uuid>"; ':' is kept, separators are not.
func pathSegment(s string) string {
	s = strings.Map(func(r rune) rune {
		switch r {
		case '/', '\\', 0:
			return '_'
		}
		return r
	}, s)
	if s == "." || s == ".." {
		return "_" + s
	}
	return s
}
