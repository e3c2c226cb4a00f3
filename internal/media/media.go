// Package media stores chat attachments in object storage and hands back their URL.
package media

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/google/uuid"

	"roamlist/api/internal/apperr"
	"roamlist/api/internal/logger"
)

type Kind string

const (
	KindVoice Kind = "voice"
	KindImage Kind = "image"
)

// sniffBytes matches what mimetype reads by default.
const sniffBytes = 3072

const DefaultMaxBytes = 25 << 20

var ErrNotConfigured = errors.New("object storage not configured")

func ParseKind(raw string) (Kind, error) {
	switch Kind(strings.ToLower(strings.TrimSpace(raw))) {
	case KindVoice:
		return KindVoice, nil
	case KindImage:
		return KindImage, nil
	default:
		return "", apperr.InvalidArgument("kind must be voice or image")
	}
}

// Some recorders wrap audio in a video container; those count as voice notes.
var voiceContainers = map[string]bool{
	"video/webm":      true,
	"video/mp4":       true,
	"application/ogg": true,
}

// Sniff detects the content type from the first bytes of an upload and checks it
// against kind. It returns the detected MIME type and its file extension.
func Sniff(head []byte, kind Kind) (string, string, error) {
	detected := mimetype.Detect(head)
	mediaType := detected.String()
	if i := strings.IndexByte(mediaType, ';'); i >= 0 {
		mediaType = mediaType[:i]
	}

	var ok bool
	switch kind {
	case KindVoice:
		ok = strings.HasPrefix(mediaType, "audio/") || voiceContainers[mediaType]
	case KindImage:
		ok = strings.HasPrefix(mediaType, "image/")
	}
	if !ok {
		return "", "", apperr.InvalidArgument("%s upload has content type %s", kind, mediaType)
	}
	return mediaType, detected.Extension(), nil
}

// ObjectStore persists one object and returns the URL clients fetch it from.
type ObjectStore interface {
	Put(ctx context.Context, key string, body io.Reader, size int64, contentType string) (string, error)
	Delete(ctx context.Context, key string) error
}

type Upload struct {
	Key         string `json:"-"`
	URL         string `json:"url"`
	ContentType string `json:"contentType"`
	Size        int64  `json:"size"`
}

type Uploader struct {
	objects  ObjectStore
	maxBytes int64
	log      *logger.Logger
}

func NewUploader(objects ObjectStore, maxBytes int64, log *logger.Logger) *Uploader {
	if maxBytes <= 0 {
		maxBytes = DefaultMaxBytes
	}
	if log == nil {
		log = logger.NewNop()
	}
	return &Uploader{objects: objects, maxBytes: maxBytes, log: log.With("component", "media")}
}

// Put validates and stores one attachment for groupID. size may be -1 when unknown.
func (u *Uploader) Put(ctx context.Context, groupID string, kind Kind, body io.Reader, size int64) (Upload, error) {
	if u == nil || u.objects == nil {
		return Upload{}, apperr.Transient("%v", ErrNotConfigured)
	}
	if size > u.maxBytes {
		return Upload{}, apperr.InvalidArgument("upload exceeds %d bytes", u.maxBytes)
	}

	head := make([]byte, sniffBytes)
	n, err := io.ReadFull(body, head)
	if err != nil && !errors.Is(err, io.ErrUnexpectedEOF) && !errors.Is(err, io.EOF) {
		return Upload{}, fmt.Errorf("read upload: %w", err)
	}
	head = head[:n]
	if n == 0 {
		return Upload{}, apperr.InvalidArgument("upload is empty")
	}

	contentType, ext, err := Sniff(head, kind)
	if err != nil {
		return Upload{}, err
	}

	key := fmt.Sprintf("groups/%s/%s/%s%s", groupID, kind, uuid.NewString(), ext)
	url, err := u.objects.Put(ctx, key, io.MultiReader(bytes.NewReader(head), body), size, contentType)
	if err != nil {
		return Upload{}, fmt.Errorf("store %s upload: %w", kind, err)
	}
	u.log.Info("media stored", "groupId", groupID, "kind", kind, "key", key, "contentType", contentType)
	return Upload{Key: key, URL: url, ContentType: contentType, Size: size}, nil
}

// Discard removes an upload no message ended up referencing. Failures are logged only.
func (u *Uploader) Discard(ctx context.Context, upload Upload) {
	if u == nil || u.objects == nil || upload.Key == "" {
		return
	}
	if err := u.objects.Delete(context.WithoutCancel(ctx), upload.Key); err != nil {
		u.log.Warn("discard media failed", "key", upload.Key, "error", err)
		return
	}
	u.log.Info("media discarded", "key", upload.Key)
}
