package hub

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"time"
)

const (
	attachmentTTL     = 24 * time.Hour
	maxAttachmentSize = 25 * 1024 * 1024
)

// Attachment is the metadata carried in session events; the bytes live in
// the content-addressed store and are fetched by id.
type Attachment struct {
	AttachmentID string    `json:"attachmentId"`
	Filename     string    `json:"filename"`
	MimeType     string    `json:"mimeType"`
	Size         int64     `json:"size"`
	ExpiresAt    time.Time `json:"expiresAt"`
}

// AttachmentStore keeps uploaded files under <dir>/<sha256-prefix>, keyed by
// content hash so duplicate uploads share storage. Metadata sits alongside
// as .meta.json; expired entries are swept in the background.
type AttachmentStore struct {
	dir string
	mu  sync.Mutex
}

func NewAttachmentStore(dir string) (*AttachmentStore, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create attachments dir: %w", err)
	}
	as := &AttachmentStore{dir: dir}
	go as.sweepLoop()
	return as, nil
}

// Put stores one uploaded file and returns its metadata.
func (as *AttachmentStore) Put(r io.Reader, filename, mimeType string) (*Attachment, error) {
	tmp, err := os.CreateTemp(as.dir, "upload-*")
	if err != nil {
		return nil, fmt.Errorf("stage upload: %w", err)
	}
	defer os.Remove(tmp.Name())

	h := sha256.New()
	n, err := io.Copy(io.MultiWriter(tmp, h), io.LimitReader(r, maxAttachmentSize+1))
	tmp.Close()
	if err != nil {
		return nil, fmt.Errorf("write upload: %w", err)
	}
	if n > maxAttachmentSize {
		return nil, fmt.Errorf("attachment exceeds %d bytes", maxAttachmentSize)
	}

	id := hex.EncodeToString(h.Sum(nil))[:32]
	att := &Attachment{
		AttachmentID: id,
		Filename:     filename,
		MimeType:     mimeType,
		Size:         n,
		ExpiresAt:    time.Now().Add(attachmentTTL),
	}

	as.mu.Lock()
	defer as.mu.Unlock()
	dst := filepath.Join(as.dir, id)
	if _, err := os.Stat(dst); err != nil {
		if err := os.Rename(tmp.Name(), dst); err != nil {
			return nil, fmt.Errorf("store attachment: %w", err)
		}
	}
	meta, _ := json.Marshal(att)
	if err := os.WriteFile(dst+".meta.json", meta, 0o644); err != nil {
		return nil, fmt.Errorf("store attachment meta: %w", err)
	}
	return att, nil
}

// Get opens an attachment by id, or ErrNotFound when missing or expired.
func (as *AttachmentStore) Get(id string) (*Attachment, io.ReadCloser, error) {
	meta, err := os.ReadFile(filepath.Join(as.dir, id+".meta.json"))
	if err != nil {
		return nil, nil, ErrNotFound
	}
	var att Attachment
	if err := json.Unmarshal(meta, &att); err != nil {
		return nil, nil, ErrNotFound
	}
	if time.Now().After(att.ExpiresAt) {
		return nil, nil, ErrNotFound
	}
	f, err := os.Open(filepath.Join(as.dir, id))
	if err != nil {
		return nil, nil, ErrNotFound
	}
	return &att, f, nil
}

func (as *AttachmentStore) sweepLoop() {
	for range time.Tick(time.Hour) {
		as.sweep(time.Now())
	}
}

func (as *AttachmentStore) sweep(now time.Time) {
	entries, err := os.ReadDir(as.dir)
	if err != nil {
		return
	}
	for _, e := range entries {
		name := e.Name()
		if filepath.Ext(name) != ".json" {
			continue
		}
		path := filepath.Join(as.dir, name)
		data, err := os.ReadFile(path)
		if err != nil {
			continue
		}
		var att Attachment
		if json.Unmarshal(data, &att) != nil || now.Before(att.ExpiresAt) {
			continue
		}
		os.Remove(path)
		os.Remove(filepath.Join(as.dir, att.AttachmentID))
	}
}
