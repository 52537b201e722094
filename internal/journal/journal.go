// Package journal keeps a signed record of each domainjoin run in the
// state directory. Entries name steps and domains only; credentials,
// rendered scripts and guest membership are never written.
package journal

import (
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Entry is one recorded step.
type Entry struct {
	RunID     string    `json:"run_id"`
	Step      string    `json:"step"`
	Detail    string    `json:"detail,omitempty"`
	Domain    string    `json:"domain,omitempty"`
	Guest     string    `json:"guest"`
	At        time.Time `json:"at"`
	Signature string    `json:"signature"`
}

// Document is the on-disk journal.
type Document struct {
	PublicKey string    `json:"public_key"`
	Entries   []Entry   `json:"entries"`
	SavedAt   time.Time `json:"saved_at"`
}

// ErrBadSignature is returned by Verify for a tampered entry.
var ErrBadSignature = errors.New("journal entry signature mismatch")

// maxEntries bounds the journal; older entries are dropped first.
const maxEntries = 500

// Journal appends entries for one run.
type Journal struct {
	mu     sync.Mutex
	path   string
	key    ed25519.PrivateKey
	pub    string
	runID  string
	domain string
	guest  string
	doc    Document
	now    func() time.Time
}

// Open loads the journal at path, creating it on first use, and starts a
// new run for guest joining domain.
func Open(path, keyPath, domain, guest string) (*Journal, error) {
	key, pub, err := LoadOrCreateSigningKey(keyPath)
	if err != nil {
		return nil, err
	}

	doc, err := Load(path)
	if err != nil {
		return nil, err
	}
	if doc == nil || doc.PublicKey != pub {
		if doc != nil {
			log.Printf("[journal] Signing key changed, starting a new journal at %s", path)
		}
		doc = &Document{PublicKey: pub}
	}

	return &Journal{
		path:   path,
		key:    key,
		pub:    pub,
		runID:  uuid.NewString(),
		domain: domain,
		guest:  guest,
		doc:    *doc,
		now:    time.Now,
	}, nil
}

// RunID identifies the current run.
func (j *Journal) RunID() string { return j.runID }

// Record appends a signed entry and persists the journal.
func (j *Journal) Record(step, detail string) error {
	j.mu.Lock()
	defer j.mu.Unlock()

	e := Entry{
		RunID:  j.runID,
		Step:   step,
		Detail: detail,
		Domain: j.domain,
		Guest:  j.guest,
		At:     j.now().UTC(),
	}
	payload, err := e.signedPayload()
	if err != nil {
		return err
	}
	e.Signature = hex.EncodeToString(ed25519.Sign(j.key, payload))

	j.doc.Entries = append(j.doc.Entries, e)
	if over := len(j.doc.Entries) - maxEntries; over > 0 {
		j.doc.Entries = j.doc.Entries[over:]
	}
	return j.save()
}

// save writes the journal atomically (tmp + rename).
func (j *Journal) save() error {
	j.doc.SavedAt = j.now().UTC()
	data, err := json.MarshalIndent(j.doc, "", "  ")
	if err != nil {
		return fmt.Errorf("marshal journal: %w", err)
	}

	if err := os.MkdirAll(filepath.Dir(j.path), 0o700); err != nil {
		return fmt.Errorf("create journal dir: %w", err)
	}
	tmpPath := j.path + ".tmp"
	if err := os.WriteFile(tmpPath, data, 0o600); err != nil {
		return fmt.Errorf("write journal: %w", err)
	}
	if err := os.Rename(tmpPath, j.path); err != nil {
		return fmt.Errorf("rename journal: %w", err)
	}
	return nil
}

// Load reads the journal at path. It returns nil, nil when none exists.
func Load(path string) (*Document, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, fmt.Errorf("read journal: %w", err)
	}

	var doc Document
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("parse journal: %w", err)
	}
	return &doc, nil
}

// Verify checks every entry against the document's public key.
func (d *Document) Verify() error {
	pub, err := hex.DecodeString(d.PublicKey)
	if err != nil || len(pub) != ed25519.PublicKeySize {
		return fmt.Errorf("journal public key invalid")
	}
	for i, e := range d.Entries {
		sig, err := hex.DecodeString(e.Signature)
		if err != nil {
			return fmt.Errorf("entry %d: %w", i, ErrBadSignature)
		}
		payload, err := e.signedPayload()
		if err != nil {
			return err
		}
		if !ed25519.Verify(ed25519.PublicKey(pub), payload, sig) {
			return fmt.Errorf("entry %d (%s): %w", i, e.Step, ErrBadSignature)
		}
	}
	return nil
}

// Last returns the most recent entry for guest, if any.
func (d *Document) Last(guest string) (Entry, bool) {
	for i := len(d.Entries) - 1; i >= 0; i-- {
		if d.Entries[i].Guest == guest {
			return d.Entries[i], true
		}
	}
	return Entry{}, false
}

func (e Entry) signedPayload() ([]byte, error) {
	e.Signature = ""
	data, err := json.Marshal(e)
	if err != nil {
		return nil, fmt.Errorf("marshal journal entry: %w", err)
	}
	return data, nil
}
