// Package voice persists named speaker prompts. A voice directory holds one
// <id>.npy codes file per voice and an index.json mapping ids to
// their reference transcript.
package voice

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/example/fishspeech-server/internal/apperr"
	"github.com/example/fishspeech-server/internal/metrics"
	"github.com/example/fishspeech-server/internal/prompt"
	"github.com/example/fishspeech-server/internal/tokens"
)

const (
	DefaultID = "default"
	IndexFile = "index.json"
	FileExt   = ".npy"
)

var ErrNoVoices = errors.New("voice: no voices found")

// Voice is one loaded speaker. Prompt is the encoded conditioning prompt
// built from Text and Codes.
type Voice struct {
	ID     string
	Text   string
	Codes  tokens.Matrix
	Prompt tokens.Matrix
}

type indexDoc struct {
	Speakers map[string]string `json:"speakers"`
}

// Registry is safe for concurrent use. Lookups share a read lock; Register
// holds the write lock across the whole check-and-insert sequence.
type Registry struct {
	dir    string
	enc    *prompt.Encoder
	logger *slog.Logger

	mu     sync.RWMutex
	index  map[string]string
	voices map[string]Voice
}

type Option func(*Registry)

func WithLogger(l *slog.Logger) Option {
	return func(r *Registry) { r.logger = l }
}

// Load opens dir and fails with ErrNoVoices when it holds no usable voice.
func Load(dir string, enc *prompt.Encoder, opts ...Option) (*Registry, error) {
	r, err := Open(dir, enc, opts...)
	if err != nil {
		return nil, err
	}
	if len(r.voices) == 0 {
		return nil, fmt.Errorf("%w in %s", ErrNoVoices, dir)
	}
	return r, nil
}

// Open reads the index (a missing or corrupt one counts as empty), adopts
// codes files the index does not list, and decodes every listed voice
// whose file exists. An empty registry is allowed.
func Open(dir string, enc *prompt.Encoder, opts ...Option) (*Registry, error) {
	r := &Registry{
		dir:    dir,
		enc:    enc,
		logger: slog.Default(),
		index:  map[string]string{},
		voices: map[string]Voice{},
	}
	for _, o := range opts {
		o(r)
	}

	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, apperr.IO(fmt.Errorf("voice: create dir: %w", err))
	}

	r.index = r.readIndex()

	discovered, err := r.discover()
	if err != nil {
		return nil, err
	}

	for _, id := range sortedKeys(r.index) {
		if err := ValidateID(id); err != nil {
			r.logger.Warn("invalid voice id in index, skipping", "voice", id)
			continue
		}
		v, err := r.loadVoice(id, r.index[id])
		if errors.Is(err, fs.ErrNotExist) {
			r.logger.Warn("voice file missing, skipping", "voice", id)
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("voice %q: %w", id, err)
		}
		r.voices[id] = v
	}

	if discovered > 0 {
		if err := writeIndex(dir, r.index); err != nil {
			return nil, err
		}
		r.logger.Info("voice index updated", "discovered", discovered)
	}

	metrics.SetVoicesLoaded(len(r.voices))
	r.logger.Info("voices loaded", "dir", dir, "count", len(r.voices))
	return r, nil
}

func (r *Registry) readIndex() map[string]string {
	data, err := os.ReadFile(filepath.Join(r.dir, IndexFile))
	if errors.Is(err, fs.ErrNotExist) {
		return map[string]string{}
	}
	if err != nil {
		r.logger.Warn("voice index unreadable, treating as empty", "error", err)
		return map[string]string{}
	}

	var doc indexDoc
	if err := json.Unmarshal(data, &doc); err != nil {
		r.logger.Warn("voice index corrupt, treating as empty", "error", err)
		return map[string]string{}
	}
	if doc.Speakers == nil {
		doc.Speakers = map[string]string{}
	}
	return doc.Speakers
}

// discover adds an empty-text index entry for every codes file the index
// does not know about.
func (r *Registry) discover() (int, error) {
	entries, err := os.ReadDir(r.dir)
	if err != nil {
		return 0, apperr.IO(fmt.Errorf("voice: read dir: %w", err))
	}

	n := 0
	for _, e := range entries {
		name := e.Name()
		if e.IsDir() || !strings.HasSuffix(name, FileExt) {
			continue
		}
		id := strings.TrimSuffix(name, FileExt)
		if ValidateID(id) != nil {
			continue
		}
		if _, ok := r.index[id]; ok {
			continue
		}
		r.index[id] = ""
		n++
	}
	return n, nil
}

func (r *Registry) loadVoice(id, text string) (Voice, error) {
	data, err := os.ReadFile(r.path(id))
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return Voice{}, err
		}
		return Voice{}, apperr.IO(err)
	}

	codes, err := DecodeCodes(data)
	if err != nil {
		return Voice{}, err
	}

	p, err := r.enc.EncodeConditioningPrompt(text, codes)
	if err != nil {
		return Voice{}, err
	}

	return Voice{ID: id, Text: text, Codes: codes, Prompt: p}, nil
}

func (r *Registry) path(id string) string { return filepath.Join(r.dir, id+FileExt) }

func (r *Registry) Dir() string { return r.dir }

func (r *Registry) Get(id string) (Voice, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	v, ok := r.voices[id]
	return v, ok
}

// Default is the voice named "default", else the lexicographically
// smallest id.
func (r *Registry) Default() (Voice, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	if v, ok := r.voices[DefaultID]; ok {
		return v, true
	}
	ids := sortedKeys(r.voices)
	if len(ids) == 0 {
		return Voice{}, false
	}
	return r.voices[ids[0]], true
}

// List returns the loaded voice ids in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return sortedKeys(r.voices)
}

// Register persists a new voice. Nothing on disk changes unless the whole
// sequence succeeds: the prompt is encoded first, the codes file is linked
// into place without overwriting, then the index is replaced atomically.
func (r *Registry) Register(id, text string, codes tokens.Matrix) (Voice, error) {
	if err := ValidateID(id); err != nil {
		return Voice{}, err
	}
	if codes.Cols() == 0 {
		return Voice{}, apperr.Input("voice %q has no codes", id)
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, ok := r.voices[id]; ok {
		return Voice{}, apperr.Duplicate("voice %q already exists", id)
	}
	if _, ok := r.index[id]; ok {
		return Voice{}, apperr.Duplicate("voice %q already exists in index", id)
	}
	if _, err := os.Lstat(r.path(id)); err == nil {
		return Voice{}, apperr.Duplicate("voice file for %q already exists", id)
	}

	p, err := r.enc.EncodeConditioningPrompt(text, codes)
	if err != nil {
		return Voice{}, err
	}

	data, err := EncodeCodes(codes)
	if err != nil {
		return Voice{}, err
	}

	if err := writeExclusive(r.dir, r.path(id), data); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return Voice{}, apperr.Duplicate("voice file for %q already exists", id)
		}
		return Voice{}, err
	}

	next := make(map[string]string, len(r.index)+1)
	for k, v := range r.index {
		next[k] = v
	}
	next[id] = text

	if err := writeIndex(r.dir, next); err != nil {
		if rmErr := os.Remove(r.path(id)); rmErr != nil {
			r.logger.Error("failed to remove orphaned voice file", "voice", id, "error", rmErr)
		}
		return Voice{}, err
	}

	v := Voice{ID: id, Text: text, Codes: codes, Prompt: p}
	r.index = next
	r.voices[id] = v
	metrics.SetVoicesLoaded(len(r.voices))
	r.logger.Info("voice registered", "voice", id, "frames", codes.Cols())
	return v, nil
}

// ValidateID accepts ids made of letters, digits, '_', '-' and '.', not
// starting with a dot.
func ValidateID(id string) error {
	if id == "" {
		return apperr.Input("voice id is empty")
	}
	if len(id) > 128 {
		return apperr.Input("voice id is longer than 128 bytes")
	}
	if id[0] == '.' {
		return apperr.Input("voice id %q starts with a dot", id)
	}
	for _, c := range id {
		switch {
		case c >= 'a' && c <= 'z', c >= 'A' && c <= 'Z', c >= '0' && c <= '9', c == '_', c == '-', c == '.':
		default:
			return apperr.Input("voice id %q contains %q", id, c)
		}
	}
	return nil
}

// writeExclusive writes data to a temp file and hard-links it to path, so
// path is created whole or not at all and an existing file is never
// replaced.
func writeExclusive(dir, path string, data []byte) error {
	tmp, err := writeTemp(dir, data)
	if err != nil {
		return err
	}
	defer os.Remove(tmp)

	if err := os.Link(tmp, path); err != nil {
		if errors.Is(err, fs.ErrExist) {
			return err
		}
		return apperr.IO(fmt.Errorf("voice: link %s: %w", filepath.Base(path), err))
	}
	return nil
}

func writeIndex(dir string, speakers map[string]string) error {
	data, err := json.MarshalIndent(indexDoc{Speakers: speakers}, "", "  ")
	if err != nil {
		return apperr.Wrap(apperr.KindSerialization, fmt.Errorf("voice: encode index: %w", err))
	}

	tmp, err := writeTemp(dir, append(data, '\n'))
	if err != nil {
		return err
	}
	if err := os.Rename(tmp, filepath.Join(dir, IndexFile)); err != nil {
		_ = os.Remove(tmp)
		return apperr.IO(fmt.Errorf("voice: replace index: %w", err))
	}
	return nil
}

func writeTemp(dir string, data []byte) (string, error) {
	f, err := os.CreateTemp(dir, ".voice-*.tmp")
	if err != nil {
		return "", apperr.IO(fmt.Errorf("voice: create temp file: %w", err))
	}

	_, werr := f.Write(data)
	if werr == nil {
		werr = f.Sync()
	}
	cerr := f.Close()
	if werr == nil {
		werr = cerr
	}
	if werr != nil {
		_ = os.Remove(f.Name())
		return "", apperr.IO(fmt.Errorf("voice: write temp file: %w", werr))
	}
	return f.Name(), nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
