package onnx

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
)

// Graph names a manifest must provide.
const (
	GraphSlowPrefill = "slow_lm_prefill"
	GraphSlowStep    = "slow_lm"
	GraphFast        = "fast_lm"
	GraphCodecEncode = "codec_encode"
	GraphCodecDecode = "codec_decode"
)

var requiredGraphs = []string{GraphSlowPrefill, GraphSlowStep, GraphFast, GraphCodecEncode, GraphCodecDecode}

type NodeInfo struct {
	Name  string `json:"name"`
	DType string `json:"dtype"`
	Shape []any  `json:"shape"`
}

type Session struct {
	Name string
	Path string

	Inputs  []NodeInfo
	Outputs []NodeInfo
}

// ModelInfo is the exported checkpoint's fixed geometry.
type ModelInfo struct {
	Variant    string `json:"variant"`
	MaxSeqLen  int    `json:"max_seq_len"`
	SampleRate int    `json:"sample_rate"`
	Codebooks  int    `json:"codebooks"`
}

type SessionManager struct {
	mu       sync.RWMutex
	info     ModelInfo
	sessions map[string]Session
	order    []string
}

var (
	sessionMgrOnce sync.Once
	sessionMgr     *SessionManager
	errSessionMgr  error
)

type onnxManifest struct {
	Model  ModelInfo   `json:"model"`
	Graphs []onnxGraph `json:"graphs"`
}

type onnxGraph struct {
	Name     string     `json:"name"`
	Filename string     `json:"filename"`
	Inputs   []NodeInfo `json:"inputs"`
	Outputs  []NodeInfo `json:"outputs"`
}

func NewSessionManager(manifestPath string) (*SessionManager, error) {
	if manifestPath == "" {
		return nil, errors.New("manifest path is required")
	}

	data, err := os.ReadFile(manifestPath)
	if err != nil {
		return nil, fmt.Errorf("read ONNX manifest: %w", err)
	}

	var manifest onnxManifest
	if err := json.Unmarshal(data, &manifest); err != nil {
		return nil, fmt.Errorf("decode ONNX manifest: %w", err)
	}

	if len(manifest.Graphs) == 0 {
		return nil, errors.New("ONNX manifest has no graphs")
	}

	baseDir := filepath.Dir(manifestPath)
	sm := &SessionManager{
		info:     manifest.Model,
		sessions: make(map[string]Session, len(manifest.Graphs)),
		order:    make([]string, 0, len(manifest.Graphs)),
	}

	for _, g := range manifest.Graphs {
		if g.Name == "" {
			return nil, errors.New("manifest graph has empty name")
		}

		if g.Filename == "" {
			return nil, fmt.Errorf("manifest graph %q has empty filename", g.Name)
		}

		if _, exists := sm.sessions[g.Name]; exists {
			return nil, fmt.Errorf("duplicate session name %q in manifest", g.Name)
		}

		for _, n := range append(append([]NodeInfo(nil), g.Inputs...), g.Outputs...) {
			if _, err := canonicalDType(n.DType); err != nil {
				return nil, fmt.Errorf("graph %q node %q: %w", g.Name, n.Name, err)
			}
		}

		sessionPath := g.Filename
		if !filepath.IsAbs(sessionPath) {
			sessionPath = filepath.Join(baseDir, g.Filename)
		}

		sessionPath = filepath.Clean(sessionPath)
		if _, err := os.Stat(sessionPath); err != nil {
			return nil, fmt.Errorf("session file for %q: %w", g.Name, err)
		}

		session := Session{
			Name:    g.Name,
			Path:    sessionPath,
			Inputs:  append([]NodeInfo(nil), g.Inputs...),
			Outputs: append([]NodeInfo(nil), g.Outputs...),
		}
		sm.sessions[g.Name] = session
		sm.order = append(sm.order, g.Name)

		slog.Debug(
			"loaded ONNX session",
			"name", g.Name,
			"path", sessionPath,
			"inputs", nodeNames(g.Inputs),
			"outputs", nodeNames(g.Outputs),
		)
	}

	return sm, nil
}

// LoadSessionsOnce loads the ONNX manifest exactly once per process.
// Restart the process to reload.
func LoadSessionsOnce(manifestPath string) (*SessionManager, error) {
	sessionMgrOnce.Do(func() {
		sessionMgr, errSessionMgr = NewSessionManager(manifestPath)
	})

	if errSessionMgr != nil {
		return nil, errSessionMgr
	}

	return sessionMgr, nil
}

func (m *SessionManager) Info() ModelInfo {
	m.mu.RLock()
	defer m.mu.RUnlock()

	return m.info
}

func (m *SessionManager) Session(name string) (Session, bool) {
	m.mu.RLock()
	defer m.mu.RUnlock()

	s, ok := m.sessions[name]

	return s, ok
}

func (m *SessionManager) Sessions() []Session {
	m.mu.RLock()
	defer m.mu.RUnlock()

	out := make([]Session, 0, len(m.order))
	for _, name := range m.order {
		s := m.sessions[name]
		s.Inputs = append([]NodeInfo(nil), s.Inputs...)
		s.Outputs = append([]NodeInfo(nil), s.Outputs...)
		out = append(out, s)
	}

	return out
}

// Missing lists the required graphs absent from the manifest.
func (m *SessionManager) Missing() []string {
	m.mu.RLock()
	defer m.mu.RUnlock()

	var out []string
	for _, name := range requiredGraphs {
		if _, ok := m.sessions[name]; !ok {
			out = append(out, name)
		}
	}

	return out
}

func nodeNames(nodes []NodeInfo) string {
	if len(nodes) == 0 {
		return ""
	}

	names := make([]string, 0, len(nodes))
	for _, n := range nodes {
		names = append(names, n.Name)
	}

	return strings.Join(names, ",")
}
