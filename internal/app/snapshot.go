package app

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/MrWong99/dmcore/internal/lore"
	"github.com/MrWong99/dmcore/internal/pipeline"
	"github.com/MrWong99/dmcore/internal/scene"
)

// SnapshotFormatVersion is written into every snapshot.
const SnapshotFormatVersion = 1

// Metadata keys carrying the pipeline's text snapshots.
const (
	metaGameState    = "game_state"
	metaSceneContext = "scene_context"
	metaLoreCache    = "lore_cache"
)

// SnapshotStore persists session snapshots. Load returns [lore.ErrNotFound]
// for unknown sessions. *postgres.Store satisfies it.
type SnapshotStore interface {
	SaveSnapshot(ctx context.Context, sessionID string, formatVersion int, payload []byte) error
	LoadSnapshot(ctx context.Context, sessionID string) ([]byte, error)
	DeleteSnapshot(ctx context.Context, sessionID string) error
}

// Snapshot is the persisted form of a session.
type Snapshot struct {
	FormatVersion  int               `json:"format_version"`
	SessionID      string            `json:"session_id"`
	SceneState     string            `json:"scene_state"`
	PipelineStatus string            `json:"pipeline_status"`
	SavedAt        time.Time         `json:"saved_at"`
	Metadata       map[string]string `json:"metadata,omitempty"`
}

// takeSnapshot captures sess and m.
func takeSnapshot(sess *scene.Session, m *pipeline.Machine) Snapshot {
	st := m.Snapshot()
	meta := make(map[string]string, 3)
	for k, v := range map[string]string{
		metaGameState:    st.GameState,
		metaSceneContext: st.SceneContext,
		metaLoreCache:    st.LoreCache,
	} {
		if v != "" {
			meta[k] = v
		}
	}
	return Snapshot{
		FormatVersion:  SnapshotFormatVersion,
		SessionID:      sess.ID,
		SceneState:     sess.State().String(),
		PipelineStatus: st.Status.String(),
		SavedAt:        time.Now().UTC(),
		Metadata:       meta,
	}
}

// restoreSnapshot applies payload to m and, when sess is not nil, to the
// scene state. Restoring is lenient: unreadable payloads, unknown versions
// and unknown state names are logged and the affected part keeps its
// initial value.
func restoreSnapshot(payload []byte, sess *scene.Session, sessionID string, m *pipeline.Machine) {
	log := slog.With("session_id", sessionID)

	var snap Snapshot
	if err := json.Unmarshal(payload, &snap); err != nil {
		log.Warn("snapshot unreadable, starting fresh", "err", err)
		return
	}
	if snap.FormatVersion != SnapshotFormatVersion {
		log.Warn("snapshot format version differs, restoring known fields",
			"format_version", snap.FormatVersion, "want", SnapshotFormatVersion)
	}

	if sess != nil && snap.SceneState != "" {
		sess.Restore(snap.SceneState)
	}

	st := pipeline.State{
		GameState:    snap.Metadata[metaGameState],
		SceneContext: snap.Metadata[metaSceneContext],
		LoreCache:    snap.Metadata[metaLoreCache],
	}
	if snap.PipelineStatus != "" {
		status, err := pipeline.ParseStatus(snap.PipelineStatus)
		if err != nil {
			log.Warn("snapshot pipeline status unknown", "status", snap.PipelineStatus, "err", err)
		} else {
			st.Status = status
		}
	}
	m.Restore(st)
	if m.Status() != pipeline.WaitingForInput {
		// The interrupted turn is not resumed.
		log.Info("snapshot taken mid-turn, waiting for new input", "status", m.Status())
		m.Reset()
	}
	log.Info("session restored", "scene_state", snap.SceneState, "saved_at", snap.SavedAt)
}

// ── File store ───────────────────────────────────────────────────────────────

// FileSnapshots stores one JSON file per session in a directory.
type FileSnapshots struct {
	dir string
}

var _ SnapshotStore = (*FileSnapshots)(nil)

// NewFileSnapshots creates dir if needed.
func NewFileSnapshots(dir string) (*FileSnapshots, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("app: snapshot dir: %w", err)
	}
	return &FileSnapshots{dir: dir}, nil
}

func (f *FileSnapshots) path(sessionID string) (string, error) {
	if sessionID == "" || strings.ContainsAny(sessionID, `/\`) || sessionID == "." || sessionID == ".." {
		return "", fmt.Errorf("app: invalid session id %q for snapshot file", sessionID)
	}
	return filepath.Join(f.dir, sessionID+".json"), nil
}

// SaveSnapshot writes the payload atomically. The format version is part of
// the payload itself.
func (f *FileSnapshots) SaveSnapshot(_ context.Context, sessionID string, _ int, payload []byte) error {
	path, err := f.path(sessionID)
	if err != nil {
		return err
	}
	tmp, err := os.CreateTemp(f.dir, sessionID+".*.tmp")
	if err != nil {
		return fmt.Errorf("app: save snapshot %q: %w", sessionID, err)
	}
	if _, err := tmp.Write(payload); err != nil {
		tmp.Close()
		os.Remove(tmp.Name())
		return fmt.Errorf("app: save snapshot %q: %w", sessionID, err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("app: save snapshot %q: %w", sessionID, err)
	}
	if err := os.Rename(tmp.Name(), path); err != nil {
		os.Remove(tmp.Name())
		return fmt.Errorf("app: save snapshot %q: %w", sessionID, err)
	}
	return nil
}

// LoadSnapshot returns [lore.ErrNotFound] when no file exists.
func (f *FileSnapshots) LoadSnapshot(_ context.Context, sessionID string) ([]byte, error) {
	path, err := f.path(sessionID)
	if err != nil {
		return nil, err
	}
	data, err := os.ReadFile(path)
	if errors.Is(err, os.ErrNotExist) {
		return nil, lore.ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("app: load snapshot %q: %w", sessionID, err)
	}
	return data, nil
}

// DeleteSnapshot ignores missing files.
func (f *FileSnapshots) DeleteSnapshot(_ context.Context, sessionID string) error {
	path, err := f.path(sessionID)
	if err != nil {
		return err
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return fmt.Errorf("app: delete snapshot %q: %w", sessionID, err)
	}
	return nil
}
