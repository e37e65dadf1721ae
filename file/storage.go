package file

import (
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"go.uber.org/zap"
)

// StorageManager handles persistent storage of manifests and received files
type StorageManager struct {
	logger        *zap.Logger
	baseDir       string
	manifestDir   string
	filesDir      string
	manifestMu    sync.RWMutex
	manifestCache map[string]*Manifest
}

// StorageConfig contains configuration for the storage manager
type StorageConfig struct {
	BaseDir string
	// FilesDir overrides where received files land. Defaults to BaseDir/files.
	FilesDir string
}

// NewStorageManager creates a new StorageManager
func NewStorageManager(logger *zap.Logger, config StorageConfig) (*StorageManager, error) {
	baseDir := config.BaseDir
	if baseDir == "" {
		homeDir, err := os.UserHomeDir()
		if err != nil {
			return nil, fmt.Errorf("failed to get user home directory: %w", err)
		}
		baseDir = filepath.Join(homeDir, ".furydrop")
	}

	manifestDir := filepath.Join(baseDir, "manifests")
	filesDir := config.FilesDir
	if filesDir == "" {
		filesDir = filepath.Join(baseDir, "files")
	}

	// Create directories if they don't exist
	for _, dir := range []string{baseDir, manifestDir, filesDir} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create directory %s: %w", dir, err)
		}
	}

	sm := &StorageManager{
		logger:        logger,
		baseDir:       baseDir,
		manifestDir:   manifestDir,
		filesDir:      filesDir,
		manifestCache: make(map[string]*Manifest),
	}

	// Load existing manifests
	if err := sm.loadManifests(); err != nil {
		logger.Warn("Failed to load existing manifests", zap.Error(err))
	}

	return sm, nil
}

// loadManifests loads existing manifests from disk
func (sm *StorageManager) loadManifests() error {
	sm.manifestMu.Lock()
	defer sm.manifestMu.Unlock()

	entries, err := os.ReadDir(sm.manifestDir)
	if err != nil {
		return fmt.Errorf("failed to read manifest directory: %w", err)
	}

	for _, entry := range entries {
		if entry.IsDir() || filepath.Ext(entry.Name()) != ".json" {
			continue
		}

		manifestPath := filepath.Join(sm.manifestDir, entry.Name())
		data, err := os.ReadFile(manifestPath)
		if err != nil {
			sm.logger.Warn("Failed to read manifest file",
				zap.String("path", manifestPath),
				zap.Error(err))
			continue
		}

		manifest, err := ParseManifest(data)
		if err != nil {
			sm.logger.Warn("Failed to parse manifest file",
				zap.String("path", manifestPath),
				zap.Error(err))
			continue
		}

		sm.manifestCache[manifest.FileID] = manifest
		sm.logger.Debug("Loaded manifest",
			zap.String("file_id", manifest.FileID),
			zap.String("file_name", manifest.FileName))
	}

	sm.logger.Info("Loaded manifests from disk",
		zap.Int("file_count", len(sm.manifestCache)))

	return nil
}

// FilesDir returns the directory received files are written to
func (sm *StorageManager) FilesDir() string {
	return sm.filesDir
}

// SaveManifest saves a manifest to disk
func (sm *StorageManager) SaveManifest(manifest *Manifest) error {
	if err := manifest.Validate(); err != nil {
		return err
	}

	sm.manifestMu.Lock()
	defer sm.manifestMu.Unlock()

	data, err := json.MarshalIndent(manifest, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to serialize manifest: %w", err)
	}

	manifestPath := sm.manifestPath(manifest.FileID)
	if err := os.WriteFile(manifestPath, data, 0644); err != nil {
		return fmt.Errorf("failed to write manifest file: %w", err)
	}

	sm.manifestCache[manifest.FileID] = manifest

	sm.logger.Debug("Saved manifest",
		zap.String("file_id", manifest.FileID),
		zap.String("file_name", manifest.FileName),
		zap.String("path", manifestPath))

	return nil
}

// GetManifest retrieves a manifest from cache or disk
func (sm *StorageManager) GetManifest(fileID string) (*Manifest, error) {
	sm.manifestMu.RLock()
	manifest, exists := sm.manifestCache[fileID]
	sm.manifestMu.RUnlock()

	if exists {
		return manifest, nil
	}

	data, err := os.ReadFile(sm.manifestPath(fileID))
	if err != nil {
		return nil, fmt.Errorf("failed to read manifest file: %w", err)
	}

	manifest, err = ParseManifest(data)
	if err != nil {
		return nil, fmt.Errorf("failed to parse manifest file: %w", err)
	}

	sm.manifestMu.Lock()
	sm.manifestCache[fileID] = manifest
	sm.manifestMu.Unlock()

	return manifest, nil
}

// DeleteManifest deletes a manifest from disk and cache
func (sm *StorageManager) DeleteManifest(fileID string) error {
	sm.manifestMu.Lock()
	defer sm.manifestMu.Unlock()

	delete(sm.manifestCache, fileID)

	manifestPath := sm.manifestPath(fileID)
	if err := os.Remove(manifestPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete manifest file: %w", err)
	}

	sm.logger.Debug("Deleted manifest",
		zap.String("file_id", fileID),
		zap.String("path", manifestPath))

	return nil
}

// ListManifests returns all stored manifests
func (sm *StorageManager) ListManifests() []*Manifest {
	sm.manifestMu.RLock()
	defer sm.manifestMu.RUnlock()

	manifests := make([]*Manifest, 0, len(sm.manifestCache))
	for _, m := range sm.manifestCache {
		manifests = append(manifests, m)
	}

	return manifests
}

func (sm *StorageManager) manifestPath(fileID string) string {
	return filepath.Join(sm.manifestDir, fmt.Sprintf("%s.json", filepath.Base(fileID)))
}

// CreateOutput opens a temporary file in the files directory for a transfer
// in progress
func (sm *StorageManager) CreateOutput() (*os.File, error) {
	f, err := os.CreateTemp(sm.filesDir, ".furydrop-*.part")
	if err != nil {
		return nil, fmt.Errorf("failed to create output file: %w", err)
	}
	return f, nil
}

// CommitOutput moves a completed temporary file to its final name and saves
// the manifest. An existing file with the same name is not overwritten; a
// numeric suffix is added instead.
func (sm *StorageManager) CommitOutput(tmpPath string, manifest *Manifest) (string, error) {
	name := SafeFileName(manifest.FileName)
	ext := filepath.Ext(name)
	stem := strings.TrimSuffix(name, ext)

	finalPath := filepath.Join(sm.filesDir, name)
	for i := 1; ; i++ {
		if _, err := os.Stat(finalPath); os.IsNotExist(err) {
			break
		}
		finalPath = filepath.Join(sm.filesDir, fmt.Sprintf("%s (%d)%s", stem, i, ext))
	}

	if err := os.Rename(tmpPath, finalPath); err != nil {
		return "", fmt.Errorf("failed to move output file: %w", err)
	}

	if err := sm.SaveManifest(manifest); err != nil {
		return finalPath, err
	}

	sm.logger.Info("Stored received file",
		zap.String("file_id", manifest.FileID),
		zap.String("path", finalPath))

	return finalPath, nil
}

// SafeFileName strips any directory components a peer may have put in a name
func SafeFileName(name string) string {
	name = filepath.Base(filepath.Clean("/" + strings.ReplaceAll(name, "\\", "/")))
	if name == "/" || name == "." || name == "" {
		return "download"
	}
	return name
}

// GetStorageStats returns statistics about storage usage
func (sm *StorageManager) GetStorageStats() (map[string]interface{}, error) {
	sm.manifestMu.RLock()
	defer sm.manifestMu.RUnlock()

	var totalSize int64
	var totalChunks int
	fileCount := len(sm.manifestCache)

	for _, manifest := range sm.manifestCache {
		totalSize += manifest.FileSize
		totalChunks += manifest.TotalChunks
	}

	// Get disk usage
	var diskUsage int64
	err := filepath.Walk(sm.baseDir, func(path string, info os.FileInfo, err error) error {
		if err != nil {
			return err
		}
		if !info.IsDir() {
			diskUsage += info.Size()
		}
		return nil
	})

	if err != nil {
		return nil, fmt.Errorf("failed to calculate disk usage: %w", err)
	}

	return map[string]interface{}{
		"file_count":   fileCount,
		"total_size":   totalSize,
		"total_chunks": totalChunks,
		"disk_usage":   diskUsage,
		"base_dir":     sm.baseDir,
	}, nil
}
