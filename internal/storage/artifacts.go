// Copyright (C) 2026 StepFlow Monitor
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"errors"
	"fmt"
	"io"
	"mime"
	"os"
	"path/filepath"
	"strings"

	"github.com/google/uuid"

	"github.com/johnnynv/stepflow-monitor/internal/models"
)

// Registration failures the engine downgrades to warnings instead of
// failing the step.
var (
	ErrArtifactMissing     = errors.New("artifact file does not exist")
	ErrArtifactTooLarge    = errors.New("artifact exceeds the configured size limit")
	ErrArtifactEscapesRoot = errors.New("artifact path escapes the working directory")
)

// ArtifactStore copies declared files into the artifact tree and serves them
// back for download.
type ArtifactStore struct {
	root     string
	maxBytes int64
}

// NewArtifactStore creates a store rooted at the artifacts directory.
func NewArtifactStore(root string, maxBytes int64) *ArtifactStore {
	return &ArtifactStore{root: root, maxBytes: maxBytes}
}

// Register resolves a declared path against the execution's working
// directory, validates it, and commits a copy into the artifact tree. The
// copy is fsynced before the record is returned; a failure before that point
// leaves no partial file behind.
func (as *ArtifactStore) Register(executionID, workDir, declaredPath, description, stepID string) (*models.Artifact, error) {
	resolved := declaredPath
	if !filepath.IsAbs(resolved) {
		resolved = filepath.Join(workDir, declaredPath)
	}
	resolved = filepath.Clean(resolved)

	if !pathWithin(resolved, workDir) && !pathWithin(resolved, as.root) {
		return nil, ErrArtifactEscapesRoot
	}

	info, err := os.Stat(resolved)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrArtifactMissing
		}
		return nil, newError(KindIOError, "register_artifact", "failed to stat artifact", err)
	}
	if info.IsDir() {
		return nil, ErrArtifactMissing
	}
	if as.maxBytes > 0 && info.Size() > as.maxBytes {
		return nil, ErrArtifactTooLarge
	}

	a := &models.Artifact{
		ID:          uuid.New().String(),
		ExecutionID: executionID,
		StepID:      stepID,
		Path:        declaredPath,
		FileName:    filepath.Base(resolved),
		SizeBytes:   info.Size(),
		MimeType:    InferMimeType(resolved),
		Type:        ClassifyArtifact(resolved),
		Description: description,
		Tags:        models.StringList{},
	}

	stored, err := as.commitCopy(resolved, executionID, a.ID, a.FileName)
	if err != nil {
		return nil, err
	}
	a.ResolvedPath = stored

	return a, nil
}

// commitCopy writes src into the artifact tree via a temp file + fsync +
// rename so a crash mid-copy never leaves a half-written artifact in place.
func (as *ArtifactStore) commitCopy(src, executionID, artifactID, fileName string) (string, error) {
	destDir := filepath.Join(as.root, executionID, artifactID)
	if err := os.MkdirAll(destDir, 0755); err != nil {
		return "", newError(KindIOError, "register_artifact", "failed to create artifact directory", err)
	}
	dest := filepath.Join(destDir, fileName)

	in, err := os.Open(src)
	if err != nil {
		return "", newError(KindIOError, "register_artifact", "failed to open source file", err)
	}
	defer in.Close()

	tmp, err := os.CreateTemp(destDir, ".artifact-*")
	if err != nil {
		return "", newError(KindIOError, "register_artifact", "failed to create temp file", err)
	}
	tmpName := tmp.Name()
	cleanup := func() {
		tmp.Close()
		os.Remove(tmpName)
	}

	if _, err := io.Copy(tmp, in); err != nil {
		cleanup()
		return "", newError(KindIOError, "register_artifact", "failed to copy artifact", err)
	}
	if err := tmp.Sync(); err != nil {
		cleanup()
		return "", newError(KindIOError, "register_artifact", "failed to sync artifact", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpName)
		return "", newError(KindIOError, "register_artifact", "failed to close artifact", err)
	}
	if err := os.Rename(tmpName, dest); err != nil {
		os.Remove(tmpName)
		return "", newError(KindIOError, "register_artifact", "failed to commit artifact", err)
	}
	return dest, nil
}

// Open returns a reader over the stored artifact payload.
func (as *ArtifactStore) Open(a *models.Artifact) (io.ReadCloser, error) {
	f, err := os.Open(a.ResolvedPath)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, ErrArtifactMissing
		}
		return nil, newError(KindIOError, "open_artifact", "failed to open artifact", err)
	}
	return f, nil
}

// Exists reports whether the stored payload is still on disk.
func (as *ArtifactStore) Exists(a *models.Artifact) bool {
	info, err := os.Stat(a.ResolvedPath)
	return err == nil && !info.IsDir()
}

// pathWithin reports whether path is lexically contained in root.
func pathWithin(path, root string) bool {
	if root == "" {
		return false
	}
	rel, err := filepath.Rel(filepath.Clean(root), path)
	if err != nil {
		return false
	}
	return rel != ".." && !strings.HasPrefix(rel, ".."+string(os.PathSeparator))
}

// artifactTypeByExt classifies common extensions; everything else is "other".
var artifactTypeByExt = map[string]models.ArtifactType{
	".pdf":  models.ArtifactTypeDocument,
	".doc":  models.ArtifactTypeDocument,
	".docx": models.ArtifactTypeDocument,
	".md":   models.ArtifactTypeDocument,
	".txt":  models.ArtifactTypeDocument,
	".html": models.ArtifactTypeDocument,

	".png":  models.ArtifactTypeImage,
	".jpg":  models.ArtifactTypeImage,
	".jpeg": models.ArtifactTypeImage,
	".gif":  models.ArtifactTypeImage,
	".svg":  models.ArtifactTypeImage,
	".bmp":  models.ArtifactTypeImage,
	".webp": models.ArtifactTypeImage,

	".json": models.ArtifactTypeData,
	".xml":  models.ArtifactTypeData,
	".csv":  models.ArtifactTypeData,
	".yaml": models.ArtifactTypeData,
	".yml":  models.ArtifactTypeData,
	".db":   models.ArtifactTypeData,
	".parquet": models.ArtifactTypeData,

	".log": models.ArtifactTypeLog,
	".out": models.ArtifactTypeLog,

	".zip": models.ArtifactTypeArchive,
	".tar": models.ArtifactTypeArchive,
	".gz":  models.ArtifactTypeArchive,
	".tgz": models.ArtifactTypeArchive,
	".bz2": models.ArtifactTypeArchive,
	".xz":  models.ArtifactTypeArchive,
	".7z":  models.ArtifactTypeArchive,
	".rar": models.ArtifactTypeArchive,
}

// ClassifyArtifact maps a file name to its artifact type.
func ClassifyArtifact(name string) models.ArtifactType {
	if t, ok := artifactTypeByExt[strings.ToLower(filepath.Ext(name))]; ok {
		return t
	}
	return models.ArtifactTypeOther
}

// InferMimeType infers a MIME type from the file extension, falling back to
// application/octet-stream.
func InferMimeType(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	switch ext {
	case ".xml":
		// The stdlib builtin is text/xml; the API contract is application/xml.
		return "application/xml"
	case ".yaml", ".yml":
		return "application/x-yaml"
	case ".log", ".out":
		return "text/plain"
	case ".parquet":
		return "application/vnd.apache.parquet"
	}
	if t := mime.TypeByExtension(ext); t != "" {
		// Strip charset parameters for a stable value.
		if i := strings.Index(t, ";"); i > 0 {
			return strings.TrimSpace(t[:i])
		}
		return t
	}
	return "application/octet-stream"
}

// RegistrationWarning renders a registration failure as the warning text the
// engine appends to the transcript.
func RegistrationWarning(err error) string {
	switch {
	case errors.Is(err, ErrArtifactMissing):
		return "artifact file not found"
	case errors.Is(err, ErrArtifactTooLarge):
		return "artifact exceeds size limit"
	case errors.Is(err, ErrArtifactEscapesRoot):
		return "artifact path outside working directory"
	default:
		return fmt.Sprintf("artifact registration failed: %v", err)
	}
}
