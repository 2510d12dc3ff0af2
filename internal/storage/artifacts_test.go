// Copyright (C) 2026 StepFlow Monitor
// SPDX-License-Identifier: AGPL-3.0-or-later

package storage

import (
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/johnnynv/stepflow-monitor/internal/models"
)

func setupArtifactStore(t *testing.T) (*ArtifactStore, string) {
	t.Helper()
	root := t.TempDir()
	workDir := t.TempDir()
	return NewArtifactStore(root, 1024), workDir
}

func TestRegisterCopiesFile(t *testing.T) {
	as, workDir := setupArtifactStore(t)

	src := filepath.Join(workDir, "report.xml")
	require.NoError(t, os.WriteFile(src, []byte("<tests/>"), 0644))

	a, err := as.Register("exec-1", workDir, "report.xml", "Unit tests", "step-1")
	require.NoError(t, err)

	assert.Equal(t, "report.xml", a.Path)
	assert.Equal(t, "report.xml", a.FileName)
	assert.Equal(t, int64(8), a.SizeBytes)
	assert.Equal(t, models.ArtifactTypeData, a.Type)
	assert.Equal(t, "step-1", a.StepID)
	assert.Equal(t, "application/xml", a.MimeType)

	// The stored copy is byte-identical and survives source deletion.
	require.NoError(t, os.Remove(src))
	f, err := as.Open(a)
	require.NoError(t, err)
	defer f.Close()
	payload, err := io.ReadAll(f)
	require.NoError(t, err)
	assert.Equal(t, "<tests/>", string(payload))
}

func TestRegisterRejectsEscapingPath(t *testing.T) {
	as, workDir := setupArtifactStore(t)

	_, err := as.Register("exec-1", workDir, "../../etc/passwd", "", "")
	assert.ErrorIs(t, err, ErrArtifactEscapesRoot)
}

func TestRegisterMissingFile(t *testing.T) {
	as, workDir := setupArtifactStore(t)

	_, err := as.Register("exec-1", workDir, "does-not-exist.txt", "", "")
	assert.ErrorIs(t, err, ErrArtifactMissing)
}

func TestRegisterOversizeFile(t *testing.T) {
	as, workDir := setupArtifactStore(t)

	big := filepath.Join(workDir, "big.bin")
	require.NoError(t, os.WriteFile(big, make([]byte, 2048), 0644))

	_, err := as.Register("exec-1", workDir, "big.bin", "", "")
	assert.ErrorIs(t, err, ErrArtifactTooLarge)
}

func TestClassifyArtifact(t *testing.T) {
	tests := []struct {
		file string
		want models.ArtifactType
	}{
		{"report.pdf", models.ArtifactTypeDocument},
		{"chart.png", models.ArtifactTypeImage},
		{"data.csv", models.ArtifactTypeData},
		{"run.log", models.ArtifactTypeLog},
		{"bundle.tar", models.ArtifactTypeArchive},
		{"binary", models.ArtifactTypeOther},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, ClassifyArtifact(tt.file), tt.file)
	}
}

func TestInferMimeType(t *testing.T) {
	assert.Equal(t, "application/xml", InferMimeType("report.xml"))
	assert.Equal(t, "application/json", InferMimeType("x.json"))
	assert.Equal(t, "application/octet-stream", InferMimeType("x.unknownext"))
	assert.NotContains(t, InferMimeType("x.html"), ";")
}
