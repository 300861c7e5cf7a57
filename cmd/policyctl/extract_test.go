package main

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/Lllllllleong/documentauditflow/internal/models"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractFilePlainText(t *testing.T) {
	path := filepath.Join(t.TempDir(), "agreement.txt")
	require.NoError(t, os.WriteFile(path, []byte("This agreement binds each party.\fPage two."), 0o644))

	doc, text, err := extractFile(context.Background(), path, 10)
	require.NoError(t, err)
	assert.Equal(t, "agreement.txt", doc.Filename)
	assert.Equal(t, models.StatusReady, doc.Status)
	assert.Equal(t, 1, doc.PageCount)
	assert.Contains(t, text.Text, "each party")
}

func TestExtractFileUnknownExtension(t *testing.T) {
	path := filepath.Join(t.TempDir(), "blob.unknownext")
	require.NoError(t, os.WriteFile(path, []byte("x"), 0o644))

	_, _, err := extractFile(context.Background(), path, 10)
	assert.Error(t, err)
}
