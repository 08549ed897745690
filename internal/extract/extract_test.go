package extract_test

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/familyvault/familyvaultd/internal/extract"
	"github.com/stretchr/testify/require"
)

func TestRegistryPicksHighestPriorityMatch(t *testing.T) {
	r := extract.NewRegistry(extract.PlainTextExtractor{}, extract.OfficeExtractor{}, extract.PDFExtractor{})
	require.Equal(t, "pdf", r.Pick("application/pdf").Name())
	require.Equal(t, "plaintext", r.Pick("text/plain").Name())
	require.Nil(t, r.Pick("application/octet-stream"))
}

func TestPlainTextExtractorReadsUTF8(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "readme.txt")
	require.NoError(t, os.WriteFile(path, []byte("Hello   FamilyVault\nworld"), 0o644))

	e := extract.PlainTextExtractor{}
	res, err := e.Extract(path)
	require.NoError(t, err)
	require.Equal(t, "Hello FamilyVault world", res.Text)
	require.Equal(t, "plaintext", res.Method)
}

func TestPlainTextExtractorStripsHTML(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "page.html")
	require.NoError(t, os.WriteFile(path, []byte("<html><body><p>Hi &amp; bye</p></body></html>"), 0o644))

	e := extract.PlainTextExtractor{}
	res, err := e.Extract(path)
	require.NoError(t, err)
	require.Contains(t, res.Text, "Hi & bye")
}

func TestRegistryExtractSwallowsErrors(t *testing.T) {
	r := extract.NewRegistry(extract.PlainTextExtractor{})
	res, err := r.Extract("/does/not/exist.txt", "text/plain")
	require.NoError(t, err)
	require.Nil(t, res)
}
