package rendergrid

import (
	"fmt"
	"io"
	"os"
	"path/filepath"
	"time"
)

// Artifact is a handle over a completed job's rendered file, sized for
// streaming download (openArtifact in §6).
type Artifact struct {
	file     *os.File
	Size     int64
	Filename string
	MIME     string
}

// Read implements io.Reader, delegating to the underlying file.
func (a *Artifact) Read(p []byte) (int, error) { return a.file.Read(p) }

// Close releases the underlying file handle.
func (a *Artifact) Close() error { return a.file.Close() }

var _ io.ReadCloser = (*Artifact)(nil)

func mimeFor(ext string) string {
	switch ext {
	case "pdf":
		return "application/pdf"
	case "png":
		return "image/png"
	case "jpeg", "jpg":
		return "image/jpeg"
	default:
		return "application/octet-stream"
	}
}

// OpenArtifact locates job's file on disk and opens it for streaming. It
// reports ErrNotFound if key is unknown; ErrRenderFailed or ErrCancelled if
// the job reached a terminal state with no artifact ever written (polling
// again will never produce one); ErrNotReady if the job is still in flight
// and may yet complete; or ErrArtifactMissing if the job is COMPLETED but
// the file has since disappeared.
func (s *Service) OpenArtifact(key RequestedKey) (*Artifact, error) {
	j, ok := s.store.Get(key)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrNotFound, key)
	}
	switch j.Status {
	case StatusCompleted:
	case StatusFailed:
		return nil, fmt.Errorf("%w: job %s", ErrRenderFailed, key)
	case StatusCancelled:
		return nil, fmt.Errorf("%w: job %s", ErrCancelled, key)
	default:
		return nil, fmt.Errorf("%w: job %s is %s", ErrNotReady, key, j.Status)
	}

	f, err := os.Open(j.FilePath) // #nosec G304 -- path is one the service itself wrote
	if err != nil {
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrArtifactMissing, j.FilePath)
		}
		return nil, fmt.Errorf("opening artifact: %w", err)
	}
	info, err := f.Stat()
	if err != nil {
		f.Close()
		return nil, fmt.Errorf("statting artifact: %w", err)
	}

	ext := filepath.Ext(j.FilePath)
	if len(ext) > 0 {
		ext = ext[1:]
	}
	return &Artifact{
		file:     f,
		Size:     info.Size(),
		Filename: filepath.Base(j.FilePath),
		MIME:     mimeFor(ext),
	}, nil
}

// writeArtifact writes content to outputDir/<dd-mm-yyyy>/name, creating the
// date partition on demand. The directory is never pre-created; it exists
// only once a worker actually has bytes to write.
func writeArtifact(outputDir string, at time.Time, name string, content []byte) (string, error) {
	dir := filepath.Join(outputDir, dateFolder(at))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("creating output dir: %w", err)
	}
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, content, 0o644); err != nil {
		return "", fmt.Errorf("writing artifact: %w", err)
	}
	return path, nil
}

// removeArtifact deletes path if present; a missing file is not an error,
// matching §7's "filesystem delete errors during remove/cancel cleanup are
// logged; the store-level removal still succeeds" policy (the caller logs).
func removeArtifact(path string) error {
	err := os.Remove(path)
	if err != nil && !os.IsNotExist(err) {
		return err
	}
	return nil
}
