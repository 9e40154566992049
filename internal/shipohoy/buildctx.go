package shipohoy

import (
	"archive/tar"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// DefaultContainerfile is the file name used when a BuildSpec names none.
const DefaultContainerfile = "Containerfile"

// PrepareContext writes inline Containerfile data (if any) into the build
// context and returns the Containerfile path relative to the context dir.
func PrepareContext(spec BuildSpec) (string, error) {
	if strings.TrimSpace(spec.ContextDir) == "" {
		return "", fmt.Errorf("build context is required")
	}
	path := spec.ContainerfilePath
	if path == "" {
		path = filepath.Join(spec.ContextDir, DefaultContainerfile)
	}
	if len(spec.ContainerfileData) > 0 {
		if err := os.WriteFile(path, spec.ContainerfileData, 0o600); err != nil {
			return "", err
		}
	}
	rel, err := filepath.Rel(spec.ContextDir, path)
	if err != nil || strings.HasPrefix(rel, "..") {
		return "", fmt.Errorf("containerfile must be within context: %s", path)
	}
	return filepath.ToSlash(rel), nil
}

// ContextTar streams root as an uncompressed tar archive.
func ContextTar(root string) io.ReadCloser {
	pr, pw := io.Pipe()
	go func() {
		tw := tar.NewWriter(pw)
		err := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if path == root {
				return nil
			}
			rel, err := filepath.Rel(root, path)
			if err != nil {
				return err
			}
			info, err := d.Info()
			if err != nil {
				return err
			}
			hdr, err := tar.FileInfoHeader(info, "")
			if err != nil {
				return err
			}
			hdr.Name = filepath.ToSlash(rel)
			if err := tw.WriteHeader(hdr); err != nil {
				return err
			}
			if !info.Mode().IsRegular() {
				return nil
			}
			file, err := os.Open(path)
			if err != nil {
				return err
			}
			_, err = io.Copy(tw, file)
			_ = file.Close()
			return err
		})
		if err == nil {
			err = tw.Close()
		}
		_ = pw.CloseWithError(err)
	}()
	return pr
}

// SendBuildEvent delivers event without blocking the build.
func SendBuildEvent(events chan<- BuildEvent, event BuildEvent) {
	if events == nil {
		return
	}
	select {
	case events <- event:
	default:
	}
}
