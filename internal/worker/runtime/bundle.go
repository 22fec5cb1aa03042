package runtime

import (
	"archive/tar"
	"bytes"
	"fmt"
	"os"
	"path"
	"path/filepath"
	"strings"

	"labplane/internal/store"
)

// ValidateBundle checks that every file of a lab can be materialized
// inside a working directory.
func ValidateBundle(lab store.Lab) error {
	if len(lab.Files) == 0 {
		return fmt.Errorf("%w: lab %q has no files", ErrMalformedBundle, lab.ID)
	}

	seen := make(map[string]struct{}, len(lab.Files))
	for _, f := range lab.Files {
		name, err := cleanName(f.Name)
		if err != nil {
			return err
		}
		if _, dup := seen[name]; dup {
			return fmt.Errorf("%w: duplicate file %q", ErrMalformedBundle, f.Name)
		}
		seen[name] = struct{}{}
	}
	return nil
}

func cleanName(name string) (string, error) {
	if strings.TrimSpace(name) == "" {
		return "", fmt.Errorf("%w: empty file name", ErrMalformedBundle)
	}
	if strings.ContainsRune(name, 0) {
		return "", fmt.Errorf("%w: file name %q contains a NUL byte", ErrMalformedBundle, name)
	}
	if path.IsAbs(name) || filepath.IsAbs(name) {
		return "", fmt.Errorf("%w: absolute file name %q", ErrMalformedBundle, name)
	}
	clean := path.Clean(name)
	if clean == "." || clean == ".." || strings.HasPrefix(clean, "../") {
		return "", fmt.Errorf("%w: file name %q escapes the lab directory", ErrMalformedBundle, name)
	}
	return clean, nil
}

// writeBundle materializes a validated lab under dir.
func writeBundle(dir string, lab store.Lab) error {
	for _, f := range lab.Files {
		name, err := cleanName(f.Name)
		if err != nil {
			return err
		}
		target := filepath.Join(dir, filepath.FromSlash(name))
		if err := os.MkdirAll(filepath.Dir(target), 0o755); err != nil {
			return fmt.Errorf("failed to create directory for %s: %w", name, err)
		}
		if err := os.WriteFile(target, []byte(f.Content), 0o644); err != nil {
			return fmt.Errorf("failed to write %s: %w", name, err)
		}
	}
	return nil
}

// tarBundle packs a validated lab into a tar archive rooted at prefix.
func tarBundle(prefix string, lab store.Lab) (*bytes.Buffer, error) {
	var buf bytes.Buffer
	tw := tar.NewWriter(&buf)

	dirs := map[string]struct{}{}
	addDir := func(dir string) error {
		if _, ok := dirs[dir]; ok || dir == "." || dir == "" {
			return nil
		}
		dirs[dir] = struct{}{}
		return tw.WriteHeader(&tar.Header{Typeflag: tar.TypeDir, Name: dir + "/", Mode: 0o755})
	}

	if err := addDir(prefix); err != nil {
		return nil, err
	}
	for _, f := range lab.Files {
		name, err := cleanName(f.Name)
		if err != nil {
			return nil, err
		}
		full := path.Join(prefix, name)
		// Parents first so extraction never has to invent directories.
		var parents []string
		for d := path.Dir(full); d != "." && d != prefix; d = path.Dir(d) {
			parents = append([]string{d}, parents...)
		}
		for _, d := range parents {
			if err := addDir(d); err != nil {
				return nil, err
			}
		}
		hdr := &tar.Header{
			Typeflag: tar.TypeReg,
			Name:     full,
			Mode:     0o644,
			Size:     int64(len(f.Content)),
		}
		if err := tw.WriteHeader(hdr); err != nil {
			return nil, err
		}
		if _, err := tw.Write([]byte(f.Content)); err != nil {
			return nil, err
		}
	}
	if err := tw.Close(); err != nil {
		return nil, err
	}
	return &buf, nil
}

func mapToEnvList(m map[string]string) []string {
	var env []string
	for k, v := range m {
		env = append(env, fmt.Sprintf("%s=%s", k, v))
	}
	return env
}

func runEnv(opts StartOptions) map[string]string {
	env := map[string]string{
		"LABPLANE_EXECUTION_ID": opts.ExecutionID,
		"LABPLANE_LAB_ID":       opts.Lab.ID,
	}
	for k, v := range opts.Env {
		env[k] = v
	}
	return env
}
