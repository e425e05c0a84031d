// Package fileutil provides common file operation utilities used by the
// fetch engine and transfer task.
package fileutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// SafeJoin safely joins a base path with an untrusted relative path.
// It prevents path traversal attacks by ensuring the result stays within the base directory.
// Returns an error if the path attempts to escape the base directory.
//
// Used by listing.ResolveDestination to confine a resolved destination to
// its destinationTemplate's static root, since ${RXMATCH_k} tokens
// substitute filterRegexp capture groups taken from a remote, potentially
// attacker-influenced filename (§4.1 step 3).
func SafeJoin(base, untrustedPath string) (string, error) {
	// Clean the untrusted path first
	cleaned := filepath.Clean(untrustedPath)

	// Reject absolute paths
	if filepath.IsAbs(cleaned) {
		return "", fmt.Errorf("path must be relative: %s", untrustedPath)
	}

	// Reject paths that start with ..
	if strings.HasPrefix(cleaned, "..") {
		return "", fmt.Errorf("path cannot traverse above base directory: %s", untrustedPath)
	}

	// Join and get the absolute path
	joined := filepath.Join(base, cleaned)
	absJoined, err := filepath.Abs(joined)
	if err != nil {
		return "", fmt.Errorf("failed to resolve path: %w", err)
	}

	absBase, err := filepath.Abs(base)
	if err != nil {
		return "", fmt.Errorf("failed to resolve base path: %w", err)
	}

	// Ensure the joined path is within the base directory
	// Add trailing separator to base to prevent prefix matching issues
	// (e.g., /foo/bar shouldn't match /foo/barbaz)
	if !strings.HasPrefix(absJoined, absBase+string(filepath.Separator)) && absJoined != absBase {
		return "", fmt.Errorf("path escapes base directory: %s", untrustedPath)
	}

	return joined, nil
}

// WorkingSuffix is appended to a destination path to name its transient
// on-disk buffer, per the Working file definition in the glossary.
const WorkingSuffix = ".working"

// WorkingPath returns the transient buffer path for a final destination.
func WorkingPath(destination string) string {
	return destination + WorkingSuffix
}

// CreateWorkingFile opens destination's working file for exclusive
// writing, creating parent directories on demand. It fails if the working
// file already exists, which is how two Transfer Tasks racing for the
// same destination resolve the "already in progress" case in §7 without
// any additional locking.
func CreateWorkingFile(destination string) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(destination), 0o750); err != nil {
		return nil, fmt.Errorf("creating parent directories for %s: %w", destination, err)
	}

	f, err := os.OpenFile(WorkingPath(destination), os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
	if err != nil {
		return nil, fmt.Errorf("opening working file for %s: %w", destination, err)
	}
	return f, nil
}

// AtomicRename promotes destination's working file to its final name. This
// is the sole linearization point at which the archive becomes visible to
// directory listings: a concurrent reader sees either no entry or the
// complete file, never the working file under its final name (§5 ordering
// guarantees).
func AtomicRename(destination string) error {
	if err := os.Rename(WorkingPath(destination), destination); err != nil {
		return fmt.Errorf("renaming working file into place for %s: %w", destination, err)
	}
	return nil
}

// RemoveWorkingFile discards a failed task's working file. A missing file
// is not an error: the task may have failed before the file was created.
func RemoveWorkingFile(destination string) error {
	if err := os.Remove(WorkingPath(destination)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("removing working file for %s: %w", destination, err)
	}
	return nil
}

// Exists reports whether path is present on disk. I/O errors other than
// "not exist" are treated as false with the error discarded, since every
// caller only uses this for a best-effort pre-flight check before an
// operation that will surface the real error itself.
func Exists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}
