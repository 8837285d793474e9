package scanning

import (
	"fmt"
	"path/filepath"
	"strings"
)

// ArtifactRef is an opaque handle to an uploaded artifact in the artifact store.
type ArtifactRef string

func (r ArtifactRef) String() string { return string(r) }

// InputType describes what kind of artifact a job analyzes.
type InputType string

const (
	InputTypeAPK  InputType = "apk"
	InputTypeJava InputType = "java"
)

// SupportedExtensions is the allow-list of artifact extensions.
var SupportedExtensions = []string{".apk", ".java", ".jar"}

// InputTypeFor classifies an uploaded filename by extension (case-insensitive).
func InputTypeFor(filename string) (InputType, error) {
	switch ext := strings.ToLower(filepath.Ext(filename)); ext {
	case ".apk":
		return InputTypeAPK, nil
	case ".java", ".jar":
		return InputTypeJava, nil
	default:
		return "", fmt.Errorf("%w: %q (allowed: %s)",
			ErrUnsupportedArtifactType, ext, strings.Join(SupportedExtensions, ", "))
	}
}

// Workdir is the per-job staging area for intermediate outputs.
type Workdir struct {
	// Root contains everything owned by the job; removing it reclaims all
	// intermediate storage.
	Root string
	// Source receives the decompiled tree.
	Source string
	// Reports receives rendered report files.
	Reports string
}
