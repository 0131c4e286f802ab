package core

import (
	"fmt"
	"regexp"
	"runtime"
	"strings"

	"filevault/pkg/storage"
)

var (
	// Regex for validating file extensions: a single leading dot followed by
	// one or more word characters.
	extensionPattern = regexp.MustCompile(`^\.\w+$`)

	// Path separators are rejected on every platform.
	separatorChars = `/\`

	// Characters Windows refuses in file names, in addition to control
	// characters.
	windowsInvalidChars = `<>:"|?*`
)

// invalidNameRune reports whether r may not appear in a file name on the
// host platform.
func invalidNameRune(r rune) bool {
	if r == 0 || strings.ContainsRune(separatorChars, r) {
		return true
	}
	if runtime.GOOS == "windows" {
		return r < 0x20 || strings.ContainsRune(windowsInvalidChars, r)
	}
	return false
}

func validateCharacters(kind string, value string) error {
	if strings.TrimSpace(value) == "" {
		return fmt.Errorf("%w: %s must not be empty", storage.ErrInvalidArgument, kind)
	}
	if strings.IndexFunc(value, invalidNameRune) >= 0 {
		return fmt.Errorf("%w: the %s %q contains invalid characters", storage.ErrInvalidArgument, kind, value)
	}
	return nil
}

// ValidateName rejects empty or whitespace-only names and names containing
// characters that are illegal in a file name or that separate path elements.
func ValidateName(name string) error {
	return validateCharacters("file name", name)
}

// ValidateExtension applies the same character rules as ValidateName and
// additionally requires the ".xxx" shape.
func ValidateExtension(extension string) error {
	if err := validateCharacters("extension", extension); err != nil {
		return err
	}
	if !extensionPattern.MatchString(extension) {
		return fmt.Errorf("%w: the extension %q does not conform to the expected format: .xxx", storage.ErrInvalidArgument, extension)
	}
	return nil
}
