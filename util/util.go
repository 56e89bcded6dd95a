package util

import (
	"encoding/binary"
	"fmt"
	"os"
	"path"
	"strings"
	"unicode/utf16"
	"unicode/utf8"

	"github.com/spf13/afero"
)

// SplitWinPath splits a backslash (or slash) separated Windows path into its
// non-empty components.
func SplitWinPath(p string) []string {
	fields := strings.FieldsFunc(p, func(r rune) bool {
		return r == '\\' || r == '/'
	})
	return fields
}

// systemRootPrefixes are stripped from image paths before they are resolved
// below a system root directory.
var systemRootPrefixes = []string{
	"\\systemroot\\",
	"systemroot\\",
	"%systemroot%\\",
}

// TrimSystemRoot removes a leading SystemRoot reference from a registry image
// path, leaving a path relative to the system root.
func TrimSystemRoot(imagePath string) string {
	lower := strings.ToLower(imagePath)
	for _, prefix := range systemRootPrefixes {
		if strings.HasPrefix(lower, prefix) {
			return imagePath[len(prefix):]
		}
	}
	return imagePath
}

// PathResolver looks up Windows paths below the root of a filesystem, matching
// every path component case-insensitively like the Windows object manager
// does. Directory listings are cached for the lifetime of the resolver.
type PathResolver struct {
	fs    afero.Fs
	cache map[string]map[string]string
}

// NewPathResolver returns a resolver over fs.
func NewPathResolver(fs afero.Fs) *PathResolver {
	return &PathResolver{
		fs:    fs,
		cache: make(map[string]map[string]string),
	}
}

// Fs returns the filesystem the resolver reads from.
func (r *PathResolver) Fs() afero.Fs {
	return r.fs
}

func (r *PathResolver) listing(dir string) (map[string]string, error) {
	if names, ok := r.cache[dir]; ok {
		return names, nil
	}

	infos, err := afero.ReadDir(r.fs, dir)
	if err != nil {
		return nil, err
	}

	names := make(map[string]string, len(infos))
	for _, info := range infos {
		lower := strings.ToLower(info.Name())
		// prefer an exact-case entry when a case-sensitive filesystem holds both
		if _, ok := names[lower]; !ok || info.Name() == lower {
			names[lower] = info.Name()
		}
	}
	r.cache[dir] = names
	return names, nil
}

// Resolve maps a Windows path relative to the filesystem root onto the actual
// on-disk path. It returns an error wrapping os.ErrNotExist when a component
// cannot be found.
func (r *PathResolver) Resolve(winPath string) (string, error) {
	current := "/"
	for _, component := range SplitWinPath(winPath) {
		names, err := r.listing(current)
		if err != nil {
			return "", fmt.Errorf("Error listing directory %s: %w", current, err)
		}

		actual, ok := names[strings.ToLower(component)]
		if !ok {
			return "", fmt.Errorf("Error resolving %s: %s not found in %s: %w", winPath, component, current, os.ErrNotExist)
		}
		current = path.Join(current, actual)
	}
	return current, nil
}

// Exists reports whether winPath resolves to a regular file.
func (r *PathResolver) Exists(winPath string) bool {
	resolved, err := r.Resolve(winPath)
	if err != nil {
		return false
	}
	info, err := r.fs.Stat(resolved)
	return err == nil && !info.IsDir()
}

// ReadFile resolves winPath and returns the file contents.
func (r *PathResolver) ReadFile(winPath string) ([]byte, error) {
	resolved, err := r.Resolve(winPath)
	if err != nil {
		return nil, err
	}
	return afero.ReadFile(r.fs, resolved)
}

// SearchFile looks for filename in each of the search directories in order
// and returns the first match as a Windows path.
func (r *PathResolver) SearchFile(searchPaths []string, filename string) (string, error) {
	for _, dir := range searchPaths {
		candidate := dir + "\\" + filename
		if r.Exists(candidate) {
			return candidate, nil
		}
	}

	return "", fmt.Errorf("file '%s' not found in %s: %w", filename, strings.Join(searchPaths, ", "), os.ErrNotExist)
}

// UTF16ToString decodes little-endian UTF-16 bytes. An odd trailing byte
// decodes to utf8.RuneError.
func UTF16ToString(b []byte) string {
	utf := make([]uint16, (len(b)+(2-1))/2)
	for i := 0; i+(2-1) < len(b); i += 2 {
		utf[i/2] = binary.LittleEndian.Uint16(b[i:])
	}
	if len(b)/2 < len(utf) {
		utf[len(utf)-1] = utf8.RuneError
	}
	return string(utf16.Decode(utf))
}

// UTF16ToStringNul decodes little-endian UTF-16 bytes up to the first NUL
// character.
func UTF16ToStringNul(b []byte) string {
	for i := 0; i+1 < len(b); i += 2 {
		if b[i] == 0 && b[i+1] == 0 {
			return UTF16ToString(b[:i])
		}
	}
	return UTF16ToString(b)
}

// StringToUTF16 encodes s as little-endian UTF-16 without a terminator.
func StringToUTF16(s string) []byte {
	units := utf16.Encode([]rune(s))
	ret := make([]byte, 0, len(units)*2)
	for _, u := range units {
		ret = binary.LittleEndian.AppendUint16(ret, u)
	}
	return ret
}
