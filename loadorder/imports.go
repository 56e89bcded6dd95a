package loadorder

import (
	"fmt"
	"strings"

	"github.com/go-logr/logr"
	"github.com/spf13/afero"

	"github.com/carbonblack/ntloadorder/core"
	"github.com/carbonblack/ntloadorder/pefile"
	"github.com/carbonblack/ntloadorder/util"
)

// ApiSetSchemaPath is the image holding the API Set namespace.
const ApiSetSchemaPath = "System32\\apisetschema.dll"

// importSearchPaths are searched in order for imported modules.
var importSearchPaths = []string{
	"System32\\drivers",
	"System32",
}

// ImageReader gives the import expander access to the images below a system
// root. Image paths are relative to the system root.
type ImageReader interface {
	// Open parses the image at imagePath.
	Open(imagePath string) (*pefile.PeFile, error)
	// Locate returns the image path of fileName in the first of searchPaths
	// that holds it.
	Locate(searchPaths []string, fileName string) (string, error)
}

// FsImageReader reads images from a filesystem rooted at the system root,
// resolving path components case-insensitively.
type FsImageReader struct {
	resolver *util.PathResolver
}

// NewImageReader returns an ImageReader over fs, which must be rooted at the
// system root, e.g. afero.NewBasePathFs(afero.NewOsFs(), `C:\Windows`).
func NewImageReader(fs afero.Fs) *FsImageReader {
	return &FsImageReader{resolver: util.NewPathResolver(fs)}
}

func (r *FsImageReader) Open(imagePath string) (*pefile.PeFile, error) {
	resolved, err := r.resolver.Resolve(util.TrimSystemRoot(imagePath))
	if err != nil {
		return nil, fmt.Errorf("Error opening image %s: %w", imagePath, err)
	}
	return pefile.LoadPeFs(r.resolver.Fs(), resolved)
}

func (r *FsImageReader) Locate(searchPaths []string, fileName string) (string, error) {
	return r.resolver.SearchFile(searchPaths, fileName)
}

// AddImports returns a new list holding the entries of list followed by the
// modules they import, transitively. list is drained.
//
// The leading kernel binaries keep their positions and their imports follow
// all of them. Every other entry is followed by its imports. The imports of an
// imported module always precede the module itself. Every image path is
// placed once, the first time it is seen.
func AddImports(list *core.List[Entry], images ImageReader, log logr.Logger) (*core.List[Entry], error) {
	schema, err := images.Open(ApiSetSchemaPath)
	if err != nil {
		return nil, fmt.Errorf("Error loading api set schema: %w", err)
	}
	apiSet, err := schema.ApiSet()
	if err != nil {
		return nil, fmt.Errorf("Error loading api set schema: %w", err)
	}
	log.V(1).Info("loaded api set schema", "version", apiSet.Version, "entries", apiSet.Len())

	h := &importHandler{
		images:  images,
		apiSet:  apiSet,
		entries: core.New[Entry](),
		placed:  make(map[string]bool),
		log:     log,
	}

	kernelBinaries := 0
	for _, entry := range list.All() {
		if !entry.IsKernelBinary {
			break
		}
		h.place(entry.ImagePath)
		h.entries.PushBack(*entry)
		kernelBinaries++
	}

	// only the leading kernel binaries are pre-placed, any later one is
	// handled like a service
	for entry := range list.Drain() {
		if kernelBinaries > 0 {
			kernelBinaries--
			if err := h.handleImage(entry.ImagePath); err != nil {
				return nil, err
			}
			continue
		}

		if !h.place(entry.ImagePath) {
			log.V(2).Info("skipping duplicate image", "name", entry.Name, "imagePath", entry.ImagePath)
			continue
		}
		h.entries.PushBack(entry)
		if err := h.handleImage(entry.ImagePath); err != nil {
			return nil, err
		}
	}

	return h.entries, nil
}

type importHandler struct {
	images  ImageReader
	apiSet  *pefile.ApiSetMap
	entries *core.List[Entry]
	placed  map[string]bool
	log     logr.Logger
}

// place marks imagePath as placed and reports whether it was not before.
func (h *importHandler) place(imagePath string) bool {
	key := strings.ToLower(util.TrimSystemRoot(imagePath))
	if h.placed[key] {
		return false
	}
	h.placed[key] = true
	return true
}

func (h *importHandler) handleImage(imagePath string) error {
	pe, err := h.images.Open(imagePath)
	if err != nil {
		return fmt.Errorf("Error handling imports of %s: %w", imagePath, err)
	}
	if pe.ImportsErr != nil {
		h.log.V(1).Info("import directory partially undecodable", "imagePath", imagePath, "dlls", len(pe.ImportedDlls()), "error", pe.ImportsErr.Error())
	}

	for _, dll := range pe.ImportedDlls() {
		name, ok := h.patchDllName(dll)
		if !ok {
			// not available on this system, the loader ignores it too
			h.log.V(1).Info("skipping unavailable api set", "importer", imagePath, "name", dll)
			continue
		}

		importPath, err := h.images.Locate(importSearchPaths, name)
		if err != nil {
			return fmt.Errorf("Error handling imports of %s: %w", imagePath, err)
		}

		if !h.place(importPath) {
			continue
		}

		if err := h.handleImage(importPath); err != nil {
			return err
		}
		h.entries.PushBack(Entry{
			Name:      name,
			ImagePath: importPath,
			Reason:    "Import of \"" + imagePath + "\"",
		})
		h.log.V(2).Info("placed import", "name", name, "importer", imagePath)
	}

	return nil
}

// patchDllName maps an API Set module name to its host module. Only names
// with a lowercase .dll extension and an "api-" or "ext-" prefix are API
// Sets; anything else is returned unchanged. ok is false when the API Set has
// no host on this system.
func (h *importHandler) patchDllName(dll string) (name string, ok bool) {
	lookupName, found := strings.CutSuffix(dll, ".dll")
	if !found {
		return dll, true
	}
	if !strings.HasPrefix(lookupName, "api-") && !strings.HasPrefix(lookupName, "ext-") {
		return dll, true
	}

	hosts, found := h.apiSet.Lookup(lookupName)
	if !found || len(hosts) == 0 || hosts[0].HostName == "" {
		return "", false
	}
	return hosts[0].HostName, true
}
