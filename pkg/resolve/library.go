package resolve

/*
#cgo CFLAGS: -D_GNU_SOURCE
#cgo LDFLAGS: -ldl

#include <dlfcn.h>
#include <link.h>
#include <stddef.h>
#include <stdlib.h>

static const char *lib_path(void *handle)
{
	struct link_map *lm = NULL;

	if (dlinfo(handle, RTLD_DI_LINKMAP, &lm) != 0 || lm == NULL)
		return NULL;

	return lm->l_name;
}

typedef void *(*mem_fn)(void *, const void *, size_t);

// Calls the named function with harmless scratch buffers. The catalog
// functions all read at most their first arguments, so the copy-like
// prototype is safe for every one of them.
static int call_fn(void *handle, const char *name)
{
	static char dst[64];
	static char src[64] = "test";

	mem_fn fn = (mem_fn)dlsym(handle, name);
	if (fn == NULL)
		return -1;

	fn(dst, src, 4);

	return 0;
}
*/
import "C"

import (
	"unsafe"

	"github.com/pkg/errors"
)

var (
	ErrLibraryPathUnknown = errors.New("loader reports no path for library")
	ErrSymbolUnavailable  = errors.New("symbol not available through the loader")
)

// Library is a handle on a shared object opened through the dynamic loader.
// It serves two purposes: discovering the absolute path the library was
// loaded from, and forcing a single call of a resolved function so the
// transient capture probes fire.
type Library struct {
	handle unsafe.Pointer
	Path   string
}

// OpenLibrary dlopens the named library and records its loaded path.
func OpenLibrary(name string) (*Library, error) {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))

	handle := C.dlopen(cname, C.RTLD_NOW)
	if handle == nil {
		return nil, errors.Errorf("dlopen %s: %s", name, C.GoString(C.dlerror()))
	}

	path := C.lib_path(handle)
	if path == nil || C.GoString(path) == "" {
		C.dlclose(handle)
		return nil, errors.Wrap(ErrLibraryPathUnknown, name)
	}

	return &Library{handle: handle, Path: C.GoString(path)}, nil
}

// Invoke calls the named function once from this process with synthetic
// arguments. dlsym on an IFUNC symbol runs its resolver, which is exactly
// what the capture probes are waiting on.
func (l *Library) Invoke(name string) error {
	cname := C.CString(name)
	defer C.free(unsafe.Pointer(cname))

	if C.call_fn(l.handle, cname) != 0 {
		return errors.Wrap(ErrSymbolUnavailable, name)
	}

	return nil
}

func (l *Library) Close() {
	if l.handle != nil {
		C.dlclose(l.handle)
		l.handle = nil
	}
}
