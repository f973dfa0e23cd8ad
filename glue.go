package ispc

import (
	"strings"
)

// cIdent turns a library name into a valid C identifier.
func cIdent(name string) string {
	var b strings.Builder
	for i, r := range name {
		switch {
		case r >= 'a' && r <= 'z' || r >= 'A' && r <= 'Z' || r == '_':
			b.WriteRune(r)
		case r >= '0' && r <= '9':
			if i == 0 {
				b.WriteByte('_')
			}
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// glueSource renders the task-system shims archived into every library
// built from source. Kernels using launch/sync call ISPCAlloc, ISPCLaunch
// and ISPCSync; the shims forward to whatever task system the host
// registers, and fall back to running launches inline and serially so a
// library stays usable without any registration. The identity function
// lets hosts confirm which module build they loaded.
func glueSource(name, version string) string {
	ident := cIdent(name)
	identity := name
	if version != "" {
		identity += " " + version
	}

	var sb strings.Builder
	writeln(&sb, "/* Task-system glue for the ", name, " kernel library. Generated, do not edit. */")
	writeln(&sb, `#include <stdint.h>
#include <stdlib.h>

#ifdef _WIN32
#include <malloc.h>
static void *`+ident+`_aligned_alloc(size_t align, size_t size) {
    return _aligned_malloc(size, align);
}
static void `+ident+`_aligned_free(void *p) { _aligned_free(p); }
#else
static void *`+ident+`_aligned_alloc(size_t align, size_t size) {
    void *mem = NULL;
    if (posix_memalign(&mem, align, size) != 0)
        return NULL;
    return mem;
}
static void `+ident+`_aligned_free(void *p) { free(p); }
#endif

typedef void (*ispcgo_task_fn)(void *data, int thread_idx, int thread_cnt,
                               int task_idx, int task_cnt,
                               int task_idx0, int task_idx1, int task_idx2,
                               int task_cnt0, int task_cnt1, int task_cnt2);

typedef void *(*ispcgo_alloc_fn)(void **handle, int64_t size, int32_t align);
typedef void (*ispcgo_launch_fn)(void **handle, void *f, void *data,
                                 int count0, int count1, int count2);
typedef void (*ispcgo_sync_fn)(void *handle);

static ispcgo_alloc_fn ispcgo_alloc_impl;
static ispcgo_launch_fn ispcgo_launch_impl;
static ispcgo_sync_fn ispcgo_sync_impl;

void ispcgo_set_task_system(ispcgo_alloc_fn alloc_fn, ispcgo_launch_fn launch_fn,
                            ispcgo_sync_fn sync_fn) {
    ispcgo_alloc_impl = alloc_fn;
    ispcgo_launch_impl = launch_fn;
    ispcgo_sync_impl = sync_fn;
}

const char *ispcgo_module_`+ident+`(void) { return "`+identity+`"; }

/* Serial fallback: allocations are tracked per launch group and released
 * by the matching sync. */
struct ispcgo_serial_group {
    void **blocks;
    size_t len, cap;
};

void *ISPCAlloc(void **handle, int64_t size, int32_t align) {
    if (ispcgo_alloc_impl)
        return ispcgo_alloc_impl(handle, size, align);

    struct ispcgo_serial_group *g = *handle;
    if (!g) {
        g = calloc(1, sizeof *g);
        *handle = g;
    }
    if (align < (int32_t)sizeof(void *))
        align = sizeof(void *);
    void *mem = `+ident+`_aligned_alloc((size_t)align, (size_t)size);
    if (!mem)
        return NULL;
    if (g->len == g->cap) {
        g->cap = g->cap ? g->cap * 2 : 8;
        g->blocks = realloc(g->blocks, g->cap * sizeof(void *));
    }
    g->blocks[g->len++] = mem;
    return mem;
}

void ISPCLaunch(void **handle, void *f, void *data, int count0, int count1,
                int count2) {
    if (ispcgo_launch_impl) {
        ispcgo_launch_impl(handle, f, data, count0, count1, count2);
        return;
    }

    ispcgo_task_fn task = (ispcgo_task_fn)f;
    int total = count0 * count1 * count2;
    int idx = 0;
    for (int z = 0; z < count2; z++)
        for (int y = 0; y < count1; y++)
            for (int x = 0; x < count0; x++, idx++)
                task(data, 0, 1, idx, total, x, y, z, count0, count1, count2);
}

void ISPCSync(void *handle) {
    if (ispcgo_sync_impl) {
        ispcgo_sync_impl(handle);
        return;
    }

    struct ispcgo_serial_group *g = handle;
    if (!g)
        return;
    for (size_t i = 0; i < g->len; i++)
        `+ident+`_aligned_free(g->blocks[i]);
    free(g->blocks);
    free(g);
}`)

	return sb.String()
}

// glueArgv builds the native compiler command for the glue object.
func glueArgv(cfg *BuildConfig, ccPath, glueSrc, glueObj string) []string {
	args := []string{ccPath, "-c", "-O2"}
	if cfg.debug {
		args = append(args, "-g")
	}
	if cfg.pic {
		args = append(args, "-fPIC")
	}
	args = append(args, "-o", glueObj, glueSrc)
	return args
}
