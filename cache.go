package ispc

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// stateFileName is the sidecar fingerprint cache, a flat JSON map from
// unit identity to fingerprint, kept in the output directory.
const stateFileName = "ispc_build_state.json"

// buildState is the fingerprint cache handle for one pass. prev holds what
// the last successful pass recorded; next buffers this pass's fingerprints
// until flush. A handle is never shared across passes.
type buildState struct {
	path string
	prev map[string]string
	next map[string]string
}

// loadBuildState reads the sidecar cache. An absent or unreadable file is
// an empty state and forces a full rebuild, never an error.
func loadBuildState(outDir string) *buildState {
	st := &buildState{
		path: filepath.Join(outDir, stateFileName),
		prev: make(map[string]string),
		next: make(map[string]string),
	}

	data, err := os.ReadFile(st.path)
	if err != nil {
		return st
	}
	if err := json.Unmarshal(data, &st.prev); err != nil {
		st.prev = make(map[string]string)
	}
	return st
}

// upToDate reports whether the last successful pass recorded fp for this
// identity.
func (st *buildState) upToDate(id, fp string) bool {
	return st.prev[id] == fp
}

// record buffers a fingerprint in memory. Nothing reaches disk until
// flush.
func (st *buildState) record(id, fp string) {
	st.next[id] = fp
}

// flush writes the buffered fingerprints atomically, replacing the prior
// cache in one rename. Called once, only after the whole pass succeeded;
// entries for sources that no longer exist are dropped because only this
// pass's units were buffered.
func (st *buildState) flush() error {
	data, err := json.MarshalIndent(st.next, "", "  ")
	if err != nil {
		return err
	}
	return writeFileAtomic(st.path, append(data, '\n'), 0644)
}

// writeFileAtomic writes data to a temp file in the target directory and
// renames it over path, so readers never observe a partial write.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer os.Remove(tmpName)

	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmpName, path)
}
