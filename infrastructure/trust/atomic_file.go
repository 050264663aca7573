package trust

import (
	"encoding/json"
	"os"
	"path/filepath"
)

// writeJSONAtomic marshals v and writes it to path via write-to-temp +
// rename, the crash-safe pattern spec.md §4.2 requires. The teacher's
// server_configuration writer writes the file directly; we extend it with
// the temp+rename step since the trust store is read concurrently by a
// sibling CLI process.
func writeJSONAtomic(path string, v any) error {
	dir := filepath.Dir(path)
	if err := os.MkdirAll(dir, 0700); err != nil {
		return err
	}

	data, err := json.MarshalIndent(v, "", "\t")
	if err != nil {
		return err
	}

	tmp, err := os.CreateTemp(dir, filepath.Base(path)+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()

	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		_ = os.Remove(tmpName)
		return err
	}
	if err := tmp.Close(); err != nil {
		_ = os.Remove(tmpName)
		return err
	}

	return os.Rename(tmpName, path)
}

// readJSON loads path into v. A missing file is not an error: v is left
// at its zero value so callers can treat "store never written" the same
// as "store is empty".
func readJSON(path string, v any) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}
	if len(data) == 0 {
		return nil
	}
	return json.Unmarshal(data, v)
}
