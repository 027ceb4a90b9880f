package orchestrator

import "os"

// dumpFS implements the supplemented dump-fs option (§12): write the
// device-resident SPIFFS image read during merge to a local file for
// offline inspection.
func dumpFS(path string, data []byte) error {
	return os.WriteFile(path, data, 0644)
}
