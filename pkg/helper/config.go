package helper

import (
	"os"
	"path/filepath"
)

// ConfigDirEnv names a directory searched before the working directory
const ConfigDirEnv = "CHATGATE_CONFIG_DIR"

// SystemConfigDir is the last place a relative config name is looked up
const SystemConfigDir = "/etc/chatgate"

// GetCfgPath resolves a configuration file name. Absolute paths are returned
// as given. Relative names are looked up in $CHATGATE_CONFIG_DIR, then in the
// working directory and its configs/ subdirectory; when none exists the path
// under SystemConfigDir is returned so the caller reports a useful name.
func GetCfgPath(filename string) string {
	if filename == "" {
		panic("filename cannot be empty")
	}
	if filepath.IsAbs(filename) {
		return filename
	}

	var dirs []string
	if dir := os.Getenv(ConfigDirEnv); dir != "" {
		dirs = append(dirs, dir)
	}
	if wd, err := os.Getwd(); err == nil && wd != "" {
		dirs = append(dirs, wd, filepath.Join(wd, "configs"))
	}

	for _, dir := range dirs {
		candidate := filepath.Join(dir, filename)
		if info, err := os.Stat(candidate); err == nil && !info.IsDir() {
			if abs, err := filepath.Abs(candidate); err == nil {
				return abs
			}
			return candidate
		}
	}
	return filepath.Join(SystemConfigDir, filename)
}
