package remediation

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strconv"

	auditerrors "github.com/rcourtman/hostaudit/internal/errors"
)

// CommonScriptName is the shared helper sourced by per-item scripts. It is
// staged before any of them when present.
const CommonScriptName = "remediation_common.sh"

var scriptIDPattern = regexp.MustCompile(`(?i)^\s*u-?(\d+)`)

// ScriptName maps an identifier such as "U-1", "u01" or "U-01" to its
// script file name ("u01.sh").
func ScriptName(id string) (string, bool) {
	m := scriptIDPattern.FindStringSubmatch(id)
	if m == nil {
		return "", false
	}
	n, err := strconv.Atoi(m[1])
	if err != nil {
		return "", false
	}
	return fmt.Sprintf("u%02d.sh", n), true
}

// Script is a local remediation script ready to stage.
type Script struct {
	CheckID string
	Name    string
	Path    string
	Data    []byte
}

// Library reads remediation scripts from a local directory.
type Library struct {
	dir string
}

// OpenLibrary checks that dir exists. A missing directory is a
// configuration error.
func OpenLibrary(dir string) (*Library, error) {
	info, err := os.Stat(dir)
	if err != nil {
		return nil, auditerrors.NewConfigurationError("open_scripts", fmt.Sprintf("remediation scripts directory %s: %v", dir, err))
	}
	if !info.IsDir() {
		return nil, auditerrors.NewConfigurationError("open_scripts", fmt.Sprintf("%s is not a directory", dir))
	}
	return &Library{dir: dir}, nil
}

// Dir returns the library directory.
func (l *Library) Dir() string { return l.dir }

// Resolve loads the script for id. It fails with ErrScriptMissing when no
// script exists and ErrScriptStub when the script is shorter than minBytes.
func (l *Library) Resolve(id string, minBytes int64) (Script, error) {
	name, ok := ScriptName(id)
	if !ok {
		return Script{}, auditerrors.NewAuditError(auditerrors.ErrorTypeScript, "resolve_script", "",
			fmt.Errorf("%w: %s has no script naming", auditerrors.ErrScriptMissing, id)).WithCheck(id)
	}
	path := filepath.Join(l.dir, name)
	data, err := os.ReadFile(path)
	if err != nil {
		return Script{}, auditerrors.NewAuditError(auditerrors.ErrorTypeScript, "resolve_script", "",
			fmt.Errorf("%w: %s", auditerrors.ErrScriptMissing, name)).WithCheck(id).WithPath(path)
	}
	if int64(len(data)) < minBytes {
		return Script{}, auditerrors.NewAuditError(auditerrors.ErrorTypeScript, "resolve_script", "",
			fmt.Errorf("%w: %s is %d bytes", auditerrors.ErrScriptStub, name, len(data))).WithCheck(id).WithPath(path)
	}
	return Script{CheckID: id, Name: name, Path: path, Data: data}, nil
}

// Common returns the shared helper script, if present.
func (l *Library) Common() (Script, bool) {
	path := filepath.Join(l.dir, CommonScriptName)
	data, err := os.ReadFile(path)
	if err != nil {
		return Script{}, false
	}
	return Script{Name: CommonScriptName, Path: path, Data: data}, true
}
