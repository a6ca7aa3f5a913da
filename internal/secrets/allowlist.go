package secrets

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"

	"github.com/BurntSushi/toml"
)

// Allowlist exempts content from detection.
type Allowlist struct {
	Regexes   []string
	StopWords []string
}

// Empty reports whether the allowlist has no entries.
func (a *Allowlist) Empty() bool {
	return a == nil || (len(a.Regexes) == 0 && len(a.StopWords) == 0)
}

// LoadAllowlists merges <workspace>/.gitleaks.toml and the user file at userPath.
// Missing files are skipped; malformed files are errors.
func LoadAllowlists(workspace, userPath string) (*Allowlist, error) {
	merged := &Allowlist{}
	var paths []string
	if workspace != "" {
		paths = append(paths, filepath.Join(workspace, ".gitleaks.toml"))
	}
	if userPath != "" {
		paths = append(paths, userPath)
	}
	for _, p := range paths {
		al, err := loadTOML(p)
		if os.IsNotExist(err) {
			continue
		}
		if err != nil {
			return nil, err
		}
		merged.Regexes = append(merged.Regexes, al.Regexes...)
		merged.StopWords = append(merged.StopWords, al.StopWords...)
	}
	return merged, nil
}

func loadTOML(path string) (*Allowlist, error) {
	if _, err := os.Stat(path); err != nil {
		return nil, err
	}

	var file struct {
		Allowlist struct {
			Regexes   []string `toml:"regexes"`
			StopWords []string `toml:"stopwords"`
		} `toml:"allowlist"`
	}
	if _, err := toml.DecodeFile(path, &file); err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrInvalidTOML, path, err)
	}
	for _, p := range file.Allowlist.Regexes {
		if _, err := regexp.Compile(p); err != nil {
			return nil, fmt.Errorf("%w: %q in %s: %v", ErrInvalidRegex, p, path, err)
		}
	}
	return &Allowlist{Regexes: file.Allowlist.Regexes, StopWords: file.Allowlist.StopWords}, nil
}
