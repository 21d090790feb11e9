package catalog

import (
	"os"
	"path/filepath"
	"sort"
	"strings"

	yaml "gopkg.in/yaml.v2"

	"github.com/opspilot/backend/internal/faults"
)

// seedFile is one tools.d/*.yaml document.
type seedFile struct {
	Tools []*ToolSpec `yaml:"tools"`
}

// LoadSeedDir parses every .yaml/.yml file in dir and returns the declared
// tool specs, validated and ordered by file name then position. A missing
// directory is not an error; a malformed file is.
func LoadSeedDir(dir string) ([]*ToolSpec, error) {
	entries, err := os.ReadDir(dir)
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, faults.Wrapf(faults.KindInternal, err, "read seed dir %s", dir)
	}

	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.IsDir() {
			continue
		}
		ext := strings.ToLower(filepath.Ext(e.Name()))
		if ext == ".yaml" || ext == ".yml" {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	var specs []*ToolSpec
	for _, name := range names {
		path := filepath.Join(dir, name)
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, faults.Wrapf(faults.KindInternal, err, "read seed file %s", path)
		}

		var doc seedFile
		if err := yaml.Unmarshal(raw, &doc); err != nil {
			return nil, faults.Wrapf(faults.KindValidation, err, "parse seed file %s", path)
		}
		for i, spec := range doc.Tools {
			if spec == nil {
				return nil, faults.Newf(faults.KindValidation, "seed file %s: tool %d is empty", path, i)
			}
			if err := spec.Validate(); err != nil {
				return nil, faults.Wrapf(faults.KindValidation, err, "seed file %s", path)
			}
			specs = append(specs, spec)
		}
	}
	return specs, nil
}
