package compute

import (
	"fmt"
	"path/filepath"

	"github.com/havencarlson/CS/internal/fsutil"
	"github.com/havencarlson/CS/internal/memmap"
	"github.com/havencarlson/CS/internal/security"
)

// RegionFile is the file, relative to an image directory, that holds the
// contents of a region.
func RegionFile(r memmap.Region) string {
	return security.SanitizeFilename(r.Name) + ".bin"
}

// LoadRegionData reads region contents from dir for FromRegions. Regions
// without a file are left out and keep the fill pattern. A file larger than
// its region is an error.
func LoadRegionData(fsys fsutil.FileSystem, dir string, regions []memmap.Region) (map[string][]byte, error) {
	data := make(map[string][]byte)
	if dir == "" {
		return data, nil
	}
	for _, r := range regions {
		path := filepath.Join(dir, RegionFile(r))
		if err := security.ValidatePathWithinDirectory(path, dir); err != nil {
			return nil, err
		}
		if !fsys.Exists(path) {
			continue
		}
		info, err := fsys.Stat(path)
		if err != nil {
			return nil, err
		}
		if info.Size() > int64(r.Size) {
			return nil, fmt.Errorf("%s is %d bytes, region %q holds %d", path, info.Size(), r.Name, r.Size)
		}
		b, err := fsys.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", path, err)
		}
		data[r.Name] = b
	}
	return data, nil
}
