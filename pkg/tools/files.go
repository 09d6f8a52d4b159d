package tools

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"io/fs"
	"math"
	"os"
	"path/filepath"
	"sort"
	"strings"

	"github.com/maghams62/auto-mac/pkg/plan"
	"github.com/maghams62/auto-mac/pkg/registry"
)

type findDuplicatesParams struct {
	FolderPath string `json:"folder_path,omitempty" jsonschema:"description=Directory to scan for duplicate files; defaults to the user's home folder"`
	Recursive  bool   `json:"recursive,omitempty" jsonschema:"description=Descend into subdirectories"`
}

type duplicateGroup struct {
	Files []string `json:"files"`
	Size  int64    `json:"size"`
}

type findDuplicatesResult struct {
	Duplicates           []duplicateGroup `json:"duplicates"`
	TotalDuplicateGroups int              `json:"total_duplicate_groups"`
	ScannedFiles         int              `json:"scanned_files"`
	WastedSpaceMB        float64          `json:"wasted_space_mb"`
}

func findDuplicatesTool() (registry.Descriptor, registry.Invocable) {
	desc := registry.Descriptor{
		Name:            "folder_find_duplicates",
		Description:     "Scan a folder for duplicate files by content hash and report duplicate groups.",
		ParameterSchema: registry.SchemaFor(&findDuplicatesParams{}),
		ResultSchema:    registry.SchemaFor(&findDuplicatesResult{}),
		Tags:            []string{registry.TagSearch},
	}
	return desc, func(ctx context.Context, params map[string]interface{}, _ *registry.InvokeContext) *plan.StepResult {
		var p findDuplicatesParams
		if err := decodeParams(params, &p); err != nil {
			return plan.Failure(plan.ErrToolInvocation, fmt.Sprintf("bad parameters: %v", err))
		}
		root := expandHome(p.FolderPath)
		if root == "" {
			// A null or missing folder_path means "my files".
			home, err := os.UserHomeDir()
			if err != nil {
				return plan.Failure(plan.ErrToolInvocation, "no folder_path given and no home directory available")
			}
			root = home
		}
		info, err := os.Stat(root)
		if err != nil || !info.IsDir() {
			return plan.Failure(plan.ErrToolInvocation, fmt.Sprintf("%s is not a readable directory", root))
		}

		// Group by size first; only same-size files get hashed.
		bySize := make(map[int64][]string)
		scanned := 0
		walkErr := filepath.WalkDir(root, func(path string, d fs.DirEntry, err error) error {
			if err != nil {
				return nil // unreadable entries are skipped, not fatal
			}
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if d.IsDir() {
				if path != root && !p.Recursive {
					return fs.SkipDir
				}
				return nil
			}
			fi, err := d.Info()
			if err != nil || fi.Size() == 0 {
				return nil
			}
			scanned++
			bySize[fi.Size()] = append(bySize[fi.Size()], path)
			return nil
		})
		if walkErr != nil {
			return plan.Cancelled()
		}

		var groups []duplicateGroup
		for size, paths := range bySize {
			if len(paths) < 2 {
				continue
			}
			byHash := make(map[string][]string)
			for _, path := range paths {
				if ctx.Err() != nil {
					return plan.Cancelled()
				}
				sum, err := hashFile(path)
				if err != nil {
					continue
				}
				byHash[sum] = append(byHash[sum], path)
			}
			for _, group := range byHash {
				if len(group) > 1 {
					sort.Strings(group)
					groups = append(groups, duplicateGroup{Files: group, Size: size})
				}
			}
		}
		sort.Slice(groups, func(i, j int) bool { return groups[i].Files[0] < groups[j].Files[0] })

		var wasted int64
		for _, g := range groups {
			wasted += int64(len(g.Files)-1) * g.Size
		}
		wastedMB := math.Round(float64(wasted)/(1<<20)*100) / 100

		return plan.Success(map[string]interface{}{
			"duplicates":             toInterfaceSlice(groups),
			"total_duplicate_groups": len(groups),
			"scanned_files":          scanned,
			"wasted_space_mb":        wastedMB,
		})
	}
}

type listFilesParams struct {
	Path    string `json:"path" jsonschema:"description=Directory to list"`
	Pattern string `json:"pattern,omitempty" jsonschema:"description=Optional glob applied to file names (e.g. *.pdf)"`
}

type fileEntry struct {
	Path string `json:"path"`
	Name string `json:"name"`
	Size int64  `json:"size"`
}

type listFilesResult struct {
	FileList []fileEntry `json:"file_list"`
	Count    int         `json:"count"`
}

func listFilesTool() (registry.Descriptor, registry.Invocable) {
	desc := registry.Descriptor{
		Name:            "folder_list_files",
		Description:     "List the files in a folder, optionally filtered by a name glob.",
		ParameterSchema: registry.SchemaFor(&listFilesParams{}),
		ResultSchema:    registry.SchemaFor(&listFilesResult{}),
		Tags:            []string{registry.TagSearch},
	}
	return desc, func(_ context.Context, params map[string]interface{}, _ *registry.InvokeContext) *plan.StepResult {
		var p listFilesParams
		if err := decodeParams(params, &p); err != nil {
			return plan.Failure(plan.ErrToolInvocation, fmt.Sprintf("bad parameters: %v", err))
		}
		if p.Path == "" {
			return plan.Failure(plan.ErrToolInvocation, "path is required")
		}
		root := expandHome(p.Path)
		entries, err := os.ReadDir(root)
		if err != nil {
			return plan.Failure(plan.ErrToolInvocation, fmt.Sprintf("cannot read %s: %v", p.Path, err))
		}

		files := make([]interface{}, 0)
		for _, entry := range entries {
			if entry.IsDir() {
				continue
			}
			if p.Pattern != "" {
				if match, _ := filepath.Match(p.Pattern, entry.Name()); !match {
					continue
				}
			}
			fi, err := entry.Info()
			if err != nil {
				continue
			}
			files = append(files, map[string]interface{}{
				"path": filepath.Join(root, entry.Name()),
				"name": entry.Name(),
				"size": fi.Size(),
			})
		}
		return plan.Success(map[string]interface{}{
			"file_list": files,
			"count":     len(files),
		})
	}
}

func hashFile(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()
	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", err
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}

func expandHome(path string) string {
	if path == "~" || strings.HasPrefix(path, "~/") {
		if home, err := os.UserHomeDir(); err == nil {
			return filepath.Join(home, strings.TrimPrefix(path, "~"))
		}
	}
	return path
}

func toInterfaceSlice(groups []duplicateGroup) []interface{} {
	out := make([]interface{}, 0, len(groups))
	for _, g := range groups {
		files := make([]interface{}, 0, len(g.Files))
		for _, f := range g.Files {
			files = append(files, f)
		}
		out = append(out, map[string]interface{}{"files": files, "size": g.Size})
	}
	return out
}
