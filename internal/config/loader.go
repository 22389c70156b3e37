package config

import (
	"context"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"

	"github.com/hashicorp/hcl/v2/gohcl"
	"github.com/hashicorp/hcl/v2/hclparse"
	"github.com/specialistvlad/accelgrid/internal/ctxlog"
)

// Loader reads grid files written in HCL.
type Loader struct{}

// NewLoader creates a new HCL grid loader.
func NewLoader() *Loader {
	return &Loader{}
}

// Load parses every .hcl file under paths, merges their blocks and validates
// the result. A path may name a single file or a directory, which is searched
// recursively.
func (l *Loader) Load(ctx context.Context, paths ...string) (*Model, error) {
	logger := ctxlog.FromContext(ctx)
	logger.Debug("HCL loader started.", "path_count", len(paths))

	hclFiles, err := l.findAllHCLFiles(paths)
	if err != nil {
		return nil, err
	}
	if len(hclFiles) == 0 {
		return nil, fmt.Errorf("no .hcl files found in %v", paths)
	}
	logger.Debug("Discovered HCL files.", "count", len(hclFiles))

	model := &Model{}
	var schedules []string
	parser := hclparse.NewParser()
	for _, file := range hclFiles {
		hclFile, diags := parser.ParseHCLFile(file)
		if diags.HasErrors() {
			return nil, fmt.Errorf("failed to parse HCL file %s: %w", file, diags)
		}

		var root fileRoot
		if diags := gohcl.DecodeBody(hclFile.Body, nil, &root); diags.HasErrors() {
			return nil, fmt.Errorf("failed to decode HCL file %s: %w", file, diags)
		}
		for _, s := range root.Schedules {
			schedules = append(schedules, fmt.Sprintf("%s (%s)", s.Name, file))
		}
		if diags := l.translate(ctx, &root, model); diags.HasErrors() {
			return nil, fmt.Errorf("invalid grid file %s: %w", file, diags)
		}
	}

	switch {
	case len(schedules) == 0:
		return nil, fmt.Errorf("no schedule block found in %v", paths)
	case len(schedules) > 1:
		return nil, fmt.Errorf("only one schedule block is allowed, found %v", schedules)
	}
	if len(model.Devices) == 0 {
		model.Devices = append(model.Devices, &Device{
			Name:      DefaultDevice,
			Memory:    DefaultMemory,
			CallStack: DefaultCallStack,
		})
	}
	if err := model.validate(); err != nil {
		return nil, err
	}

	logger.Debug("HCL loading complete.",
		"schedule", model.Name,
		"devices", len(model.Devices),
		"parameters", len(model.Parameters),
		"constants", len(model.Constants),
		"tasks", len(model.Tasks))
	return model, nil
}

// findAllHCLFiles returns every .hcl file under paths, each once. Paths that
// do not exist are skipped.
func (l *Loader) findAllHCLFiles(paths []string) ([]string, error) {
	var allFiles []string
	seen := make(map[string]struct{})
	add := func(p string) {
		if _, wasSeen := seen[p]; !wasSeen {
			allFiles = append(allFiles, p)
			seen[p] = struct{}{}
		}
	}

	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			if os.IsNotExist(err) {
				continue
			}
			return nil, fmt.Errorf("error accessing path %s: %w", path, err)
		}

		if !info.IsDir() {
			if filepath.Ext(path) == ".hcl" {
				add(path)
			}
			continue
		}
		err = filepath.WalkDir(path, func(p string, d fs.DirEntry, err error) error {
			if err != nil {
				return err
			}
			if !d.IsDir() && filepath.Ext(p) == ".hcl" {
				add(p)
			}
			return nil
		})
		if err != nil {
			return nil, err
		}
	}
	return allFiles, nil
}
