package tools

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
)

// maxAttachmentBytes bounds the total size of a problem's attachments.
// Uploads are buffered in memory.
const maxAttachmentBytes = 64 << 20

// Attachment is a file handed out with a problem.
type Attachment struct {
	Name string `json:"name"`
	Path string `json:"path"`
	Size int64  `json:"size"`
}

// CollectAttachments resolves paths into attachments. A directory
// contributes the regular files directly inside it; a file contributes
// itself. Names must be unique because they become remote file names.
func CollectAttachments(paths []string) ([]Attachment, error) {
	var out []Attachment
	seen := make(map[string]string)
	var total int64

	add := func(path string, info os.FileInfo) error {
		abs, err := filepath.Abs(path)
		if err != nil {
			return err
		}
		name := info.Name()
		if prev, ok := seen[name]; ok {
			return fmt.Errorf("attachment %q given twice (%s and %s)", name, prev, abs)
		}
		seen[name] = abs
		total += info.Size()
		if total > maxAttachmentBytes {
			return fmt.Errorf("attachments exceed %d MiB", maxAttachmentBytes>>20)
		}
		out = append(out, Attachment{Name: name, Path: abs, Size: info.Size()})
		return nil
	}

	for _, p := range paths {
		info, err := os.Stat(p)
		if err != nil {
			return nil, fmt.Errorf("attachment: %w", err)
		}
		if !info.IsDir() {
			if !info.Mode().IsRegular() {
				return nil, fmt.Errorf("attachment %s is not a regular file", p)
			}
			if err := add(p, info); err != nil {
				return nil, err
			}
			continue
		}

		entries, err := os.ReadDir(p)
		if err != nil {
			return nil, fmt.Errorf("attachment dir: %w", err)
		}
		for _, e := range entries {
			if !e.Type().IsRegular() {
				continue
			}
			fi, err := e.Info()
			if err != nil {
				return nil, fmt.Errorf("attachment: %w", err)
			}
			if err := add(filepath.Join(p, e.Name()), fi); err != nil {
				return nil, err
			}
		}
	}

	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

// DescribeAttachments renders the attachment list appended to the
// problem text. remote says whether copies are uploaded to the SSH
// host. It returns "" for no attachments.
func DescribeAttachments(files []Attachment, remote bool) string {
	if len(files) == 0 {
		return ""
	}
	var sb strings.Builder
	sb.WriteString("The problem comes with these files:\n")
	for _, f := range files {
		fmt.Fprintf(&sb, "- %s (%d bytes) at %s\n", f.Name, f.Size, f.Path)
	}
	if remote {
		sb.WriteString("Copies are uploaded to the login directory of the SSH host under the same names.\n")
	}
	return sb.String()
}

// WithAttachments appends the attachment list to problem.
func WithAttachments(problem string, files []Attachment, remote bool) string {
	desc := DescribeAttachments(files, remote)
	if desc == "" {
		return problem
	}
	return strings.TrimRight(problem, "\n") + "\n\n" + desc
}

// uploadAttachments copies files to the remote login directory using
// upload. Every file is attempted; failures are joined.
func uploadAttachments(files []Attachment, upload func(name string, data []byte) error) error {
	var errs []error
	for _, f := range files {
		data, err := os.ReadFile(f.Path)
		if err == nil {
			err = upload(f.Name, data)
		}
		if err != nil {
			errs = append(errs, fmt.Errorf("%s: %w", f.Name, err))
		}
	}
	return errors.Join(errs...)
}
